// Package reconcile merges freshly normalized records into a feed's
// last-known-good state.
package reconcile

import (
	"slices"
	"time"

	"departure-board/internal/model"
)

type Outcome int

const (
	// Accepted replaced the records and bumped the version.
	Accepted Outcome = iota
	// Unchanged carried the same content; only freshness was refreshed.
	Unchanged
	// RejectedEmpty was an empty update arriving while data is still fresh.
	RejectedEmpty
	// RejectedStale came from a lower tier and was issued before the last
	// accepted higher-tier update.
	RejectedStale
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Unchanged:
		return "unchanged"
	case RejectedEmpty:
		return "rejected-empty"
	case RejectedStale:
		return "rejected-stale"
	default:
		return "unknown"
	}
}

// Changed reports whether the outcome produced a new version.
func (o Outcome) Changed() bool { return o == Accepted }

type Config struct {
	// Staleness is how long the last non-empty state survives empty updates.
	Staleness time.Duration
	// FeedStaleness overrides Staleness per feed. A polled feed needs a
	// window longer than its poll cycle.
	FeedStaleness map[model.FeedName]time.Duration
	// Empty is the sentinel shown per feed when an empty update is accepted.
	Empty map[model.FeedName]model.Record
	// Unavailable is the sentinel shown per feed after persistent fetch failure.
	Unavailable map[model.FeedName]model.Record
	Loading     model.Record
}

const (
	NormalText       = "All services operating normally"
	NoDeparturesText = "No upcoming departures"
	UnavailableText  = "Unable to load schedule data. Please try again later."
	LoadingText      = "Loading..."
)

// DefaultConfig uses a 30s staleness window. An empty station feed falls
// back to defaultStation.
func DefaultConfig(defaultStation string) Config {
	return Config{
		Staleness: 30 * time.Second,
		Empty: map[model.FeedName]model.Record{
			model.FeedAlerts:    model.Sentinel(model.ReasonNormal, NormalText),
			model.FeedSchedules: model.Sentinel(model.ReasonNoDepartures, NoDeparturesText),
			model.FeedStation:   model.Sentinel(model.ReasonNormal, defaultStation),
		},
		Unavailable: map[model.FeedName]model.Record{
			model.FeedAlerts:    model.Sentinel(model.ReasonUnavailable, "Service alerts are temporarily unavailable."),
			model.FeedSchedules: model.Sentinel(model.ReasonUnavailable, UnavailableText),
			model.FeedStation:   model.Sentinel(model.ReasonUnavailable, defaultStation),
		},
		Loading: model.Sentinel(model.ReasonLoading, LoadingText),
	}
}

// Reconciler is stateless; all per-feed memory lives in model.State.
type Reconciler struct {
	cfg Config
}

func New(cfg Config) *Reconciler {
	if cfg.Staleness <= 0 {
		cfg.Staleness = 30 * time.Second
	}
	return &Reconciler{cfg: cfg}
}

// Staleness is the empty-update window applied to feed.
func (r *Reconciler) Staleness(feed model.FeedName) time.Duration {
	if d, ok := r.cfg.FeedStaleness[feed]; ok && d > 0 {
		return d
	}
	return r.cfg.Staleness
}

// Initial is the state of a feed before anything arrived.
func (r *Reconciler) Initial(feed model.FeedName) model.State {
	return model.State{
		Feed:    feed,
		Records: []model.Record{r.cfg.Loading},
		Source:  model.TierPolling,
	}
}

// Merge applies incoming as a full snapshot on top of prev. The returned
// state equals prev whenever the outcome is a rejection.
func (r *Reconciler) Merge(prev model.State, incoming []model.Record, source model.Tier, issuedAt, now time.Time) (model.State, Outcome) {
	if prev.Version > 0 && prev.Source.Outranks(source) && issuedAt.Before(prev.UpdatedAt) {
		return prev, RejectedStale
	}
	if len(incoming) == 0 {
		if prev.HasData() && now.Sub(prev.LastNonEmptyAt) < r.Staleness(prev.Feed) {
			return prev, RejectedEmpty
		}
		incoming = []model.Record{r.empty(prev.Feed)}
	}

	next := prev
	next.Source = source
	next.UpdatedAt = now
	if !incoming[0].IsSentinel() {
		next.LastNonEmptyAt = now
	}
	if sameContent(prev.Feed, prev.Records, incoming) {
		return next, Unchanged
	}
	next.Records = slices.Clone(incoming)
	next.Version++
	return next, Accepted
}

// Unavailable replaces prev with the feed's unavailable sentinel.
func (r *Reconciler) Unavailable(prev model.State, now time.Time) (model.State, Outcome) {
	sentinel, ok := r.cfg.Unavailable[prev.Feed]
	if !ok {
		sentinel = model.Sentinel(model.ReasonUnavailable, UnavailableText)
	}
	next := prev
	next.UpdatedAt = now
	next.Source = model.TierPolling
	if sameContent(prev.Feed, prev.Records, []model.Record{sentinel}) {
		return next, Unchanged
	}
	next.Records = []model.Record{sentinel}
	next.Version++
	return next, Accepted
}

func (r *Reconciler) empty(feed model.FeedName) model.Record {
	if s, ok := r.cfg.Empty[feed]; ok {
		return s
	}
	return model.Sentinel(model.ReasonNormal, NormalText)
}

// sameContent compares digests. Alert order carries no meaning; schedule
// and station order does.
func sameContent(feed model.FeedName, a, b []model.Record) bool {
	if len(a) != len(b) {
		return false
	}
	da, db := digests(a), digests(b)
	if feed == model.FeedAlerts {
		slices.Sort(da)
		slices.Sort(db)
	}
	return slices.Equal(da, db)
}

func digests(recs []model.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Digest
	}
	return out
}
