// Package coordinator owns the live state of every board feed.
//
// A single goroutine (Run) drains one reaction queue. Transports, fetches
// and control requests only post typed events into that queue; all state
// changes happen inside Handle and Advance, which take an explicit time
// and run to completion.
package coordinator

import (
	"context"
	"errors"
	"io"
	"log"
	"maps"
	"time"

	"github.com/benbjohnson/clock"

	"departure-board/internal/dispatch"
	"departure-board/internal/model"
	"departure-board/internal/normalize"
	"departure-board/internal/rategate"
	"departure-board/internal/reconcile"
	"departure-board/internal/tier"
	"departure-board/internal/transport"
)

var (
	// ErrRateLimited is returned when the client-side gate refuses an action.
	ErrRateLimited = errors.New("rate limited, try again shortly")
	ErrStopped     = errors.New("coordinator stopped")
	ErrNoControl   = errors.New("control channel not configured")
	ErrEmptyValue  = errors.New("empty value")
)

// Stream is a live delivery tier (push socket or event stream).
type Stream interface {
	Tier() model.Tier
	Open(ctx context.Context, feed model.FeedName, l transport.Listener) (io.Closer, error)
}

// Fetcher downloads feed snapshots; it backs the polling tier as well as
// bootstrap and reconnect replays.
type Fetcher interface {
	Fetch(ctx context.Context, feed model.FeedName, station string) (model.RawUpdate, error)
}

// Controller performs user-initiated backend actions.
type Controller interface {
	SetStation(ctx context.Context, station string) (string, error)
	SetLanguage(ctx context.Context, language string) error
}

type Metrics interface {
	GateSkipped(ch rategate.Channel)
	TierChanged(feed model.FeedName, t model.Tier, phase model.Phase)
	RetryScheduled(feed model.FeedName, t model.Tier, attempt int, delay time.Duration)
	Reconciled(feed model.FeedName, outcome string, version uint64)
	Rendered(feed model.FeedName)
	FetchFailed(feed model.FeedName)
	Discarded(feed model.FeedName, reason string)
	Noticed(level string)
}

type Config struct {
	Station  string
	Language string
	Feeds    []model.FeedName
	// Tiers lists the delivery tiers tried per feed; polling is implied.
	Tiers            map[model.FeedName][]model.Tier
	PollIntervals    map[model.FeedName]time.Duration
	GateIntervals    map[rategate.Channel]time.Duration
	Supervisor       tier.SupervisorConfig
	Reconcile        reconcile.Config
	RotationInterval time.Duration
	// QuickRetryFeeds retry failed fetches every QuickRetry*failures, up to
	// MaxFetchFailures retries; the next failure shows the unavailable
	// sentinel.
	QuickRetryFeeds  []model.FeedName
	QuickRetry       time.Duration
	MaxFetchFailures int
	FetchTimeout     time.Duration
	CacheSize        int
	QueueSize        int
}

func DefaultConfig(station string) Config {
	live := []model.Tier{model.TierPushSocket, model.TierEventStream, model.TierPolling}
	return Config{
		Station:  station,
		Language: "en",
		Feeds:    append([]model.FeedName(nil), model.Feeds...),
		Tiers: map[model.FeedName][]model.Tier{
			model.FeedStation:   live,
			model.FeedAlerts:    live,
			model.FeedSchedules: {model.TierPolling},
		},
		PollIntervals: map[model.FeedName]time.Duration{
			model.FeedStation:   30 * time.Second,
			model.FeedAlerts:    30 * time.Second,
			model.FeedSchedules: 30 * time.Second,
		},
		GateIntervals:    rategate.DefaultIntervals,
		Supervisor:       tier.DefaultSupervisorConfig(),
		Reconcile:        reconcile.DefaultConfig(station),
		RotationInterval: dispatch.DefaultRotationInterval,
		QuickRetryFeeds:  []model.FeedName{model.FeedSchedules},
		QuickRetry:       5 * time.Second,
		MaxFetchFailures: 3,
		FetchTimeout:     10 * time.Second,
		CacheSize:        256,
		QueueSize:        64,
	}
}

func (cfg Config) pollInterval(feed model.FeedName) time.Duration {
	if d := cfg.PollIntervals[feed]; d > 0 {
		return d
	}
	return 30 * time.Second
}

// gateChannel maps a feed onto the rate gate channel throttling its updates.
func gateChannel(f model.FeedName) (rategate.Channel, bool) {
	switch f {
	case model.FeedAlerts:
		return rategate.ChannelAlerts, true
	case model.FeedSchedules:
		return rategate.ChannelSchedules, true
	}
	return "", false
}

type feed struct {
	name       model.FeedName
	sel        *tier.Selector
	sup        *tier.Supervisor
	state      model.State
	channel    rategate.Channel
	gated      bool
	interval   time.Duration
	quickRetry bool

	conn     uint64
	closer   io.Closer
	retryAt  time.Time
	nextPoll time.Time
	inflight bool
	failures int
	replay   bool
}

type Coordinator struct {
	cfg        Config
	streams    map[model.Tier]Stream
	fetcher    Fetcher
	control    Controller
	metrics    Metrics
	clock      clock.Clock
	dispatcher *dispatch.Dispatcher
	norm       *normalize.Normalizer
	rec        *reconcile.Reconciler
	gate       *rategate.Gate

	feeds    map[model.FeedName]*feed
	order    []model.FeedName
	station  string
	language string

	events   chan Event
	done     chan struct{}
	ctx      context.Context
	spawn    func(func())
	nextConn uint64
	started  bool
}

type Option func(*Coordinator)

func WithStreams(streams ...Stream) Option {
	return func(c *Coordinator) {
		for _, s := range streams {
			c.streams[s.Tier()] = s
		}
	}
}

func WithFetcher(f Fetcher) Option         { return func(c *Coordinator) { c.fetcher = f } }
func WithController(ctl Controller) Option { return func(c *Coordinator) { c.control = ctl } }
func WithMetrics(m Metrics) Option         { return func(c *Coordinator) { c.metrics = m } }
func WithClock(clk clock.Clock) Option     { return func(c *Coordinator) { c.clock = clk } }

// New builds a coordinator rendering into r. Nothing connects until Run.
func New(cfg Config, r dispatch.Renderer, opts ...Option) *Coordinator {
	def := DefaultConfig(cfg.Station)
	if len(cfg.Feeds) == 0 {
		cfg.Feeds = def.Feeds
	}
	if cfg.Tiers == nil {
		cfg.Tiers = def.Tiers
	}
	if cfg.PollIntervals == nil {
		cfg.PollIntervals = def.PollIntervals
	}
	if cfg.GateIntervals == nil {
		cfg.GateIntervals = def.GateIntervals
	}
	if cfg.Reconcile.Empty == nil {
		cfg.Reconcile = def.Reconcile
	}
	if cfg.QuickRetry <= 0 {
		cfg.QuickRetry = def.QuickRetry
	}
	if cfg.MaxFetchFailures <= 0 {
		cfg.MaxFetchFailures = def.MaxFetchFailures
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = def.FetchTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Language == "" {
		cfg.Language = def.Language
	}

	// An empty poll must not clear a feed that was confirmed one cycle ago.
	cfg.Reconcile.FeedStaleness = maps.Clone(cfg.Reconcile.FeedStaleness)
	if cfg.Reconcile.FeedStaleness == nil {
		cfg.Reconcile.FeedStaleness = make(map[model.FeedName]time.Duration)
	}
	for _, name := range cfg.Feeds {
		window := cfg.pollInterval(name) + cfg.FetchTimeout
		if _, set := cfg.Reconcile.FeedStaleness[name]; !set && window > cfg.Reconcile.Staleness {
			cfg.Reconcile.FeedStaleness[name] = window
		}
	}

	c := &Coordinator{
		cfg:        cfg,
		streams:    make(map[model.Tier]Stream),
		metrics:    nopMetrics{},
		clock:      clock.New(),
		dispatcher: dispatch.New(r, cfg.RotationInterval, model.FeedAlerts),
		norm:       normalize.New(cfg.CacheSize),
		rec:        reconcile.New(cfg.Reconcile),
		feeds:      make(map[model.FeedName]*feed),
		station:    cfg.Station,
		language:   cfg.Language,
		events:     make(chan Event, cfg.QueueSize),
		done:       make(chan struct{}),
		ctx:        context.Background(),
		spawn:      func(fn func()) { go fn() },
	}
	for _, o := range opts {
		o(c)
	}
	c.gate = rategate.New(cfg.GateIntervals, func(ch rategate.Channel, wait time.Duration) {
		c.metrics.GateSkipped(ch)
		log.Printf("rate gate: skipped %s update, next admission in %s", ch, wait)
	})

	quick := make(map[model.FeedName]bool, len(cfg.QuickRetryFeeds))
	for _, f := range cfg.QuickRetryFeeds {
		quick[f] = true
	}
	for _, name := range cfg.Feeds {
		if _, dup := c.feeds[name]; dup {
			continue
		}
		interval := cfg.pollInterval(name)
		ch, gated := gateChannel(name)
		c.feeds[name] = &feed{
			name:       name,
			sel:        tier.NewSelector(cfg.Tiers[name]...),
			sup:        tier.NewSupervisor(cfg.Supervisor),
			state:      c.rec.Initial(name),
			channel:    ch,
			gated:      gated,
			interval:   interval,
			quickRetry: quick[name],
		}
		c.order = append(c.order, name)
	}
	return c
}

// Run processes events and deadlines until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.ctx = ctx
	defer close(c.done)

	now := c.clock.Now()
	c.Start(now)
	c.Advance(now)
	timer := c.clock.Timer(c.sleep(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()
		case ev := <-c.events:
			c.Handle(ev, c.clock.Now())
		case <-timer.C:
		}
		now = c.clock.Now()
		c.Advance(now)
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(c.sleep(now))
	}
}

func (c *Coordinator) sleep(now time.Time) time.Duration {
	next, ok := c.NextDeadline()
	if !ok {
		return time.Minute
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return 0
}

// post hands ev to the reaction queue. It never blocks after Run returned.
func (c *Coordinator) post(ev Event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Coordinator) shutdown() {
	for _, name := range c.order {
		f := c.feeds[name]
		c.closeConn(f)
		f.sel.Stop()
	}
	log.Printf("coordinator stopped")
}

// request posts a command and waits for its result.
func (c *Coordinator) request(ctx context.Context, cmd *Command) (Result, error) {
	cmd.reply = make(chan Result, 1)
	select {
	case c.events <- Event{Kind: EventCommand, Command: cmd}:
	case <-c.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
	select {
	case res := <-cmd.reply:
		return res, res.Err
	case <-c.done:
		return Result{}, ErrStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// SetStation switches the board to another station. The client gate allows
// one change every few seconds; refusals return ErrRateLimited.
func (c *Coordinator) SetStation(ctx context.Context, station string) (string, error) {
	res, err := c.request(ctx, &Command{Op: OpSetStation, Value: station})
	return res.Message, err
}

// SetLanguage switches language and reloads every feed from its top tier.
func (c *Coordinator) SetLanguage(ctx context.Context, language string) error {
	_, err := c.request(ctx, &Command{Op: OpSetLanguage, Value: language})
	return err
}

// Reload reconnects every feed from its top tier.
func (c *Coordinator) Reload(ctx context.Context) error {
	_, err := c.request(ctx, &Command{Op: OpReload})
	return err
}

func (c *Coordinator) Status(ctx context.Context) (Status, error) {
	res, err := c.request(ctx, &Command{Op: OpStatus})
	return res.Status, err
}

type nopMetrics struct{}

func (nopMetrics) GateSkipped(rategate.Channel)                                  {}
func (nopMetrics) TierChanged(model.FeedName, model.Tier, model.Phase)           {}
func (nopMetrics) RetryScheduled(model.FeedName, model.Tier, int, time.Duration) {}
func (nopMetrics) Reconciled(model.FeedName, string, uint64)                     {}
func (nopMetrics) Rendered(model.FeedName)                                       {}
func (nopMetrics) FetchFailed(model.FeedName)                                    {}
func (nopMetrics) Discarded(model.FeedName, string)                              {}
func (nopMetrics) Noticed(string)                                                {}
