package reconcile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departure-board/internal/model"
	"departure-board/internal/normalize"
)

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func alert(t *testing.T, text string) model.Record {
	t.Helper()
	r, ok := normalize.AlertRecord(model.Alert{Text: text})
	require.True(t, ok)
	return r
}

func row(t *testing.T, train, status string) model.Record {
	t.Helper()
	r, ok := normalize.ScheduleRecord(model.ScheduleRow{Train: train, Destination: "Oshawa", ScheduledTime: "08:15", Status: status})
	require.True(t, ok)
	return r
}

func TestStalenessRule(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	prev, out := r.Merge(r.Initial(model.FeedAlerts), []model.Record{alert(t, "Line A: Delayed")}, model.TierPolling, at(0), at(0))
	require.Equal(t, Accepted, out)
	require.Equal(t, uint64(1), prev.Version)

	kept, out := r.Merge(prev, nil, model.TierPolling, at(1000), at(1000))
	assert.Equal(t, RejectedEmpty, out)
	assert.Equal(t, prev, kept)

	cleared, out := r.Merge(kept, nil, model.TierPolling, at(31000), at(31000))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, uint64(2), cleared.Version)
	require.Len(t, cleared.Records, 1)
	assert.True(t, cleared.Records[0].IsSentinel())
	assert.Equal(t, NormalText, cleared.Records[0].Text)
	assert.False(t, cleared.HasData())
}

func TestFeedStalenessOverride(t *testing.T) {
	cfg := DefaultConfig("Union Station")
	cfg.FeedStaleness = map[model.FeedName]time.Duration{model.FeedAlerts: 40 * time.Second}
	r := New(cfg)
	assert.Equal(t, 40*time.Second, r.Staleness(model.FeedAlerts))
	assert.Equal(t, 30*time.Second, r.Staleness(model.FeedSchedules))

	prev, _ := r.Merge(r.Initial(model.FeedAlerts), []model.Record{alert(t, "Line A: Delayed")}, model.TierPolling, at(0), at(0))
	kept, out := r.Merge(prev, nil, model.TierPolling, at(30000), at(30000))
	assert.Equal(t, RejectedEmpty, out)
	assert.Equal(t, prev, kept)

	_, out = r.Merge(kept, nil, model.TierPolling, at(40000), at(40000))
	assert.Equal(t, Accepted, out)
}

func TestEmptyOnEmptyStateShowsSentinel(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	s, out := r.Merge(r.Initial(model.FeedSchedules), nil, model.TierPolling, at(0), at(0))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, model.ReasonNoDepartures, s.Records[0].Reason)

	again, out := r.Merge(s, nil, model.TierPolling, at(10), at(10))
	assert.Equal(t, Unchanged, out)
	assert.Equal(t, s.Version, again.Version)
}

func TestAlertOrderIsIgnored(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	a, b := alert(t, "Line A: Delayed"), alert(t, "Line B: Cancelled")
	s, _ := r.Merge(r.Initial(model.FeedAlerts), []model.Record{a, b}, model.TierPolling, at(0), at(0))

	same, out := r.Merge(s, []model.Record{b, a}, model.TierPolling, at(100), at(100))
	assert.Equal(t, Unchanged, out)
	assert.Equal(t, s.Version, same.Version)
	assert.Equal(t, at(100), same.LastNonEmptyAt)

	changed, out := r.Merge(same, []model.Record{a}, model.TierPolling, at(200), at(200))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, s.Version+1, changed.Version)
}

func TestScheduleOrderMatters(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	x, y := row(t, "LW Aldershot", "On time"), row(t, "LE Oshawa", "On time")
	s, _ := r.Merge(r.Initial(model.FeedSchedules), []model.Record{x, y}, model.TierPolling, at(0), at(0))

	swapped, out := r.Merge(s, []model.Record{y, x}, model.TierPolling, at(100), at(100))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, s.Version+1, swapped.Version)

	delayed, out := r.Merge(swapped, []model.Record{y, row(t, "LW Aldershot", "Delayed")}, model.TierPolling, at(200), at(200))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, swapped.Version+1, delayed.Version)
}

func TestPushSupersedesStalePoll(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	s, _ := r.Merge(r.Initial(model.FeedAlerts), []model.Record{alert(t, "Line A: Delayed")}, model.TierPushSocket, at(1000), at(1000))

	stale, out := r.Merge(s, []model.Record{alert(t, "Line A: Cancelled")}, model.TierPolling, at(500), at(1200))
	assert.Equal(t, RejectedStale, out)
	assert.Equal(t, s, stale)

	fresh, out := r.Merge(s, []model.Record{alert(t, "Line A: Cancelled")}, model.TierPolling, at(1100), at(1300))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, model.TierPolling, fresh.Source)
}

func TestUnavailable(t *testing.T) {
	r := New(DefaultConfig("Union Station"))
	s, _ := r.Merge(r.Initial(model.FeedSchedules), []model.Record{row(t, "LW Aldershot", "On time")}, model.TierPolling, at(0), at(0))

	down, out := r.Unavailable(s, at(100))
	assert.Equal(t, Accepted, out)
	assert.Equal(t, UnavailableText, down.Records[0].Text)
	assert.Equal(t, model.ReasonUnavailable, down.Records[0].Reason)

	_, out = r.Unavailable(down, at(200))
	assert.Equal(t, Unchanged, out)
}
