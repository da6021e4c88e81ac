package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departure-board/internal/model"
)

type rotateCall struct {
	feed   model.FeedName
	cursor int
	id     string
}

type recorder struct {
	renders []model.State
	rotates []rotateCall
	notices []Notice
}

func (r *recorder) Render(s model.State) { r.renders = append(r.renders, s) }
func (r *recorder) Rotate(f model.FeedName, c int, rec model.Record) {
	r.rotates = append(r.rotates, rotateCall{f, c, rec.ID})
}
func (r *recorder) Notify(n Notice) { r.notices = append(r.notices, n) }

var t0 = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

func at(ms int) time.Time { return t0.Add(time.Duration(ms) * time.Millisecond) }

func recs(ids ...string) []model.Record {
	out := make([]model.Record, len(ids))
	for i, id := range ids {
		out[i] = model.Record{ID: id, Digest: id, Kind: model.KindAlert, Text: id}
	}
	return out
}

func alertsState(version uint64, ids ...string) model.State {
	return model.State{Feed: model.FeedAlerts, Version: version, Records: recs(ids...)}
}

func TestRenderOncePerVersion(t *testing.T) {
	r := &recorder{}
	d := New(r, 0)
	s := model.State{Feed: model.FeedSchedules, Version: 1, Records: recs("a")}

	assert.True(t, d.OnReconciled(s, at(0)))
	assert.False(t, d.OnReconciled(s, at(10)))
	s.Version = 2
	assert.True(t, d.OnReconciled(s, at(20)))
	assert.Len(t, r.renders, 2)
	assert.Empty(t, r.rotates, "schedules do not rotate")
}

func TestRotationCursorSequence(t *testing.T) {
	r := &recorder{}
	d := New(r, 5*time.Second, model.FeedAlerts)
	d.OnReconciled(alertsState(1, "a", "b", "c"), at(0))

	var seq []int
	seq = append(seq, d.Cursor(model.FeedAlerts))
	for ms := 1000; ms <= 15000; ms += 1000 {
		d.Tick(at(ms))
		if c := d.Cursor(model.FeedAlerts); c != seq[len(seq)-1] {
			seq = append(seq, c)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 0}, seq)

	next, ok := d.NextTick()
	require.True(t, ok)
	assert.Equal(t, at(20000), next)
}

func TestIdentityChangeResetsCursor(t *testing.T) {
	r := &recorder{}
	d := New(r, 5*time.Second, model.FeedAlerts)
	d.OnReconciled(alertsState(1, "a", "b", "c"), at(0))
	d.Tick(at(5000))
	d.Tick(at(10000))
	require.Equal(t, 2, d.Cursor(model.FeedAlerts))

	d.OnReconciled(alertsState(2, "c", "a", "b"), at(11000))
	assert.Equal(t, 2, d.Cursor(model.FeedAlerts), "reorder keeps the cursor")

	d.OnReconciled(alertsState(3, "a", "b", "c", "d"), at(12000))
	assert.Equal(t, 0, d.Cursor(model.FeedAlerts), "insert resets the cursor")

	d.Tick(at(15000))
	assert.Equal(t, 1, d.Cursor(model.FeedAlerts), "tick grid is unchanged by data")

	d.OnReconciled(alertsState(4, "a", "b"), at(16000))
	assert.Equal(t, 0, d.Cursor(model.FeedAlerts), "removal resets the cursor")
	last := r.rotates[len(r.rotates)-1]
	assert.Equal(t, rotateCall{model.FeedAlerts, 0, "a"}, last)
}

func TestSingleRecordDoesNotRotate(t *testing.T) {
	r := &recorder{}
	d := New(r, 5*time.Second, model.FeedAlerts)
	d.OnReconciled(alertsState(1, "a"), at(0))
	d.Tick(at(30000))
	assert.Len(t, r.rotates, 1)
	assert.Equal(t, 0, d.Cursor(model.FeedAlerts))
}

func TestBoardKeepsLatestView(t *testing.T) {
	b := NewBoard()
	var hooked []uint64
	b.OnRender = func(_ model.FeedName, v uint64) { hooked = append(hooked, v) }
	d := New(b, 5*time.Second, model.FeedAlerts)

	d.OnReconciled(alertsState(1, "Line A: Delayed", "Line B: Cancelled"), at(0))
	d.Tick(at(5000))
	d.Notify(Notice{Level: LevelWarning, Text: "Please wait", At: at(5000)})

	v, ok := b.Feed(model.FeedAlerts)
	require.True(t, ok)
	assert.Equal(t, "Line A: Delayed • Line B: Cancelled", v.Ticker)
	assert.Equal(t, 1, v.Cursor)
	require.NotNil(t, v.Current)
	assert.Equal(t, "Line B: Cancelled", v.Current.ID)
	assert.Equal(t, uint64(1), v.Renders)
	assert.Equal(t, []uint64{1}, hooked)

	assert.Len(t, b.Notices(at(0)), 1)
	assert.Empty(t, b.Notices(at(5000)))
}

func TestPlatformDisplay(t *testing.T) {
	now := at(0)
	departs := func(min int) *time.Time {
		t := now.Add(time.Duration(min) * time.Minute)
		return &t
	}
	tests := []struct {
		name string
		row  model.ScheduleRow
		want Platform
	}{
		{"far out", model.ScheduleRow{Platform: "7", DepartsAt: departs(12)}, Platform{Kind: PlatformInfoIn, Text: "Info in 7 min | Info dans 7 min", InMinutes: 7}},
		{"within window", model.ScheduleRow{Platform: "7", Accessible: true, DepartsAt: departs(5)}, Platform{Kind: PlatformShown, Text: "7", Accessible: true}},
		{"no platform yet", model.ScheduleRow{Status: "Delayed", DepartsAt: departs(3)}, Platform{Kind: PlatformStatus, Text: "Delayed"}},
		{"no departure time", model.ScheduleRow{Status: "On time", Platform: "3"}, Platform{Kind: PlatformStatus, Text: "On time"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, PlatformDisplay(tc.row, now))
		})
	}
}

func TestBoardSchedulesCarryPlatformColumn(t *testing.T) {
	b := NewBoard()
	clock := at(0)
	b.Now = func() time.Time { return clock }
	departs := at(0).Add(8 * time.Minute)
	b.Render(model.State{
		Feed:    model.FeedSchedules,
		Version: 1,
		Records: []model.Record{
			{ID: "r1", Kind: model.KindSchedule, Schedule: &model.ScheduleRow{Train: "LW", Platform: "4", DepartsAt: &departs}},
			{ID: "r2", Kind: model.KindSchedule, Schedule: &model.ScheduleRow{Train: "LE", Status: "On time"}},
		},
	})

	v, ok := b.Feed(model.FeedSchedules)
	require.True(t, ok)
	require.Len(t, v.Platforms, 2)
	assert.Equal(t, PlatformInfoIn, v.Platforms[0].Kind)
	assert.Equal(t, 3, v.Platforms[0].InMinutes)
	assert.Equal(t, Platform{Kind: PlatformStatus, Text: "On time"}, v.Platforms[1])

	clock = at(0).Add(4 * time.Minute)
	v = b.Snapshot()[model.FeedSchedules]
	assert.Equal(t, Platform{Kind: PlatformShown, Text: "4"}, v.Platforms[0])
}
