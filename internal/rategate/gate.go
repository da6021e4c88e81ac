package rategate

import (
	"time"
)

type Channel string

const (
	ChannelStation   Channel = "station"
	ChannelSchedules Channel = "schedules"
	ChannelAlerts    Channel = "alerts"
)

// DefaultIntervals mirrors the board's refresh cadence: user station changes,
// schedule refreshes and alert-stream bursts.
var DefaultIntervals = map[Channel]time.Duration{
	ChannelStation:   3 * time.Second,
	ChannelSchedules: 10 * time.Second,
	ChannelAlerts:    time.Second,
}

// Gate enforces a minimum interval between admitted updates, independently per channel.
// It is not safe for concurrent use; the coordinator loop owns it.
type Gate struct {
	intervals map[Channel]time.Duration
	last      map[Channel]time.Time
	onSkip    func(ch Channel, wait time.Duration)
}

func New(intervals map[Channel]time.Duration, onSkip func(ch Channel, wait time.Duration)) *Gate {
	iv := make(map[Channel]time.Duration, len(intervals))
	for ch, d := range intervals {
		iv[ch] = d
	}
	return &Gate{intervals: iv, last: make(map[Channel]time.Time), onSkip: onSkip}
}

// Admit returns true and records now when at least the channel interval has
// passed since the last admission. On rejection nothing changes except the
// skip hook firing.
func (g *Gate) Admit(ch Channel, now time.Time) bool {
	last, seen := g.last[ch]
	if seen {
		// Sub uses the monotonic reading when both times carry one.
		if elapsed := now.Sub(last); elapsed < g.intervals[ch] {
			if g.onSkip != nil {
				g.onSkip(ch, g.intervals[ch]-elapsed)
			}
			return false
		}
	}
	g.last[ch] = now
	return true
}

// Mark records an admission that bypassed the gate (forced refresh).
func (g *Gate) Mark(ch Channel, now time.Time) { g.last[ch] = now }

// Interval returns the configured minimum interval for ch.
func (g *Gate) Interval(ch Channel) time.Duration { return g.intervals[ch] }
