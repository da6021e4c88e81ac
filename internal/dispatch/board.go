package dispatch

import (
	"strings"
	"sync"
	"time"

	"departure-board/internal/model"
)

const maxNotices = 20

// FeedView is what the board currently shows for one feed.
type FeedView struct {
	State   model.State   `json:"state"`
	Cursor  int           `json:"cursor"`
	Current *model.Record `json:"current,omitempty"`
	Ticker  string        `json:"ticker,omitempty"`
	// Platforms holds the platform column of each schedule row, computed
	// when the view is read.
	Platforms []Platform `json:"platforms,omitempty"`
	Renders   uint64     `json:"renders"`
}

// Board is a Renderer that keeps the latest view of every feed in memory
// for the HTTP surface. OnRender, when set, is called after every render.
// Now defaults to time.Now.
type Board struct {
	mu       sync.RWMutex
	feeds    map[model.FeedName]*FeedView
	notices  []Notice
	OnRender func(feed model.FeedName, version uint64)
	Now      func() time.Time
}

func NewBoard() *Board {
	return &Board{feeds: make(map[model.FeedName]*FeedView)}
}

func (b *Board) view(feed model.FeedName) *FeedView {
	v, ok := b.feeds[feed]
	if !ok {
		v = &FeedView{}
		b.feeds[feed] = v
	}
	return v
}

func (b *Board) Render(state model.State) {
	b.mu.Lock()
	v := b.view(state.Feed)
	v.State = state
	v.Renders++
	if state.Feed == model.FeedAlerts {
		v.Ticker = TickerText(state.Records)
	}
	hook := b.OnRender
	b.mu.Unlock()
	if hook != nil {
		hook(state.Feed, state.Version)
	}
}

func (b *Board) Rotate(feed model.FeedName, cursor int, rec model.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v := b.view(feed)
	v.Cursor = cursor
	v.Current = &rec
}

func (b *Board) Notify(n Notice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notices = append(b.notices, n)
	if len(b.notices) > maxNotices {
		b.notices = b.notices[len(b.notices)-maxNotices:]
	}
}

// Feed returns a copy of the current view of feed.
func (b *Board) Feed(feed model.FeedName) (FeedView, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.feeds[feed]
	if !ok {
		return FeedView{}, false
	}
	return b.read(v, b.now()), true
}

// Snapshot returns every feed view keyed by feed name.
func (b *Board) Snapshot() map[model.FeedName]FeedView {
	b.mu.RLock()
	defer b.mu.RUnlock()
	now := b.now()
	out := make(map[model.FeedName]FeedView, len(b.feeds))
	for k, v := range b.feeds {
		out[k] = b.read(v, now)
	}
	return out
}

func (b *Board) now() time.Time {
	if b.Now != nil {
		return b.Now()
	}
	return time.Now()
}

// read copies v, filling the platform column of schedule rows for now.
func (b *Board) read(v *FeedView, now time.Time) FeedView {
	out := *v
	if out.State.Feed != model.FeedSchedules {
		return out
	}
	out.Platforms = nil
	for _, r := range out.State.Records {
		if r.Schedule == nil {
			continue
		}
		out.Platforms = append(out.Platforms, PlatformDisplay(*r.Schedule, now))
	}
	return out
}

// Notices returns notices newer than since, oldest first.
func (b *Board) Notices(since time.Time) []Notice {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Notice
	for _, n := range b.notices {
		if n.At.After(since) {
			out = append(out, n)
		}
	}
	return out
}

// TickerText joins alert texts for the scrolling ticker.
func TickerText(recs []model.Record) string {
	parts := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.Text != "" {
			parts = append(parts, r.Text)
		}
	}
	return strings.Join(parts, " • ")
}
