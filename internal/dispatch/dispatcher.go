// Package dispatch decides when the view is redrawn and with which data.
package dispatch

import (
	"slices"
	"time"

	"departure-board/internal/model"
)

const DefaultRotationInterval = 5 * time.Second

type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Notice is a transient user-visible message.
type Notice struct {
	Level Level     `json:"level"`
	Text  string    `json:"text"`
	At    time.Time `json:"at"`
}

// Renderer draws the board. Implementations must not block.
type Renderer interface {
	Render(state model.State)
	Rotate(feed model.FeedName, cursor int, rec model.Record)
	Notify(n Notice)
}

type rotation struct {
	ids     []string
	records []model.Record
	cursor  int
	next    time.Time
}

// Dispatcher renders reconciled states at most once per version and drives
// the rotation cursor of multi-item feeds. It is not safe for concurrent use;
// the coordinator goroutine owns it.
type Dispatcher struct {
	renderer  Renderer
	interval  time.Duration
	rotating  map[model.FeedName]bool
	rendered  map[model.FeedName]uint64
	seen      map[model.FeedName]bool
	rotations map[model.FeedName]*rotation
}

// New returns a Dispatcher rotating the given feeds every interval.
func New(r Renderer, interval time.Duration, rotating ...model.FeedName) *Dispatcher {
	if interval <= 0 {
		interval = DefaultRotationInterval
	}
	d := &Dispatcher{
		renderer:  r,
		interval:  interval,
		rotating:  make(map[model.FeedName]bool),
		rendered:  make(map[model.FeedName]uint64),
		seen:      make(map[model.FeedName]bool),
		rotations: make(map[model.FeedName]*rotation),
	}
	for _, f := range rotating {
		d.rotating[f] = true
	}
	return d
}

// OnReconciled renders state unless that version was already rendered.
// It reports whether a render happened.
func (d *Dispatcher) OnReconciled(state model.State, now time.Time) bool {
	if d.seen[state.Feed] && d.rendered[state.Feed] == state.Version {
		return false
	}
	d.seen[state.Feed] = true
	d.rendered[state.Feed] = state.Version
	d.renderer.Render(state)

	if d.rotating[state.Feed] {
		d.rotate(state, now)
	}
	return true
}

func (d *Dispatcher) rotate(state model.State, now time.Time) {
	ids := state.IDs()
	slices.Sort(ids)

	rot, ok := d.rotations[state.Feed]
	if !ok {
		rot = &rotation{next: now.Add(d.interval)}
		d.rotations[state.Feed] = rot
	}
	if !slices.Equal(rot.ids, ids) {
		rot.cursor = 0
	}
	rot.ids = ids
	rot.records = state.Records
	if rot.cursor >= len(rot.records) {
		rot.cursor = 0
	}
	if len(rot.records) > 0 {
		d.renderer.Rotate(state.Feed, rot.cursor, rot.records[rot.cursor])
	}
}

// Tick advances every rotation whose tick is due. The tick grid is fixed
// when a feed first renders and does not move with data refreshes.
func (d *Dispatcher) Tick(now time.Time) {
	for feed, rot := range d.rotations {
		moved := false
		for !now.Before(rot.next) {
			rot.next = rot.next.Add(d.interval)
			if len(rot.records) > 1 {
				rot.cursor = (rot.cursor + 1) % len(rot.records)
				moved = true
			}
		}
		if moved {
			d.renderer.Rotate(feed, rot.cursor, rot.records[rot.cursor])
		}
	}
}

// NextTick returns the earliest pending rotation tick.
func (d *Dispatcher) NextTick() (time.Time, bool) {
	var next time.Time
	for _, rot := range d.rotations {
		if next.IsZero() || rot.next.Before(next) {
			next = rot.next
		}
	}
	return next, !next.IsZero()
}

// Cursor returns the rotation cursor of feed.
func (d *Dispatcher) Cursor(feed model.FeedName) int {
	if rot, ok := d.rotations[feed]; ok {
		return rot.cursor
	}
	return 0
}

func (d *Dispatcher) Notify(n Notice) { d.renderer.Notify(n) }
