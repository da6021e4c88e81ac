package tier

import (
	"sort"

	"departure-board/internal/model"
)

// Selector tracks which delivery tier a feed is using. Only one tier is
// active at a time; demoted tiers are never promoted again until Reset.
type Selector struct {
	tiers         []model.Tier
	idx           int
	phase         model.Phase
	epoch         uint64
	connectedOnce map[model.Tier]bool
}

// NewSelector orders tiers by preference. Polling is always the terminal
// tier and is appended when missing.
func NewSelector(tiers ...model.Tier) *Selector {
	seen := make(map[model.Tier]bool, len(tiers)+1)
	ordered := make([]model.Tier, 0, len(tiers)+1)
	for _, t := range tiers {
		if !seen[t] {
			seen[t] = true
			ordered = append(ordered, t)
		}
	}
	if !seen[model.TierPolling] {
		ordered = append(ordered, model.TierPolling)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Outranks(ordered[j]) })
	return &Selector{
		tiers:         ordered,
		phase:         model.Connecting,
		connectedOnce: make(map[model.Tier]bool),
	}
}

func (s *Selector) Current() model.Tier            { return s.tiers[s.idx] }
func (s *Selector) Phase() model.Phase             { return s.phase }
func (s *Selector) Epoch() uint64                  { return s.epoch }
func (s *Selector) Tiers() []model.Tier            { return append([]model.Tier(nil), s.tiers...) }
func (s *Selector) Terminal() bool                 { return s.Current() == model.TierPolling }
func (s *Selector) HasConnected(t model.Tier) bool { return s.connectedOnce[t] }

// Connected records a transport-level connect success for t. It returns
// false when t is not the active tier (a lingering, superseded connection).
func (s *Selector) Connected(t model.Tier) bool {
	if t != s.Current() || s.phase == model.Disconnected {
		return false
	}
	s.phase = model.Connected
	s.connectedOnce[t] = true
	return true
}

// Failed moves the active tier to Degrading. Polling never degrades: a
// failed poll is simply retried on the next tick.
func (s *Selector) Failed(t model.Tier) bool {
	if t != s.Current() || s.Terminal() {
		return false
	}
	switch s.phase {
	case model.Connected, model.Connecting:
		s.phase = model.Degrading
		return true
	}
	return false
}

// Reconnecting marks a supervised retry of the active tier as in progress.
func (s *Selector) Reconnecting() {
	if s.phase == model.Degrading {
		s.phase = model.Connecting
	}
}

// Demote gives up on the active tier and moves to the next lower one.
// It returns false when already on the terminal tier.
func (s *Selector) Demote() (model.Tier, bool) {
	if s.Terminal() {
		return s.Current(), false
	}
	s.idx++
	s.phase = model.Connecting
	s.epoch++
	return s.Current(), true
}

// Reset returns to the top tier, as a full page reload would.
func (s *Selector) Reset() {
	s.idx = 0
	s.phase = model.Connecting
	s.epoch++
	s.connectedOnce = make(map[model.Tier]bool)
}

// Stop parks the selector; nothing is connected any more.
func (s *Selector) Stop() {
	s.phase = model.Disconnected
	s.epoch++
}
