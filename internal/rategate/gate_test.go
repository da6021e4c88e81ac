package rategate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAdmit(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		second time.Duration
		want   [2]bool
	}{
		{"too soon", 2000 * time.Millisecond, [2]bool{true, false}},
		{"exactly interval", 3000 * time.Millisecond, [2]bool{true, true}},
		{"later", 10 * time.Second, [2]bool{true, true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g := New(map[Channel]time.Duration{ChannelStation: 3 * time.Second}, nil)
			got := [2]bool{g.Admit(ChannelStation, t0), g.Admit(ChannelStation, t0.Add(tc.second))}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRejectionLeavesStateUnchanged(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	var skipped []Channel
	g := New(map[Channel]time.Duration{ChannelStation: 3 * time.Second}, func(ch Channel, _ time.Duration) {
		skipped = append(skipped, ch)
	})

	assert.True(t, g.Admit(ChannelStation, t0))
	assert.False(t, g.Admit(ChannelStation, t0.Add(2*time.Second)))
	// the rejected call at +2s must not push the window forward
	assert.True(t, g.Admit(ChannelStation, t0.Add(3*time.Second)))
	assert.Equal(t, []Channel{ChannelStation}, skipped)
}

func TestChannelsAreIndependent(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	g := New(DefaultIntervals, nil)

	assert.True(t, g.Admit(ChannelSchedules, t0))
	assert.True(t, g.Admit(ChannelAlerts, t0))
	assert.True(t, g.Admit(ChannelStation, t0.Add(time.Millisecond)))
	assert.False(t, g.Admit(ChannelSchedules, t0.Add(5*time.Second)))
	assert.True(t, g.Admit(ChannelAlerts, t0.Add(time.Second)))
}

func TestMark(t *testing.T) {
	t0 := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	g := New(DefaultIntervals, nil)

	g.Mark(ChannelSchedules, t0)
	assert.False(t, g.Admit(ChannelSchedules, t0.Add(9*time.Second)))
	assert.True(t, g.Admit(ChannelSchedules, t0.Add(10*time.Second)))
}
