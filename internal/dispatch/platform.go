package dispatch

import (
	"fmt"
	"time"

	"departure-board/internal/model"
)

// PlatformWindow is how close to departure a platform is announced.
const PlatformWindow = 5 * time.Minute

type PlatformKind string

const (
	PlatformShown  PlatformKind = "platform"
	PlatformInfoIn PlatformKind = "info-in"
	PlatformStatus PlatformKind = "status"
)

type Platform struct {
	Kind       PlatformKind `json:"kind"`
	Text       string       `json:"text"`
	Accessible bool         `json:"accessible,omitempty"`
	InMinutes  int          `json:"inMinutes,omitempty"`
}

// PlatformDisplay decides what the platform column of row shows at now.
func PlatformDisplay(row model.ScheduleRow, now time.Time) Platform {
	if row.DepartsAt == nil {
		return Platform{Kind: PlatformStatus, Text: row.Status}
	}
	mins := int(row.DepartsAt.Sub(now) / time.Minute)
	if row.DepartsAt.Before(now) && row.DepartsAt.Sub(now)%time.Minute != 0 {
		mins--
	}
	window := int(PlatformWindow / time.Minute)
	switch {
	case row.Platform != "" && mins <= window:
		return Platform{Kind: PlatformShown, Text: row.Platform, Accessible: row.Accessible}
	case mins > window:
		n := mins - window
		return Platform{Kind: PlatformInfoIn, Text: fmt.Sprintf("Info in %d min | Info dans %d min", n, n), InMinutes: n}
	}
	return Platform{Kind: PlatformStatus, Text: row.Status}
}
