package model

import (
	"fmt"
	"time"
)

type FeedName string

const (
	FeedStation   FeedName = "station"
	FeedSchedules FeedName = "schedules"
	FeedAlerts    FeedName = "alerts"
)

// Feeds lists every feed in start-up order.
var Feeds = []FeedName{FeedStation, FeedSchedules, FeedAlerts}

// Tier is a delivery channel; lower values are preferred.
type Tier int

const (
	TierPushSocket Tier = iota
	TierEventStream
	TierPolling
)

func (t Tier) String() string {
	switch t {
	case TierPushSocket:
		return "push-socket"
	case TierEventStream:
		return "event-stream"
	case TierPolling:
		return "polling"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Outranks reports whether t is preferred over o.
func (t Tier) Outranks(o Tier) bool { return t < o }

type Phase int

const (
	Disconnected Phase = iota
	Connecting
	Connected
	Degrading
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Degrading:
		return "degrading"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// RawUpdate is an untrusted payload as delivered by a transport.
type RawUpdate struct {
	Feed        FeedName
	Tier        Tier
	Payload     []byte
	ContentType string
	ArrivedAt   time.Time
	IssuedAt    time.Time // request issue time for polls, arrival time for pushes
	Forced      bool      // user-initiated refresh, bypasses the rate gate
}

type Alert struct {
	ID             string     `json:"id,omitempty"`
	Text           string     `json:"text"`
	TranslatedText string     `json:"fr,omitempty"`
	StartsAt       *time.Time `json:"startsAt,omitempty"`
	EndsAt         *time.Time `json:"endsAt,omitempty"`
}

type ScheduleRow struct {
	Train         string     `json:"train"`
	Destination   string     `json:"destination"`
	ScheduledTime string     `json:"departure"`
	DepartsAt     *time.Time `json:"departure_time,omitempty"`
	Status        string     `json:"status"`
	Platform      string     `json:"platform,omitempty"`
	Accessible    bool       `json:"accessible"`
	ColorToken    string     `json:"color"`
}

type Kind string

const (
	KindAlert    Kind = "alert"
	KindSchedule Kind = "schedule"
	KindStation  Kind = "station"
	KindSentinel Kind = "sentinel"
)

// Reason qualifies a sentinel record.
type Reason string

const (
	ReasonNormal       Reason = "normal"
	ReasonNoDepartures Reason = "no-departures"
	ReasonUnavailable  Reason = "unavailable"
	ReasonLoading      Reason = "loading"
)

// Record is one canonical alert, schedule row, station name or sentinel.
// ID is the display identity; Digest covers the full semantic content.
type Record struct {
	ID       string       `json:"id"`
	Digest   string       `json:"digest"`
	Kind     Kind         `json:"kind"`
	Text     string       `json:"text,omitempty"`
	Reason   Reason       `json:"reason,omitempty"`
	Alert    *Alert       `json:"alert,omitempty"`
	Schedule *ScheduleRow `json:"schedule,omitempty"`
}

func (r Record) IsSentinel() bool { return r.Kind == KindSentinel }

// Sentinel builds the placeholder record shown when a feed has no data.
func Sentinel(reason Reason, text string) Record {
	id := "sentinel:" + string(reason)
	return Record{ID: id, Digest: id, Kind: KindSentinel, Reason: reason, Text: text}
}

// State is the reconciled, versioned record set of one feed.
type State struct {
	Feed           FeedName  `json:"feed"`
	Records        []Record  `json:"records"`
	Version        uint64    `json:"version"`
	Source         Tier      `json:"-"`
	UpdatedAt      time.Time `json:"updatedAt"`
	LastNonEmptyAt time.Time `json:"-"`
}

// HasData reports whether the state carries real records rather than a sentinel.
func (s State) HasData() bool {
	for _, r := range s.Records {
		if !r.IsSentinel() {
			return true
		}
	}
	return false
}

// IDs returns the identity of every record in order.
func (s State) IDs() []string {
	ids := make([]string, len(s.Records))
	for i, r := range s.Records {
		ids[i] = r.ID
	}
	return ids
}

type Station struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
