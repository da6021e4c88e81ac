package coordinator

import (
	"time"

	"departure-board/internal/model"
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventMessage
	EventError
	EventClosed
	EventPollResult
	EventCommand
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventMessage:
		return "message"
	case EventError:
		return "error"
	case EventClosed:
		return "closed"
	case EventPollResult:
		return "poll-result"
	case EventCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Event is the only way anything outside the run loop reaches feed state.
type Event struct {
	Kind EventKind
	Feed model.FeedName
	Tier model.Tier
	// Conn identifies the live connection that produced the event.
	Conn uint64
	// Epoch is the selector epoch at the time a fetch was issued.
	Epoch uint64
	// Snapshot marks bootstrap, replay and forced fetches, which are not
	// bound to the epoch they were issued in.
	Snapshot bool
	Update   model.RawUpdate
	Err      error
	Command  *Command
}

type Op int

const (
	OpSetStation Op = iota
	OpSetLanguage
	OpReload
	OpStatus
	opStationDone
	opLanguageDone
)

type Command struct {
	Op      Op
	Value   string
	Message string
	Err     error
	reply   chan Result
}

func (cmd *Command) respond(res Result) {
	if cmd.reply != nil {
		cmd.reply <- res
	}
}

type Result struct {
	Message string
	Err     error
	Status  Status
}

type FeedStatus struct {
	Feed      model.FeedName `json:"feed"`
	Tier      string         `json:"tier"`
	Phase     string         `json:"phase"`
	Version   uint64         `json:"version"`
	Attempts  int            `json:"attempts"`
	Failures  int            `json:"failures"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

type Status struct {
	Station  string       `json:"station"`
	Language string       `json:"language"`
	Feeds    []FeedStatus `json:"feeds"`
}

// connListener tags transport callbacks with the connection they belong to.
type connListener struct {
	c    *Coordinator
	feed model.FeedName
	tier model.Tier
	conn uint64
}

func (l *connListener) event(kind EventKind) Event {
	return Event{Kind: kind, Feed: l.feed, Tier: l.tier, Conn: l.conn}
}

func (l *connListener) OnConnect() { l.c.post(l.event(EventConnected)) }

func (l *connListener) OnMessage(payload []byte, contentType string) {
	ev := l.event(EventMessage)
	ev.Update = model.RawUpdate{Feed: l.feed, Tier: l.tier, Payload: payload, ContentType: contentType}
	l.c.post(ev)
}

func (l *connListener) OnError(err error) {
	ev := l.event(EventError)
	ev.Err = err
	l.c.post(ev)
}

func (l *connListener) OnClose() { l.c.post(l.event(EventClosed)) }
