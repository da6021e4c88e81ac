// Package transport connects the board to its backend: the push socket
// (NATS), the server-push event stream (SSE) and the plain HTTP API used
// for polling and control actions.
package transport

import (
	"bytes"
	"errors"

	"departure-board/internal/model"
)

// SessionHeader carries the client session id on every HTTP request.
const SessionHeader = "X-Board-Session"

var (
	// ErrServerRateLimited is returned when the backend answers 429.
	ErrServerRateLimited = errors.New("rate limited by server")
	// ErrRejected is returned when the backend refuses a control action.
	ErrRejected = errors.New("rejected by server")
	// ErrUnsupportedFeed is returned when a transport cannot carry a feed.
	ErrUnsupportedFeed = errors.New("feed not supported by transport")
)

// Listener receives the lifecycle of one live connection. Calls may come
// from any goroutine and must not block for long.
type Listener interface {
	OnConnect()
	OnMessage(payload []byte, contentType string)
	OnError(err error)
	OnClose()
}

// StreamMetrics is implemented by the metrics collector.
type StreamMetrics interface {
	MessageReceived(t model.Tier, feed model.FeedName)
	SetConnected(t model.Tier, feed model.FeedName, connected bool)
}

// contentTypeOf guesses the payload type of a push message without headers.
func contentTypeOf(payload []byte) string {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return ""
	}
	switch trimmed[0] {
	case '{', '[', '"':
		return "application/json"
	}
	return "application/x-protobuf"
}
