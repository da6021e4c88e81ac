package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/r3labs/sse/v2"
	backoffv1 "gopkg.in/cenkalti/backoff.v1"

	"departure-board/internal/model"
)

// EventStream is the server-push tier. The sse client's own reconnect
// loop is disabled so a dropped stream is reported once and supervised by
// the coordinator.
type EventStream struct {
	baseURL string
	session string
	client  *http.Client
	metrics StreamMetrics
	paths   map[model.FeedName]string
}

func NewEventStream(baseURL, session string, client *http.Client, m StreamMetrics) *EventStream {
	if client == nil {
		client = &http.Client{}
	}
	return &EventStream{
		baseURL: strings.TrimRight(baseURL, "/"),
		session: session,
		client:  client,
		metrics: m,
		paths: map[model.FeedName]string{
			model.FeedAlerts:  "/api/alerts/stream",
			model.FeedStation: "/api/sse/station_updates",
		},
	}
}

func (s *EventStream) Tier() model.Tier { return model.TierEventStream }

type sseConn struct {
	cancel context.CancelFunc
	once   sync.Once
	closed chan struct{}
}

func (c *sseConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.cancel()
	})
	return nil
}

func (c *sseConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Open subscribes in the background and reports progress to l.
func (s *EventStream) Open(ctx context.Context, feed model.FeedName, l Listener) (io.Closer, error) {
	path, ok := s.paths[feed]
	if !ok {
		return nil, fmt.Errorf("sse %s: %w", feed, ErrUnsupportedFeed)
	}
	ctx, cancel := context.WithCancel(ctx)
	conn := &sseConn{cancel: cancel, closed: make(chan struct{})}

	client := sse.NewClient(s.baseURL + path)
	client.Connection = s.client
	client.ReconnectStrategy = &backoffv1.StopBackOff{}
	if s.session != "" {
		client.Headers[SessionHeader] = s.session
	}
	client.ResponseValidator = func(_ *sse.Client, resp *http.Response) error {
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("sse %s: unexpected status %s", feed, resp.Status)
		}
		if s.metrics != nil {
			s.metrics.SetConnected(model.TierEventStream, feed, true)
		}
		if !conn.isClosed() {
			l.OnConnect()
		}
		return nil
	}

	go func() {
		defer cancel()
		err := client.SubscribeRawWithContext(ctx, func(ev *sse.Event) {
			if len(ev.Data) == 0 || conn.isClosed() {
				return
			}
			if s.metrics != nil {
				s.metrics.MessageReceived(model.TierEventStream, feed)
			}
			l.OnMessage(ev.Data, contentTypeOf(ev.Data))
		})
		if s.metrics != nil {
			s.metrics.SetConnected(model.TierEventStream, feed, false)
		}
		if conn.isClosed() || ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("sse %s error: %v", feed, err)
			l.OnError(err)
			return
		}
		log.Printf("sse %s stream ended", feed)
		l.OnClose()
	}()
	return conn, nil
}
