package transport

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"departure-board/internal/model"
)

// NATSStream is the push-socket tier. Each Open dials its own connection
// with library reconnects disabled; the coordinator decides when to retry.
type NATSStream struct {
	url         string
	prefix      string
	name        string
	timeout     time.Duration
	logSubjects bool
	metrics     StreamMetrics
}

func NewNATSStream(url, prefix, name string, timeout time.Duration, logSubjects bool, m StreamMetrics) *NATSStream {
	if prefix == "" {
		prefix = "board"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &NATSStream{url: url, prefix: prefix, name: name, timeout: timeout, logSubjects: logSubjects, metrics: m}
}

func (s *NATSStream) Tier() model.Tier { return model.TierPushSocket }

// Subject returns the subject carrying feed, e.g. "board.alerts_update".
func (s *NATSStream) Subject(feed model.FeedName) (string, bool) {
	switch feed {
	case model.FeedAlerts:
		return subjectToken(s.prefix) + ".alerts_update", true
	case model.FeedStation:
		return subjectToken(s.prefix) + ".station_update", true
	}
	return "", false
}

type natsConn struct {
	mu     sync.Mutex
	nc     *nats.Conn
	closed bool
}

func (c *natsConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *natsConn) Close() error {
	c.mu.Lock()
	c.closed = true
	nc := c.nc
	c.mu.Unlock()
	if nc != nil {
		nc.Close()
	}
	return nil
}

// Open dials in the background and reports progress to l.
func (s *NATSStream) Open(ctx context.Context, feed model.FeedName, l Listener) (io.Closer, error) {
	subject, ok := s.Subject(feed)
	if !ok {
		return nil, fmt.Errorf("nats %s: %w", feed, ErrUnsupportedFeed)
	}
	conn := &natsConn{}
	go s.dial(ctx, conn, feed, subject, l)
	return conn, nil
}

func (s *NATSStream) dial(ctx context.Context, conn *natsConn, feed model.FeedName, subject string, l Listener) {
	setConnected := func(b bool) {
		if s.metrics != nil {
			s.metrics.SetConnected(model.TierPushSocket, feed, b)
		}
	}
	nc, err := nats.Connect(s.url,
		nats.Name(s.name),
		nats.NoReconnect(),
		nats.Timeout(s.timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			setConnected(false)
			if conn.isClosed() {
				return
			}
			log.Printf("nats %s disconnected: %v", feed, err)
			if err != nil {
				l.OnError(err)
			}
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			setConnected(false)
			if conn.isClosed() {
				return
			}
			log.Printf("nats %s closed", feed)
			l.OnClose()
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			log.Printf("nats %s async error: %v", feed, err)
		}),
	)
	if err != nil {
		if !conn.isClosed() {
			l.OnError(fmt.Errorf("nats connect: %w", err))
		}
		return
	}

	conn.mu.Lock()
	if conn.closed || ctx.Err() != nil {
		conn.mu.Unlock()
		nc.Close()
		return
	}
	conn.nc = nc
	conn.mu.Unlock()

	_, err = nc.Subscribe(subject, func(msg *nats.Msg) {
		if s.logSubjects {
			log.Printf("nats recv subject=%s bytes=%d", msg.Subject, len(msg.Data))
		}
		if s.metrics != nil {
			s.metrics.MessageReceived(model.TierPushSocket, feed)
		}
		ct := msg.Header.Get("Content-Type")
		if ct == "" {
			ct = contentTypeOf(msg.Data)
		}
		l.OnMessage(msg.Data, ct)
	})
	if err != nil {
		_ = conn.Close()
		l.OnError(fmt.Errorf("nats subscribe %s: %w", subject, err))
		return
	}
	setConnected(true)
	log.Printf("nats %s subscribed subject=%s", feed, subject)
	l.OnConnect()

	context.AfterFunc(ctx, func() { _ = conn.Close() })
}

func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
