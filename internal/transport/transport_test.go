package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departure-board/internal/model"
)

type recordingListener struct {
	mu       sync.Mutex
	connects int
	messages []string
	types    []string
	errs     []error
	closes   int
	done     chan struct{}
	once     sync.Once
}

func newListener() *recordingListener { return &recordingListener{done: make(chan struct{})} }

func (l *recordingListener) finish() { l.once.Do(func() { close(l.done) }) }

func (l *recordingListener) OnConnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connects++
}

func (l *recordingListener) OnMessage(p []byte, ct string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, string(p))
	l.types = append(l.types, ct)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	l.errs = append(l.errs, err)
	l.mu.Unlock()
	l.finish()
}

func (l *recordingListener) OnClose() {
	l.mu.Lock()
	l.closes++
	l.mu.Unlock()
	l.finish()
}

func (l *recordingListener) wait(t *testing.T) {
	t.Helper()
	select {
	case <-l.done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never finished")
	}
}

func TestFetchSendsSessionAndStation(t *testing.T) {
	var gotSession, gotStation, gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSession = r.Header.Get(SessionHeader)
		gotStation = r.URL.Query().Get("station")
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `[{"train":"LW Aldershot","destination":"ALDERSHOT","departure":"08:15"}]`)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL+"/", "session-1", time.Second)
	u, err := c.Fetch(context.Background(), model.FeedSchedules, "Union Station")
	require.NoError(t, err)
	assert.Equal(t, "/api/schedules", gotPath)
	assert.Equal(t, "session-1", gotSession)
	assert.Equal(t, "Union Station", gotStation)
	assert.Equal(t, model.FeedSchedules, u.Feed)
	assert.Equal(t, "application/json", u.ContentType)
	assert.Contains(t, string(u.Payload), "LW Aldershot")
}

func TestFetchErrors(t *testing.T) {
	status := http.StatusInternalServerError
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewAPIClient(srv.URL, "", time.Second)
	_, err := c.Fetch(context.Background(), model.FeedAlerts, "")
	require.Error(t, err)

	status = http.StatusTooManyRequests
	_, err = c.Fetch(context.Background(), model.FeedAlerts, "")
	assert.ErrorIs(t, err, ErrServerRateLimited)

	_, err = c.Fetch(context.Background(), model.FeedName("weather"), "")
	assert.ErrorIs(t, err, ErrUnsupportedFeed)
}

func TestSetStationResponses(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		wantErr error
	}{
		{"success", http.StatusOK, `{"status":"success","message":"Station changed to Union Station"}`, "Station changed to Union Station", nil},
		{"rejected", http.StatusOK, `{"status":"error","message":"Unknown station"}`, "Unknown station", ErrRejected},
		{"server rate limit", http.StatusTooManyRequests, `{"status":"error","message":"Please wait"}`, "Please wait", ErrServerRateLimited},
		{"plain ok", http.StatusOK, ``, "", nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var form string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.NoError(t, r.ParseForm())
				form = r.PostForm.Get("station")
				w.WriteHeader(tc.status)
				io.WriteString(w, tc.body)
			}))
			defer srv.Close()

			msg, err := NewAPIClient(srv.URL, "", time.Second).SetStation(context.Background(), "Union Station")
			assert.Equal(t, "Union Station", form)
			assert.Equal(t, tc.wantMsg, msg)
			if tc.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tc.wantErr)
			}
		})
	}
}

func TestSetLanguage(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/set_language", r.URL.Path)
		got = r.FormValue("language")
		io.WriteString(w, `{"status":"success"}`)
	}))
	defer srv.Close()
	require.NoError(t, NewAPIClient(srv.URL, "", time.Second).SetLanguage(context.Background(), "fr"))
	assert.Equal(t, "fr", got)
}

func TestEventStreamDeliversThenCloses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/alerts/stream", r.URL.Path)
		assert.Equal(t, "s-2", r.Header.Get(SessionHeader))
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {\"alerts\":[{\"text\":\"Line A: Delayed\"}]}\n\n")
		w.(http.Flusher).Flush()
	}))
	defer srv.Close()

	l := newListener()
	closer, err := NewEventStream(srv.URL, "s-2", nil, nil).Open(context.Background(), model.FeedAlerts, l)
	require.NoError(t, err)
	defer closer.Close()
	l.wait(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Equal(t, 1, l.connects)
	assert.Equal(t, []string{`{"alerts":[{"text":"Line A: Delayed"}]}`}, l.messages)
	assert.Equal(t, []string{"application/json"}, l.types)
	assert.Equal(t, 1, l.closes)
	assert.Empty(t, l.errs)
}

func TestEventStreamBadStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	l := newListener()
	_, err := NewEventStream(srv.URL, "", nil, nil).Open(context.Background(), model.FeedStation, l)
	require.NoError(t, err)
	l.wait(t)

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.Zero(t, l.connects)
	require.Len(t, l.errs, 1)
}

func TestUnsupportedFeeds(t *testing.T) {
	_, err := NewEventStream("http://example.invalid", "", nil, nil).Open(context.Background(), model.FeedSchedules, newListener())
	assert.True(t, errors.Is(err, ErrUnsupportedFeed))

	ns := NewNATSStream("nats://127.0.0.1:4222", "", "board-test", 0, false, nil)
	_, err = ns.Open(context.Background(), model.FeedSchedules, newListener())
	assert.ErrorIs(t, err, ErrUnsupportedFeed)
}

func TestNATSSubjects(t *testing.T) {
	ns := NewNATSStream("nats://127.0.0.1:4222", "union station", "board-test", 0, false, nil)
	s, ok := ns.Subject(model.FeedAlerts)
	require.True(t, ok)
	assert.Equal(t, "union_station.alerts_update", s)
	s, _ = ns.Subject(model.FeedStation)
	assert.Equal(t, "union_station.station_update", s)
	_, ok = ns.Subject(model.FeedSchedules)
	assert.False(t, ok)
}

func TestContentTypeOf(t *testing.T) {
	assert.Equal(t, "application/json", contentTypeOf([]byte("  [1]")))
	assert.Equal(t, "application/x-protobuf", contentTypeOf([]byte{0x0a, 0x03}))
	assert.Equal(t, "", contentTypeOf([]byte(" \n")))
}
