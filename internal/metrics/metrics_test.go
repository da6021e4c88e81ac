package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"departure-board/internal/model"
)

func TestStreamMetrics(t *testing.T) {
	c := NewCollector(nil)
	c.MessageReceived(model.TierPushSocket, model.FeedAlerts)
	c.MessageReceived(model.TierPushSocket, model.FeedAlerts)
	c.SetConnected(model.TierEventStream, model.FeedStation, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.StreamMessages.WithLabelValues("push-socket", "alerts")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.StreamUp.WithLabelValues("event-stream", "station")))

	c.SetConnected(model.TierEventStream, model.FeedStation, false)
	assert.Zero(t, testutil.ToFloat64(c.StreamUp.WithLabelValues("event-stream", "station")))
}

func TestHandlerExposesRegistry(t *testing.T) {
	c := NewCollector(map[model.FeedName]time.Duration{model.FeedSchedules: 30 * time.Second})
	c.Notices.WithLabelValues("warning").Inc()

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `board_poll_interval_seconds{feed="schedules"} 30`)
	assert.Contains(t, string(body), `board_notices_total{level="warning"} 1`)
}
