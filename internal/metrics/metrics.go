package metrics

import (
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"departure-board/internal/model"
)

type Collector struct {
	reg *prometheus.Registry

	GateSkips      *prometheus.CounterVec // channel label
	TierChanges    *prometheus.CounterVec // feed, tier, phase labels
	ActiveTier     *prometheus.GaugeVec   // feed label; value is the tier rank (0 = push socket)
	Retries        *prometheus.CounterVec // feed, tier labels
	RetryDelay     prometheus.Histogram
	Reconciles     *prometheus.CounterVec // feed, outcome labels
	FeedVersion    *prometheus.GaugeVec   // feed label
	Renders        *prometheus.CounterVec // feed label
	FetchErrors    *prometheus.CounterVec // feed label
	Discards       *prometheus.CounterVec // feed, reason labels
	Notices        *prometheus.CounterVec // level label
	StreamMessages *prometheus.CounterVec // tier, feed labels
	StreamUp       *prometheus.GaugeVec   // tier, feed labels

	PollInterval *prometheus.GaugeVec // seconds, feed label
}

func NewCollector(pollIntervals map[model.FeedName]time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		GateSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_gate_skipped_total",
			Help: "Updates dropped by the client rate gate.",
		}, []string{"channel"}),
		TierChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_tier_transitions_total",
			Help: "Delivery tier phase transitions.",
		}, []string{"feed", "tier", "phase"}),
		ActiveTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "board_active_tier",
			Help: "Active delivery tier per feed (0 push socket, 1 event stream, 2 polling).",
		}, []string{"feed"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_reconnect_retries_total",
			Help: "Supervised reconnect attempts scheduled.",
		}, []string{"feed", "tier"}),
		RetryDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "board_reconnect_delay_seconds",
			Help:    "Delay before a scheduled reconnect.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		}),
		Reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_reconcile_total",
			Help: "Reconciler outcomes.",
		}, []string{"feed", "outcome"}),
		FeedVersion: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "board_feed_version",
			Help: "Current reconciled version per feed.",
		}, []string{"feed"}),
		Renders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_renders_total",
			Help: "Render calls per feed.",
		}, []string{"feed"}),
		FetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_fetch_errors_total",
			Help: "Failed snapshot or poll fetches.",
		}, []string{"feed"}),
		Discards: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_discarded_total",
			Help: "Results discarded before reconciliation.",
		}, []string{"feed", "reason"}),
		Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_notices_total",
			Help: "User-facing notices shown.",
		}, []string{"level"}),
		StreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "board_stream_messages_total",
			Help: "Messages received on live streams.",
		}, []string{"tier", "feed"}),
		StreamUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "board_stream_connected",
			Help: "1 if the live stream is established, 0 otherwise.",
		}, []string{"tier", "feed"}),
		PollInterval: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "board_poll_interval_seconds",
			Help: "Polling interval per feed in seconds.",
		}, []string{"feed"}),
	}

	reg.MustRegister(
		c.GateSkips, c.TierChanges, c.ActiveTier,
		c.Retries, c.RetryDelay,
		c.Reconciles, c.FeedVersion, c.Renders,
		c.FetchErrors, c.Discards, c.Notices,
		c.StreamMessages, c.StreamUp, c.PollInterval,
	)

	for feed, d := range pollIntervals {
		c.PollInterval.WithLabelValues(string(feed)).Set(d.Seconds())
	}
	return c
}

// MessageReceived and SetConnected make the collector a transport.StreamMetrics.
func (c *Collector) MessageReceived(t model.Tier, feed model.FeedName) {
	c.StreamMessages.WithLabelValues(t.String(), string(feed)).Inc()
}

func (c *Collector) SetConnected(t model.Tier, feed model.FeedName, connected bool) {
	v := 0.0
	if connected {
		v = 1
	}
	c.StreamUp.WithLabelValues(t.String(), string(feed)).Set(v)
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Serve starts an HTTP server exposing /metrics on the given address.
func (c *Collector) Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
	log.Printf("metrics listening on %s", addr)
	return srv
}
