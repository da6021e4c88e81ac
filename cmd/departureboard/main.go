package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"departure-board/internal/config"
	"departure-board/internal/coordinator"
	"departure-board/internal/db"
	"departure-board/internal/dispatch"
	"departure-board/internal/metrics"
	"departure-board/internal/model"
	"departure-board/internal/rategate"
	"departure-board/internal/server"
	"departure-board/internal/transport"
)

func main() {
	config.InitLogging()

	// Load configuration from .env, environment and the optional YAML overlay
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session := uuid.NewString()
	log.Printf("board session %s, station %q, language %s", session, cfg.Station, cfg.Language)

	ccfg := coordinatorConfig(cfg)

	// Metrics setup
	var mcol *metrics.Collector
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(ccfg.PollIntervals)
		srv := mcol.Serve(cfg.MetricsAddr)
		defer shutdown(srv)
	}

	// Station catalog from the GTFS import; the board runs without it.
	catalog := db.NewCatalog(nil)
	var done chan struct{}
	if cfg.DatabaseURL != "" {
		sqlDB, name, err := db.OpenCity(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Printf("station catalog disabled: %v", err)
		} else {
			if name != "" {
				log.Printf("Using database %q for city %q", name, cfg.City)
			}
			loadCatalog(ctx, sqlDB, catalog)
			done = make(chan struct{})
			go watchCatalog(ctx, cfg, sqlDB, name, catalog, done)
		}
	}

	api := transport.NewAPIClient(cfg.APIURL, session, cfg.FetchTimeout)
	opts := []coordinator.Option{
		coordinator.WithFetcher(api),
		coordinator.WithController(api),
	}
	var sm transport.StreamMetrics
	if mcol != nil {
		sm = mcol
		opts = append(opts, coordinator.WithMetrics(&boardMetrics{c: mcol}))
	}
	if !cfg.DisablePush && cfg.NATSURL != "" {
		opts = append(opts, coordinator.WithStreams(
			transport.NewNATSStream(cfg.NATSURL, cfg.NATSSubjectPrefix, "departure-board-"+session, 0, cfg.LogNATSSubjects, sm)))
	}
	if !cfg.DisableEventStream {
		opts = append(opts, coordinator.WithStreams(transport.NewEventStream(cfg.APIURL, session, nil, sm)))
	}

	board := dispatch.NewBoard()
	board.OnRender = func(feed model.FeedName, version uint64) {
		log.Printf("render %s v%d", feed, version)
	}
	coord := coordinator.New(ccfg, board, opts...)

	var metricsHandler http.Handler
	if mcol != nil {
		metricsHandler = mcol.Handler()
	}
	router := server.NewRouter(server.Options{
		Board:   board,
		Control: coord,
		Catalog: catalog,
		Metrics: metricsHandler,
	})
	httpSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("http server error: %v", err)
			cancel()
		}
	}()
	log.Printf("board listening on %s", cfg.HTTPAddr)

	// Block until context cancelled
	if err := coord.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("coordinator: %v", err)
	}
	shutdown(httpSrv)
	if done != nil {
		<-done
	}
	log.Println("shutdown complete")
}

func coordinatorConfig(cfg *config.Config) coordinator.Config {
	c := coordinator.DefaultConfig(cfg.Station)
	c.Language = cfg.Language
	if len(cfg.Feeds) > 0 {
		c.Feeds = c.Feeds[:0]
		for _, f := range cfg.Feeds {
			c.Feeds = append(c.Feeds, model.FeedName(f))
		}
	}
	var live []model.Tier
	if !cfg.DisablePush && cfg.NATSURL != "" {
		live = append(live, model.TierPushSocket)
	}
	if !cfg.DisableEventStream {
		live = append(live, model.TierEventStream)
	}
	c.Tiers[model.FeedStation] = live
	c.Tiers[model.FeedAlerts] = live
	c.PollIntervals[model.FeedStation] = cfg.StationPollInterval
	c.PollIntervals[model.FeedAlerts] = cfg.AlertsPollInterval
	c.PollIntervals[model.FeedSchedules] = cfg.SchedulesPollInterval
	c.RotationInterval = cfg.RotationInterval
	c.FetchTimeout = cfg.FetchTimeout
	return c
}

func loadCatalog(ctx context.Context, sqlDB *sql.DB, catalog *db.Catalog) {
	stations, err := db.FetchStations(ctx, sqlDB)
	if err != nil {
		log.Printf("fetch stations error: %v", err)
		return
	}
	catalog.Replace(stations)
	log.Printf("station catalog: %d stations", catalog.Len())
}

// watchCatalog re-resolves the city database every 30 minutes and reloads
// the catalog when a newer import appears or the current one stops answering.
func watchCatalog(ctx context.Context, cfg *config.Config, sqlDB *sql.DB, current string, catalog *db.Catalog, done chan struct{}) {
	defer close(done)
	defer func() { sqlDB.Close() }()
	ticker := time.NewTicker(30 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		needSwitch := false
		if err := db.Ping(ctx, sqlDB); err != nil {
			log.Printf("db ping failed: %v, re-resolving city DB", err)
			needSwitch = true
		}
		if cfg.City == "" && !needSwitch {
			loadCatalog(ctx, sqlDB, catalog)
			continue
		}

		newDB, name, err := db.OpenCity(ctx, cfg.DatabaseURL, cfg.City)
		if err != nil {
			log.Printf("resolve city DB error: %v", err)
			continue
		}
		if name != current {
			log.Printf("Detected updated DB for city %q: %q -> %q", cfg.City, current, name)
			needSwitch = true
		}
		if !needSwitch {
			newDB.Close()
			loadCatalog(ctx, sqlDB, catalog)
			continue
		}
		sqlDB.Close()
		sqlDB, current = newDB, name
		loadCatalog(ctx, sqlDB, catalog)
	}
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

// boardMetrics adapts the Collector to coordinator.Metrics.
type boardMetrics struct{ c *metrics.Collector }

func (m *boardMetrics) GateSkipped(ch rategate.Channel) {
	m.c.GateSkips.WithLabelValues(string(ch)).Inc()
}

func (m *boardMetrics) Rendered(feed model.FeedName) {
	m.c.Renders.WithLabelValues(string(feed)).Inc()
}

func (m *boardMetrics) FetchFailed(feed model.FeedName) {
	m.c.FetchErrors.WithLabelValues(string(feed)).Inc()
}

func (m *boardMetrics) Noticed(level string) {
	m.c.Notices.WithLabelValues(level).Inc()
}

func (m *boardMetrics) TierChanged(feed model.FeedName, t model.Tier, phase model.Phase) {
	m.c.TierChanges.WithLabelValues(string(feed), t.String(), phase.String()).Inc()
	m.c.ActiveTier.WithLabelValues(string(feed)).Set(float64(t))
}

func (m *boardMetrics) RetryScheduled(feed model.FeedName, t model.Tier, _ int, delay time.Duration) {
	m.c.Retries.WithLabelValues(string(feed), t.String()).Inc()
	m.c.RetryDelay.Observe(delay.Seconds())
}

func (m *boardMetrics) Reconciled(feed model.FeedName, outcome string, version uint64) {
	m.c.Reconciles.WithLabelValues(string(feed), outcome).Inc()
	m.c.FeedVersion.WithLabelValues(string(feed)).Set(float64(version))
}

func (m *boardMetrics) Discarded(feed model.FeedName, reason string) {
	m.c.Discards.WithLabelValues(string(feed), reason).Inc()
}
