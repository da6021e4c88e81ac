package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	APIURL            string
	NATSURL           string
	NATSSubjectPrefix string
	LogNATSSubjects   bool
	Station           string
	Language          string
	Feeds             []string

	StationPollInterval   time.Duration
	AlertsPollInterval    time.Duration
	SchedulesPollInterval time.Duration
	RotationInterval      time.Duration
	FetchTimeout          time.Duration
	DisablePush           bool
	DisableEventStream    bool

	// DatabaseURL points at a GTFS import; empty disables the station catalog.
	DatabaseURL string
	City        string

	HTTPAddr    string
	MetricsAddr string
}

// File is the optional YAML overlay named by BOARD_CONFIG. Values set there
// take precedence over the environment.
type File struct {
	API struct {
		URL string `yaml:"url" validate:"omitempty,url"`
	} `yaml:"api"`
	NATS struct {
		URL           string `yaml:"url" validate:"omitempty,url"`
		SubjectPrefix string `yaml:"subjectPrefix"`
	} `yaml:"nats"`
	Board struct {
		Station  string   `yaml:"station"`
		Language string   `yaml:"language" validate:"omitempty,oneof=en fr"`
		Feeds    []string `yaml:"feeds" validate:"dive,oneof=station schedules alerts"`
	} `yaml:"board"`
	Intervals struct {
		StationPollMS   int `yaml:"stationPollMS" validate:"gte=0"`
		AlertsPollMS    int `yaml:"alertsPollMS" validate:"gte=0"`
		SchedulesPollMS int `yaml:"schedulesPollMS" validate:"gte=0"`
		RotationMS      int `yaml:"rotationMS" validate:"gte=0"`
		FetchTimeoutMS  int `yaml:"fetchTimeoutMS" validate:"gte=0"`
	} `yaml:"intervals"`
	HTTPAddr    string `yaml:"httpAddr" validate:"omitempty,hostname_port"`
	MetricsAddr string `yaml:"metricsAddr" validate:"omitempty,hostname_port"`
}

func InitLogging() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{
		APIURL:             strings.TrimRight(getenvDefault("BOARD_API_URL", "http://127.0.0.1:8000"), "/"),
		NATSURL:            os.Getenv("NATS_URL"),
		NATSSubjectPrefix:  getenvDefault("NATS_SUBJECT_PREFIX", "board"),
		LogNATSSubjects:    truthy(os.Getenv("LOG_NATS_SUBJECTS")),
		Station:            getenvDefault("STATION", "Union Station"),
		Language:           strings.ToLower(getenvDefault("LANGUAGE", "en")),
		DisablePush:        truthy(os.Getenv("DISABLE_PUSH")),
		DisableEventStream: truthy(os.Getenv("DISABLE_EVENT_STREAM")),
		City:               firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")),
		HTTPAddr:           getenvDefault("HTTP_ADDR", ":8080"),
		MetricsAddr:        os.Getenv("METRICS_ADDR"),
	}
	if v := os.Getenv("FEEDS"); v != "" {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				cfg.Feeds = append(cfg.Feeds, f)
			}
		}
	}

	var err error
	durations := []struct {
		key  string
		dst  *time.Duration
		def  time.Duration
		unit time.Duration
	}{
		{"STATION_POLL_INTERVAL_SEC", &cfg.StationPollInterval, 30 * time.Second, time.Second},
		{"ALERTS_POLL_INTERVAL_SEC", &cfg.AlertsPollInterval, 30 * time.Second, time.Second},
		{"SCHEDULES_POLL_INTERVAL_SEC", &cfg.SchedulesPollInterval, 30 * time.Second, time.Second},
		{"ROTATION_INTERVAL_MS", &cfg.RotationInterval, 5 * time.Second, time.Millisecond},
		{"FETCH_TIMEOUT_MS", &cfg.FetchTimeout, 10 * time.Second, time.Millisecond},
	}
	for _, d := range durations {
		if *d.dst, err = envDuration(d.key, d.def, d.unit); err != nil {
			return nil, err
		}
	}

	cfg.DatabaseURL = databaseURL()

	if path := os.Getenv("BOARD_CONFIG"); path != "" {
		f, err := ReadFile(path)
		if err != nil {
			return nil, err
		}
		f.apply(cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReadFile parses and validates a YAML overlay.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := validator.New().Struct(f); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &f, nil
}

func (f *File) apply(cfg *Config) {
	setString := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setMS := func(dst *time.Duration, ms int) {
		if ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
	setString(&cfg.APIURL, strings.TrimRight(f.API.URL, "/"))
	setString(&cfg.NATSURL, f.NATS.URL)
	setString(&cfg.NATSSubjectPrefix, f.NATS.SubjectPrefix)
	setString(&cfg.Station, f.Board.Station)
	setString(&cfg.Language, f.Board.Language)
	setString(&cfg.HTTPAddr, f.HTTPAddr)
	setString(&cfg.MetricsAddr, f.MetricsAddr)
	if len(f.Board.Feeds) > 0 {
		cfg.Feeds = append([]string(nil), f.Board.Feeds...)
	}
	setMS(&cfg.StationPollInterval, f.Intervals.StationPollMS)
	setMS(&cfg.AlertsPollInterval, f.Intervals.AlertsPollMS)
	setMS(&cfg.SchedulesPollInterval, f.Intervals.SchedulesPollMS)
	setMS(&cfg.RotationInterval, f.Intervals.RotationMS)
	setMS(&cfg.FetchTimeout, f.Intervals.FetchTimeoutMS)
}

func (c *Config) validate() error {
	if c.APIURL == "" {
		return errors.New("BOARD_API_URL must be set")
	}
	if strings.TrimSpace(c.Station) == "" {
		return errors.New("STATION must not be empty")
	}
	switch c.Language {
	case "en", "fr":
	default:
		return fmt.Errorf("invalid LANGUAGE: %q", c.Language)
	}
	for _, f := range c.Feeds {
		switch f {
		case "station", "schedules", "alerts":
		default:
			return fmt.Errorf("invalid FEEDS entry: %q", f)
		}
	}
	return nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
// Without PGDATABASE or CITY the catalog stays disabled.
func databaseURL() string {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn
	}
	db := os.Getenv("PGDATABASE")
	if db == "" && firstNonEmpty(os.Getenv("CITY"), os.Getenv("CITY_NAME")) != "" {
		db = "postgres"
	}
	if db == "" {
		return ""
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode)
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode)
}

func envDuration(key string, def, unit time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return time.Duration(n) * unit, nil
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	}
	return false
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
