package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"departure-board/internal/coordinator"
	"departure-board/internal/db"
	"departure-board/internal/dispatch"
	"departure-board/internal/model"
	"departure-board/internal/transport"
)

// Controller is the part of the coordinator the HTTP surface drives.
type Controller interface {
	SetStation(ctx context.Context, station string) (string, error)
	SetLanguage(ctx context.Context, language string) error
	Reload(ctx context.Context) error
	Status(ctx context.Context) (coordinator.Status, error)
}

type Options struct {
	Board   *dispatch.Board
	Control Controller
	// Catalog validates station names when it has entries.
	Catalog        *db.Catalog
	Metrics        http.Handler
	AllowedOrigins []string
}

type Handler struct {
	board   *dispatch.Board
	control Controller
	catalog *db.Catalog
}

// ErrorResponse is the JSON body of every failed request.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type BoardResponse struct {
	Feeds       map[model.FeedName]dispatch.FeedView `json:"feeds"`
	GeneratedAt time.Time                            `json:"generatedAt"`
}

type ControlResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func NewRouter(opts Options) http.Handler {
	h := &Handler{board: opts.Board, control: opts.Control, catalog: opts.Catalog}
	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}))

	r.Get("/health", h.Health)
	r.Get("/board", h.GetBoard)
	r.Get("/board/{feed}", h.GetFeed)
	r.Get("/notices", h.GetNotices)
	r.Route("/control", func(r chi.Router) {
		r.Get("/stations", h.GetStations)
		r.Post("/station", h.SetStation)
		r.Post("/language", h.SetLanguage)
		r.Post("/reload", h.Reload)
	})
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics)
	}
	return r
}

// Health handles GET /health. It reports the active tier and version of
// every feed, or 503 once the coordinator stopped.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st, err := h.control.Status(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "error",
			"error":     err.Error(),
			"timestamp": time.Now().UTC(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"station":   st.Station,
		"language":  st.Language,
		"feeds":     st.Feeds,
		"timestamp": time.Now().UTC(),
	})
}

// GetBoard handles GET /board
func (h *Handler) GetBoard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, BoardResponse{Feeds: h.board.Snapshot(), GeneratedAt: time.Now().UTC()})
}

// GetFeed handles GET /board/{feed}
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	feed := model.FeedName(chi.URLParam(r, "feed"))
	v, ok := h.board.Feed(feed)
	if !ok {
		writeError(w, http.StatusNotFound, "no data for feed "+string(feed))
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, v)
}

// GetNotices handles GET /notices?since=RFC3339
func (h *Handler) GetNotices(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC 3339 time")
			return
		}
		since = t
	}
	notices := h.board.Notices(since)
	if notices == nil {
		notices = []dispatch.Notice{}
	}
	writeJSON(w, http.StatusOK, notices)
}

// GetStations handles GET /control/stations
func (h *Handler) GetStations(w http.ResponseWriter, r *http.Request) {
	stations := []db.Station{}
	if h.catalog != nil {
		stations = h.catalog.Stations()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"stations": stations, "count": len(stations)})
}

// SetStation handles POST /control/station with a form or JSON body
// carrying "station".
func (h *Handler) SetStation(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(field(r, "station"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "station is required")
		return
	}
	if h.catalog != nil && h.catalog.Len() > 0 {
		s, ok := h.catalog.Lookup(name)
		if !ok {
			writeError(w, http.StatusBadRequest, "unknown station "+name)
			return
		}
		name = s.Name
	}
	msg, err := h.control.SetStation(r.Context(), name)
	if err != nil {
		writeControlError(w, msg, err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Status: "success", Message: msg})
}

// SetLanguage handles POST /control/language
func (h *Handler) SetLanguage(w http.ResponseWriter, r *http.Request) {
	lang := strings.ToLower(strings.TrimSpace(field(r, "language")))
	if lang != "en" && lang != "fr" {
		writeError(w, http.StatusBadRequest, "language must be en or fr")
		return
	}
	if err := h.control.SetLanguage(r.Context(), lang); err != nil {
		writeControlError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Status: "success"})
}

// Reload handles POST /control/reload. Every feed reconnects from its top
// tier; the board keeps showing its current content meanwhile.
func (h *Handler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.control.Reload(r.Context()); err != nil {
		writeControlError(w, "", err)
		return
	}
	writeJSON(w, http.StatusOK, ControlResponse{Status: "success"})
}

func writeControlError(w http.ResponseWriter, msg string, err error) {
	if msg == "" {
		msg = err.Error()
	}
	switch {
	case errors.Is(err, coordinator.ErrRateLimited), errors.Is(err, transport.ErrServerRateLimited):
		writeError(w, http.StatusTooManyRequests, msg)
	case errors.Is(err, transport.ErrRejected), errors.Is(err, coordinator.ErrEmptyValue):
		writeError(w, http.StatusBadRequest, msg)
	case errors.Is(err, coordinator.ErrStopped), errors.Is(err, coordinator.ErrNoControl):
		writeError(w, http.StatusServiceUnavailable, msg)
	default:
		log.Printf("control request failed: %v", err)
		writeError(w, http.StatusBadGateway, msg)
	}
}

// field reads key from a JSON object body or from form values.
func field(r *http.Request, key string) string {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body map[string]string
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&body); err != nil {
			return ""
		}
		return body[key]
	}
	return r.FormValue(key)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Status: "error", Message: msg})
}
