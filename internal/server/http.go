package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pivotwatch/internal/crossing"
	"pivotwatch/internal/feed"
	"pivotwatch/internal/levels"
	"pivotwatch/internal/marketdata"
	"pivotwatch/internal/monitor"
	"pivotwatch/internal/pivot"
)

// Backend is the read side the API serves.
type Backend interface {
	Settings() monitor.Settings
	Status() monitor.Status
	AllLevels() map[string]pivot.Levels
	Levels(symbol string) (pivot.Levels, bool)
	EnsureLevels(ctx context.Context, symbol string) (pivot.Levels, error)
}

type HTTPServer struct {
	backend Backend
	origins []string
	hub     *hub
	log     *slog.Logger
	mux     *chi.Mux
}

func NewHTTPServer(backend Backend, allowedOrigins []string, logger *slog.Logger) *HTTPServer {
	s := &HTTPServer{
		backend: backend,
		origins: allowedOrigins,
		hub:     newHub(logger),
		log:     logger,
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *HTTPServer) Router() http.Handler { return s.mux }

// Run drives the websocket hub until ctx is cancelled.
func (s *HTTPServer) Run(ctx context.Context) { s.hub.run(ctx) }

// --------- WS broadcasts ----------

func (s *HTTPServer) BroadcastStatus(st feed.Status) {
	s.hub.publish(marshalWS("status", st))
}

func (s *HTTPServer) BroadcastAlert(a crossing.Alert) {
	s.hub.publish(marshalWS("alert", a))
}

// Name and Send make the websocket fan-out a notify.Sink.
func (s *HTTPServer) Name() string { return "websocket" }

func (s *HTTPServer) Send(_ context.Context, a crossing.Alert) error {
	s.BroadcastAlert(a)
	return nil
}

// --------- Routes ----------

func (s *HTTPServer) routes() {
	s.mux.Use(middleware.RequestID)
	s.mux.Use(middleware.Recoverer)
	s.mux.Use(s.requestLog)
	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s.mux.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	s.mux.Get("/ws", s.hub.serveWS)
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Route("/api", func(r chi.Router) {
		r.Get("/health", s.apiHealth)
		r.Get("/status", s.apiStatus)
		r.Get("/config", s.apiConfig)
		r.Get("/levels", s.apiLevels)
		r.Get("/levels/{symbol}", s.apiSymbolLevels)
	})
}

func (s *HTTPServer) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", ww.Status()),
			slog.Duration("took", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *HTTPServer) apiHealth(w http.ResponseWriter, r *http.Request) {
	st := s.backend.Status()
	code := http.StatusOK
	if st.Feed.State == feed.Degraded {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":     code == http.StatusOK,
		"stream": st.Feed.State,
		"loaded": st.Loaded,
	})
}

func (s *HTTPServer) apiStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Status())
}

func (s *HTTPServer) apiConfig(w http.ResponseWriter, r *http.Request) {
	cfg := s.backend.Settings()
	writeJSON(w, http.StatusOK, map[string]any{
		"symbols":         cfg.Symbols,
		"threshold":       cfg.Threshold,
		"cooldownSeconds": cfg.Cooldown.Seconds(),
		"timeframe":       cfg.Timeframe,
		"formula":         cfg.Formula,
		"provider":        cfg.Provider,
	})
}

type levelView struct {
	Symbol string       `json:"symbol"`
	Levels []levelEntry `json:"levels"`
	Raw    pivot.Levels `json:"raw"`
}

type levelEntry struct {
	Name  pivot.LevelName `json:"name"`
	Value float64         `json:"value"`
}

func viewOf(sym string, lv pivot.Levels) levelView {
	v := levelView{Symbol: sym, Raw: lv}
	for _, name := range pivot.Order {
		val, _ := lv.Value(name)
		v.Levels = append(v.Levels, levelEntry{Name: name, Value: val})
	}
	return v
}

func (s *HTTPServer) apiLevels(w http.ResponseWriter, r *http.Request) {
	all := s.backend.AllLevels()
	out := make([]levelView, 0, len(all))
	for _, sym := range s.backend.Settings().Symbols {
		if lv, ok := all[sym]; ok {
			out = append(out, viewOf(sym, lv))
			delete(all, sym)
		}
	}
	// symbols loaded on demand outside the watch list
	for sym, lv := range all {
		out = append(out, viewOf(sym, lv))
	}
	writeJSON(w, http.StatusOK, out)
}

// GET /api/levels/{symbol} loads the symbol on demand when it is not yet known.
func (s *HTTPServer) apiSymbolLevels(w http.ResponseWriter, r *http.Request) {
	sym := marketdata.NormalizeSymbol(chi.URLParam(r, "symbol"))
	if sym == "" {
		writeError(w, http.StatusBadRequest, "symbol required")
		return
	}
	if lv, ok := s.backend.Levels(sym); ok {
		writeJSON(w, http.StatusOK, viewOf(sym, lv))
		return
	}
	lv, err := s.backend.EnsureLevels(r.Context(), sym)
	if err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, levels.ErrDataUnavailable) {
			code = http.StatusNotFound
		}
		writeError(w, code, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, viewOf(sym, lv))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
