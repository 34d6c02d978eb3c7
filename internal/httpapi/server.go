package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/MimeLyc/imagen-studio/internal/config"
	"github.com/MimeLyc/imagen-studio/internal/persistence"
	"github.com/MimeLyc/imagen-studio/internal/prediction"
	"github.com/MimeLyc/imagen-studio/pkg/icron"
	"github.com/MimeLyc/imagen-studio/pkg/metrics"
)

const defaultKeepAlive = 15 * time.Second

// studio is the part of service.Studio the API serves.
type studio interface {
	Start(ctx context.Context, req prediction.Request) (prediction.Snapshot, error)
	Cancel() prediction.Snapshot
	Current() prediction.Snapshot
	Subscribe() (<-chan prediction.Update, func())
	LastResult() (*prediction.Result, bool)
	Image(n int) (prediction.Image, bool)
	History(ctx context.Context, filter persistence.HistoryFilter) ([]persistence.HistoryRecord, error)
	HistoryStats(ctx context.Context) (persistence.OutcomeCounts, error)
	RetentionInfo() (*icron.TriggerInfo, error)
}

type runtimeSettingsStore interface {
	GetRuntimeSettings() (config.RuntimeSettings, error)
	UpdateRuntimeSettings(next config.RuntimeSettings) (config.RuntimeSettings, error)
}

type Server struct {
	studio   studio
	settings runtimeSettingsStore
	metrics  *metrics.Middleware

	keepAlive time.Duration

	mux    *http.ServeMux
	server *http.Server
}

type Option func(*Server)

func WithRuntimeSettingsStore(store runtimeSettingsStore) Option {
	return func(s *Server) {
		s.settings = store
	}
}

// WithMetrics records per-route request metrics through mw.
func WithMetrics(mw *metrics.Middleware) Option {
	return func(s *Server) {
		s.metrics = mw
	}
}

// WithKeepAlive sets how often idle progress streams send a comment line.
func WithKeepAlive(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.keepAlive = d
		}
	}
}

func NewServer(st studio, opts ...Option) *Server {
	s := &Server{
		studio:    st,
		keepAlive: defaultKeepAlive,
		mux:       http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	if s.metrics != nil {
		return s.metrics.Handler(s.mux)
	}
	return s.mux
}

func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/predictions", s.handleStart)
	s.mux.HandleFunc("/api/predictions/current", s.handleCurrent)
	s.mux.HandleFunc("/api/predictions/cancel", s.handleCancel)
	s.mux.HandleFunc("/api/predictions/stream", s.handleProgressStream)
	s.mux.HandleFunc("/api/predictions/result", s.handleResult)
	s.mux.HandleFunc("/api/predictions/result/images/{n}", s.handleImage)
	s.mux.HandleFunc("/api/history", s.handleHistory)
	s.mux.HandleFunc("/api/history/stats", s.handleHistoryStats)
	s.mux.HandleFunc("/api/retention", s.handleRetention)
	s.mux.HandleFunc("/api/settings", s.handleSettings)
	s.mux.Handle("/metrics", metrics.Handler())
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
}
