package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/BWC4WIFE/Trans2Thai/internal/notifications"
	"github.com/BWC4WIFE/Trans2Thai/internal/session"
	"github.com/BWC4WIFE/Trans2Thai/internal/store"
)

type RouterConfig struct {
	// JWT Authentication
	JWTSecret string

	// Session is the template for bridged sessions. Mic, Output and Listener
	// are filled in per connection.
	Session session.Config

	// Notifications
	DiscordWebhookURL string

	// Gatherer backs /metrics. Defaults to the global registry.
	Gatherer prometheus.Gatherer
}

type Router struct {
	cfg      RouterConfig
	logger   *log.Logger
	store    *store.Store
	sessions *SessionRegistry
	discord  *notifications.Discord
	mux      *http.ServeMux
}

func NewRouter(cfg RouterConfig, logger *log.Logger, s *store.Store, sessions *SessionRegistry) http.Handler {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	r := &Router{
		cfg:      cfg,
		logger:   logger,
		store:    s,
		sessions: sessions,
		discord:  notifications.NewDiscord(cfg.DiscordWebhookURL, logger),
		mux:      http.NewServeMux(),
	}

	r.routes()
	return withSentryRecovery(withCORS(r.mux))
}

func (r *Router) routes() {
	// Health check
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", promhttp.HandlerFor(r.cfg.Gatherer, promhttp.HandlerOpts{}))

	// Live translation session (websocket)
	r.mux.HandleFunc("GET /session", r.withAuth(r.handleSessionWS))

	// History
	r.mux.HandleFunc("GET /sessions/{id}/turns", r.withAuth(r.handleListTurns))
	r.mux.HandleFunc("GET /sessions/{id}/events", r.withAuth(r.handleListSessionEvents))

	// Settings
	r.mux.HandleFunc("PUT /settings/{key}", r.withAuth(r.handlePutSetting))
}

func (r *Router) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func withSentryRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				hub := sentry.CurrentHub().Clone()
				hub.Scope().SetRequest(req)
				hub.RecoverWithContext(req.Context(), err)
				hub.Flush(2 * time.Second)
				http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, req)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET,PUT,OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		if req.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, req)
	})
}

// captureError sends an error to Sentry with request context
func captureError(req *http.Request, err error, msg string) {
	sentry.WithScope(func(scope *sentry.Scope) {
		scope.SetRequest(req)
		scope.SetExtra("message", msg)
		sentry.CaptureException(err)
	})
}
