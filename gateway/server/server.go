package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	modcommon "crosslend/native/common"
	"crosslend/native/liquidation"
	"crosslend/native/oracle"
	"crosslend/native/registry"
	"crosslend/native/risk"
	"crosslend/native/settlement"
	"crosslend/observability/logging"
	"crosslend/observability/metrics"
)

// Config captures the dependencies required to construct the gateway.
type Config struct {
	Engine       *risk.Engine
	Liquidations *liquidation.Manager
	Settlements  *settlement.Coordinator
	Registry     *registry.Registry
	Pauses       *modcommon.Pauses
	Prices       *oracle.ManualSource
	Metrics      *metrics.LendingMetrics
	AdminTokens  []string
	Logger       *slog.Logger
}

// Server is the HTTP surface over the lending node: public lending and
// settlement queries, and bearer-token admin endpoints for registry, pause
// and relay callbacks.
type Server struct {
	engine       *risk.Engine
	liquidations *liquidation.Manager
	settlements  *settlement.Coordinator
	registry     *registry.Registry
	pauses       *modcommon.Pauses
	prices       *oracle.ManualSource
	metrics      *metrics.LendingMetrics
	adminTokens  map[string]struct{}
	logger       *slog.Logger
	now          func() time.Time

	router http.Handler
}

// New constructs a configured router over the supplied components.
func New(cfg Config) *Server {
	srv := &Server{
		engine:       cfg.Engine,
		liquidations: cfg.Liquidations,
		settlements:  cfg.Settlements,
		registry:     cfg.Registry,
		pauses:       cfg.Pauses,
		prices:       cfg.Prices,
		metrics:      cfg.Metrics,
		adminTokens:  make(map[string]struct{}, len(cfg.AdminTokens)),
		logger:       cfg.Logger,
		now:          func() time.Time { return time.Now().UTC() },
	}
	if srv.logger == nil {
		srv.logger = slog.Default()
	}
	for _, token := range cfg.AdminTokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			srv.adminTokens[trimmed] = struct{}{}
		}
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}

	r.Route("/v1/lending", func(r chi.Router) {
		r.Post("/deposit", s.handleDeposit)
		r.Post("/withdraw", s.handleWithdraw)
		r.Post("/borrow", s.handleBorrow)
		r.Post("/repay", s.handleRepay)
		r.Post("/liquidate", s.handleLiquidate)
		r.Get("/assets", s.handleListAssets)
		r.Get("/positions/{address}", s.handlePosition)
		r.Get("/positions/{address}/health", s.handleHealth)
	})

	r.Route("/v1/settlement", func(r chi.Router) {
		r.Get("/messages/{id}", s.handleMessageStatus)
		r.With(s.requireAdmin).Get("/in-flight", s.handleInFlight)
		r.With(s.requireAdmin).Post("/messages/{id}/retry", s.handleRetry)
		r.With(s.requireAdmin).Post("/messages/{id}/confirm", s.handleConfirm)
		r.With(s.requireAdmin).Post("/messages/{id}/fail", s.handleFail)
		r.With(s.requireAdmin).Post("/inbound", s.handleInbound)
	})

	r.Route("/v1/admin", func(r chi.Router) {
		r.Use(s.requireAdmin)
		r.Post("/assets", s.handleUpsertAsset)
		r.Post("/assets/{symbol}/active", s.handleSetAssetActive)
		r.Post("/prices", s.handleSetPrice)
		r.Post("/pause", s.handlePause)
	})

	return r
}

// observe wraps handlers with the latency histogram.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}
		start := s.now()
		recorder := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(recorder, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		s.metrics.ObserveLatency(route, http.StatusText(recorder.Status()), s.now().Sub(start).Seconds())
	})
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer"))
		if _, ok := s.adminTokens[token]; !ok || token == "" {
			s.logger.Warn("admin auth rejected",
				slog.String("path", r.URL.Path),
				logging.MaskField("token", token),
			)
			s.writeError(w, r, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
