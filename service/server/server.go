package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/brojonat/psyduk/service/db"
	"github.com/brojonat/psyduk/service/eligibility"
	"github.com/brojonat/psyduk/service/metrics"
	natspkg "github.com/brojonat/psyduk/service/nats"
	"github.com/brojonat/psyduk/service/raffle"
	"github.com/brojonat/psyduk/service/temporal"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RaffleStore is the persistence the HTTP surface needs beyond the round itself.
type RaffleStore interface {
	RecordPurchase(ctx context.Context, roundAddress solana.PublicKey, receipt *raffle.Receipt) (*db.Purchase, error)
	RecordWinner(ctx context.Context, roundAddress solana.PublicKey, res *raffle.Resolution) (*db.Winner, error)
	ListWinners(ctx context.Context, limit int32) ([]*db.Winner, error)
	ParticipantTickets(ctx context.Context, roundAddress solana.PublicKey) ([]db.ParticipantTickets, error)
}

// EligibilityChecker decides whether a participant may enter.
type EligibilityChecker interface {
	Check(ctx context.Context, participant solana.PublicKey) eligibility.Result
	Mint() solana.PublicKey
}

// WatchClient starts and inspects payment watches.
type WatchClient interface {
	StartWatch(ctx context.Context, input temporal.WatchPaymentInput) error
	GetWatch(ctx context.Context, watchID string) (*temporal.WatchStatus, error)
}

// NotificationPublisher delivers participant notifications and round results.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, n *natspkg.Notification) error
	PublishRoundResolved(ctx context.Context, event *natspkg.RoundResolvedEvent) error
}

// Deps are the server's collaborators. Publisher, Stream and Gatherer are
// optional.
type Deps struct {
	Authority    *raffle.Authority
	Store        RaffleStore
	Eligibility  EligibilityChecker
	Watches      WatchClient
	Publisher    NotificationPublisher
	Stream       *EventStream
	WatchTimeout time.Duration
	Gatherer     prometheus.Gatherer
}

// Server represents the HTTP server for the raffle service.
type Server struct {
	addr    string
	deps    Deps
	now     func() time.Time
	metrics *metrics.Metrics
	logger  *slog.Logger
	server  *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The metrics is optional - if nil, request metrics won't be recorded.
func New(addr string, deps Deps, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:    addr,
		deps:    deps,
		now:     time.Now,
		metrics: m,
		logger:  logger,
	}
}

// Handler builds the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	d := s.deps

	s.route(mux, "POST /api/v1/eligibility", handleCheckEligibility(d.Eligibility, d.Publisher, s.logger))
	s.route(mux, "POST /api/v1/purchases", handlePurchase(d.Authority, d.Store, s.now, s.logger))
	s.route(mux, "POST /api/v1/watches", handleStartWatch(d.Watches, d.Authority, d.WatchTimeout, s.now, s.logger))
	s.route(mux, "GET /api/v1/watches/{id}", handleGetWatch(d.Watches, s.logger))
	s.route(mux, "GET /api/v1/round", handleGetRound(d.Authority, s.now, s.logger))
	s.route(mux, "POST /api/v1/round/open", handleOpenRound(d.Authority, s.now, s.logger))
	s.route(mux, "POST /api/v1/round/resolve", handleResolveRound(d.Authority, d.Store, d.Publisher, s.logger))
	s.route(mux, "GET /api/v1/round/participants", handleListParticipants(d.Authority, d.Store, s.logger))
	s.route(mux, "GET /api/v1/winners", handleListWinners(d.Store, s.logger))

	if d.Stream != nil {
		mux.Handle("GET /api/v1/stream/notifications/{participant}", handleStreamNotifications(d.Stream, s.logger))
		mux.Handle("GET /api/v1/stream/rounds", handleStreamRounds(d.Stream, s.logger))
		s.logger.Info("SSE streaming endpoints enabled")
	} else {
		s.logger.Warn("event stream not configured, streaming endpoints disabled")
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if d.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{}))
		s.logger.Info("Prometheus metrics endpoint enabled")
	}

	return corsMiddleware(mux)
}

// route registers h under pattern, wrapped with request metrics.
func (s *Server) route(mux *http.ServeMux, pattern string, h http.Handler) {
	mux.Handle(pattern, metrics.HTTPMetricsMiddleware(s.metrics, pattern)(h))
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server",
		"addr", s.addr,
		"round", s.deps.Authority.Address().String(),
	)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	// Close the stream first so SSE clients disconnect.
	if s.deps.Stream != nil {
		s.deps.Stream.Close()
	}

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware adds CORS headers to all responses and handles OPTIONS preflight requests.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Max-Age", "3600")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
