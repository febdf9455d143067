// Package httpserver exposes the messaging API over HTTP. Authentication is
// delegated to an edge proxy that injects the caller identity header.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/courierhq/courier/internal/outbox"
	"github.com/courierhq/courier/internal/service/chat"
)

type Server struct {
	svc    *chat.Service
	logger *slog.Logger

	// Optional ops wiring. Nil fields drop their endpoints.
	outboxStats func() outbox.Stats
	dlq         DeadLetterOps

	startedAt     time.Time
	requests      atomic.Int64
	requestErrors atomic.Int64

	httpSrv *http.Server
}

// DeadLetterOps is the operator surface over the dead-letter table.
type DeadLetterOps interface {
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetterView, error)
	ReplayDeadLetter(ctx context.Context, id string) error
}

// DeadLetterView is the ops API shape of a dead-lettered event.
type DeadLetterView struct {
	ID                string    `json:"id"`
	AggregateType     string    `json:"aggregate_type"`
	AggregateID       string    `json:"aggregate_id"`
	ErrorMessage      string    `json:"error_message"`
	RetryCount        int       `json:"retry_count"`
	OriginalCreatedAt time.Time `json:"original_created_at"`
	MovedToDLQAt      time.Time `json:"moved_to_dlq_at"`
}

type Option func(*Server)

// WithOutboxStats wires relay counters into the metrics endpoint.
func WithOutboxStats(fn func() outbox.Stats) Option {
	return func(s *Server) { s.outboxStats = fn }
}

// WithDeadLetterOps enables the dead-letter list and replay endpoints.
func WithDeadLetterOps(ops DeadLetterOps) Option {
	return func(s *Server) { s.dlq = ops }
}

func New(svc *chat.Service, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{svc: svc, logger: logger, startedAt: time.Now()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) ginEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog(), s.identity())
	s.addChatRoutes(r)
	s.addOpsRoutes(r)
	return r
}

func (s *Server) ListenAndServe(addr string) error {
	s.logger.Info("http api listening", "addr", addr)
	s.httpSrv = &http.Server{Addr: addr, Handler: s.ginEngine()}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}
