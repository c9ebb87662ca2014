// Package api exposes task submission, status and dead-letter operations over
// HTTP.
package api

import (
	"context"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/deadletter"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/tasks"
)

type Submitter interface {
	Submit(ctx context.Context, name string, args []any, kwargs map[string]any, opts ...tasks.SubmitOption) (string, error)
}

type DeadLetterLister interface {
	List(ctx context.Context, limit int) ([]deadletter.Entry, error)
}

type Reprocessor interface {
	ReprocessAll(ctx context.Context) (int, error)
}

// Server holds the handlers' dependencies.
type Server struct {
	Submitter   Submitter
	Results     storage.ResultStore
	DeadLetters DeadLetterLister
	Reprocessor Reprocessor
	// Queues backs the queue and message admin routes.
	Queues queue.Service
	Log    *zap.Logger

	validate *validator.Validate
}

func NewRouter(s *Server) http.Handler {
	if s.Log == nil {
		s.Log = zap.NewNop()
	}
	s.validate = validator.New(validator.WithRequiredStructEnabled())
	s.validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(s.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))

	r.Get("/health", s.health)
	r.Post("/tasks", s.submitTask)
	r.Get("/tasks/{taskID}", s.taskStatus)
	r.Post("/reports", s.submitReport)
	r.Get("/dlq", s.listDeadLetters)
	r.Post("/dlq/reprocess", s.reprocessDeadLetters)

	r.Route("/queues", func(r chi.Router) {
		r.Post("/", s.createQueue)
		r.Get("/", s.listQueues)
		r.Delete("/", s.deleteQueue)
		r.Get("/attributes", s.queueAttributes)
	})
	r.Route("/messages", func(r chi.Router) {
		r.Post("/", s.sendMessage)
		r.Get("/", s.receiveMessages)
		r.Delete("/", s.deleteMessage)
	})
	return r
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("took", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
