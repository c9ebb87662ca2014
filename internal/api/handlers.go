package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/taskq/internal/deadletter"
	"github.com/SirClappington/taskq/internal/domain"
	"github.com/SirClappington/taskq/internal/queue"
	"github.com/SirClappington/taskq/internal/reports"
	"github.com/SirClappington/taskq/internal/storage"
	"github.com/SirClappington/taskq/internal/tasks"
)

type SubmitTaskRequest struct {
	Task         string         `json:"task" validate:"required,max=256"`
	Args         []any          `json:"args"`
	Kwargs       map[string]any `json:"kwargs"`
	DelaySeconds int            `json:"delay_seconds" validate:"min=0,max=900"`
}

type ReportRequest struct {
	ReportType reports.Type   `json:"report_type" validate:"required,oneof=sales inventory users"`
	Format     reports.Format `json:"format" validate:"omitempty,oneof=csv json"`
}

type SubmitResponse struct {
	TaskID string        `json:"task_id"`
	Status domain.Status `json:"status"`
}

type DeadLetterResponse struct {
	Messages []deadletter.Entry `json:"messages"`
	Count    int                `json:"count"`
}

type ReprocessResponse struct {
	Reprocessed int `json:"reprocessed"`
	Failed      int `json:"failed"`
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req SubmitTaskRequest
	if !s.decode(w, r, &req) {
		return
	}
	var opts []tasks.SubmitOption
	if req.DelaySeconds > 0 {
		opts = append(opts, tasks.WithDelay(time.Duration(req.DelaySeconds)*time.Second))
	}
	id, err := s.Submitter.Submit(r.Context(), req.Task, req.Args, req.Kwargs, opts...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id, Status: domain.Pending})
}

func (s *Server) submitReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Format == "" {
		req.Format = reports.CSV
	}
	id, err := s.Submitter.Submit(r.Context(), reports.TaskName, []any{req.ReportType, req.Format}, nil)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, SubmitResponse{TaskID: id, Status: domain.Pending})
}

// taskStatus answers PENDING for ids with no stored result, since results are
// only written once a task finishes.
func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	res, err := s.Results.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeJSON(w, http.StatusOK, domain.JobResult{TaskID: id, Status: domain.Pending})
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := queue.MaxBatch
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > queue.MaxBatch {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 10")
			return
		}
		limit = n
	}
	entries, err := s.DeadLetters.List(r.Context(), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, DeadLetterResponse{Messages: entries, Count: len(entries)})
}

// reprocessDeadLetters reports partial failures as a count; the errors
// themselves are only logged.
func (s *Server) reprocessDeadLetters(w http.ResponseWriter, r *http.Request) {
	n, err := s.Reprocessor.ReprocessAll(r.Context())
	failed := len(multierr.Errors(err))
	if err != nil {
		s.Log.Warn("dead letter reprocessing incomplete", zap.Int("reprocessed", n), zap.Error(err))
		if n == 0 && !errors.Is(err, domain.ErrEnvelopeDecode) {
			s.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, ReprocessResponse{Reprocessed: n, Failed: failed})
}

type CreateQueueRequest struct {
	Name       string            `json:"name" validate:"required,max=80"`
	Attributes map[string]string `json:"attributes"`
}

func (s *Server) createQueue(w http.ResponseWriter, r *http.Request) {
	var req CreateQueueRequest
	if !s.decode(w, r, &req) {
		return
	}
	url, err := s.Queues.CreateQueue(r.Context(), req.Name, req.Attributes)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"queue_url": url})
}

func (s *Server) listQueues(w http.ResponseWriter, r *http.Request) {
	urls, err := s.Queues.ListQueues(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if urls == nil {
		urls = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"queue_urls": urls})
}

func (s *Server) deleteQueue(w http.ResponseWriter, r *http.Request) {
	url := r.URL.Query().Get("queue_url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "queue_url is required")
		return
	}
	if err := s.Queues.DeleteQueue(r.Context(), url); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) queueAttributes(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	url := q.Get("queue_url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "queue_url is required")
		return
	}
	var names []string
	if v := q.Get("names"); v != "" {
		names = strings.Split(v, ",")
	}
	attrs, err := s.Queues.GetQueueAttributes(r.Context(), url, names...)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"attributes": attrs})
}

type SendMessageRequest struct {
	QueueURL     string `json:"queue_url" validate:"required"`
	Body         string `json:"body" validate:"required"`
	DelaySeconds int    `json:"delay_seconds" validate:"min=0,max=900"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	id, err := s.Queues.SendMessage(r.Context(), req.QueueURL, req.Body, time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id})
}

type ReceiveQuery struct {
	QueueURL          string `json:"queue_url" validate:"required"`
	MaxMessages       int    `json:"max_messages" validate:"min=1,max=10"`
	VisibilityTimeout *int   `json:"visibility_timeout" validate:"omitempty,min=0,max=43200"`
	WaitSeconds       int    `json:"wait_seconds" validate:"min=0,max=20"`
}

type MessageView struct {
	ID            string `json:"message_id"`
	Body          string `json:"body"`
	ReceiptHandle string `json:"receipt_handle"`
	ReceiveCount  int    `json:"receive_count"`
}

func (s *Server) receiveMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := ReceiveQuery{QueueURL: q.Get("queue_url"), MaxMessages: 1}
	for key, dst := range map[string]*int{"max_messages": &req.MaxMessages, "wait_seconds": &req.WaitSeconds} {
		if v := q.Get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, key+" must be an integer")
				return
			}
			*dst = n
		}
	}
	if v := q.Get("visibility_timeout"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "visibility_timeout must be an integer")
			return
		}
		req.VisibilityTimeout = &n
	}
	if !s.check(w, &req) {
		return
	}

	opts := queue.ReceiveOptions{MaxMessages: req.MaxMessages, WaitTime: time.Duration(req.WaitSeconds) * time.Second}
	if req.VisibilityTimeout != nil {
		opts.VisibilityTimeout = queue.Visibility(time.Duration(*req.VisibilityTimeout) * time.Second)
	}
	msgs, err := s.Queues.ReceiveMessages(r.Context(), req.QueueURL, opts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, MessageView{ID: m.ID, Body: m.Body, ReceiptHandle: m.ReceiptHandle, ReceiveCount: m.ReceiveCount})
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

type DeleteMessageRequest struct {
	QueueURL      string `json:"queue_url" validate:"required"`
	ReceiptHandle string `json:"receipt_handle" validate:"required"`
}

// deleteMessage treats an expired receipt as already deleted.
func (s *Server) deleteMessage(w http.ResponseWriter, r *http.Request) {
	var req DeleteMessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	err := s.Queues.DeleteMessage(r.Context(), req.QueueURL, req.ReceiptHandle)
	if errors.Is(err, queue.ErrStaleReceipt) {
		s.Log.Info("delete with stale receipt ignored", zap.String("queue_url", req.QueueURL))
		err = nil
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
