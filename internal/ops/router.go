package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"testjobs/internal/jobs"
	"testjobs/internal/queue"
	"testjobs/internal/store"
	"testjobs/internal/trigger"
	logx "testjobs/pkg/logx"
)

// Queue is the part of *queue.Queue the HTTP API uses.
type Queue interface {
	Name() string
	Snapshot() queue.Snapshot
	Enqueue(ctx context.Context, env jobs.Envelope) (string, error)
	Job(ctx context.Context, id string) (store.JobRecord, error)
}

// Trigger is the part of *trigger.Service the HTTP API uses.
type Trigger interface {
	Stats() trigger.Stats
	Scan(ctx context.Context) (int, error)
}

type Backend struct {
	Queues   []Queue
	Trigger  Trigger
	Gatherer prometheus.Gatherer
	// Health reports readiness; nil means always healthy.
	Health func(ctx context.Context) error
}

const maxBody = 1 << 20

// Router builds the HTTP API. token, when set, is required on every route
// except /healthz.
func Router(b Backend, token string, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{b: b, queues: map[string]Queue{}, log: log}
	for _, q := range b.Queues {
		h.queues[q.Name()] = q
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLog(log))

	r.Get("/healthz", h.health)

	r.Group(func(r chi.Router) {
		r.Use(withAuth(token))

		if b.Gatherer != nil {
			r.Handle("/metrics", promhttp.HandlerFor(b.Gatherer, promhttp.HandlerOpts{}))
		}
		r.Get("/queues", h.listQueues)
		r.Get("/queues/{queue}", h.getQueue)
		r.Post("/queues/{queue}/jobs", h.enqueue)
		r.Get("/queues/{queue}/jobs/{id}", h.getJob)

		r.Get("/trigger", h.triggerStats)
		r.Post("/trigger/scan", h.triggerScan)

		r.Mount("/debug", middleware.Profiler())
	})
	return r
}

type handlers struct {
	b      Backend
	queues map[string]Queue
	log    logx.Logger
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if h.b.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.b.Health(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *handlers) listQueues(w http.ResponseWriter, _ *http.Request) {
	out := make([]queue.Snapshot, 0, len(h.queues))
	for _, q := range h.queues {
		snap := q.Snapshot()
		snap.History = nil
		out = append(out, snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, q.Snapshot())
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var env jobs.Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := jobs.Validate(q.Name(), env); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	id, err := q.Enqueue(r.Context(), env)
	switch {
	case errors.Is(err, queue.ErrStopped), errors.Is(err, queue.ErrStopping):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case err != nil:
		h.log.Warn("enqueue failed", logx.String("queue", q.Name()), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "queue": q.Name()})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	q, ok := h.queue(w, r)
	if !ok {
		return
	}
	rec, err := q.Job(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handlers) triggerStats(w http.ResponseWriter, _ *http.Request) {
	if h.b.Trigger == nil {
		writeError(w, http.StatusNotFound, errors.New("trigger not configured"))
		return
	}
	writeJSON(w, http.StatusOK, h.b.Trigger.Stats())
}

func (h *handlers) triggerScan(w http.ResponseWriter, r *http.Request) {
	if h.b.Trigger == nil {
		writeError(w, http.StatusNotFound, errors.New("trigger not configured"))
		return
	}
	n, err := h.b.Trigger.Scan(r.Context())
	resp := map[string]any{"enqueued": n}
	if err != nil {
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) queue(w http.ResponseWriter, r *http.Request) (Queue, bool) {
	name := chi.URLParam(r, "queue")
	q, ok := h.queues[name]
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("unknown queue: "+name))
	}
	return q, ok
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func requestLog(log logx.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				logx.String("method", r.Method),
				logx.String("path", r.URL.Path),
				logx.Int("status", ww.Status()),
				logx.Duration("dur", time.Since(start)),
				logx.String("req_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
