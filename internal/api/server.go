package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"planflow/internal/controller"
	"planflow/internal/domain"
	"planflow/internal/store"
)

type Server struct {
	r    *chi.Mux
	ctrl *controller.Controller
}

func NewServer(ctrl *controller.Controller) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	s := &Server{r: r, ctrl: ctrl}

	r.Get("/health", s.health)
	r.Post("/api/tasks", s.createTask)
	r.Get("/api/tasks", s.listTasks)
	r.Get("/api/tasks/{id}", s.getTask)
	r.Delete("/api/tasks/{id}", s.deleteTask)
	r.Get("/api/occurrences", s.listOccurrences)
	r.Post("/api/occurrences/{id}/done", s.markDone)
	r.Post("/api/occurrences/{id}/retry", s.retryOccurrence)
	r.Post("/api/scheduler/pause", s.pause)
	r.Post("/api/scheduler/resume", s.resume)
	r.Post("/api/recovery/run", s.runRecovery)

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type createTaskReq struct {
	Title          string             `json:"title"`
	Description    *string            `json:"description"`
	Link           *string            `json:"link"`
	Recurrence     string             `json:"recurrence"` // "30m", "2h", "1d"; empty = one-off
	Priority       string             `json:"priority"`
	PreferredSlots []string           `json:"preferred_slots"`
	Retry          domain.RetryPolicy `json:"retry_policy"`
	RetryInterval  string             `json:"retry_interval"` // overrides Retry.Interval when set
	PinnedTime     *time.Time         `json:"pinned_time"`
}

type createTaskResp struct {
	ID         string                 `json:"id"`
	Occurrence *domain.TaskOccurrence `json:"occurrence"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), 400)
		return
	}
	if req.Title == "" {
		http.Error(w, "title is required", 400)
		return
	}
	task := domain.TaskDefinition{
		Title:          req.Title,
		Description:    req.Description,
		Link:           req.Link,
		Priority:       domain.Priority(req.Priority),
		PreferredSlots: req.PreferredSlots,
		Retry:          req.Retry,
		PinnedTime:     req.PinnedTime,
	}
	if req.Recurrence != "" {
		d, err := domain.ParseInterval(req.Recurrence)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		task.Recurrence = d
	}
	if req.RetryInterval != "" {
		d, err := domain.ParseInterval(req.RetryInterval)
		if err != nil {
			http.Error(w, err.Error(), 400)
			return
		}
		task.Retry.Interval = d
	}

	id, occ, err := s.ctrl.AddTask(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, http.StatusCreated, createTaskResp{ID: id, Occurrence: occ})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.ctrl.ListTasks(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.ctrl.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.RemoveTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listOccurrences(w http.ResponseWriter, r *http.Request) {
	occs, err := s.ctrl.ListOccurrences(r.Context())
	if err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	writeJSON(w, 200, occs)
}

func (s *Server) markDone(w http.ResponseWriter, r *http.Request) {
	err := s.ctrl.MarkDone(r.Context(), chi.URLParam(r, "id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		http.Error(w, "not found", 404)
	case errors.Is(err, controller.ErrAlreadyDone):
		http.Error(w, "already done", 409)
	case err != nil:
		http.Error(w, err.Error(), 500)
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) retryOccurrence(w http.ResponseWriter, r *http.Request) {
	occ, err := s.ctrl.RetryOccurrence(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, "not found", 404)
			return
		}
		http.Error(w, err.Error(), 500)
		return
	}
	// occ is null when no retry is possible
	writeJSON(w, 200, occ)
}

func (s *Server) pause(w http.ResponseWriter, r *http.Request) {
	s.ctrl.Pause()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Resume(r.Context()); err != nil {
		http.Error(w, err.Error(), 500)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) runRecovery(w http.ResponseWriter, r *http.Request) {
	s.ctrl.RecoverMissedTasks(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
