package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"avs/internal/httpkit"
	"avs/internal/jobs"
	"avs/internal/pkg/errors"
	"avs/internal/pkg/logger"
	"avs/internal/pkg/middleware"
)

// PostJob creates a job from a brief and dispatches it.
func (h *Handler) PostJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var brief jobs.Brief
	if err := httpkit.DecodeJSON(r, &brief); err != nil {
		middleware.HandleError(w, r, h.log, errors.WrapWithCode(err, errors.CodeValidation, "api.jobs", "invalid json body"))
		return
	}
	brief.Normalize()
	if err := brief.Validate(); err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}

	job := jobs.New(brief, h.now())
	if err := h.store.Create(ctx, job); err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}
	log := h.log.FromContext(logger.ContextWithJobID(ctx, job.ID))

	if err := h.dispatcher.Dispatch(ctx, job.ID); err != nil {
		// The job would otherwise sit in queued forever.
		if _, uerr := h.store.Update(ctx, job.ID, jobs.FailedWith("job could not be dispatched")); uerr != nil {
			log.Warn("failed to mark undispatched job", "error", uerr.Error())
		}
		middleware.HandleError(w, r, h.log, errors.WrapWithCode(err, errors.CodeUnavailable, "api.jobs", "failed to dispatch job"))
		return
	}
	log.Info("job submitted", "topic", brief.Topic, "target_seconds", brief.TargetDurationSeconds)

	w.Header().Set("Location", "/jobs/"+job.ID)
	httpkit.WriteJSON(w, http.StatusAccepted, job)
}

// ListJobs lists jobs newest first, optionally filtered by status.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.ListFilter{Status: jobs.Status(strings.TrimSpace(q.Get("status")))}
	if f.Status != "" && !f.Status.Valid() {
		middleware.HandleError(w, r, h.log, errors.ValidationField("status", "unknown status: "+string(f.Status)))
		return
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			middleware.HandleError(w, r, h.log, errors.ValidationField("limit", "limit must be a positive integer"))
			return
		}
		f.Limit = v
	}

	list, err := h.store.List(r.Context(), f)
	if err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"jobs": list})
}

// GetJob returns the current snapshot of a job.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.store.Get(r.Context(), chi.URLParam(r, "jobId"))
	if err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusOK, job)
}

// CancelJob requests cancellation. A queued job, or a running job no
// executor claims, is cancelled in the store directly.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "jobId")
	log := h.log.FromContext(ctx).WithJobID(id)

	job, err := h.store.Get(ctx, id)
	if err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}
	if job.Status.Terminal() {
		middleware.HandleError(w, r, h.log, errors.Conflict("job already "+string(job.Status)).WithField("status", string(job.Status)))
		return
	}

	delivered, err := h.dispatcher.Cancel(ctx, id)
	if err != nil {
		log.Warn("cancel request not delivered", "error", err.Error())
	}
	if job.Status == jobs.StatusQueued || !delivered {
		if _, err := h.store.Update(ctx, id, jobs.CancelledUpdate()); err != nil && !jobs.IsTerminal(err) {
			middleware.HandleError(w, r, h.log, err)
			return
		}
	}
	log.Info("cancel requested", "status", string(job.Status), "delivered", delivered)

	job, err = h.store.Get(ctx, id)
	if err != nil {
		middleware.HandleError(w, r, h.log, err)
		return
	}
	httpkit.WriteJSON(w, http.StatusAccepted, job)
}
