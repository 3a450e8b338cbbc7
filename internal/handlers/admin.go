package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/orchestrator"
	errs "github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/errors"
	"github.com/rgonzalezclapps/micro-banana-wpp-sub001/internal/pkg/logger"
)

type AdminHandler struct {
	log     *logger.Logger
	queue   *orchestrator.Queue
	tracker *orchestrator.Tracker
}

func NewAdminHandler(baseLog *logger.Logger, queue *orchestrator.Queue, tracker *orchestrator.Tracker) (*AdminHandler, error) {
	if baseLog == nil {
		return nil, fmt.Errorf("logger required")
	}
	if queue == nil || tracker == nil {
		return nil, fmt.Errorf("queue and tracker required")
	}
	return &AdminHandler{
		log:     baseLog.With("handler", "AdminHandler"),
		queue:   queue,
		tracker: tracker,
	}, nil
}

// POST /admin/conversations/:id/release
// Escape hatch for a wedged processing lock: cancels the active run if this
// instance holds it and deletes the lock key unconditionally.
func (h *AdminHandler) ReleaseConversation(c *gin.Context) {
	convID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_conversation_id", err)
		return
	}
	if err := h.queue.ForceRelease(c.Request.Context(), convID.String()); err != nil {
		RespondError(c, http.StatusInternalServerError, "release_failed", err)
		return
	}
	h.log.Warn("Processing lock force released", "conversation_id", convID)
	RespondOK(c, gin.H{"released": convID.String()})
}

// GET /admin/jobs/:id
func (h *AdminHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	if jobID == "" {
		RespondError(c, http.StatusBadRequest, "invalid_job_id", fmt.Errorf("job id required"))
		return
	}
	job, err := h.tracker.Inspect(c.Request.Context(), jobID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	RespondOK(c, gin.H{"job": job})
}

type requeueRequest struct {
	JobID string `json:"job_id" binding:"required"`
}

// POST /admin/jobs/requeue
// Puts a live job back on its poll queue immediately, skipping the current
// schedule delay. Terminal jobs are rejected.
func (h *AdminHandler) RequeueJob(c *gin.Context) {
	var req requeueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_payload", err)
		return
	}
	ctx := c.Request.Context()
	job, err := h.tracker.GetState(ctx, req.JobID)
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			RespondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		RespondError(c, http.StatusInternalServerError, "job_lookup_failed", err)
		return
	}
	if job.Status.Terminal() {
		RespondError(c, http.StatusConflict, "job_terminal", fmt.Errorf("job %s already %s", job.JobID, job.Status))
		return
	}
	// The persisted record is authoritative for the queue the job polls on.
	h.tracker.PushAfter(ctx, job.JobType, job.JobID, 0)
	RespondOK(c, gin.H{"requeued": job.JobID})
}
