package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/cache"
	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/db"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/ingest"
	"github.com/opine-hq/fieldsync/internal/models"
	"github.com/opine-hq/fieldsync/internal/qc"
	"github.com/opine-hq/fieldsync/internal/review"
)

// ErrorResponse is the JSON error envelope
type ErrorResponse struct {
	Error string `json:"error"`
}

// maxMediaBytes bounds a single media upload body.
const maxMediaBytes = 64 << 20

type Handler struct {
	ingest *ingest.Service
	queue  *review.Queue
	engine *qc.Engine
	store  db.Store
	cache  cache.Cache
	cfg    *config.QCConfig
	logger *logrus.Logger
}

func NewHandler(ingestSvc *ingest.Service, queue *review.Queue, engine *qc.Engine, store db.Store, c cache.Cache, cfg *config.QCConfig, logger *logrus.Logger) *Handler {
	return &Handler{
		ingest: ingestSvc,
		queue:  queue,
		engine: engine,
		store:  store,
		cache:  c,
		cfg:    cfg,
		logger: logger,
	}
}

// SyncResponse handles a sync delivery from a field device
// @Summary Ingest a captured interview
// @Description Accepts a sync payload, deduplicates it, and returns a durable id. Safe under retries.
// @Tags sync
// @Accept json
// @Produce json
// @Param request body ingest.SubmitRequest true "Sync payload"
// @Success 200 {object} ingest.SubmitResult
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /responses/sync [post]
func (h *Handler) SyncResponse(c *gin.Context) {
	var req ingest.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid sync payload: %v", err)})
		return
	}

	result, err := h.ingest.Submit(c.Request.Context(), &req)
	if err != nil {
		if apperrors.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Errorf("Failed to ingest response: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to ingest response"})
		return
	}

	c.JSON(http.StatusOK, result)
}

// UploadMedia handles a media blob upload
// @Summary Upload interview media
// @Description Stores the audio blob for an ingested response. Retried independently of the data payload.
// @Tags sync
// @Accept octet-stream
// @Produce json
// @Param id path string true "Durable response id"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /responses/{id}/media [put]
func (h *Handler) UploadMedia(c *gin.Context) {
	id := c.Param("id")

	blob, err := io.ReadAll(io.LimitReader(c.Request.Body, maxMediaBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "failed to read media body"})
		return
	}
	if len(blob) == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "empty media body"})
		return
	}

	if err := h.ingest.AttachMedia(c.Request.Context(), id, blob); err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Errorf("Failed to attach media: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to store media"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "stored"})
}

// VerifyResponse handles the client's confirm-before-delete read-back
// @Summary Verify a stored response
// @Description Returns the stored checksum so the device can confirm durability before deleting its local copy.
// @Tags sync
// @Produce json
// @Param id path string true "Durable response id"
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Router /responses/{id}/verify [get]
func (h *Handler) VerifyResponse(c *gin.Context) {
	id := c.Param("id")

	checksum, err := h.ingest.Verify(c.Request.Context(), id)
	if err != nil {
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Errorf("Failed to verify response: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to verify response"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"stored_checksum": checksum})
}

// ClaimRequest carries optional queue filters
type ClaimRequest struct {
	SurveyID    string             `json:"survey_id,omitempty"`
	ChannelMode models.ChannelMode `json:"channel_mode,omitempty"`
	Search      string             `json:"search,omitempty"`
	ExcludeID   string             `json:"exclude_id,omitempty"`
}

// ClaimResponse is a successful claim or an explicit empty-queue signal
type ClaimResponse struct {
	Empty       bool                   `json:"empty,omitempty"`
	Response    *models.SurveyResponse `json:"response,omitempty"`
	LeaseExpiry *time.Time             `json:"lease_expiry,omitempty"`
}

func (h *Handler) filterFrom(c *gin.Context, req *ClaimRequest) models.ClaimFilter {
	_, allowed := reviewerFrom(c)
	return models.ClaimFilter{
		SurveyID:       req.SurveyID,
		ChannelMode:    req.ChannelMode,
		Search:         req.Search,
		AllowedSurveys: allowed,
	}
}

// ClaimNext hands the reviewer an exclusive claim
// @Summary Claim the next response for review
// @Description Returns the caller's current claim or a newly leased response. An empty queue is a normal reply, not an error.
// @Tags queue
// @Accept json
// @Produce json
// @Param request body ClaimRequest false "Optional filters"
// @Success 200 {object} ClaimResponse
// @Failure 401 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /queue/claim [post]
func (h *Handler) ClaimNext(c *gin.Context) {
	var req ClaimRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid claim request: %v", err)})
			return
		}
	}

	reviewerID, _ := reviewerFrom(c)
	claim, err := h.queue.ClaimNext(c.Request.Context(), reviewerID, h.filterFrom(c, &req), req.ExcludeID)
	if err != nil {
		if apperrors.IsQueueEmpty(err) {
			c.JSON(http.StatusOK, ClaimResponse{Empty: true})
			return
		}
		h.logger.Errorf("Failed to claim response: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to claim response"})
		return
	}

	c.JSON(http.StatusOK, ClaimResponse{Response: claim.Response, LeaseExpiry: &claim.LeaseExpiry})
}

// SkipRequest names the response being skipped plus the active filters
type SkipRequest struct {
	ResponseID  string             `json:"response_id" binding:"required"`
	SurveyID    string             `json:"survey_id,omitempty"`
	ChannelMode models.ChannelMode `json:"channel_mode,omitempty"`
	Search      string             `json:"search,omitempty"`
}

// Skip releases the current claim and serves a replacement
// @Summary Skip the current response
// @Description Releases the caller's claim and immediately serves the next eligible response, excluding the skipped one and preserving the filter scope.
// @Tags queue
// @Accept json
// @Produce json
// @Param request body SkipRequest true "Skip request"
// @Success 200 {object} ClaimResponse
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /queue/skip [post]
func (h *Handler) Skip(c *gin.Context) {
	var req SkipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid skip request: %v", err)})
		return
	}

	reviewerID, _ := reviewerFrom(c)
	filter := h.filterFrom(c, &ClaimRequest{SurveyID: req.SurveyID, ChannelMode: req.ChannelMode, Search: req.Search})

	claim, err := h.queue.Skip(c.Request.Context(), reviewerID, req.ResponseID, filter)
	if err != nil {
		if apperrors.IsQueueEmpty(err) {
			c.JSON(http.StatusOK, ClaimResponse{Empty: true})
			return
		}
		h.logger.Errorf("Failed to skip response: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to skip response"})
		return
	}

	c.JSON(http.StatusOK, ClaimResponse{Response: claim.Response, LeaseExpiry: &claim.LeaseExpiry})
}

// ReleaseRequest names the response being released
type ReleaseRequest struct {
	ResponseID string `json:"response_id" binding:"required"`
}

// Release clears the caller's claim
// @Summary Release the current claim
// @Description Clears the caller's lease without serving a replacement.
// @Tags queue
// @Accept json
// @Produce json
// @Param request body ReleaseRequest true "Release request"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /queue/release [post]
func (h *Handler) Release(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid release request: %v", err)})
		return
	}

	reviewerID, _ := reviewerFrom(c)
	if err := h.queue.Release(c.Request.Context(), reviewerID, req.ResponseID); err != nil {
		h.logger.Errorf("Failed to release lease: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to release lease"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "released"})
}

// ReviewRequest carries a reviewer's verdict
type ReviewRequest struct {
	Approve *bool `json:"approve" binding:"required"`
}

// SubmitReview records a reviewer decision
// @Summary Record a review decision
// @Description Approves or rejects the response the caller currently holds a lease on.
// @Tags queue
// @Accept json
// @Produce json
// @Param id path string true "Durable response id"
// @Param request body ReviewRequest true "Verdict"
// @Success 200 {object} map[string]string
// @Failure 400 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /responses/{id}/review [post]
func (h *Handler) SubmitReview(c *gin.Context) {
	var req ReviewRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid review request: %v", err)})
		return
	}

	reviewerID, _ := reviewerFrom(c)
	if err := h.queue.SubmitDecision(c.Request.Context(), reviewerID, c.Param("id"), *req.Approve); err != nil {
		if apperrors.IsLeaseConflict(err) {
			c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Errorf("Failed to record review decision: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to record decision"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "recorded"})
}

// QueueStats reports advisory queue depth
// @Summary Queue statistics
// @Description Returns the eligible-pool size for the caller's scope. Cached; staleness bounded by TTL.
// @Tags queue
// @Produce json
// @Success 200 {object} map[string]int64
// @Failure 500 {object} ErrorResponse
// @Router /queue/stats [get]
func (h *Handler) QueueStats(c *gin.Context) {
	_, allowed := reviewerFrom(c)
	filter := models.ClaimFilter{
		SurveyID:       c.Query("survey_id"),
		ChannelMode:    models.ChannelMode(c.Query("channel_mode")),
		AllowedSurveys: allowed,
	}

	cacheKey := "queue_stats:" + filter.Scope()
	if v, ok := h.cache.Get(c.Request.Context(), cacheKey); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.JSON(http.StatusOK, gin.H{"eligible": n})
			return
		}
	}

	n, err := h.queue.EligibleCount(c.Request.Context(), filter)
	if err != nil {
		h.logger.Errorf("Failed to count eligible responses: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get queue stats"})
		return
	}

	// No explicit invalidation: claims and decisions churn constantly, so
	// the stat relies on TTL expiry.
	h.cache.Set(c.Request.Context(), cacheKey, strconv.FormatInt(n, 10), h.cfg.StatsTTL)

	c.JSON(http.StatusOK, gin.H{"eligible": n})
}

// ListBatches lists QC batches by status
// @Summary List QC batches
// @Tags batches
// @Produce json
// @Param status query string false "Batch status filter" default(awaiting_decision)
// @Success 200 {array} models.QCBatch
// @Failure 500 {object} ErrorResponse
// @Router /batches [get]
func (h *Handler) ListBatches(c *gin.Context) {
	status := models.BatchStatus(c.DefaultQuery("status", string(models.BatchAwaitingDecision)))

	batches, err := h.store.ListBatchesByStatus(c.Request.Context(), status)
	if err != nil {
		h.logger.Errorf("Failed to list batches: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to list batches"})
		return
	}

	c.JSON(http.StatusOK, batches)
}

// GetBatch returns one QC batch with live sample counts
// @Summary Get a QC batch
// @Tags batches
// @Produce json
// @Param id path string true "Batch id"
// @Success 200 {object} models.QCBatch
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /batches/{id} [get]
func (h *Handler) GetBatch(c *gin.Context) {
	batch, err := h.store.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.logger.Errorf("Failed to get batch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to get batch"})
		return
	}
	if batch == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "batch not found"})
		return
	}

	c.JSON(http.StatusOK, batch)
}

// DecideBatch triggers a batch decision ahead of the scheduled sweep
// @Summary Trigger a batch decision
// @Description Runs the decision step now. A still-unresolved sample or an already-decided batch makes this a no-op.
// @Tags batches
// @Produce json
// @Param id path string true "Batch id"
// @Success 200 {object} map[string]string
// @Success 202 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /batches/{id}/decide [post]
func (h *Handler) DecideBatch(c *gin.Context) {
	err := h.engine.Decide(c.Request.Context(), c.Param("id"))
	if err != nil {
		if apperrors.IsBatchNotReady(err) {
			c.JSON(http.StatusAccepted, gin.H{"status": "sample still pending"})
			return
		}
		if apperrors.IsNotFound(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		if apperrors.IsValidationError(err) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
		h.logger.Errorf("Failed to decide batch: %v", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to decide batch"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "decided"})
}
