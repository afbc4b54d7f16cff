package review

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/db"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/models"
)

// maxClaimAttempts bounds re-selection after lost lease races. Each retry
// sees a pool without the contested response, so a handful is plenty.
const maxClaimAttempts = 5

// Claim is what a reviewer receives from the queue
type Claim struct {
	Response    *models.SurveyResponse `json:"response"`
	LeaseExpiry time.Time              `json:"lease_expiry"`
}

// Queue hands each reviewer an exclusive, time-boxed claim on one unreviewed
// response at a time. Expired leases are healed lazily: every read filters
// on expiry, no background sweeper exists.
type Queue struct {
	store db.Store
	cfg   *config.QCConfig
	now   func() time.Time
}

// NewQueue creates a new review assignment queue
func NewQueue(store db.Store, cfg *config.QCConfig) *Queue {
	return &Queue{
		store: store,
		cfg:   cfg,
		now:   time.Now,
	}
}

// ClaimNext returns the reviewer's current claim if one is live and matches
// the requested filter scope, otherwise selects and leases a new eligible
// response. A drained pool yields ErrQueueEmpty, which is a signal, not a
// failure.
func (q *Queue) ClaimNext(ctx context.Context, reviewerID string, filter models.ClaimFilter, excludeID string) (*Claim, error) {
	logger := logrus.WithFields(logrus.Fields{
		"reviewer": reviewerID,
		"action":   "claim_next",
	})

	if reviewerID == "" {
		return nil, apperrors.NewValidationError("reviewer id is required", nil)
	}

	now := q.now()

	// Refreshing must not silently swap a reviewer's in-progress item: an
	// unexpired lease in the same filter scope is returned unchanged.
	held, err := q.store.GetLeasedResponse(ctx, reviewerID, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing lease: %w", err)
	}
	if held != nil && held.Lease.Active(now) {
		if held.ID != excludeID && matchesScope(held, filter) {
			logger.WithField("response_id", held.ID).Info("Returning existing claim")
			return &Claim{Response: held, LeaseExpiry: held.Lease.ExpiresAt}, nil
		}
		// The reviewer changed scope or is skipping the held item; a
		// reviewer holds one claim at a time, so drop the old lease before
		// selecting a new one.
		if _, err := q.store.ReleaseLease(ctx, held.ID, reviewerID); err != nil {
			return nil, fmt.Errorf("failed to release out-of-scope lease: %w", err)
		}
	}

	for attempt := 0; attempt < maxClaimAttempts; attempt++ {
		candidate, err := q.store.SelectEligibleResponse(ctx, filter, excludeID, q.now())
		if err != nil {
			return nil, fmt.Errorf("failed to select eligible response: %w", err)
		}
		if candidate == nil {
			return nil, apperrors.ErrQueueEmpty
		}

		expiry := q.now().Add(q.cfg.LeaseDuration)
		won, err := q.store.AcquireLease(ctx, candidate.ID, reviewerID, expiry, q.now())
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lease: %w", err)
		}
		if !won {
			// Lost the race to a competing claim; re-select.
			logger.WithFields(logrus.Fields{
				"response_id": candidate.ID,
				"attempt":     attempt + 1,
			}).Info("Lost claim race, re-selecting")
			continue
		}

		candidate.Lease = &models.Lease{ReviewerID: reviewerID, ExpiresAt: expiry}
		logger.WithFields(logrus.Fields{
			"response_id":  candidate.ID,
			"lease_expiry": expiry,
		}).Info("Claimed response for review")
		return &Claim{Response: candidate, LeaseExpiry: expiry}, nil
	}

	return nil, apperrors.NewInternalError(fmt.Sprintf("could not win a claim after %d attempts", maxClaimAttempts), nil)
}

// Skip releases the caller's current claim and immediately attempts a new
// one excluding the skipped id, preserving the active filter scope so the
// category of item served does not change.
func (q *Queue) Skip(ctx context.Context, reviewerID, responseID string, filter models.ClaimFilter) (*Claim, error) {
	if _, err := q.store.ReleaseLease(ctx, responseID, reviewerID); err != nil {
		return nil, fmt.Errorf("failed to release skipped lease: %w", err)
	}
	return q.ClaimNext(ctx, reviewerID, filter, responseID)
}

// Release clears the caller's lease without requesting a replacement.
// Releasing is the only cancellation primitive the queue exposes.
func (q *Queue) Release(ctx context.Context, reviewerID, responseID string) error {
	released, err := q.store.ReleaseLease(ctx, responseID, reviewerID)
	if err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	if !released {
		// The lease already expired and may have been reclaimed; nothing
		// to do for the caller.
		logrus.WithFields(logrus.Fields{
			"reviewer":    reviewerID,
			"response_id": responseID,
		}).Info("Release touched no lease")
	}
	return nil
}

// SubmitDecision records an approve/reject verdict for a response the
// reviewer currently holds.
func (q *Queue) SubmitDecision(ctx context.Context, reviewerID, responseID string, approve bool) error {
	status := models.StatusRejected
	if approve {
		status = models.StatusApproved
	}

	applied, err := q.store.SetReviewDecision(ctx, responseID, reviewerID, status, q.now())
	if err != nil {
		return fmt.Errorf("failed to record decision: %w", err)
	}
	if !applied {
		return apperrors.NewLeaseConflictError(responseID, reviewerID)
	}

	logrus.WithFields(logrus.Fields{
		"reviewer":    reviewerID,
		"response_id": responseID,
		"status":      status,
	}).Info("Review decision recorded")

	return nil
}

// EligibleCount reports the size of the eligible pool for a filter. Serves
// advisory statistics only.
func (q *Queue) EligibleCount(ctx context.Context, filter models.ClaimFilter) (int64, error) {
	return q.store.CountEligible(ctx, filter, q.now())
}

// matchesScope reports whether a held response was plausibly claimed under
// the same filter scope the reviewer is asking for now. A scope change means
// the old claim is not what the reviewer wants served.
func matchesScope(resp *models.SurveyResponse, filter models.ClaimFilter) bool {
	if filter.SurveyID != "" && resp.SurveyID != filter.SurveyID {
		return false
	}
	if filter.ChannelMode != "" && resp.ChannelMode != filter.ChannelMode {
		return false
	}
	return true
}
