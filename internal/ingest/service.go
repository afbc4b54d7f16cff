package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/cache"
	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/db"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/media"
	"github.com/opine-hq/fieldsync/internal/models"
	"github.com/opine-hq/fieldsync/internal/utils"
)

const idempotencyKeyPrefix = "idem:"

// SubmitRequest is a sync delivery from a field device
type SubmitRequest struct {
	IdempotencyToken string            `json:"idempotency_token" binding:"required"`
	SurveyID         string            `json:"survey_id" binding:"required"`
	ChannelMode      models.ChannelMode `json:"channel_mode" binding:"required"`
	Answers          map[string]string `json:"answers" binding:"required"`
	StartedAt        time.Time         `json:"started_at" binding:"required"`
	EndedAt          time.Time         `json:"ended_at" binding:"required"`
	DurationSeconds  int               `json:"duration_seconds"`
	Location         string            `json:"location,omitempty"`
}

// SubmitResult is the durable outcome of a sync delivery
type SubmitResult struct {
	DurableID string `json:"durable_id"`
	Duplicate bool   `json:"duplicate"`
}

// Service accepts sync payloads, decides created-vs-duplicate, and returns
// durable identifiers. Every entry point is safe to re-enter.
type Service struct {
	store  db.Store
	cache  cache.Cache
	media  media.Store
	cfg    *config.QCConfig
	logger *logrus.Logger
}

// NewService creates a new ingestion service
func NewService(store db.Store, c cache.Cache, m media.Store, cfg *config.QCConfig, logger *logrus.Logger) *Service {
	return &Service{
		store:  store,
		cache:  c,
		media:  m,
		cfg:    cfg,
		logger: logger,
	}
}

func (s *Service) validate(req *SubmitRequest) error {
	if req.IdempotencyToken == "" {
		return apperrors.NewValidationError("idempotency token is required", nil)
	}
	if req.SurveyID == "" {
		return apperrors.NewValidationError("survey id is required", nil)
	}
	if !req.ChannelMode.Valid() {
		return apperrors.NewValidationError(fmt.Sprintf("unknown channel mode: %s", req.ChannelMode), nil)
	}
	if len(req.Answers) == 0 {
		return apperrors.NewValidationError("answer set cannot be empty", nil)
	}
	if req.EndedAt.Before(req.StartedAt) {
		return apperrors.NewValidationError("interview end precedes start", nil)
	}
	return nil
}

// Submit ingests a sync payload. Re-deliveries of the same idempotency token
// return the previously issued durable id; submissions whose fingerprint
// matches an existing canonical response are persisted as terminal
// duplicates for audit rather than counted as new data.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResult, error) {
	logger := logrus.WithFields(logrus.Fields{
		"survey_id": req.SurveyID,
		"action":    "submit_response",
	})

	if err := s.validate(req); err != nil {
		return nil, err
	}

	// Fast path: the token cache answers exact re-deliveries without
	// re-executing side effects.
	if id, ok := s.cache.Get(ctx, idempotencyKeyPrefix+req.IdempotencyToken); ok {
		logger.WithField("durable_id", id).Info("Idempotency cache hit, returning previous durable id")
		existing, err := s.store.GetResponse(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load cached response: %w", err)
		}
		if existing != nil {
			return &SubmitResult{DurableID: existing.ID, Duplicate: existing.Status == models.StatusAbandoned}, nil
		}
		// A cache entry with no backing row means the cache is stale;
		// fall through to the authoritative path.
	}

	// Authoritative idempotency: the token is persisted on the response
	// row, so correctness survives cache loss.
	existing, err := s.store.GetResponseByToken(ctx, req.IdempotencyToken)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency token: %w", err)
	}
	if existing != nil {
		s.cache.Set(ctx, idempotencyKeyPrefix+req.IdempotencyToken, existing.ID, s.cfg.IdempotencyTTL)
		logger.WithField("durable_id", existing.ID).Info("Token already ingested, returning existing durable id")
		return &SubmitResult{DurableID: existing.ID, Duplicate: existing.Status == models.StatusAbandoned}, nil
	}

	fingerprint := utils.Fingerprint(utils.FingerprintInputs{
		StartedAt:       req.StartedAt,
		EndedAt:         req.EndedAt,
		DurationSeconds: req.DurationSeconds,
		Answers:         req.Answers,
		Location:        req.Location,
	})

	canonical, err := s.store.GetCanonicalByFingerprint(ctx, req.SurveyID, fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to check fingerprint: %w", err)
	}
	if canonical != nil {
		return s.persistDuplicate(ctx, req, fingerprint, canonical)
	}

	resp := s.buildResponse(req, fingerprint)
	resp.Status = models.StatusPendingReview

	batch, err := s.store.GetOrCreateBatch(ctx, req.SurveyID, resp.CreatedAt.UTC().Format("2006-01-02"))
	if err != nil {
		return nil, fmt.Errorf("failed to resolve batch: %w", err)
	}
	resp.BatchID = batch.ID

	if err := s.store.CreateResponse(ctx, resp); err != nil {
		if apperrors.IsConflict(err) {
			// Lost a fingerprint race against a concurrent insert of the
			// same logical interview. Re-read the winner and classify this
			// arrival as its duplicate.
			canonical, rerr := s.store.GetCanonicalByFingerprint(ctx, req.SurveyID, fingerprint)
			if rerr != nil {
				return nil, fmt.Errorf("failed to re-read canonical after conflict: %w", rerr)
			}
			if canonical != nil {
				return s.persistDuplicate(ctx, req, fingerprint, canonical)
			}
			// Conflict on the token index: another retry of this exact
			// delivery won. Return its durable id.
			existing, rerr := s.store.GetResponseByToken(ctx, req.IdempotencyToken)
			if rerr != nil || existing == nil {
				return nil, fmt.Errorf("failed to resolve token conflict: %w", err)
			}
			s.cache.Set(ctx, idempotencyKeyPrefix+req.IdempotencyToken, existing.ID, s.cfg.IdempotencyTTL)
			return &SubmitResult{DurableID: existing.ID, Duplicate: existing.Status == models.StatusAbandoned}, nil
		}
		return nil, fmt.Errorf("failed to persist response: %w", err)
	}

	s.cache.Set(ctx, idempotencyKeyPrefix+req.IdempotencyToken, resp.ID, s.cfg.IdempotencyTTL)
	logger.WithFields(logrus.Fields{
		"durable_id": resp.ID,
		"batch_id":   resp.BatchID,
	}).Info("Response ingested")

	return &SubmitResult{DurableID: resp.ID, Duplicate: false}, nil
}

// persistDuplicate stores a duplicate arrival as a terminal abandoned record.
// The canonical response is never touched.
func (s *Service) persistDuplicate(ctx context.Context, req *SubmitRequest, fingerprint string, canonical *models.SurveyResponse) (*SubmitResult, error) {
	resp := s.buildResponse(req, fingerprint)
	resp.Status = models.StatusAbandoned
	resp.AuditNote = fmt.Sprintf("duplicate of response %s", canonical.ID)

	if err := s.store.CreateResponse(ctx, resp); err != nil {
		if apperrors.IsConflict(err) {
			// This exact token already landed, as canonical or duplicate.
			existing, rerr := s.store.GetResponseByToken(ctx, req.IdempotencyToken)
			if rerr != nil || existing == nil {
				return nil, fmt.Errorf("failed to resolve duplicate token conflict: %w", err)
			}
			resp = existing
		} else {
			return nil, fmt.Errorf("failed to persist duplicate: %w", err)
		}
	}

	s.cache.Set(ctx, idempotencyKeyPrefix+req.IdempotencyToken, resp.ID, s.cfg.IdempotencyTTL)
	logrus.WithFields(logrus.Fields{
		"durable_id":   resp.ID,
		"canonical_id": canonical.ID,
		"survey_id":    req.SurveyID,
	}).Info("Duplicate submission classified and kept for audit")

	return &SubmitResult{DurableID: resp.ID, Duplicate: true}, nil
}

func (s *Service) buildResponse(req *SubmitRequest, fingerprint string) *models.SurveyResponse {
	now := time.Now().UTC()
	return &models.SurveyResponse{
		ID:               uuid.NewString(),
		SurveyID:         req.SurveyID,
		Fingerprint:      fingerprint,
		IdempotencyToken: req.IdempotencyToken,
		ChannelMode:      req.ChannelMode,
		Answers:          req.Answers,
		StartedAt:        req.StartedAt,
		EndedAt:          req.EndedAt,
		DurationSeconds:  req.DurationSeconds,
		Location:         req.Location,
		Checksum: utils.Checksum(req.SurveyID, utils.FingerprintInputs{
			StartedAt:       req.StartedAt,
			EndedAt:         req.EndedAt,
			DurationSeconds: req.DurationSeconds,
			Answers:         req.Answers,
			Location:        req.Location,
		}),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// AttachMedia stores an uploaded media blob in object storage and records
// its key and checksum on the response. Media retries arrive on their own
// schedule, independent of the data payload.
func (s *Service) AttachMedia(ctx context.Context, durableID string, blob []byte) error {
	resp, err := s.store.GetResponse(ctx, durableID)
	if err != nil {
		return fmt.Errorf("failed to load response: %w", err)
	}
	if resp == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("response not found: %s", durableID), nil)
	}

	// Media retries re-deliver the same recording. If the object already
	// landed, skip the upload instead of writing it again.
	if resp.MediaKey != "" {
		present, err := s.media.Exists(ctx, resp.MediaKey)
		if err != nil {
			return fmt.Errorf("failed to check media object: %w", err)
		}
		if present {
			logrus.WithFields(logrus.Fields{
				"durable_id": durableID,
				"media_key":  resp.MediaKey,
			}).Info("Media already attached, skipping upload")
			return nil
		}
	}

	key, checksum, err := s.media.Put(ctx, durableID, blob)
	if err != nil {
		return fmt.Errorf("failed to store media: %w", err)
	}

	if err := s.store.AttachMedia(ctx, durableID, key, checksum); err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"durable_id": durableID,
		"media_key":  key,
	}).Info("Media attached to response")

	return nil
}

// Verify returns the stored checksum for a durable id, so the client can
// confirm the server holds a matching record before deleting its local copy.
func (s *Service) Verify(ctx context.Context, durableID string) (string, error) {
	resp, err := s.store.GetResponse(ctx, durableID)
	if err != nil {
		return "", fmt.Errorf("failed to load response: %w", err)
	}
	if resp == nil {
		return "", apperrors.NewNotFoundError(fmt.Sprintf("response not found: %s", durableID), nil)
	}
	return resp.Checksum, nil
}
