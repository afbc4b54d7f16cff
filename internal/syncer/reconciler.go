package syncer

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/models"
)

// BufferStore is the reconciler's view of the local submission buffer
type BufferStore interface {
	ListDue(ctx context.Context, now time.Time) ([]*models.CapturedInterview, error)
	Transition(ctx context.Context, localID string, from, to models.SyncStage) error
	SetDurableID(ctx context.Context, localID, durableID string) error
	MarkMediaUploaded(ctx context.Context, localID string) error
	RecordDataFailure(ctx context.Context, iv *models.CapturedInterview, cause error, maxRetries int, baseBackoff time.Duration) error
	RecordMediaFailure(ctx context.Context, iv *models.CapturedInterview, cause error, maxRetries int, baseBackoff time.Duration) error
	DemoteStuck(ctx context.Context, now time.Time, threshold time.Duration) (int64, error)
	Delete(ctx context.Context, localID string) error
}

// Reconciler drains the local buffer opportunistically, pushing each record
// through the multi-stage, resumable, idempotent upload. A single guard
// prevents overlapping passes; the only suspension points are network calls.
type Reconciler struct {
	store  BufferStore
	client Client
	cfg    *config.SyncConfig

	mu       sync.Mutex
	inFlight bool

	kick chan struct{}
	now  func() time.Time

	readMedia func(path string) ([]byte, error)
}

// NewReconciler creates a new sync reconciler
func NewReconciler(store BufferStore, client Client, cfg *config.SyncConfig) *Reconciler {
	return &Reconciler{
		store:     store,
		client:    client,
		cfg:       cfg,
		kick:      make(chan struct{}, 1),
		now:       time.Now,
		readMedia: os.ReadFile,
	}
}

// Notify wakes the reconciler ahead of its timer, typically on a
// connectivity change. Non-blocking; redundant kicks coalesce.
func (r *Reconciler) Notify() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Run loops until the context is cancelled, scanning on a timer and on
// Notify kicks. Field agents keep capturing new interviews while this runs
// in the background.
func (r *Reconciler) Run(ctx context.Context) {
	logger := logrus.WithField("goroutine", "sync_reconciler")
	logger.WithField("scan_interval", r.cfg.ScanInterval).Info("Starting sync reconciler")

	ticker := time.NewTicker(r.cfg.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Sync reconciler stopped")
			return
		case <-ticker.C:
		case <-r.kick:
		}

		if err := r.RunOnce(ctx); err != nil {
			logger.WithError(err).Error("Reconciliation pass failed")
		}
	}
}

// RunOnce performs a single reconciliation pass. A pass already in progress
// makes this a no-op so passes never overlap.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	r.mu.Lock()
	if r.inFlight {
		r.mu.Unlock()
		return nil
	}
	r.inFlight = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inFlight = false
		r.mu.Unlock()
	}()

	now := r.now().UTC()

	demoted, err := r.store.DemoteStuck(ctx, now, r.cfg.StuckThreshold)
	if err != nil {
		return fmt.Errorf("failed to demote stuck records: %w", err)
	}
	if demoted > 0 {
		logrus.WithField("count", demoted).Warn("Demoted stuck in-flight records back to failed")
	}

	due, err := r.store.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due records: %w", err)
	}

	for _, iv := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := r.reconcileRecord(ctx, iv); err != nil {
			logrus.WithError(err).WithField("local_id", iv.LocalID).Error("Failed to reconcile record")
		}
	}

	return nil
}

// reconcileRecord drives one interview as far through the stage machine as
// this pass can take it.
func (r *Reconciler) reconcileRecord(ctx context.Context, iv *models.CapturedInterview) error {
	logger := logrus.WithFields(logrus.Fields{
		"local_id":  iv.LocalID,
		"survey_id": iv.SurveyID,
		"stage":     iv.Stage,
	})

	// Failed records re-enter through pending.
	if iv.Stage == models.StageFailed {
		if err := r.store.Transition(ctx, iv.LocalID, models.StageFailed, models.StagePending); err != nil {
			return err
		}
		iv.Stage = models.StagePending
	}

	if iv.Stage != models.StagePending {
		return nil
	}

	if err := r.store.Transition(ctx, iv.LocalID, models.StagePending, models.StageUploadingData); err != nil {
		return err
	}
	iv.Stage = models.StageUploadingData

	// Data payload first: smaller and higher value than media.
	if iv.DurableID == "" {
		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		durableID, duplicate, err := r.client.SubmitResponse(callCtx, iv)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Data upload attempt failed")
			return r.store.RecordDataFailure(ctx, iv, err, r.cfg.MaxDataRetries, r.cfg.DataBackoff)
		}

		if err := r.store.SetDurableID(ctx, iv.LocalID, durableID); err != nil {
			return err
		}
		iv.DurableID = durableID

		if duplicate {
			logger.WithField("durable_id", durableID).Info("Server classified record as duplicate")
		} else {
			logger.WithField("durable_id", durableID).Info("Data payload acknowledged")
		}
	}

	// Media rides its own schedule; a media failure here leaves the record
	// in the retry pool without undoing the data upload.
	if iv.MediaPending() {
		if r.now().UTC().Before(iv.NextMediaAttempt) {
			// Media backoff has not elapsed. Park the record without
			// bumping any counter; the data payload is already durable.
			return r.store.Transition(ctx, iv.LocalID, iv.Stage, models.StageFailed)
		}

		if err := r.store.Transition(ctx, iv.LocalID, models.StageUploadingData, models.StageUploadingAudio); err != nil {
			return err
		}
		iv.Stage = models.StageUploadingAudio

		blob, err := r.readMedia(iv.MediaPath)
		if err != nil {
			logger.WithError(err).Error("Failed to read media file")
			return r.store.RecordMediaFailure(ctx, iv, err, r.cfg.MaxMediaRetries, r.cfg.MediaBackoff)
		}

		callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
		err = r.client.UploadMedia(callCtx, iv.DurableID, blob)
		cancel()
		if err != nil {
			logger.WithError(err).Warn("Media upload attempt failed")
			return r.store.RecordMediaFailure(ctx, iv, err, r.cfg.MaxMediaRetries, r.cfg.MediaBackoff)
		}

		if err := r.store.MarkMediaUploaded(ctx, iv.LocalID); err != nil {
			return err
		}
		iv.MediaUploaded = true
		logger.Info("Media payload uploaded")
	}

	// Confirm before delete: the read-back guards against "acknowledged but
	// not durably written" ambiguity.
	if err := r.store.Transition(ctx, iv.LocalID, iv.Stage, models.StageVerifying); err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	stored, err := r.client.VerifyResponse(callCtx, iv.DurableID)
	cancel()
	if err != nil {
		logger.WithError(err).Warn("Verification attempt failed")
		return r.store.RecordDataFailure(ctx, iv, err, r.cfg.MaxDataRetries, r.cfg.DataBackoff)
	}

	if stored != iv.Checksum {
		err := fmt.Errorf("stored checksum %s does not match local %s", stored, iv.Checksum)
		logger.WithError(err).Error("Verification mismatch")
		return r.store.RecordDataFailure(ctx, iv, err, r.cfg.MaxDataRetries, r.cfg.DataBackoff)
	}

	if err := r.store.Transition(ctx, iv.LocalID, models.StageVerifying, models.StageSynced); err != nil {
		return err
	}

	if err := r.store.Delete(ctx, iv.LocalID); err != nil {
		return fmt.Errorf("failed to delete verified record: %w", err)
	}

	logger.WithField("durable_id", iv.DurableID).Info("Record synced and removed from buffer")
	return nil
}
