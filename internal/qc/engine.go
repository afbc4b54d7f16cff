package qc

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opine-hq/fieldsync/internal/batch"
	"github.com/opine-hq/fieldsync/internal/config"
	"github.com/opine-hq/fieldsync/internal/db"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/models"
)

// Engine partitions daily batches into a manually reviewed sample and a
// remainder, then extrapolates the sample's approval rate to the remainder
// under the configured rule table.
type Engine struct {
	store     db.Store
	cfg       *config.QCConfig
	processor *batch.Processor
	now       func() time.Time
	shuffle   func(n int, swap func(i, j int))
}

// NewEngine creates a new batch decision engine
func NewEngine(store db.Store, cfg *config.QCConfig) *Engine {
	return &Engine{
		store:     store,
		cfg:       cfg,
		processor: batch.NewProcessor(&cfg.Chunk),
		now:       time.Now,
		shuffle:   rand.Shuffle,
	}
}

// Start runs the scheduled sweep until the context is cancelled. Each pass
// closes out collecting batches from previous days and retries batches whose
// sample has since resolved.
func (e *Engine) Start(ctx context.Context, interval time.Duration) {
	logger := logrus.WithField("goroutine", "qc_sweep")
	logger.WithField("interval", interval).Info("Starting QC sweep")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("QC sweep stopped")
			return
		case <-ticker.C:
			if err := e.Sweep(ctx); err != nil {
				logger.WithError(err).Error("QC sweep pass failed")
			}
		}
	}
}

// Sweep performs one pass: sample yesterday's collecting batches, then try
// to decide every batch awaiting its decision.
func (e *Engine) Sweep(ctx context.Context) error {
	today := e.now().UTC().Format("2006-01-02")

	collecting, err := e.store.ListCollectingBatchesBefore(ctx, today)
	if err != nil {
		return fmt.Errorf("failed to list collecting batches: %w", err)
	}
	for _, b := range collecting {
		if err := e.SampleBatch(ctx, b.ID); err != nil {
			logrus.WithError(err).WithField("batch_id", b.ID).Error("Failed to sample batch")
		}
	}

	awaiting, err := e.store.ListBatchesByStatus(ctx, models.BatchAwaitingDecision)
	if err != nil {
		return fmt.Errorf("failed to list batches awaiting decision: %w", err)
	}
	for _, b := range awaiting {
		if err := e.Decide(ctx, b.ID); err != nil && !apperrors.IsBatchNotReady(err) {
			logrus.WithError(err).WithField("batch_id", b.ID).Error("Failed to decide batch")
		}
	}

	return nil
}

// SampleBatch partitions a collecting batch: a random subset of size
// ceil(total x pct) becomes the sample, the rest the remainder. Only
// responses still pending review are touched; the current decision
// configuration is frozen onto the batch.
func (e *Engine) SampleBatch(ctx context.Context, batchID string) error {
	logger := logrus.WithFields(logrus.Fields{
		"batch_id": batchID,
		"action":   "sample_batch",
	})

	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if b == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("batch not found: %s", batchID), nil)
	}
	if b.Status != models.BatchCollecting {
		// Another sweep already sampled this batch.
		return nil
	}

	ids, err := e.store.ListPendingBatchMemberIDs(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to list batch members: %w", err)
	}
	if len(ids) == 0 {
		logger.Info("Batch has no pending members, nothing to sample")
		return nil
	}

	snapshot := e.cfg.Batch
	sampleSize := snapshot.SampleSize(len(ids))

	sampledAt := e.now()
	b.TotalResponses = len(ids)
	b.SampleSize = sampleSize
	b.ConfigSnapshot = snapshot
	b.SampledAt = &sampledAt

	// The status CAS is won before any member is marked, so concurrent
	// sweeps can never each flag their own random subset.
	moved, err := e.store.SetBatchSampled(ctx, b)
	if err != nil {
		return fmt.Errorf("failed to transition batch: %w", err)
	}
	if !moved {
		logger.Info("Batch already sampled by a concurrent sweep")
		return nil
	}

	e.shuffle(len(ids), func(i, j int) {
		ids[i], ids[j] = ids[j], ids[i]
	})
	sample := ids[:sampleSize]

	marked, err := e.store.MarkSampled(ctx, batchID, sample)
	if err != nil {
		return fmt.Errorf("failed to mark sample: %w", err)
	}

	logger.WithFields(logrus.Fields{
		"total":       len(ids),
		"sample_size": sampleSize,
		"marked":      marked,
		"sample_pct":  snapshot.SamplePercent,
	}).Info("Batch sampled")

	return nil
}

// Decide fires the batch decision once every sampled member is terminal.
// Invoking it early is a no-op (BatchNotReadyError); invoking it after the
// batch is decided is also a no-op.
func (e *Engine) Decide(ctx context.Context, batchID string) error {
	logger := logrus.WithFields(logrus.Fields{
		"batch_id": batchID,
		"action":   "decide_batch",
	})

	b, err := e.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("failed to get batch: %w", err)
	}
	if b == nil {
		return apperrors.NewNotFoundError(fmt.Sprintf("batch not found: %s", batchID), nil)
	}
	if b.Status == models.BatchDecided {
		return nil
	}
	if b.Status != models.BatchAwaitingDecision {
		return apperrors.NewValidationError(fmt.Sprintf("batch %s is not awaiting a decision", batchID), nil)
	}
	if b.PendingCount > 0 {
		return apperrors.NewBatchNotReadyError(batchID, b.PendingCount)
	}

	rate := b.Rate()
	action := MatchRule(b.ConfigSnapshot.Rules, rate)

	// The remainder is adjudicated before the batch is finalized: if the
	// chunked update dies partway, the batch stays awaiting_decision and
	// the next sweep re-applies. The pending-status filter on the write
	// makes re-application touch only rows the first attempt missed.
	if err := e.applyToRemainder(ctx, b, rate, action); err != nil {
		return err
	}

	decided, err := e.store.FinalizeBatch(ctx, batchID, rate, action, e.now())
	if err != nil {
		return fmt.Errorf("failed to finalize batch: %w", err)
	}
	if !decided {
		// A concurrent sweep finalized first. Its remainder writes and
		// ours are idempotent, so the double apply changed nothing.
		logger.Info("Batch already decided")
		return nil
	}

	logger.WithFields(logrus.Fields{
		"approval_rate": rate,
		"decision":      action,
		"approved":      b.ApprovedCount,
		"rejected":      b.RejectedCount,
	}).Info("Batch decision made")

	return nil
}

// applyToRemainder extrapolates the decision to the unsampled members. For
// send_to_qc nothing changes in storage: the remainder is already
// pending_review and simply stays eligible in the assignment queue.
func (e *Engine) applyToRemainder(ctx context.Context, b *models.QCBatch, rate float64, action models.QCAction) error {
	if action == models.ActionSendToQC {
		logrus.WithField("batch_id", b.ID).Info("Remainder sent to full review")
		return nil
	}

	status := models.StatusApproved
	autoApproved := true
	if action == models.ActionRejectAll {
		status = models.StatusRejected
		autoApproved = false
	}
	note := fmt.Sprintf("batch decision %s: sample approval rate %.1f%% over %d of %d responses (%.1f%% sample)",
		action, rate, b.SampleSize, b.TotalResponses, b.ConfigSnapshot.SamplePercent)

	ids, err := e.store.ListPendingBatchMemberIDs(ctx, b.ID)
	if err != nil {
		return fmt.Errorf("failed to list remainder: %w", err)
	}

	var applied atomic.Int64
	err = e.processor.ProcessIDs(ctx, ids, func(ctx context.Context, chunk []string) error {
		n, err := e.store.ApplyRemainderDecision(ctx, b.ID, chunk, status, note, autoApproved)
		if err != nil {
			return err
		}
		applied.Add(n)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to apply decision to remainder: %w", err)
	}

	logrus.WithFields(logrus.Fields{
		"batch_id": b.ID,
		"status":   status,
		"applied":  applied.Load(),
	}).Info("Remainder adjudicated")

	return nil
}
