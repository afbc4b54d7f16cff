package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/opine-hq/fieldsync/internal/models"
)

const batchColumns = `
	id, survey_id, batch_date, status, total_responses, sample_size,
	approval_rate, decision, config_snapshot, sampled_at, decided_at,
	created_at, updated_at`

func scanBatch(row interface{ Scan(...interface{}) error }) (*models.QCBatch, error) {
	var b models.QCBatch
	var decision sql.NullString
	var snapshotJSON []byte
	var sampledAt, decidedAt sql.NullTime

	if err := row.Scan(
		&b.ID,
		&b.SurveyID,
		&b.BatchDate,
		&b.Status,
		&b.TotalResponses,
		&b.SampleSize,
		&b.ApprovalRate,
		&decision,
		&snapshotJSON,
		&sampledAt,
		&decidedAt,
		&b.CreatedAt,
		&b.UpdatedAt,
	); err != nil {
		return nil, err
	}

	b.Decision = models.QCAction(decision.String)
	if len(snapshotJSON) > 0 {
		if err := json.Unmarshal(snapshotJSON, &b.ConfigSnapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch config snapshot: %w", err)
		}
	}
	if sampledAt.Valid {
		t := sampledAt.Time
		b.SampledAt = &t
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		b.DecidedAt = &t
	}

	return &b, nil
}

// GetOrCreateBatch returns the collecting batch for a survey and date,
// creating it on first use. The (survey_id, batch_date) uniqueness makes
// concurrent ingestion land members in one batch.
func (s *PostgresStore) GetOrCreateBatch(ctx context.Context, surveyID, batchDate string) (*models.QCBatch, error) {
	query := fmt.Sprintf(`
		INSERT INTO qc_batches (id, survey_id, batch_date, status, created_at, updated_at)
		VALUES ($1, $2, $3, 'collecting', NOW(), NOW())
		ON CONFLICT (survey_id, batch_date) DO UPDATE SET updated_at = NOW()
		RETURNING %s`, batchColumns)

	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, uuid.NewString(), surveyID, batchDate))
	if err != nil {
		return nil, fmt.Errorf("failed to get or create batch: %w", err)
	}
	return batch, nil
}

// GetBatch retrieves a batch by id with live member counts
func (s *PostgresStore) GetBatch(ctx context.Context, id string) (*models.QCBatch, error) {
	query := fmt.Sprintf("SELECT %s FROM qc_batches WHERE id = $1", batchColumns)
	batch, err := scanBatch(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	approved, rejected, pending, err := s.SampleCounts(ctx, id)
	if err != nil {
		return nil, err
	}
	batch.ApprovedCount = approved
	batch.RejectedCount = rejected
	batch.PendingCount = pending

	return batch, nil
}

// ListBatchesByStatus lists batches in a given lifecycle status
func (s *PostgresStore) ListBatchesByStatus(ctx context.Context, status models.BatchStatus) ([]*models.QCBatch, error) {
	query := fmt.Sprintf("SELECT %s FROM qc_batches WHERE status = $1 ORDER BY batch_date, survey_id", batchColumns)
	return s.listBatches(ctx, query, status)
}

// ListCollectingBatchesBefore lists still-collecting batches dated strictly
// before the given date. The sweep closes these out and samples them.
func (s *PostgresStore) ListCollectingBatchesBefore(ctx context.Context, batchDate string) ([]*models.QCBatch, error) {
	query := fmt.Sprintf("SELECT %s FROM qc_batches WHERE status = 'collecting' AND batch_date < $1 ORDER BY batch_date, survey_id", batchColumns)
	return s.listBatches(ctx, query, batchDate)
}

func (s *PostgresStore) listBatches(ctx context.Context, query string, args ...interface{}) ([]*models.QCBatch, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*models.QCBatch
	for rows.Next() {
		batch, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, batch)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating batches: %w", err)
	}

	return batches, nil
}

// ListPendingBatchMemberIDs lists the ids of batch members still pending
// review. Responses already adjudicated by a reviewer are excluded at the
// query level, never just in application memory.
func (s *PostgresStore) ListPendingBatchMemberIDs(ctx context.Context, batchID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM responses
		WHERE batch_id = $1 AND status = 'pending_review' AND NOT is_duplicate
		ORDER BY created_at`,
		batchID)
	if err != nil {
		return nil, fmt.Errorf("failed to list batch members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan member id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating member ids: %w", err)
	}

	return ids, nil
}

// MarkSampled flags the chosen sample subset. The status filter at write
// time protects responses a reviewer already resolved concurrently.
func (s *PostgresStore) MarkSampled(ctx context.Context, batchID string, ids []string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses SET sampled = TRUE, updated_at = NOW()
		WHERE batch_id = $1 AND id = ANY($2) AND status = 'pending_review'`,
		batchID, pq.Array(ids))
	if err != nil {
		return 0, fmt.Errorf("failed to mark sample: %w", err)
	}
	return result.RowsAffected()
}

// SetBatchSampled transitions a batch from collecting to awaiting_decision,
// freezing the config snapshot used for the eventual decision. Returns false
// when another sweep already moved the batch forward.
func (s *PostgresStore) SetBatchSampled(ctx context.Context, batch *models.QCBatch) (bool, error) {
	snapshotJSON, err := json.Marshal(batch.ConfigSnapshot)
	if err != nil {
		return false, fmt.Errorf("failed to marshal config snapshot: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE qc_batches
		SET status = 'awaiting_decision', total_responses = $2, sample_size = $3,
		    config_snapshot = $4, sampled_at = $5, updated_at = NOW()
		WHERE id = $1 AND status = 'collecting'`,
		batch.ID, batch.TotalResponses, batch.SampleSize, snapshotJSON, batch.SampledAt)
	if err != nil {
		return false, fmt.Errorf("failed to set batch sampled: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SampleCounts aggregates review outcomes over a batch's sampled members
func (s *PostgresStore) SampleCounts(ctx context.Context, batchID string) (approved, rejected, pending int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'approved'),
			COUNT(*) FILTER (WHERE status = 'rejected'),
			COUNT(*) FILTER (WHERE status = 'pending_review')
		FROM responses
		WHERE batch_id = $1 AND sampled`,
		batchID).Scan(&approved, &rejected, &pending)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("failed to count sample outcomes: %w", err)
	}
	return approved, rejected, pending, nil
}

// FinalizeBatch records the decision exactly once. The decided_at guard
// makes re-invocation after completion a no-op.
func (s *PostgresStore) FinalizeBatch(ctx context.Context, batchID string, rate float64, decision models.QCAction, decidedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE qc_batches
		SET status = 'decided', approval_rate = $2, decision = $3, decided_at = $4, updated_at = NOW()
		WHERE id = $1 AND decided_at IS NULL`,
		batchID, rate, decision, decidedAt)
	if err != nil {
		return false, fmt.Errorf("failed to finalize batch: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ApplyRemainderDecision applies the extrapolated outcome to unsampled batch
// members. Only rows still pending_review at write time are touched, so the
// engine can never clobber a live reviewer decision.
func (s *PostgresStore) ApplyRemainderDecision(ctx context.Context, batchID string, ids []string, status models.ResponseStatus, auditNote string, autoApproved bool) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses
		SET status = $3, audit_note = $4, auto_approved = $5,
		    lease_reviewer_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE batch_id = $1 AND id = ANY($2) AND NOT sampled AND status = 'pending_review'`,
		batchID, pq.Array(ids), status, auditNote, autoApproved)
	if err != nil {
		return 0, fmt.Errorf("failed to apply remainder decision: %w", err)
	}
	return result.RowsAffected()
}
