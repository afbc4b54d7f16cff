package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/models"
)

const responseColumns = `
	id, survey_id, fingerprint, idempotency_token, channel_mode, answers,
	started_at, ended_at, duration_seconds, location, checksum,
	media_key, media_checksum, status, auto_approved, audit_note,
	lease_reviewer_id, lease_expires_at, batch_id, sampled,
	reviewed_by, reviewed_at, created_at, updated_at`

func scanResponse(row interface{ Scan(...interface{}) error }) (*models.SurveyResponse, error) {
	var r models.SurveyResponse
	var answersJSON []byte
	var location, mediaKey, mediaChecksum, auditNote sql.NullString
	var leaseReviewer sql.NullString
	var leaseExpires sql.NullTime
	var batchID, reviewedBy sql.NullString
	var reviewedAt sql.NullTime

	if err := row.Scan(
		&r.ID,
		&r.SurveyID,
		&r.Fingerprint,
		&r.IdempotencyToken,
		&r.ChannelMode,
		&answersJSON,
		&r.StartedAt,
		&r.EndedAt,
		&r.DurationSeconds,
		&location,
		&r.Checksum,
		&mediaKey,
		&mediaChecksum,
		&r.Status,
		&r.AutoApproved,
		&auditNote,
		&leaseReviewer,
		&leaseExpires,
		&batchID,
		&r.Sampled,
		&reviewedBy,
		&reviewedAt,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(answersJSON, &r.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}

	r.Location = location.String
	r.MediaKey = mediaKey.String
	r.MediaChecksum = mediaChecksum.String
	r.AuditNote = auditNote.String
	r.BatchID = batchID.String
	r.ReviewedBy = reviewedBy.String
	if reviewedAt.Valid {
		t := reviewedAt.Time
		r.ReviewedAt = &t
	}
	if leaseReviewer.Valid && leaseExpires.Valid {
		r.Lease = &models.Lease{ReviewerID: leaseReviewer.String, ExpiresAt: leaseExpires.Time}
	}

	return &r, nil
}

// GetResponse retrieves a response by its durable id
func (s *PostgresStore) GetResponse(ctx context.Context, id string) (*models.SurveyResponse, error) {
	query := fmt.Sprintf("SELECT %s FROM responses WHERE id = $1", responseColumns)
	resp, err := scanResponse(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get response: %w", err)
	}
	return resp, nil
}

// GetResponseByToken retrieves a response by its client idempotency token.
// This is the durable half of the idempotency mechanism; it answers retries
// even after the short-lived token cache has been lost.
func (s *PostgresStore) GetResponseByToken(ctx context.Context, token string) (*models.SurveyResponse, error) {
	query := fmt.Sprintf("SELECT %s FROM responses WHERE idempotency_token = $1", responseColumns)
	resp, err := scanResponse(s.db.QueryRowContext(ctx, query, token))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get response by token: %w", err)
	}
	return resp, nil
}

// GetCanonicalByFingerprint retrieves the canonical (non-duplicate) response
// holding a fingerprint within a survey, if one exists.
func (s *PostgresStore) GetCanonicalByFingerprint(ctx context.Context, surveyID, fingerprint string) (*models.SurveyResponse, error) {
	query := fmt.Sprintf(`SELECT %s FROM responses
		WHERE survey_id = $1 AND fingerprint = $2 AND NOT is_duplicate`, responseColumns)
	resp, err := scanResponse(s.db.QueryRowContext(ctx, query, surveyID, fingerprint))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get canonical response: %w", err)
	}
	return resp, nil
}

// CreateResponse persists a new response. The partial unique index on
// (survey_id, fingerprint) for canonical rows makes the fingerprint check
// atomic: a concurrent insert of the same logical interview loses with a
// conflict error and the caller reclassifies it as a duplicate.
func (s *PostgresStore) CreateResponse(ctx context.Context, resp *models.SurveyResponse) error {
	answersJSON, err := json.Marshal(resp.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	isDuplicate := resp.Status == models.StatusAbandoned

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO responses (
			id, survey_id, fingerprint, idempotency_token, channel_mode, answers,
			started_at, ended_at, duration_seconds, location, checksum,
			status, auto_approved, audit_note, batch_id, sampled, is_duplicate,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12, $13, NULLIF($14, ''), NULLIF($15, '')::uuid, $16, $17, NOW(), NOW())`,
		resp.ID,
		resp.SurveyID,
		resp.Fingerprint,
		resp.IdempotencyToken,
		resp.ChannelMode,
		answersJSON,
		resp.StartedAt,
		resp.EndedAt,
		resp.DurationSeconds,
		resp.Location,
		resp.Checksum,
		resp.Status,
		resp.AutoApproved,
		resp.AuditNote,
		resp.BatchID,
		resp.Sampled,
		isDuplicate,
	)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return apperrors.New(apperrors.ErrConflict, fmt.Sprintf("response conflicts on %s", pqErr.Constraint), err)
		}
		return fmt.Errorf("failed to create response: %w", err)
	}

	return nil
}

// AttachMedia records the object-storage key and checksum of an uploaded
// media blob on the response
func (s *PostgresStore) AttachMedia(ctx context.Context, id, mediaKey, mediaChecksum string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses SET media_key = $2, media_checksum = $3, updated_at = NOW()
		WHERE id = $1`,
		id, mediaKey, mediaChecksum)
	if err != nil {
		return fmt.Errorf("failed to attach media: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperrors.NewNotFoundError(fmt.Sprintf("response not found: %s", id), nil)
	}
	return nil
}

// GetLeasedResponse returns the response currently claimed by the reviewer,
// or nil when no unexpired lease exists.
func (s *PostgresStore) GetLeasedResponse(ctx context.Context, reviewerID string, now time.Time) (*models.SurveyResponse, error) {
	query := fmt.Sprintf(`SELECT %s FROM responses
		WHERE lease_reviewer_id = $1 AND lease_expires_at > $2
		LIMIT 1`, responseColumns)
	resp, err := scanResponse(s.db.QueryRowContext(ctx, query, reviewerID, now))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get leased response: %w", err)
	}
	return resp, nil
}

func buildEligibleQuery(filter models.ClaimFilter, excludeID string, now time.Time) (string, []interface{}) {
	query := fmt.Sprintf("SELECT %s FROM responses WHERE status = 'pending_review' AND NOT is_duplicate", responseColumns)

	args := []interface{}{}
	argCount := 0

	argCount++
	args = append(args, now)
	query += " AND " + fmt.Sprintf(leaseFreeSQL, argCount)

	if filter.SurveyID != "" {
		argCount++
		query += fmt.Sprintf(" AND survey_id = $%d", argCount)
		args = append(args, filter.SurveyID)
	}

	if filter.ChannelMode != "" {
		argCount++
		query += fmt.Sprintf(" AND channel_mode = $%d", argCount)
		args = append(args, filter.ChannelMode)
	}

	if filter.Search != "" {
		argCount++
		query += fmt.Sprintf(" AND (answers::text ILIKE $%d OR COALESCE(location, '') ILIKE $%d)", argCount, argCount)
		args = append(args, "%"+filter.Search+"%")
	}

	if len(filter.AllowedSurveys) > 0 {
		argCount++
		query += fmt.Sprintf(" AND survey_id = ANY($%d)", argCount)
		args = append(args, pq.Array(filter.AllowedSurveys))
	}

	if excludeID != "" {
		argCount++
		query += fmt.Sprintf(" AND id != $%d", argCount)
		args = append(args, excludeID)
	}

	return query, args
}

// SelectEligibleResponse picks one response from the eligible pool. The
// caller still has to win the conditional lease write; losing that race
// means re-selecting, not failing.
func (s *PostgresStore) SelectEligibleResponse(ctx context.Context, filter models.ClaimFilter, excludeID string, now time.Time) (*models.SurveyResponse, error) {
	query, args := buildEligibleQuery(filter, excludeID, now)
	query += " ORDER BY created_at ASC LIMIT 1"

	resp, err := scanResponse(s.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to select eligible response: %w", err)
	}
	return resp, nil
}

// CountEligible counts the eligible pool for advisory queue statistics
func (s *PostgresStore) CountEligible(ctx context.Context, filter models.ClaimFilter, now time.Time) (int64, error) {
	query, args := buildEligibleQuery(filter, "", now)
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM (%s) AS eligible", query)

	var total int64
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count eligible responses: %w", err)
	}
	return total, nil
}

// AcquireLease atomically claims a response for a reviewer. The conditional
// write fails when a competing claim won first or the response left
// pending_review, in which case it returns false and no rows change.
func (s *PostgresStore) AcquireLease(ctx context.Context, responseID, reviewerID string, expiry, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE responses
		SET lease_reviewer_id = $1, lease_expires_at = $2, updated_at = NOW()
		WHERE id = $3 AND status = 'pending_review' AND %s`, fmt.Sprintf(leaseFreeSQL, 4)),
		reviewerID, expiry, responseID, now)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// ReleaseLease clears a reviewer's lease on a response. Only the holder may
// release; a stale release after expiry-and-reclaim touches nothing.
func (s *PostgresStore) ReleaseLease(ctx context.Context, responseID, reviewerID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses
		SET lease_reviewer_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $1 AND lease_reviewer_id = $2`,
		responseID, reviewerID)
	if err != nil {
		return false, fmt.Errorf("failed to release lease: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// SetReviewDecision records a reviewer's verdict. The write requires a live
// lease held by the caller and a still-pending status, so an expired lease
// or a concurrent batch decision makes it a no-op.
func (s *PostgresStore) SetReviewDecision(ctx context.Context, responseID, reviewerID string, status models.ResponseStatus, reviewedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE responses
		SET status = $1, reviewed_by = $2, reviewed_at = $3,
		    lease_reviewer_id = NULL, lease_expires_at = NULL, updated_at = NOW()
		WHERE id = $4 AND status = 'pending_review'
		  AND lease_reviewer_id = $2 AND lease_expires_at > $3`,
		status, reviewerID, reviewedAt, responseID)
	if err != nil {
		return false, fmt.Errorf("failed to set review decision: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}
