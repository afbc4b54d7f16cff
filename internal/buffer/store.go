// Package buffer is the device-local submission buffer. A captured interview
// is persisted here the instant it completes, so neither a crash nor a dead
// network loses data; rows leave the buffer only after the server-side copy
// has been verified.
package buffer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/opine-hq/fieldsync/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS interviews (
	local_id TEXT PRIMARY KEY,
	survey_id TEXT NOT NULL,
	channel_mode TEXT NOT NULL,
	answers TEXT NOT NULL,
	media_path TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMP NOT NULL,
	ended_at TIMESTAMP NOT NULL,
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	location TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL,
	idempotency_token TEXT NOT NULL,
	stage TEXT NOT NULL DEFAULT 'pending',
	stage_changed_at TIMESTAMP NOT NULL,
	data_retries INTEGER NOT NULL DEFAULT 0,
	media_retries INTEGER NOT NULL DEFAULT 0,
	next_data_attempt TIMESTAMP NOT NULL,
	next_media_attempt TIMESTAMP NOT NULL,
	last_error TEXT NOT NULL DEFAULT '',
	durable_id TEXT NOT NULL DEFAULT '',
	media_uploaded INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS ix_interviews_stage ON interviews (stage, next_data_attempt);
`

// SQLiteStore persists captured interviews on the device
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and initializes) the local buffer database
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open buffer database: %w", err)
	}

	// One writer at a time; the reconciler is a single cooperative loop.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to initialize buffer schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save persists a captured interview at completion time. The insert is
// synchronous: once Save returns, a crash cannot lose the interview.
func (s *SQLiteStore) Save(ctx context.Context, iv *models.CapturedInterview) error {
	answersJSON, err := json.Marshal(iv.Answers)
	if err != nil {
		return fmt.Errorf("failed to marshal answers: %w", err)
	}

	now := time.Now().UTC()
	if iv.Stage == "" {
		iv.Stage = models.StagePending
	}
	iv.StageChangedAt = now
	iv.CreatedAt = now
	iv.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO interviews (
			local_id, survey_id, channel_mode, answers, media_path,
			started_at, ended_at, duration_seconds, location, checksum,
			idempotency_token, stage, stage_changed_at,
			next_data_attempt, next_media_attempt, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		iv.LocalID, iv.SurveyID, iv.ChannelMode, string(answersJSON), iv.MediaPath,
		iv.StartedAt, iv.EndedAt, iv.DurationSeconds, iv.Location, iv.Checksum,
		iv.IdempotencyToken, iv.Stage, iv.StageChangedAt,
		now, now, iv.CreatedAt, iv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save interview: %w", err)
	}

	return nil
}

const interviewColumns = `
	local_id, survey_id, channel_mode, answers, media_path,
	started_at, ended_at, duration_seconds, location, checksum,
	idempotency_token, stage, stage_changed_at, data_retries, media_retries,
	next_data_attempt, next_media_attempt, last_error, durable_id, media_uploaded,
	created_at, updated_at`

func scanInterview(row interface{ Scan(...interface{}) error }) (*models.CapturedInterview, error) {
	var iv models.CapturedInterview
	var answersJSON string

	if err := row.Scan(
		&iv.LocalID, &iv.SurveyID, &iv.ChannelMode, &answersJSON, &iv.MediaPath,
		&iv.StartedAt, &iv.EndedAt, &iv.DurationSeconds, &iv.Location, &iv.Checksum,
		&iv.IdempotencyToken, &iv.Stage, &iv.StageChangedAt, &iv.DataRetries, &iv.MediaRetries,
		&iv.NextDataAttempt, &iv.NextMediaAttempt, &iv.LastError, &iv.DurableID, &iv.MediaUploaded,
		&iv.CreatedAt, &iv.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(answersJSON), &iv.Answers); err != nil {
		return nil, fmt.Errorf("failed to unmarshal answers: %w", err)
	}

	return &iv, nil
}

// Get retrieves one interview by its local id
func (s *SQLiteStore) Get(ctx context.Context, localID string) (*models.CapturedInterview, error) {
	query := fmt.Sprintf("SELECT %s FROM interviews WHERE local_id = ?", interviewColumns)
	iv, err := scanInterview(s.db.QueryRowContext(ctx, query, localID))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get interview: %w", err)
	}
	return iv, nil
}

// ListDue lists retryable interviews whose next data attempt has arrived,
// oldest first.
func (s *SQLiteStore) ListDue(ctx context.Context, now time.Time) ([]*models.CapturedInterview, error) {
	query := fmt.Sprintf(`SELECT %s FROM interviews
		WHERE stage IN ('pending', 'failed')
		  AND (next_data_attempt <= ? OR (durable_id != '' AND next_media_attempt <= ?))
		ORDER BY created_at`, interviewColumns)

	rows, err := s.db.QueryContext(ctx, query, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due interviews: %w", err)
	}
	defer rows.Close()

	var due []*models.CapturedInterview
	for rows.Next() {
		iv, err := scanInterview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan interview: %w", err)
		}
		due = append(due, iv)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating interviews: %w", err)
	}

	return due, nil
}

// Transition moves an interview between sync stages, validating against the
// state machine and guarding with a compare-and-set on the current stage.
func (s *SQLiteStore) Transition(ctx context.Context, localID string, from, to models.SyncStage) error {
	if err := models.ValidateTransition(from, to); err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE interviews SET stage = ?, stage_changed_at = ?, updated_at = ?
		WHERE local_id = ? AND stage = ?`,
		to, time.Now().UTC(), time.Now().UTC(), localID, from)
	if err != nil {
		return fmt.Errorf("failed to transition interview: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("interview %s is no longer in stage %s", localID, from)
	}
	return nil
}

// SetDurableID records the server-assigned id after the data upload lands
func (s *SQLiteStore) SetDurableID(ctx context.Context, localID, durableID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interviews SET durable_id = ?, updated_at = ? WHERE local_id = ?`,
		durableID, time.Now().UTC(), localID)
	if err != nil {
		return fmt.Errorf("failed to set durable id: %w", err)
	}
	return nil
}

// MarkMediaUploaded records that the media payload landed on the server
func (s *SQLiteStore) MarkMediaUploaded(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE interviews SET media_uploaded = 1, updated_at = ? WHERE local_id = ?`,
		time.Now().UTC(), localID)
	if err != nil {
		return fmt.Errorf("failed to mark media uploaded: %w", err)
	}
	return nil
}

// RecordDataFailure bumps the data retry counter and schedules the next
// attempt with exponential backoff on the data channel only. Past the retry
// bound the record is parked as failed_permanently and requires operator
// action.
func (s *SQLiteStore) RecordDataFailure(ctx context.Context, iv *models.CapturedInterview, cause error, maxRetries int, baseBackoff time.Duration) error {
	return s.recordFailure(ctx, iv, cause, maxRetries, iv.DataRetries, baseBackoff, "data_retries", "next_data_attempt")
}

// RecordMediaFailure bumps the media retry counter independently, so a
// stalled audio payload never delays the data payload.
func (s *SQLiteStore) RecordMediaFailure(ctx context.Context, iv *models.CapturedInterview, cause error, maxRetries int, baseBackoff time.Duration) error {
	return s.recordFailure(ctx, iv, cause, maxRetries, iv.MediaRetries, baseBackoff, "media_retries", "next_media_attempt")
}

func (s *SQLiteStore) recordFailure(ctx context.Context, iv *models.CapturedInterview, cause error, maxRetries, retries int, baseBackoff time.Duration, counterCol, nextCol string) error {
	nextStage := models.StageFailed
	if retries+1 >= maxRetries {
		nextStage = models.StageFailedPermanently
	}

	backoff := baseBackoff << uint(retries)
	now := time.Now().UTC()

	query := fmt.Sprintf(`
		UPDATE interviews
		SET stage = ?, stage_changed_at = ?, %s = %s + 1, %s = ?, last_error = ?, updated_at = ?
		WHERE local_id = ?`, counterCol, counterCol, nextCol)

	_, err := s.db.ExecContext(ctx, query,
		nextStage, now, now.Add(backoff), cause.Error(), now, iv.LocalID)
	if err != nil {
		return fmt.Errorf("failed to record failure: %w", err)
	}
	return nil
}

// DemoteStuck returns any record sitting in an in-flight stage longer than
// the threshold to failed, re-entering the retry pool. Guards against a
// crash mid-upload leaving a false in-progress marker forever.
func (s *SQLiteStore) DemoteStuck(ctx context.Context, now time.Time, threshold time.Duration) (int64, error) {
	cutoff := now.Add(-threshold)
	result, err := s.db.ExecContext(ctx, `
		UPDATE interviews SET stage = 'failed', stage_changed_at = ?, updated_at = ?
		WHERE stage IN ('uploading_data', 'uploading_audio', 'verifying') AND stage_changed_at <= ?`,
		now, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to demote stuck interviews: %w", err)
	}
	return result.RowsAffected()
}

// Delete removes a fully verified interview from the buffer. Called only
// after the server checksum matched the local one.
func (s *SQLiteStore) Delete(ctx context.Context, localID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM interviews WHERE local_id = ?", localID)
	if err != nil {
		return fmt.Errorf("failed to delete interview: %w", err)
	}
	return nil
}

// CountByStage reports buffer occupancy per stage, for sync progress
// display. Observable, never required input.
func (s *SQLiteStore) CountByStage(ctx context.Context) (map[models.SyncStage]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT stage, COUNT(*) FROM interviews GROUP BY stage")
	if err != nil {
		return nil, fmt.Errorf("failed to count by stage: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.SyncStage]int)
	for rows.Next() {
		var stage models.SyncStage
		var n int
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		counts[stage] = n
	}

	return counts, rows.Err()
}
