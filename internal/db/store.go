package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opine-hq/fieldsync/internal/models"

	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
)

// leaseFreeSQL is the single SQL lease-validity predicate. Every query that
// selects "unclaimed" responses must use it; a read path that filters leases
// any other way silently reintroduces double-assignment. The Go-side twin is
// models.Lease.Active.
const leaseFreeSQL = "(lease_reviewer_id IS NULL OR lease_expires_at <= $%d)"

type PostgresStore struct {
	db *sql.DB
}

// Store defines the interface for database operations
type Store interface {
	// Response operations
	GetResponse(ctx context.Context, id string) (*models.SurveyResponse, error)
	GetResponseByToken(ctx context.Context, token string) (*models.SurveyResponse, error)
	GetCanonicalByFingerprint(ctx context.Context, surveyID, fingerprint string) (*models.SurveyResponse, error)
	CreateResponse(ctx context.Context, resp *models.SurveyResponse) error
	AttachMedia(ctx context.Context, id, mediaKey, mediaChecksum string) error

	// Review queue operations
	GetLeasedResponse(ctx context.Context, reviewerID string, now time.Time) (*models.SurveyResponse, error)
	SelectEligibleResponse(ctx context.Context, filter models.ClaimFilter, excludeID string, now time.Time) (*models.SurveyResponse, error)
	AcquireLease(ctx context.Context, responseID, reviewerID string, expiry, now time.Time) (bool, error)
	ReleaseLease(ctx context.Context, responseID, reviewerID string) (bool, error)
	SetReviewDecision(ctx context.Context, responseID, reviewerID string, status models.ResponseStatus, reviewedAt time.Time) (bool, error)
	CountEligible(ctx context.Context, filter models.ClaimFilter, now time.Time) (int64, error)

	// Batch operations
	GetOrCreateBatch(ctx context.Context, surveyID, batchDate string) (*models.QCBatch, error)
	GetBatch(ctx context.Context, id string) (*models.QCBatch, error)
	ListBatchesByStatus(ctx context.Context, status models.BatchStatus) ([]*models.QCBatch, error)
	ListCollectingBatchesBefore(ctx context.Context, batchDate string) ([]*models.QCBatch, error)
	ListPendingBatchMemberIDs(ctx context.Context, batchID string) ([]string, error)
	MarkSampled(ctx context.Context, batchID string, ids []string) (int64, error)
	SetBatchSampled(ctx context.Context, batch *models.QCBatch) (bool, error)
	SampleCounts(ctx context.Context, batchID string) (approved, rejected, pending int, err error)
	FinalizeBatch(ctx context.Context, batchID string, rate float64, decision models.QCAction, decidedAt time.Time) (bool, error)
	ApplyRemainderDecision(ctx context.Context, batchID string, ids []string, status models.ResponseStatus, auditNote string, autoApproved bool) (int64, error)
}

func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Migrate() error {
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	if err := goose.Up(s.db, "internal/db/migrations"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}
