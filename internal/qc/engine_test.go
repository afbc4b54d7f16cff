package qc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opine-hq/fieldsync/internal/config"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/models"
)

const (
	testBatchID  = "batch-1"
	testSurveyID = "svy-1"
)

var testNow = time.Date(2026, 3, 15, 8, 0, 0, 0, time.UTC)

// MockStore implements db.Store for testing
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetResponse(ctx context.Context, id string) (*models.SurveyResponse, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SurveyResponse), args.Error(1)
}

func (m *MockStore) GetResponseByToken(ctx context.Context, token string) (*models.SurveyResponse, error) {
	args := m.Called(ctx, token)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SurveyResponse), args.Error(1)
}

func (m *MockStore) GetCanonicalByFingerprint(ctx context.Context, surveyID, fingerprint string) (*models.SurveyResponse, error) {
	args := m.Called(ctx, surveyID, fingerprint)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SurveyResponse), args.Error(1)
}

func (m *MockStore) CreateResponse(ctx context.Context, resp *models.SurveyResponse) error {
	args := m.Called(ctx, resp)
	return args.Error(0)
}

func (m *MockStore) AttachMedia(ctx context.Context, id, mediaKey, mediaChecksum string) error {
	args := m.Called(ctx, id, mediaKey, mediaChecksum)
	return args.Error(0)
}

func (m *MockStore) GetLeasedResponse(ctx context.Context, reviewerID string, now time.Time) (*models.SurveyResponse, error) {
	args := m.Called(ctx, reviewerID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SurveyResponse), args.Error(1)
}

func (m *MockStore) SelectEligibleResponse(ctx context.Context, filter models.ClaimFilter, excludeID string, now time.Time) (*models.SurveyResponse, error) {
	args := m.Called(ctx, filter, excludeID, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.SurveyResponse), args.Error(1)
}

func (m *MockStore) AcquireLease(ctx context.Context, responseID, reviewerID string, expiry, now time.Time) (bool, error) {
	args := m.Called(ctx, responseID, reviewerID, expiry, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ReleaseLease(ctx context.Context, responseID, reviewerID string) (bool, error) {
	args := m.Called(ctx, responseID, reviewerID)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) SetReviewDecision(ctx context.Context, responseID, reviewerID string, status models.ResponseStatus, reviewedAt time.Time) (bool, error) {
	args := m.Called(ctx, responseID, reviewerID, status, reviewedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) CountEligible(ctx context.Context, filter models.ClaimFilter, now time.Time) (int64, error) {
	args := m.Called(ctx, filter, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) GetOrCreateBatch(ctx context.Context, surveyID, batchDate string) (*models.QCBatch, error) {
	args := m.Called(ctx, surveyID, batchDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QCBatch), args.Error(1)
}

func (m *MockStore) GetBatch(ctx context.Context, id string) (*models.QCBatch, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.QCBatch), args.Error(1)
}

func (m *MockStore) ListBatchesByStatus(ctx context.Context, status models.BatchStatus) ([]*models.QCBatch, error) {
	args := m.Called(ctx, status)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QCBatch), args.Error(1)
}

func (m *MockStore) ListCollectingBatchesBefore(ctx context.Context, batchDate string) ([]*models.QCBatch, error) {
	args := m.Called(ctx, batchDate)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.QCBatch), args.Error(1)
}

func (m *MockStore) ListPendingBatchMemberIDs(ctx context.Context, batchID string) ([]string, error) {
	args := m.Called(ctx, batchID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) MarkSampled(ctx context.Context, batchID string, ids []string) (int64, error) {
	args := m.Called(ctx, batchID, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) SetBatchSampled(ctx context.Context, batch *models.QCBatch) (bool, error) {
	args := m.Called(ctx, batch)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) SampleCounts(ctx context.Context, batchID string) (int, int, int, error) {
	args := m.Called(ctx, batchID)
	return args.Int(0), args.Int(1), args.Int(2), args.Error(3)
}

func (m *MockStore) FinalizeBatch(ctx context.Context, batchID string, rate float64, decision models.QCAction, decidedAt time.Time) (bool, error) {
	args := m.Called(ctx, batchID, rate, decision, decidedAt)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) ApplyRemainderDecision(ctx context.Context, batchID string, ids []string, status models.ResponseStatus, auditNote string, autoApproved bool) (int64, error) {
	args := m.Called(ctx, batchID, ids, status, auditNote, autoApproved)
	return args.Get(0).(int64), args.Error(1)
}

func testQCConfig() *config.QCConfig {
	cfg := config.DefaultQCConfig()
	cfg.Batch.SamplePercent = 40
	cfg.Chunk = config.ChunkConfig{Size: 100, Workers: 1, MaxRetries: 0, ChunkDelay: 0}
	return cfg
}

func newTestEngine(store *MockStore) *Engine {
	e := NewEngine(store, testQCConfig())
	e.now = func() time.Time { return testNow }
	// Deterministic partition: the sample is the id list prefix.
	e.shuffle = func(n int, swap func(i, j int)) {}
	return e
}

func TestSampleBatchPartitions(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	ids := []string{"r1", "r2", "r3", "r4", "r5"}
	store.On("GetBatch", ctx, testBatchID).Return(&models.QCBatch{
		ID:       testBatchID,
		SurveyID: testSurveyID,
		Status:   models.BatchCollecting,
	}, nil)
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return(ids, nil)
	store.On("MarkSampled", ctx, testBatchID, []string{"r1", "r2"}).Return(int64(2), nil)
	store.On("SetBatchSampled", ctx, mock.AnythingOfType("*models.QCBatch")).Return(true, nil)

	err := engine.SampleBatch(ctx, testBatchID)
	require.NoError(t, err)

	store.AssertExpectations(t)

	// The batch wins the status transition before any member is flagged.
	transitionIdx, markIdx := -1, -1
	for i, call := range store.Calls {
		switch call.Method {
		case "SetBatchSampled":
			transitionIdx = i
		case "MarkSampled":
			markIdx = i
		}
	}
	require.GreaterOrEqual(t, transitionIdx, 0)
	require.GreaterOrEqual(t, markIdx, 0)
	assert.Less(t, transitionIdx, markIdx)

	// The configuration snapshot and counts are frozen onto the batch.
	updated := store.Calls[transitionIdx].Arguments.Get(1).(*models.QCBatch)
	assert.Equal(t, 5, updated.TotalResponses)
	assert.Equal(t, 2, updated.SampleSize)
	assert.Equal(t, 40.0, updated.ConfigSnapshot.SamplePercent)
	require.NotNil(t, updated.SampledAt)
	assert.Equal(t, testNow, *updated.SampledAt)
}

func TestSampleBatchLostTransitionRace(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(&models.QCBatch{
		ID:       testBatchID,
		SurveyID: testSurveyID,
		Status:   models.BatchCollecting,
	}, nil)
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return([]string{"r1", "r2", "r3"}, nil)
	store.On("SetBatchSampled", ctx, mock.AnythingOfType("*models.QCBatch")).Return(false, nil)

	// A concurrent sweep moved the batch forward first; this invocation
	// must not flag a second random subset.
	err := engine.SampleBatch(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertNotCalled(t, "MarkSampled", mock.Anything, mock.Anything, mock.Anything)
}

func TestSampleBatchAlreadySampled(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(&models.QCBatch{
		ID:     testBatchID,
		Status: models.BatchAwaitingDecision,
	}, nil)

	err := engine.SampleBatch(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertNotCalled(t, "MarkSampled", mock.Anything, mock.Anything, mock.Anything)
}

func TestSampleBatchEmpty(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(&models.QCBatch{
		ID:     testBatchID,
		Status: models.BatchCollecting,
	}, nil)
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return([]string{}, nil)

	err := engine.SampleBatch(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertNotCalled(t, "SetBatchSampled", mock.Anything, mock.Anything)
}

func awaitingBatch(approved, rejected, pending int) *models.QCBatch {
	return &models.QCBatch{
		ID:             testBatchID,
		SurveyID:       testSurveyID,
		Status:         models.BatchAwaitingDecision,
		TotalResponses: 100,
		SampleSize:     40,
		ApprovedCount:  approved,
		RejectedCount:  rejected,
		PendingCount:   pending,
		ConfigSnapshot: models.QCBatchConfig{
			SamplePercent: 40,
			Rules: []models.QCRule{
				{MinRate: 0, MaxRate: 50, Action: models.ActionSendToQC},
				{MinRate: 50, MaxRate: 100, Action: models.ActionAutoApprove},
			},
		},
	}
}

func TestDecideAutoApprovesRemainder(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	// 25 of 40 sampled approved: 62.5% approval over the sample.
	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(25, 15, 0), nil)
	store.On("FinalizeBatch", ctx, testBatchID, 62.5, models.ActionAutoApprove, testNow).Return(true, nil)

	remainder := make([]string, 60)
	for i := range remainder {
		remainder[i] = "r" + string(rune('a'+i%26))
	}
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return(remainder, nil)
	store.On("ApplyRemainderDecision", ctx, testBatchID, mock.Anything, models.StatusApproved, mock.AnythingOfType("string"), true).Return(int64(60), nil)

	err := engine.Decide(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestDecideSendToQCLeavesRemainderPending(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	// 16 of 40 approved: 40% falls in the send_to_qc range.
	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(16, 24, 0), nil)
	store.On("FinalizeBatch", ctx, testBatchID, 40.0, models.ActionSendToQC, testNow).Return(true, nil)

	err := engine.Decide(ctx, testBatchID)
	require.NoError(t, err)

	// send_to_qc means the remainder simply stays in the review queue.
	store.AssertNotCalled(t, "ApplyRemainderDecision", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDecideNotReadyWhileSamplePending(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(30, 5, 5), nil)

	err := engine.Decide(ctx, testBatchID)
	assert.True(t, apperrors.IsBatchNotReady(err))
	store.AssertNotCalled(t, "FinalizeBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDecideIdempotent(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	decided := awaitingBatch(25, 15, 0)
	decided.Status = models.BatchDecided
	store.On("GetBatch", ctx, testBatchID).Return(decided, nil)

	err := engine.Decide(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertNotCalled(t, "FinalizeBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestDecideLostFinalizeRace(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(25, 15, 0), nil)
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return([]string{"r1"}, nil)
	store.On("ApplyRemainderDecision", ctx, testBatchID, []string{"r1"}, models.StatusApproved, mock.AnythingOfType("string"), true).Return(int64(0), nil)
	store.On("FinalizeBatch", ctx, testBatchID, 62.5, models.ActionAutoApprove, testNow).Return(false, nil)

	// A concurrent sweep finalized first. The status filter on the
	// remainder write makes the overlapping apply a no-op, and the lost
	// finalize is not an error.
	err := engine.Decide(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestDecideRemainderFailureLeavesBatchRetryable(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(25, 15, 0), nil)
	store.On("ListPendingBatchMemberIDs", ctx, testBatchID).Return([]string{"r1", "r2"}, nil)
	store.On("ApplyRemainderDecision", ctx, testBatchID, []string{"r1", "r2"}, models.StatusApproved, mock.AnythingOfType("string"), true).
		Return(int64(0), assert.AnError).Once()

	// The remainder write dies: the batch must not be finalized, so the
	// next sweep can retry the whole decision.
	err := engine.Decide(ctx, testBatchID)
	require.Error(t, err)
	store.AssertNotCalled(t, "FinalizeBatch", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	store.On("ApplyRemainderDecision", ctx, testBatchID, []string{"r1", "r2"}, models.StatusApproved, mock.AnythingOfType("string"), true).
		Return(int64(2), nil).Once()
	store.On("FinalizeBatch", ctx, testBatchID, 62.5, models.ActionAutoApprove, testNow).Return(true, nil)

	err = engine.Decide(ctx, testBatchID)
	require.NoError(t, err)
	store.AssertExpectations(t)
}

func TestSweepSamplesAndDecides(t *testing.T) {
	store := new(MockStore)
	engine := newTestEngine(store)
	ctx := context.Background()

	today := testNow.UTC().Format("2006-01-02")
	store.On("ListCollectingBatchesBefore", ctx, today).Return([]*models.QCBatch{}, nil)

	// A batch whose sample is still unresolved is skipped without error.
	store.On("ListBatchesByStatus", ctx, models.BatchAwaitingDecision).Return([]*models.QCBatch{
		{ID: testBatchID},
	}, nil)
	store.On("GetBatch", ctx, testBatchID).Return(awaitingBatch(10, 5, 25), nil)

	err := engine.Sweep(ctx)
	require.NoError(t, err)
	store.AssertExpectations(t)
}
