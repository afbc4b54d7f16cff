package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/opine-hq/fieldsync/internal/cache"
	"github.com/opine-hq/fieldsync/internal/config"
	apperrors "github.com/opine-hq/fieldsync/internal/errors"
	"github.com/opine-hq/fieldsync/internal/models"
)

const (
	testSurveyID    = "svy-1"
	testToken       = "tok-abc"
	testDurableID   = "resp-durable-1"
	testCanonicalID = "resp-canonical-1"
	testBatchID     = "batch-1"
)

var testStart = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

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

// MockMediaStore implements media.Store for testing
type MockMediaStore struct {
	mock.Mock
}

func (m *MockMediaStore) Put(ctx context.Context, durableID string, blob []byte) (string, string, error) {
	args := m.Called(ctx, durableID, blob)
	return args.String(0), args.String(1), args.Error(2)
}

func (m *MockMediaStore) Exists(ctx context.Context, key string) (bool, error) {
	args := m.Called(ctx, key)
	return args.Bool(0), args.Error(1)
}

func newTestService(store *MockStore, mediaStore *MockMediaStore) (*Service, cache.Cache) {
	c := cache.NewMemoryCache()
	logger := logrus.New()
	return NewService(store, c, mediaStore, config.DefaultQCConfig(), logger), c
}

func validRequest() *SubmitRequest {
	return &SubmitRequest{
		IdempotencyToken: testToken,
		SurveyID:         testSurveyID,
		ChannelMode:      models.ChannelInPerson,
		Answers:          map[string]string{"q1": "yes", "q2": "no"},
		StartedAt:        testStart,
		EndedAt:          testStart.Add(10 * time.Minute),
		DurationSeconds:  600,
		Location:         "6.5244,3.3792",
	}
}

func TestSubmitCreatesResponse(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	store.On("GetResponseByToken", ctx, testToken).Return(nil, nil)
	store.On("GetCanonicalByFingerprint", ctx, testSurveyID, mock.AnythingOfType("string")).Return(nil, nil)
	store.On("GetOrCreateBatch", ctx, testSurveyID, mock.AnythingOfType("string")).Return(&models.QCBatch{ID: testBatchID}, nil)
	store.On("CreateResponse", ctx, mock.AnythingOfType("*models.SurveyResponse")).Return(nil)

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.False(t, result.Duplicate)
	assert.NotEmpty(t, result.DurableID)

	// Inspect the persisted record.
	var created *models.SurveyResponse
	for _, call := range store.Calls {
		if call.Method == "CreateResponse" {
			created = call.Arguments.Get(1).(*models.SurveyResponse)
		}
	}
	require.NotNil(t, created)
	assert.Equal(t, models.StatusPendingReview, created.Status)
	assert.Equal(t, testBatchID, created.BatchID)
	assert.Equal(t, testToken, created.IdempotencyToken)
	assert.NotEmpty(t, created.Fingerprint)
	assert.NotEmpty(t, created.Checksum)
}

func TestSubmitSameTokenReturnsSameID(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	existing := &models.SurveyResponse{ID: testDurableID, Status: models.StatusPendingReview}
	store.On("GetResponseByToken", ctx, testToken).Return(existing, nil)

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, testDurableID, result.DurableID)
	assert.False(t, result.Duplicate)
	store.AssertNotCalled(t, "CreateResponse", mock.Anything, mock.Anything)
}

func TestSubmitIdempotencyCacheHit(t *testing.T) {
	store := new(MockStore)
	svc, c := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	c.Set(ctx, idempotencyKeyPrefix+testToken, testDurableID, time.Hour)
	store.On("GetResponse", ctx, testDurableID).Return(&models.SurveyResponse{
		ID:     testDurableID,
		Status: models.StatusPendingReview,
	}, nil)

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, testDurableID, result.DurableID)
	store.AssertNotCalled(t, "GetResponseByToken", mock.Anything, mock.Anything)
}

func TestSubmitStaleCacheFallsThrough(t *testing.T) {
	store := new(MockStore)
	svc, c := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	// The cache points at a row that no longer resolves; the durable token
	// lookup must take over.
	c.Set(ctx, idempotencyKeyPrefix+testToken, "resp-gone", time.Hour)
	store.On("GetResponse", ctx, "resp-gone").Return(nil, nil)
	store.On("GetResponseByToken", ctx, testToken).Return(&models.SurveyResponse{
		ID:     testDurableID,
		Status: models.StatusPendingReview,
	}, nil)

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.Equal(t, testDurableID, result.DurableID)
}

func TestSubmitDuplicateFingerprint(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	canonical := &models.SurveyResponse{ID: testCanonicalID, Status: models.StatusPendingReview}
	store.On("GetResponseByToken", ctx, testToken).Return(nil, nil)
	store.On("GetCanonicalByFingerprint", ctx, testSurveyID, mock.AnythingOfType("string")).Return(canonical, nil)
	store.On("CreateResponse", ctx, mock.AnythingOfType("*models.SurveyResponse")).Return(nil)

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	assert.NotEqual(t, testCanonicalID, result.DurableID, "the duplicate gets its own durable id")

	var created *models.SurveyResponse
	for _, call := range store.Calls {
		if call.Method == "CreateResponse" {
			created = call.Arguments.Get(1).(*models.SurveyResponse)
		}
	}
	require.NotNil(t, created)
	assert.Equal(t, models.StatusAbandoned, created.Status)
	assert.Contains(t, created.AuditNote, testCanonicalID)
	store.AssertNotCalled(t, "GetOrCreateBatch", mock.Anything, mock.Anything, mock.Anything)
}

func TestSubmitRecoversFromFingerprintRace(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	canonical := &models.SurveyResponse{ID: testCanonicalID, Status: models.StatusPendingReview}
	conflict := apperrors.New(apperrors.ErrConflict, "duplicate key", nil)

	store.On("GetResponseByToken", ctx, testToken).Return(nil, nil)
	// Nothing canonical before the insert, then the concurrent winner shows
	// up on the re-read after the unique index rejects us.
	store.On("GetCanonicalByFingerprint", ctx, testSurveyID, mock.AnythingOfType("string")).Return(nil, nil).Once()
	store.On("GetOrCreateBatch", ctx, testSurveyID, mock.AnythingOfType("string")).Return(&models.QCBatch{ID: testBatchID}, nil)
	store.On("CreateResponse", ctx, mock.AnythingOfType("*models.SurveyResponse")).Return(conflict).Once()
	store.On("GetCanonicalByFingerprint", ctx, testSurveyID, mock.AnythingOfType("string")).Return(canonical, nil).Once()
	store.On("CreateResponse", ctx, mock.AnythingOfType("*models.SurveyResponse")).Return(nil).Once()

	result, err := svc.Submit(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, result.Duplicate)
	store.AssertExpectations(t)
}

func TestSubmitValidation(t *testing.T) {
	svc, _ := newTestService(new(MockStore), new(MockMediaStore))
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(*SubmitRequest)
	}{
		{"missing token", func(r *SubmitRequest) { r.IdempotencyToken = "" }},
		{"missing survey", func(r *SubmitRequest) { r.SurveyID = "" }},
		{"unknown channel", func(r *SubmitRequest) { r.ChannelMode = "smoke_signal" }},
		{"empty answers", func(r *SubmitRequest) { r.Answers = nil }},
		{"end before start", func(r *SubmitRequest) { r.EndedAt = r.StartedAt.Add(-time.Minute) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			_, err := svc.Submit(ctx, req)
			assert.True(t, apperrors.IsValidationError(err))
		})
	}
}

func TestAttachMedia(t *testing.T) {
	store := new(MockStore)
	mediaStore := new(MockMediaStore)
	svc, _ := newTestService(store, mediaStore)
	ctx := context.Background()
	blob := []byte("audio-bytes")

	store.On("GetResponse", ctx, testDurableID).Return(&models.SurveyResponse{ID: testDurableID}, nil)
	mediaStore.On("Put", ctx, testDurableID, blob).Return("responses/"+testDurableID+"/audio", "checksum-1", nil)
	store.On("AttachMedia", ctx, testDurableID, "responses/"+testDurableID+"/audio", "checksum-1").Return(nil)

	err := svc.AttachMedia(ctx, testDurableID, blob)
	assert.NoError(t, err)
	store.AssertExpectations(t)
	mediaStore.AssertExpectations(t)
}

func TestAttachMediaSkipsStoredObject(t *testing.T) {
	store := new(MockStore)
	mediaStore := new(MockMediaStore)
	svc, _ := newTestService(store, mediaStore)
	ctx := context.Background()

	mediaKey := "responses/" + testDurableID + "/audio"
	store.On("GetResponse", ctx, testDurableID).Return(&models.SurveyResponse{
		ID:       testDurableID,
		MediaKey: mediaKey,
	}, nil)
	mediaStore.On("Exists", ctx, mediaKey).Return(true, nil)

	// A media retry re-delivers a recording the server already holds.
	err := svc.AttachMedia(ctx, testDurableID, []byte("audio-bytes"))
	assert.NoError(t, err)
	mediaStore.AssertNotCalled(t, "Put", mock.Anything, mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "AttachMedia", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestAttachMediaReuploadsMissingObject(t *testing.T) {
	store := new(MockStore)
	mediaStore := new(MockMediaStore)
	svc, _ := newTestService(store, mediaStore)
	ctx := context.Background()
	blob := []byte("audio-bytes")

	mediaKey := "responses/" + testDurableID + "/audio"
	store.On("GetResponse", ctx, testDurableID).Return(&models.SurveyResponse{
		ID:       testDurableID,
		MediaKey: mediaKey,
	}, nil)
	// The key was recorded but the object never landed.
	mediaStore.On("Exists", ctx, mediaKey).Return(false, nil)
	mediaStore.On("Put", ctx, testDurableID, blob).Return(mediaKey, "checksum-1", nil)
	store.On("AttachMedia", ctx, testDurableID, mediaKey, "checksum-1").Return(nil)

	err := svc.AttachMedia(ctx, testDurableID, blob)
	assert.NoError(t, err)
	mediaStore.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestAttachMediaUnknownResponse(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	store.On("GetResponse", ctx, "resp-missing").Return(nil, nil)

	err := svc.AttachMedia(ctx, "resp-missing", []byte("x"))
	assert.True(t, apperrors.IsNotFound(err))
}

func TestVerify(t *testing.T) {
	store := new(MockStore)
	svc, _ := newTestService(store, new(MockMediaStore))
	ctx := context.Background()

	store.On("GetResponse", ctx, testDurableID).Return(&models.SurveyResponse{
		ID:       testDurableID,
		Checksum: "sum-1",
	}, nil)

	sum, err := svc.Verify(ctx, testDurableID)
	require.NoError(t, err)
	assert.Equal(t, "sum-1", sum)

	store.On("GetResponse", ctx, "resp-missing").Return(nil, nil)
	_, err = svc.Verify(ctx, "resp-missing")
	assert.True(t, apperrors.IsNotFound(err))
}
