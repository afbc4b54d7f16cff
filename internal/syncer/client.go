package syncer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/opine-hq/fieldsync/internal/ingest"
	"github.com/opine-hq/fieldsync/internal/models"
)

// Client is the reconciler's view of the server. Each call is one delivery
// attempt; aborting a call simply ends that attempt and the stage machine
// retries it later.
type Client interface {
	// SubmitResponse delivers the data payload and returns the durable id.
	SubmitResponse(ctx context.Context, iv *models.CapturedInterview) (durableID string, duplicate bool, err error)

	// UploadMedia delivers the media blob for an already-ingested response.
	UploadMedia(ctx context.Context, durableID string, blob []byte) error

	// VerifyResponse reads back the stored checksum for confirm-before-delete.
	VerifyResponse(ctx context.Context, durableID string) (storedChecksum string, err error)
}

// HTTPClient implements Client against the fieldsync server API
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient creates a new sync client
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SubmitResponse(ctx context.Context, iv *models.CapturedInterview) (string, bool, error) {
	payload := ingest.SubmitRequest{
		IdempotencyToken: iv.IdempotencyToken,
		SurveyID:         iv.SurveyID,
		ChannelMode:      iv.ChannelMode,
		Answers:          iv.Answers,
		StartedAt:        iv.StartedAt,
		EndedAt:          iv.EndedAt,
		DurationSeconds:  iv.DurationSeconds,
		Location:         iv.Location,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", false, fmt.Errorf("failed to marshal sync payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/responses/sync", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("sync request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", false, fmt.Errorf("sync request returned status %d", resp.StatusCode)
	}

	var result ingest.SubmitResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", false, fmt.Errorf("failed to decode sync result: %w", err)
	}

	return result.DurableID, result.Duplicate, nil
}

func (c *HTTPClient) UploadMedia(ctx context.Context, durableID string, blob []byte) error {
	url := fmt.Sprintf("%s/api/v1/responses/%s/media", c.baseURL, durableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(blob))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("media upload failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("media upload returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) VerifyResponse(ctx context.Context, durableID string) (string, error) {
	url := fmt.Sprintf("%s/api/v1/responses/%s/verify", c.baseURL, durableID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("verification request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("verification returned status %d", resp.StatusCode)
	}

	var result struct {
		StoredChecksum string `json:"stored_checksum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode verification result: %w", err)
	}

	return result.StoredChecksum, nil
}
