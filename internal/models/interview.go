package models

import (
	"fmt"
	"time"
)

// SyncStage is the client-side lifecycle stage of a captured interview.
type SyncStage string

const (
	StagePending           SyncStage = "pending"
	StageUploadingData     SyncStage = "uploading_data"
	StageUploadingAudio    SyncStage = "uploading_audio"
	StageVerifying         SyncStage = "verifying"
	StageSynced            SyncStage = "synced"
	StageFailed            SyncStage = "failed"
	StageFailedPermanently SyncStage = "failed_permanently"
)

// stageTransitions is the validated transition table for the sync state
// machine. A transition absent from this table is illegal.
var stageTransitions = map[SyncStage][]SyncStage{
	StagePending:        {StageUploadingData},
	StageUploadingData:  {StageUploadingAudio, StageVerifying, StageFailed, StageFailedPermanently},
	StageUploadingAudio: {StageVerifying, StageFailed, StageFailedPermanently},
	StageVerifying:      {StageSynced, StageFailed, StageFailedPermanently},
	StageFailed:         {StagePending, StageFailedPermanently},
}

// CanTransition reports whether moving from one sync stage to another is
// allowed by the state machine.
func CanTransition(from, to SyncStage) bool {
	for _, next := range stageTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns an error describing the illegal transition, or
// nil if the transition is allowed.
func ValidateTransition(from, to SyncStage) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("illegal sync stage transition: %s -> %s", from, to)
	}
	return nil
}

// InFlight reports whether the stage marks an upload in progress. Records
// stuck in an in-flight stage past the stuck threshold are demoted to failed.
func (s SyncStage) InFlight() bool {
	return s == StageUploadingData || s == StageUploadingAudio
}

// Terminal reports whether the record has left the retry pool for good.
func (s SyncStage) Terminal() bool {
	return s == StageSynced || s == StageFailedPermanently
}

// Retryable reports whether the reconciler should pick the record up again.
func (s SyncStage) Retryable() bool {
	return s == StagePending || s == StageFailed
}

// CapturedInterview is a field interview persisted on the originating device
// the moment capture completes. It is mutated only by the sync reconciler and
// deleted only after server-side verification succeeds.
type CapturedInterview struct {
	LocalID          string            `json:"local_id"`
	SurveyID         string            `json:"survey_id"`
	ChannelMode      ChannelMode       `json:"channel_mode"`
	Answers          map[string]string `json:"answers"`
	MediaPath        string            `json:"media_path,omitempty"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	DurationSeconds  int               `json:"duration_seconds"`
	Location         string            `json:"location,omitempty"`
	Checksum         string            `json:"checksum"`
	IdempotencyToken string            `json:"idempotency_token"`

	Stage          SyncStage `json:"stage"`
	StageChangedAt time.Time `json:"stage_changed_at"`

	// Data and media retries are tracked independently so a large stalled
	// media payload never blocks the data payload from completing.
	DataRetries      int       `json:"data_retries"`
	MediaRetries     int       `json:"media_retries"`
	NextDataAttempt  time.Time `json:"next_data_attempt"`
	NextMediaAttempt time.Time `json:"next_media_attempt"`
	LastError        string    `json:"last_error,omitempty"`

	// DurableID is set once the server acknowledges the data payload.
	DurableID string `json:"durable_id,omitempty"`

	// MediaUploaded flips once the media payload lands, so a media backoff
	// can never let the record verify and delete with its audio missing.
	MediaUploaded bool `json:"media_uploaded"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasMedia reports whether the interview captured an audio recording.
func (c *CapturedInterview) HasMedia() bool {
	return c.MediaPath != ""
}

// MediaPending reports whether an audio recording still needs uploading.
func (c *CapturedInterview) MediaPending() bool {
	return c.HasMedia() && !c.MediaUploaded
}
