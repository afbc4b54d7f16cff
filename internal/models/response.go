package models

import (
	"time"
)

// ChannelMode records how an interview was captured.
type ChannelMode string

const (
	ChannelInPerson ChannelMode = "in_person"
	ChannelPhone    ChannelMode = "phone"
)

// Valid reports whether the channel mode is one of the known modes.
func (m ChannelMode) Valid() bool {
	return m == ChannelInPerson || m == ChannelPhone
}

// ResponseStatus is the server-side adjudication status of a response.
// A response moves forward through statuses only, never backward.
type ResponseStatus string

const (
	StatusPendingReview ResponseStatus = "pending_review"
	StatusApproved      ResponseStatus = "approved"
	StatusRejected      ResponseStatus = "rejected"
	StatusAbandoned     ResponseStatus = "abandoned"
	StatusTerminated    ResponseStatus = "terminated"
)

// Terminal reports whether the status is final. Terminal responses are never
// mutated by the batch decision engine or the assignment queue.
func (s ResponseStatus) Terminal() bool {
	return s != StatusPendingReview
}

// Lease is a time-boxed exclusive claim by one reviewer on one response.
// At most one unexpired lease exists per response at any instant.
type Lease struct {
	ReviewerID string    `json:"reviewer_id"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Active is the single lease-validity predicate for Go read paths. Every
// code path that asks "is this response currently claimed" must go through
// here; SQL read paths share the matching predicate in internal/db.
func (l *Lease) Active(now time.Time) bool {
	return l != nil && l.ReviewerID != "" && now.Before(l.ExpiresAt)
}

// SurveyResponse is the server-owned durable record of an interview.
// Created once on first successful ingestion and never deleted.
type SurveyResponse struct {
	ID               string            `json:"id"`
	SurveyID         string            `json:"survey_id"`
	Fingerprint      string            `json:"fingerprint"`
	IdempotencyToken string            `json:"-"`
	ChannelMode      ChannelMode       `json:"channel_mode"`
	Answers          map[string]string `json:"answers"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          time.Time         `json:"ended_at"`
	DurationSeconds  int               `json:"duration_seconds"`
	Location         string            `json:"location,omitempty"`
	Checksum         string            `json:"checksum"`

	MediaKey      string `json:"media_key,omitempty"`
	MediaChecksum string `json:"media_checksum,omitempty"`

	Status       ResponseStatus `json:"status"`
	AutoApproved bool           `json:"auto_approved"`
	AuditNote    string         `json:"audit_note,omitempty"`

	Lease *Lease `json:"lease,omitempty"`

	BatchID string `json:"batch_id,omitempty"`
	Sampled bool   `json:"sampled"`

	ReviewedBy string     `json:"reviewed_by,omitempty"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ClaimFilter narrows the eligible pool served by the assignment queue.
// Zero values mean "no constraint". AllowedSurveys is supplied by the
// identity layer for scoped roles and intersected with any SurveyID filter.
type ClaimFilter struct {
	SurveyID       string      `json:"survey_id,omitempty"`
	ChannelMode    ChannelMode `json:"channel_mode,omitempty"`
	Search         string      `json:"search,omitempty"`
	AllowedSurveys []string    `json:"-"`
}

// Scope returns a stable identity for the filter's selection scope, used to
// decide whether an existing lease was claimed under the same filters.
func (f ClaimFilter) Scope() string {
	return f.SurveyID + "|" + string(f.ChannelMode) + "|" + f.Search
}
