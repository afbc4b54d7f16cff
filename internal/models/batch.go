package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// QCAction is what the decision engine does to the unsampled remainder of a
// batch once the sample's approval rate is known.
type QCAction string

const (
	ActionAutoApprove QCAction = "auto_approve"
	ActionSendToQC    QCAction = "send_to_qc"
	ActionRejectAll   QCAction = "reject_all"
)

// QCRule maps an approval-rate range to an action. Ranges are inclusive on
// both ends; the first rule in the configured list containing the rate wins.
type QCRule struct {
	MinRate float64  `json:"min_rate"`
	MaxRate float64  `json:"max_rate"`
	Action  QCAction `json:"action"`
}

// Contains reports whether the approval rate falls inside the rule's range.
func (r QCRule) Contains(rate float64) bool {
	return rate >= r.MinRate && rate <= r.MaxRate
}

// QCBatchConfig is the decision configuration in force when a batch is
// sampled. A frozen snapshot is stored on the batch so later config edits
// never change the meaning of an in-flight batch.
type QCBatchConfig struct {
	SamplePercent float64  `json:"sample_percent"`
	Rules         []QCRule `json:"rules"`
}

// SampleSize returns ceil(total * pct / 100), the number of batch members
// pulled into the manually reviewed sample.
func (c QCBatchConfig) SampleSize(total int) int {
	if total <= 0 {
		return 0
	}
	size := int(math.Ceil(float64(total) * c.SamplePercent / 100))
	if size > total {
		size = total
	}
	return size
}

// BatchStatus tracks where a QC batch is in its lifecycle.
type BatchStatus string

const (
	BatchCollecting       BatchStatus = "collecting"
	BatchAwaitingDecision BatchStatus = "awaiting_decision"
	BatchDecided          BatchStatus = "decided"
)

// QCBatch groups the responses collected for one survey on one day. The
// sampled subset is reviewed manually; the decision engine extrapolates the
// sample's approval rate to the remainder.
type QCBatch struct {
	ID        string      `json:"id"`
	SurveyID  string      `json:"survey_id"`
	BatchDate string      `json:"batch_date"` // YYYY-MM-DD
	Status    BatchStatus `json:"status"`

	TotalResponses int `json:"total_responses"`
	SampleSize     int `json:"sample_size"`

	ApprovedCount int `json:"approved_count"`
	RejectedCount int `json:"rejected_count"`
	PendingCount  int `json:"pending_count"`

	ApprovalRate float64  `json:"approval_rate"`
	Decision     QCAction `json:"decision,omitempty"`

	// ConfigSnapshot is the QCBatchConfig frozen at sampling time.
	ConfigSnapshot QCBatchConfig `json:"config_snapshot"`

	SampledAt *time.Time `json:"sampled_at,omitempty"`
	DecidedAt *time.Time `json:"decided_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// SampleResolved reports whether every sampled member has reached a terminal
// review outcome. The decision may only fire once this is true.
func (b *QCBatch) SampleResolved() bool {
	return b.PendingCount == 0 && b.ApprovedCount+b.RejectedCount > 0
}

// Rate computes the sample approval rate as a percentage.
func (b *QCBatch) Rate() float64 {
	reviewed := b.ApprovedCount + b.RejectedCount
	if reviewed == 0 {
		return 0
	}
	return float64(b.ApprovedCount) / float64(reviewed) * 100
}

func (b *QCBatch) String() string {
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Sprintf(`{"error":"failed to marshal batch: %v"}`, err)
	}
	return string(data)
}

// BatchProgress tracks the progress of a chunked remainder update.
type BatchProgress struct {
	TotalChunks     int       `json:"total_chunks"`
	ProcessedChunks int       `json:"processed_chunks"`
	TotalItems      int       `json:"total_items"`
	ProcessedItems  int       `json:"processed_items"`
	StartTime       time.Time `json:"start_time"`
	LastUpdateTime  time.Time `json:"last_update_time"`
	Errors          []error   `json:"errors,omitempty"`
}
