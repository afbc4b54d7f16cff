package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/opine-hq/fieldsync/internal/models"
)

// QCConfig holds review-queue and batch-decision configuration
type QCConfig struct {
	// LeaseDuration is the fixed length of a reviewer's exclusive claim.
	LeaseDuration time.Duration

	// IdempotencyTTL bounds the token->durable-id cache. The cache is an
	// optimization; the fingerprint check remains authoritative if it is
	// lost.
	IdempotencyTTL time.Duration

	// StatsTTL bounds staleness of advisory queue statistics.
	StatsTTL time.Duration

	// Batch is the decision configuration snapshotted onto each batch at
	// sampling time.
	Batch models.QCBatchConfig

	// ChunkConfig drives the chunked remainder updates.
	Chunk ChunkConfig
}

// ChunkConfig holds chunked-update configuration for remainder processing
type ChunkConfig struct {
	Size       int
	Workers    int
	MaxRetries int
	ChunkDelay time.Duration
}

// DefaultQCConfig returns the default QC configuration
func DefaultQCConfig() *QCConfig {
	return &QCConfig{
		LeaseDuration:  30 * time.Minute,
		IdempotencyTTL: 48 * time.Hour,
		StatsTTL:       time.Minute,
		Batch: models.QCBatchConfig{
			SamplePercent: 20,
			Rules: []models.QCRule{
				{MinRate: 0, MaxRate: 50, Action: models.ActionSendToQC},
				{MinRate: 50, MaxRate: 100, Action: models.ActionAutoApprove},
			},
		},
		Chunk: ChunkConfig{
			Size:       500,
			Workers:    3,
			MaxRetries: 3,
			ChunkDelay: time.Second,
		},
	}
}

func loadQCConfig() (*QCConfig, error) {
	cfg := DefaultQCConfig()

	if v := os.Getenv("QC_LEASE_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid QC_LEASE_MINUTES: %w", err)
		}
		cfg.LeaseDuration = time.Duration(minutes) * time.Minute
	}

	if v := os.Getenv("QC_SAMPLE_PERCENT"); v != "" {
		pct, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid QC_SAMPLE_PERCENT: %w", err)
		}
		if pct <= 0 || pct > 100 {
			return nil, fmt.Errorf("QC_SAMPLE_PERCENT must be in (0,100], got %v", pct)
		}
		cfg.Batch.SamplePercent = pct
	}

	// QC_RULES is a JSON rule list, scanned first-match-wins, e.g.
	// [{"min_rate":0,"max_rate":50,"action":"send_to_qc"}].
	if v := os.Getenv("QC_RULES"); v != "" {
		var rules []models.QCRule
		if err := json.Unmarshal([]byte(v), &rules); err != nil {
			return nil, fmt.Errorf("invalid QC_RULES: %w", err)
		}
		cfg.Batch.Rules = rules
	}

	return cfg, nil
}
