package config

import "time"

// SyncConfig holds the field-device reconciler configuration
type SyncConfig struct {
	// ScanInterval is how often the reconciler wakes up on its own; a
	// connectivity-change kick can wake it earlier.
	ScanInterval time.Duration

	// MaxDataRetries and MaxMediaRetries bound the independent retry
	// counters before a record is parked as failed_permanently.
	MaxDataRetries  int
	MaxMediaRetries int

	// DataBackoff and MediaBackoff are the base backoff per channel,
	// doubled on every failed attempt.
	DataBackoff  time.Duration
	MediaBackoff time.Duration

	// StuckThreshold demotes a record sitting in an in-flight stage for
	// longer than this back to failed on the next scan.
	StuckThreshold time.Duration

	// RequestTimeout bounds each individual server call.
	RequestTimeout time.Duration
}

// DefaultSyncConfig returns the default reconciler configuration
func DefaultSyncConfig() *SyncConfig {
	return &SyncConfig{
		ScanInterval:    30 * time.Second,
		MaxDataRetries:  8,
		MaxMediaRetries: 12,
		DataBackoff:     5 * time.Second,
		MediaBackoff:    15 * time.Second,
		StuckThreshold:  5 * time.Minute,
		RequestTimeout:  2 * time.Minute,
	}
}
