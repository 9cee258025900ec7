package services

import (
	"fmt"
	"time"

	"github.com/Lllllllleong/documenttracker/internal/gcp"
)

// ReconcilerConfig tunes the apply loop, the dispatcher and the sweeper.
type ReconcilerConfig struct {
	// MaxConflictRetries bounds write attempts per event before it is handed back for redelivery.
	MaxConflictRetries int
	// OperationTimeout bounds each individual store call.
	OperationTimeout time.Duration
	// RecordRetention sets a record's expiry relative to its creation. Zero disables expiry.
	RecordRetention time.Duration
	// MaxOrphanDeliveries is the delivery attempt at which an orphan event is dead-lettered.
	MaxOrphanDeliveries int
	// MaxFailedDeliveries is the delivery attempt at which an event failing for any other
	// non-transient reason is dead-lettered.
	MaxFailedDeliveries int
	SweepBatchSize      int
	SweepConcurrency    int
}

// DefaultReconcilerConfig returns the configuration used when nothing is overridden.
func DefaultReconcilerConfig() ReconcilerConfig {
	return ReconcilerConfig{
		MaxConflictRetries:  5,
		OperationTimeout:    3 * time.Second,
		RecordRetention:     30 * 24 * time.Hour,
		MaxOrphanDeliveries: 10,
		MaxFailedDeliveries: 20,
		SweepBatchSize:      500,
		SweepConcurrency:    8,
	}
}

// Validate rejects settings the reconciler cannot run with.
func (c ReconcilerConfig) Validate() error {
	if c.MaxConflictRetries < 1 {
		return fmt.Errorf("max conflict retries must be at least 1")
	}
	if c.OperationTimeout <= 0 {
		return fmt.Errorf("operation timeout must be positive")
	}
	if c.RecordRetention < 0 {
		return fmt.Errorf("record retention must not be negative")
	}
	if c.MaxOrphanDeliveries < 1 || c.MaxFailedDeliveries < 1 {
		return fmt.Errorf("max orphan and failed deliveries must be at least 1")
	}
	if c.SweepBatchSize < 1 || c.SweepConcurrency < 1 {
		return fmt.Errorf("sweep batch size and concurrency must be at least 1")
	}
	return nil
}

// LoadReconcilerConfig reads overrides from the environment on top of the defaults.
func LoadReconcilerConfig() (ReconcilerConfig, error) {
	cfg := DefaultReconcilerConfig()
	var err error

	if cfg.MaxConflictRetries, err = gcp.GetEnvInt("RECONCILER_MAX_CONFLICT_RETRIES", cfg.MaxConflictRetries); err != nil {
		return cfg, err
	}
	if cfg.OperationTimeout, err = gcp.GetEnvDuration("STORE_OPERATION_TIMEOUT", cfg.OperationTimeout); err != nil {
		return cfg, err
	}
	if cfg.RecordRetention, err = gcp.GetEnvDuration("RECORD_RETENTION", cfg.RecordRetention); err != nil {
		return cfg, err
	}
	if cfg.MaxOrphanDeliveries, err = gcp.GetEnvInt("MAX_ORPHAN_DELIVERIES", cfg.MaxOrphanDeliveries); err != nil {
		return cfg, err
	}
	if cfg.MaxFailedDeliveries, err = gcp.GetEnvInt("MAX_FAILED_DELIVERIES", cfg.MaxFailedDeliveries); err != nil {
		return cfg, err
	}
	if cfg.SweepBatchSize, err = gcp.GetEnvInt("SWEEP_BATCH_SIZE", cfg.SweepBatchSize); err != nil {
		return cfg, err
	}
	if cfg.SweepConcurrency, err = gcp.GetEnvInt("SWEEP_CONCURRENCY", cfg.SweepConcurrency); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
