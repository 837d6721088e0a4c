package types

import "time"

// HealthStatus represents the health of a long-running subsystem
type HealthStatus struct {
	Status            string        `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
	BatchesProcessed  int64         `json:"batches_processed"`
	BatchesInProgress int           `json:"batches_in_progress"`
	AverageBatchTime  time.Duration `json:"average_batch_time"`
	LastError         string        `json:"last_error,omitempty"`
}
