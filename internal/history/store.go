// Package history keeps a local ledger of upload results.
package history

import (
	"time"

	"meterlink/internal/worker"
)

// Status is the recorded outcome of one upload
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Record is one finished upload
type Record struct {
	ID             int64         `json:"id"`
	BatchID        string        `json:"batch_id"`
	DeviceID       string        `json:"device_id"`
	Path           string        `json:"path"`
	Name           string        `json:"name"`
	Category       string        `json:"category"`
	Status         Status        `json:"status"`
	Message        string        `json:"message,omitempty"`
	FileID         string        `json:"file_id,omitempty"`
	OriginalSize   int64         `json:"original_size"`
	CompressedSize int64         `json:"compressed_size"`
	Attempts       int           `json:"attempts"`
	Duration       time.Duration `json:"duration"`
	CreatedAt      time.Time     `json:"created_at"`
}

// FromResult converts a scheduler result into a record
func FromResult(deviceID string, res worker.Result) *Record {
	status := StatusFailed
	if res.Success {
		status = StatusSucceeded
	}
	return &Record{
		BatchID:        res.BatchID,
		DeviceID:       deviceID,
		Path:           string(res.ItemID),
		Name:           res.Name,
		Category:       string(res.Category),
		Status:         status,
		Message:        res.Message,
		FileID:         res.FileID,
		OriginalSize:   res.OriginalSize,
		CompressedSize: res.CompressedSize,
		Attempts:       res.Attempts,
		Duration:       res.Duration,
	}
}

// Store defines the interface for history persistence
type Store interface {
	Save(record *Record) error
	Recent(limit int) ([]*Record, error)
	ListByStatus(status Status, limit int) ([]*Record, error)
	ListBatch(batchID string) ([]*Record, error)

	// Cleanup
	Close() error
}
