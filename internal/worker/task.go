package worker

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"meterlink/internal/device"
	"meterlink/internal/queue"

	"github.com/google/uuid"
)

// Config contains scheduler configuration
type Config struct {
	Concurrency    int
	AutoRetry      bool
	MaxRetries     int
	RetryBackoffMs int
	Timeout        time.Duration
}

// Receipt is what the server reports for one stored file
type Receipt struct {
	FileID         string
	OriginalSize   int64
	CompressedSize int64
}

// Transferer moves one file to the server. onSent receives the running total
// of file bytes written.
type Transferer interface {
	Transfer(ctx context.Context, id device.Identity, item queue.Item, onSent func(int64)) (Receipt, error)
}

// StatusWriter records item status transitions
type StatusWriter interface {
	SetStatus(id queue.ItemID, status queue.Status) error
}

// StatusReader reads item statuses for tallying
type StatusReader interface {
	Status(id queue.ItemID) (queue.Status, bool)
}

// Observer receives task progress and results. Calls for one item arrive in
// order, progress first and exactly one result last.
type Observer interface {
	OnProgress(id queue.ItemID, percent int)
	OnResult(res Result)
}

// Result is the outcome of one task
type Result struct {
	BatchID          string
	ItemID           queue.ItemID
	Name             string
	Category         queue.Category
	Success          bool
	Message          string
	Err              error
	FileID           string
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	Attempts         int
	Duration         time.Duration
}

// task is one item bound to its batch
type task struct {
	item     queue.Item
	identity device.Identity
	batch    *Batch
	stop     <-chan struct{}
}

// CompressionRatio returns the space saved in percent. It is 0 when original is 0.
func CompressionRatio(original, compressed int64) float64 {
	if original <= 0 {
		return 0
	}
	return float64(original-compressed) / float64(original) * 100
}

func successMessage(cat queue.Category, r Receipt) string {
	msg := fmt.Sprintf("uploaded, file id: %s", r.FileID)

	ratio := CompressionRatio(r.OriginalSize, r.CompressedSize)
	if cat == queue.CategoryImage && ratio > 0 {
		msg += fmt.Sprintf("\noriginal size: %.2fMB\ncompressed: %.2fMB\ncompression: %.1f%%",
			float64(r.OriginalSize)/(1024*1024),
			float64(r.CompressedSize)/(1024*1024),
			ratio,
		)
	}
	return msg
}

// Tally counts the terminal items of a batch
type Tally struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
}

// Batch groups the items of one Submit call
type Batch struct {
	ID  string
	ids []queue.ItemID

	mu        sync.Mutex
	cancelled map[queue.ItemID]bool
	reported  atomic.Bool
}

func newBatch(items []queue.Item) *Batch {
	ids := make([]queue.ItemID, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return &Batch{
		ID:        uuid.NewString(),
		ids:       ids,
		cancelled: make(map[queue.ItemID]bool),
	}
}

// Items returns the ids of the batch in submission order
func (b *Batch) Items() []queue.ItemID {
	out := make([]queue.ItemID, len(b.ids))
	copy(out, b.ids)
	return out
}

func (b *Batch) markCancelled(id queue.ItemID) {
	b.mu.Lock()
	b.cancelled[id] = true
	b.mu.Unlock()
}

// Tally scans the statuses of the batch's items. done is true once every item
// that was not cancelled is succeeded or failed. It has no side effects.
func (b *Batch) Tally(statuses StatusReader) (Tally, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := Tally{Total: len(b.ids)}
	done := true
	for _, id := range b.ids {
		if b.cancelled[id] {
			t.Cancelled++
			continue
		}
		st, ok := statuses.Status(id)
		switch {
		case !ok:
			// Removed from the queue mid-batch; nothing left to wait for.
			t.Cancelled++
		case st == queue.StatusSucceeded:
			t.Succeeded++
		case st == queue.StatusFailed:
			t.Failed++
		default:
			done = false
		}
	}
	return t, done
}

// MarkReported returns true exactly once, for the first caller
func (b *Batch) MarkReported() bool {
	return b.reported.CompareAndSwap(false, true)
}
