// Package queue holds the operator-editable list of files waiting to upload.
package queue

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnsupported = errors.New("unsupported file type")
	ErrDuplicate   = errors.New("file already queued")
	ErrNotFound    = errors.New("item not found")
	ErrInFlight    = errors.New("item is uploading")
)

// Category is the kind of data a file carries
type Category string

const (
	CategoryTabular Category = "tabular"
	CategoryImage   Category = "image"
)

// Status is the upload state of an item
type Status string

const (
	StatusPending   Status = "pending"
	StatusInFlight  Status = "in_flight"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition happens without operator action
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

var extensions = map[string]Category{
	".xlsx": CategoryTabular,
	".xls":  CategoryTabular,
	".jpg":  CategoryImage,
	".jpeg": CategoryImage,
	".png":  CategoryImage,
	".bmp":  CategoryImage,
}

// ItemID identifies an item. It is the cleaned absolute path of the file.
type ItemID string

// Item is one file in the queue
type Item struct {
	ID          ItemID
	Path        string
	Name        string
	Category    Category
	Description string
	Size        int64
	Status      Status
	Selected    bool
	AddedAt     time.Time
}

// Counts holds per-category item counts
type Counts struct {
	Tabular int
	Image   int
}

// Total returns the number of items across categories
func (c Counts) Total() int {
	return c.Tabular + c.Image
}

// Classify maps a file path to its category by extension
func Classify(path string) (Category, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if cat, ok := extensions[ext]; ok {
		return cat, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupported, filepath.Base(path))
}

// NewItem builds a pending, selected item for the file at path
func NewItem(path, description string) (Item, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Item{}, fmt.Errorf("failed to resolve path: %w", err)
	}
	abs = filepath.Clean(abs)

	cat, err := Classify(abs)
	if err != nil {
		return Item{}, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		return Item{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if info.IsDir() {
		return Item{}, fmt.Errorf("%q is a directory", abs)
	}

	return Item{
		ID:          ItemID(abs),
		Path:        abs,
		Name:        filepath.Base(abs),
		Category:    cat,
		Description: description,
		Size:        info.Size(),
		Status:      StatusPending,
		Selected:    true,
		AddedAt:     time.Now(),
	}, nil
}

// Queue is a concurrency-safe ordered set of items
type Queue struct {
	mu    sync.RWMutex
	order []ItemID
	items map[ItemID]*Item
}

// New creates an empty queue
func New() *Queue {
	return &Queue{items: make(map[ItemID]*Item)}
}

// Add appends item. A file can be queued only once.
func (q *Queue) Add(item Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[item.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, item.Name)
	}
	if item.Status == "" {
		item.Status = StatusPending
	}

	it := item
	q.items[item.ID] = &it
	q.order = append(q.order, item.ID)
	return nil
}

// Remove deletes the given items and returns how many were removed.
// In-flight items are left in place.
func (q *Queue) Remove(ids ...ItemID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for _, id := range ids {
		it, ok := q.items[id]
		if !ok || it.Status == StatusInFlight {
			continue
		}
		delete(q.items, id)
		removed++
	}
	if removed > 0 {
		q.compactLocked()
	}
	return removed
}

// Clear removes every item that is not in flight
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for id, it := range q.items {
		if it.Status != StatusInFlight {
			delete(q.items, id)
		}
	}
	q.compactLocked()
}

func (q *Queue) compactLocked() {
	kept := q.order[:0]
	for _, id := range q.order {
		if _, ok := q.items[id]; ok {
			kept = append(kept, id)
		}
	}
	q.order = kept
}

// Get returns a copy of the item
func (q *Queue) Get(id ItemID) (Item, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	it, ok := q.items[id]
	if !ok {
		return Item{}, false
	}
	return *it, true
}

// Items returns copies of all items in insertion order
func (q *Queue) Items() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]Item, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.items[id])
	}
	return out
}

// Len returns the number of queued items
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.order)
}

// SetSelected toggles the operator selection of one item
func (q *Queue) SetSelected(id ItemID, selected bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status == StatusInFlight {
		return ErrInFlight
	}
	it.Selected = selected
	return nil
}

// SelectAll sets the selection of every item that is neither in flight nor
// already uploaded. It returns the number of items changed.
func (q *Queue) SelectAll(selected bool) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, it := range q.items {
		if it.Status == StatusInFlight || it.Status == StatusSucceeded {
			continue
		}
		if it.Selected != selected {
			it.Selected = selected
			n++
		}
	}
	return n
}

// Selected returns the items eligible for the next upload, in insertion order
func (q *Queue) Selected() []Item {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []Item
	for _, id := range q.order {
		it := q.items[id]
		if it.Selected && it.Status != StatusInFlight && it.Status != StatusSucceeded {
			out = append(out, *it)
		}
	}
	return out
}

// SetStatus records an upload transition. A succeeded item is deselected.
func (q *Queue) SetStatus(id ItemID, status Status) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	it.Status = status
	if status == StatusSucceeded {
		it.Selected = false
	}
	return nil
}

// Status returns the current status of an item
func (q *Queue) Status(id ItemID) (Status, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	it, ok := q.items[id]
	if !ok {
		return "", false
	}
	return it.Status, true
}

// ResetFailed puts a failed item back to pending so it can be uploaded again
func (q *Queue) ResetFailed(id ItemID) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.items[id]
	if !ok {
		return ErrNotFound
	}
	if it.Status != StatusFailed {
		return fmt.Errorf("item %s is %s, not failed", it.Name, it.Status)
	}
	it.Status = StatusPending
	it.Selected = true
	return nil
}

// Counts returns the number of items per category
func (q *Queue) Counts() Counts {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var c Counts
	for _, it := range q.items {
		switch it.Category {
		case CategoryTabular:
			c.Tabular++
		case CategoryImage:
			c.Image++
		}
	}
	return c
}
