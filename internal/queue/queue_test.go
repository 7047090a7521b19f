package queue

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name string, size int) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestClassify(t *testing.T) {
	tests := []struct {
		path string
		want Category
		err  bool
	}{
		{"readings.xlsx", CategoryTabular, false},
		{"READINGS.XLS", CategoryTabular, false},
		{"photo.jpg", CategoryImage, false},
		{"photo.JPEG", CategoryImage, false},
		{"scan.png", CategoryImage, false},
		{"scan.bmp", CategoryImage, false},
		{"notes.txt", "", true},
		{"noext", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, err := Classify(tt.path)
			if tt.err {
				assert.ErrorIs(t, err, ErrUnsupported)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewItem(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "phase.xlsx", 128)

	item, err := NewItem(path, "tabular data")
	require.NoError(t, err)

	assert.Equal(t, ItemID(filepath.Clean(path)), item.ID)
	assert.Equal(t, "phase.xlsx", item.Name)
	assert.Equal(t, CategoryTabular, item.Category)
	assert.EqualValues(t, 128, item.Size)
	assert.Equal(t, StatusPending, item.Status)
	assert.True(t, item.Selected)

	_, err = NewItem(filepath.Join(dir, "missing.png"), "")
	assert.Error(t, err)

	_, err = NewItem(writeFile(t, dir, "a.csv", 1), "")
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestQueue_AddRejectsDuplicates(t *testing.T) {
	dir := t.TempDir()
	item, err := NewItem(writeFile(t, dir, "a.png", 10), "")
	require.NoError(t, err)

	q := New()
	require.NoError(t, q.Add(item))
	assert.ErrorIs(t, q.Add(item), ErrDuplicate)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_OrderRemoveClear(t *testing.T) {
	dir := t.TempDir()
	q := New()
	var ids []ItemID
	for _, name := range []string{"a.png", "b.xlsx", "c.jpg"} {
		it, err := NewItem(writeFile(t, dir, name, 1), "")
		require.NoError(t, err)
		require.NoError(t, q.Add(it))
		ids = append(ids, it.ID)
	}

	items := q.Items()
	require.Len(t, items, 3)
	assert.Equal(t, "a.png", items[0].Name)
	assert.Equal(t, "c.jpg", items[2].Name)

	assert.Equal(t, 1, q.Remove(ids[1], "unknown"))
	items = q.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "c.jpg", items[1].Name)

	// In-flight items survive removal and clearing.
	require.NoError(t, q.SetStatus(ids[0], StatusInFlight))
	assert.Equal(t, 0, q.Remove(ids[0]))
	q.Clear()
	items = q.Items()
	require.Len(t, items, 1)
	assert.Equal(t, ids[0], items[0].ID)
}

func TestQueue_Selection(t *testing.T) {
	dir := t.TempDir()
	q := New()
	var ids []ItemID
	for _, name := range []string{"a.png", "b.png", "c.png"} {
		it, err := NewItem(writeFile(t, dir, name, 1), "")
		require.NoError(t, err)
		require.NoError(t, q.Add(it))
		ids = append(ids, it.ID)
	}

	require.NoError(t, q.SetStatus(ids[0], StatusSucceeded))
	require.NoError(t, q.SetStatus(ids[1], StatusInFlight))

	it, _ := q.Get(ids[0])
	assert.False(t, it.Selected, "success deselects")

	assert.ErrorIs(t, q.SetSelected(ids[1], false), ErrInFlight)
	assert.ErrorIs(t, q.SetSelected("nope", true), ErrNotFound)

	// Succeeded items stay out of automatic selection.
	q.SelectAll(true)
	sel := q.Selected()
	require.Len(t, sel, 1)
	assert.Equal(t, ids[2], sel[0].ID)

	// An operator may still pick an uploaded item explicitly, but it is not eligible.
	require.NoError(t, q.SetSelected(ids[0], true))
	assert.Len(t, q.Selected(), 1)

	assert.Equal(t, 1, q.SelectAll(false))
	assert.Empty(t, q.Selected())
}

func TestQueue_ResetFailed(t *testing.T) {
	dir := t.TempDir()
	q := New()
	it, err := NewItem(writeFile(t, dir, "a.bmp", 1), "")
	require.NoError(t, err)
	require.NoError(t, q.Add(it))

	assert.Error(t, q.ResetFailed(it.ID))

	require.NoError(t, q.SetStatus(it.ID, StatusFailed))
	require.NoError(t, q.SetSelected(it.ID, false))
	require.NoError(t, q.ResetFailed(it.ID))

	got, _ := q.Get(it.ID)
	assert.Equal(t, StatusPending, got.Status)
	assert.True(t, got.Selected)
}

func TestQueue_Counts(t *testing.T) {
	dir := t.TempDir()
	q := New()
	for _, name := range []string{"a.png", "b.xlsx", "c.xls", "d.jpg"} {
		it, err := NewItem(writeFile(t, dir, name, 1), "")
		require.NoError(t, err)
		require.NoError(t, q.Add(it))
	}

	c := q.Counts()
	assert.Equal(t, 2, c.Tabular)
	assert.Equal(t, 2, c.Image)
	assert.Equal(t, 4, c.Total())
}
