package app

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"meterlink/internal/config"
	"meterlink/internal/queue"

	"go.uber.org/zap"
)

// FileLister expands operator-supplied paths into queue items
type FileLister struct {
	upload config.UploadConfig
	now    func() time.Time
	logger *zap.Logger
}

// List turns paths into items. Directories are walked recursively and files
// with unsupported extensions inside them are skipped; an unsupported file
// named directly is an error. Errors are collected and returned alongside
// whatever could be listed.
func (l *FileLister) List(paths []string) ([]queue.Item, error) {
	var (
		items []queue.Item
		errs  []error
	)

	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return nil
			}

			explicit := path == p
			if _, err := queue.Classify(path); err != nil {
				if explicit {
					return err
				}
				l.logger.Debug("Skipping unsupported file", zap.String("path", path))
				return nil
			}

			item, err := l.item(path)
			if err != nil {
				if explicit {
					return err
				}
				errs = append(errs, err)
				return nil
			}
			items = append(items, item)
			return nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
		}
	}

	l.logger.Debug("Finished listing files",
		zap.Int("paths", len(paths)),
		zap.Int("files", len(items)),
	)

	return items, errors.Join(errs...)
}

func (l *FileLister) item(path string) (queue.Item, error) {
	item, err := queue.NewItem(path, "")
	if err != nil {
		return queue.Item{}, err
	}
	item.Description = l.describe(item)
	return item, nil
}

func (l *FileLister) describe(item queue.Item) string {
	format := l.upload.TabularDescription
	if item.Category == queue.CategoryImage {
		format = l.upload.ImageDescription
	}
	return config.Describe(format, item.Name, l.now())
}

// CountBytes returns the number of items and their total size
func CountBytes(items []queue.Item) (int64, int64) {
	var total int64
	for _, it := range items {
		total += it.Size
	}
	return int64(len(items)), total
}
