package storage

import (
	"context"
	"fmt"
	"mime"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"meterlink/internal/device"
	"meterlink/internal/queue"
	"meterlink/internal/worker"

	"go.uber.org/zap"
)

// Uploader stores queued files as objects. It satisfies worker.Transferer.
type Uploader struct {
	client Client
	bucket string
	prefix string
	logger *zap.Logger
}

// NewUploader creates an uploader writing into cfg.Bucket under cfg.Prefix
func NewUploader(client Client, cfg Config, logger *zap.Logger) *Uploader {
	return &Uploader{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger.With(zap.String("component", "object-store"), zap.String("bucket", cfg.Bucket)),
	}
}

// Check verifies the bucket exists
func (u *Uploader) Check(ctx context.Context) error {
	ok, err := u.client.BucketExists(ctx, u.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if !ok {
		return fmt.Errorf("bucket %q does not exist", u.bucket)
	}
	return nil
}

// ObjectKey returns the key an item is stored under
func (u *Uploader) ObjectKey(id device.Identity, item queue.Item) string {
	return path.Join(u.prefix, id.DeviceID, string(item.Category), item.Name)
}

// Transfer uploads the item's file. Object storage does not recompress, so
// the compressed size is the stored object size.
func (u *Uploader) Transfer(ctx context.Context, id device.Identity, item queue.Item, onSent func(int64)) (worker.Receipt, error) {
	f, err := os.Open(item.Path)
	if err != nil {
		return worker.Receipt{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return worker.Receipt{}, fmt.Errorf("failed to stat file: %w", err)
	}

	contentType := mime.TypeByExtension(strings.ToLower(filepath.Ext(item.Name)))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	opts := PutOptions{
		ContentType: contentType,
		Metadata: map[string]string{
			"device-id":   id.DeviceID,
			"category":    string(item.Category),
			"description": url.QueryEscape(item.Description),
		},
	}
	if onSent != nil {
		opts.Progress = &progressCounter{onSent: onSent}
	}

	key := u.ObjectKey(id, item)
	info, err := u.client.PutObject(ctx, u.bucket, key, f, st.Size(), opts)
	if err != nil {
		return worker.Receipt{}, fmt.Errorf("failed to put object %s: %w", key, err)
	}

	u.logger.Debug("Object stored",
		zap.String("key", key),
		zap.String("etag", info.ETag),
		zap.Int64("size", info.Size),
	)

	stored := info.Size
	if stored <= 0 {
		stored = st.Size()
	}
	return worker.Receipt{
		FileID:         u.bucket + "/" + key,
		OriginalSize:   st.Size(),
		CompressedSize: stored,
	}, nil
}

// progressCounter receives minio's progress reads; each read's length is the
// number of bytes just uploaded.
type progressCounter struct {
	total  int64
	onSent func(int64)
}

func (p *progressCounter) Read(b []byte) (int, error) {
	p.total += int64(len(b))
	p.onSent(p.total)
	return len(b), nil
}
