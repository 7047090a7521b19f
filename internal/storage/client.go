// Package storage uploads files to S3-compatible object storage.
package storage

import (
	"context"
	"io"
	"time"
)

// Client defines the object operations the uploader needs
type Client interface {
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) (ObjectInfo, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// ObjectInfo contains object metadata
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	VersionID    string
	LastModified time.Time
	ContentType  string
	Metadata     map[string]string
}

// PutOptions contains options for put operations
type PutOptions struct {
	ContentType string
	Metadata    map[string]string
	// Progress, if set, is read as the upload advances.
	Progress io.Reader
}

// Config contains client configuration
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Secure    bool
	Bucket    string
	Prefix    string
}
