package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"meterlink/internal/device"
	"meterlink/internal/queue"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCleanEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"localhost:9000", "localhost:9000", false},
		{"http://localhost:9000", "localhost:9000", false},
		{"https://s3.example.com/", "s3.example.com", false},
		{"https://s3.example.com/bucket", "", true},
		{"s3.example.com/bucket", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := cleanEndpoint(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

type fakeClient struct {
	bucket string
	key    string
	body   []byte
	opts   PutOptions
	putErr error
	exists bool
}

func (f *fakeClient) PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts PutOptions) (ObjectInfo, error) {
	if f.putErr != nil {
		return ObjectInfo{}, f.putErr
	}
	f.bucket, f.key, f.opts = bucket, key, opts

	body, err := io.ReadAll(reader)
	if err != nil {
		return ObjectInfo{}, err
	}
	f.body = body

	// minio reports progress in chunks as parts complete.
	if opts.Progress != nil {
		half := len(body) / 2
		_, _ = opts.Progress.Read(make([]byte, half))
		_, _ = opts.Progress.Read(make([]byte, len(body)-half))
	}
	return ObjectInfo{Key: key, Size: int64(len(body)), ETag: "etag"}, nil
}

func (f *fakeClient) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return f.exists, nil
}

func TestUploader_Transfer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "panel.jpg")
	require.NoError(t, os.WriteFile(path, []byte("0123456789"), 0o644))

	fc := &fakeClient{}
	u := NewUploader(fc, Config{Bucket: "meters", Prefix: "/field/"}, zap.NewNop())

	id := device.Identity{DeviceID: "meter-01", HardwareKey: "k"}
	item := queue.Item{Path: path, Name: "panel.jpg", Category: queue.CategoryImage, Description: "image data_1 a/b"}

	var sent []int64
	receipt, err := u.Transfer(context.Background(), id, item, func(n int64) { sent = append(sent, n) })
	require.NoError(t, err)

	assert.Equal(t, "meters", fc.bucket)
	assert.Equal(t, "field/meter-01/image/panel.jpg", fc.key)
	assert.Equal(t, "0123456789", string(fc.body))
	assert.Equal(t, "image/jpeg", fc.opts.ContentType)
	assert.Equal(t, "meter-01", fc.opts.Metadata["device-id"])
	assert.Equal(t, "image+data_1+a%2Fb", fc.opts.Metadata["description"])

	assert.Equal(t, "meters/field/meter-01/image/panel.jpg", receipt.FileID)
	assert.EqualValues(t, 10, receipt.OriginalSize)
	assert.EqualValues(t, 10, receipt.CompressedSize)
	assert.Equal(t, []int64{5, 10}, sent)
}

func TestUploader_PutError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "r.xlsx")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	fc := &fakeClient{putErr: errors.New("503 Service Unavailable")}
	u := NewUploader(fc, Config{Bucket: "meters"}, zap.NewNop())

	_, err := u.Transfer(context.Background(), device.Identity{DeviceID: "d", HardwareKey: "k"},
		queue.Item{Path: path, Name: "r.xlsx", Category: queue.CategoryTabular}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "d/tabular/r.xlsx")
	assert.Contains(t, err.Error(), "503")
}

func TestUploader_Check(t *testing.T) {
	u := NewUploader(&fakeClient{exists: false}, Config{Bucket: "missing"}, zap.NewNop())
	assert.Error(t, u.Check(context.Background()))

	u = NewUploader(&fakeClient{exists: true}, Config{Bucket: "meters"}, zap.NewNop())
	assert.NoError(t, u.Check(context.Background()))
}
