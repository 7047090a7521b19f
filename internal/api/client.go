// Package api talks to the device management server over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"meterlink/internal/device"
	"meterlink/internal/queue"
	"meterlink/internal/worker"

	"go.uber.org/zap"
)

// Endpoint paths on the management server.
const (
	PathRegister     = "/api/device/register"
	PathAuthenticate = "/api/device/authenticate"
	PathHeartbeat    = "/api/polling/heartbeat"
	PathOffline      = "/api/device/offline"
	PathSetStatus    = "/api/device/set-status"
	PathUpload       = "/api/upload/file"
)

// StatusError is returned when the server answers with a non-2xx status
type StatusError struct {
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("server returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("server returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Detail)
}

// Temporary reports whether the request may succeed if repeated
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
}

// Reply is the common JSON envelope of server responses
type Reply struct {
	Message string `json:"message"`
	Detail  string `json:"detail"`
	Status  string `json:"status"`
}

// UploadReply is the server's answer to a file upload
type UploadReply struct {
	Reply
	FileID         string `json:"file_id"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
}

// Client is an HTTP client for the management server
type Client struct {
	baseURL string
	timeout time.Duration
	http    *http.Client
	logger  *zap.Logger
}

// NewClient creates a client for baseURL. timeout bounds every plain request;
// uploads are bounded by the caller's context instead.
func NewClient(baseURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: timeout,
		http:    &http.Client{},
		logger:  logger.With(zap.String("component", "api")),
	}
}

// BaseURL returns the server address without a trailing slash
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Register announces a new device to the server
func (c *Client) Register(ctx context.Context, id device.Identity, name, ip string) (Reply, error) {
	form := credentials(id)
	form.Set("device_name", name)
	form.Set("device_ip", ip)

	var reply Reply
	err := c.postForm(ctx, PathRegister, form, c.timeout, &reply)
	if err != nil {
		return reply, fmt.Errorf("device registration failed: %w", err)
	}
	// The server reports rejected registrations with a detail and no message.
	if reply.Message == "" {
		return reply, fmt.Errorf("device registration failed: %s", reply.Detail)
	}
	return reply, nil
}

// Authenticate verifies the device credentials before connecting
func (c *Client) Authenticate(ctx context.Context, id device.Identity, ip string) (Reply, error) {
	form := credentials(id)
	form.Set("device_ip", ip)

	var reply Reply
	if err := c.postForm(ctx, PathAuthenticate, form, c.timeout, &reply); err != nil {
		return reply, fmt.Errorf("device authentication failed: %w", err)
	}
	return reply, nil
}

// Heartbeat sends one liveness request bounded by timeout
func (c *Client) Heartbeat(ctx context.Context, id device.Identity, timeout time.Duration) error {
	return c.postForm(ctx, PathHeartbeat, credentials(id), timeout, nil)
}

// SetOffline tells the server the device is going away
func (c *Client) SetOffline(ctx context.Context, id device.Identity, timeout time.Duration) error {
	if err := c.postForm(ctx, PathOffline, credentials(id), timeout, nil); err != nil {
		return fmt.Errorf("failed to set device offline: %w", err)
	}
	return nil
}

// SetStatus sets an arbitrary device status string
func (c *Client) SetStatus(ctx context.Context, id device.Identity, status string) (Reply, error) {
	form := credentials(id)
	form.Set("status", status)

	var reply Reply
	if err := c.postForm(ctx, PathSetStatus, form, c.timeout, &reply); err != nil {
		return reply, fmt.Errorf("failed to set device status: %w", err)
	}
	return reply, nil
}

// UploadFile streams the file at path as a multipart form. onSent, if set,
// receives the number of file bytes written after each chunk.
func (c *Client) UploadFile(ctx context.Context, id device.Identity, path, description string, onSent func(int64)) (UploadReply, error) {
	var reply UploadReply

	f, err := os.Open(path)
	if err != nil {
		return reply, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		pw.CloseWithError(writeUploadForm(mw, id, f, description, onSent))
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+PathUpload, pr)
	if err != nil {
		pr.Close()
		return reply, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.http.Do(req)
	if err != nil {
		pr.Close()
		return reply, fmt.Errorf("file upload failed: %w", err)
	}
	defer resp.Body.Close()

	if err := decodeResponse(resp, &reply); err != nil {
		return reply, fmt.Errorf("file upload failed: %w", err)
	}
	return reply, nil
}

// Transfer uploads a queued item and reports the server's receipt
func (c *Client) Transfer(ctx context.Context, id device.Identity, item queue.Item, onSent func(int64)) (worker.Receipt, error) {
	reply, err := c.UploadFile(ctx, id, item.Path, item.Description, onSent)
	if err != nil {
		return worker.Receipt{}, err
	}

	c.logger.Debug("File uploaded",
		zap.String("file", item.Name),
		zap.String("file_id", reply.FileID),
		zap.Int64("original_size", reply.OriginalSize),
		zap.Int64("compressed_size", reply.CompressedSize),
	)

	return worker.Receipt{
		FileID:         reply.FileID,
		OriginalSize:   reply.OriginalSize,
		CompressedSize: reply.CompressedSize,
	}, nil
}

func writeUploadForm(mw *multipart.Writer, id device.Identity, f *os.File, description string, onSent func(int64)) error {
	fields := [][2]string{
		{"device_id", id.DeviceID},
		{"hardware_key", id.HardwareKey},
		{"description", description},
	}
	for _, kv := range fields {
		if err := mw.WriteField(kv[0], kv[1]); err != nil {
			return err
		}
	}

	part, err := mw.CreateFormFile("file", filepath.Base(f.Name()))
	if err != nil {
		return err
	}

	var src io.Reader = f
	if onSent != nil {
		src = &countingReader{r: f, onRead: onSent}
	}
	if _, err := io.Copy(part, src); err != nil {
		return err
	}
	return mw.Close()
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, timeout time.Duration, out interface{}) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out interface{}) error {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Detail: detailOf(body)}
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func detailOf(body []byte) string {
	var r Reply
	if err := json.Unmarshal(body, &r); err == nil {
		if r.Detail != "" {
			return r.Detail
		}
		if r.Message != "" {
			return r.Message
		}
	}
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func credentials(id device.Identity) url.Values {
	return url.Values{
		"device_id":    {id.DeviceID},
		"hardware_key": {id.HardwareKey},
	}
}

// IsStatus reports whether err carries an HTTP status code equal to code
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == code
}

type countingReader struct {
	r      io.Reader
	sent   int64
	onRead func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.sent += int64(n)
		c.onRead(c.sent)
	}
	return n, err
}
