package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/scribeworks/scribe-processing-service/internal/quota"
	"github.com/scribeworks/scribe-processing-service/internal/retry"
)

var (
	ErrUploadNotActive  = errors.New("uploaded file did not become active")
	ErrMissingUploadURL = errors.New("upload start response missing upload URL")
)

const (
	fileStateActive     = "ACTIVE"
	fileStateProcessing = "PROCESSING"
	fileStateInternal   = "INTERNAL"
)

type UploaderConfig struct {
	BaseURL      string
	APIKey       string
	Retry        retry.Config
	PollInterval time.Duration
	PollTimeout  time.Duration
}

// Uploader drives the resumable file upload protocol: a start request that
// yields a session URL, a single upload-and-finalize request with the file
// bytes, then polling until the service reports the file ACTIVE. Uploads are
// cached per run by cache key so that a resumed chunk reuses its URI instead
// of re-sending bytes.
type Uploader struct {
	httpClient   *http.Client
	baseURL      string
	apiKey       string
	retryCfg     retry.Config
	pollInterval time.Duration
	pollTimeout  time.Duration
	quota        *quota.Monitor
	logger       *zap.Logger

	mu       sync.Mutex
	cache    map[string]string
	uploaded []string
}

func NewUploader(cfg UploaderConfig, quotaMonitor *quota.Monitor, logger *zap.Logger) *Uploader {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	pollTimeout := cfg.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = 10 * time.Minute
	}
	return &Uploader{
		httpClient:   &http.Client{Timeout: 30 * time.Minute},
		baseURL:      strings.TrimRight(baseURL, "/"),
		apiKey:       cfg.APIKey,
		retryCfg:     cfg.Retry,
		pollInterval: pollInterval,
		pollTimeout:  pollTimeout,
		quota:        quotaMonitor,
		logger:       logger,
		cache:        make(map[string]string),
	}
}

type fileResource struct {
	Name  string `json:"name"`
	URI   string `json:"uri"`
	State string `json:"state"`
}

type uploadResponse struct {
	File fileResource `json:"file"`
}

// EnsureUploaded returns the remote URI for path, uploading it first if this
// run has not seen cacheKey yet.
func (u *Uploader) EnsureUploaded(ctx context.Context, cacheKey, path, mimeType string) (string, error) {
	u.mu.Lock()
	if uri, ok := u.cache[cacheKey]; ok {
		u.mu.Unlock()
		u.logger.Debug("upload cache hit", zap.String("cache_key", cacheKey))
		return uri, nil
	}
	u.mu.Unlock()

	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat upload source: %w", err)
	}
	size := info.Size()

	guard, err := u.quota.TrackUpload(path, size)
	if err != nil {
		return "", err
	}
	defer guard.Close()

	sessionURL, err := u.startSession(ctx, filepath.Base(path), size, mimeType)
	if err != nil {
		return "", fmt.Errorf("start upload session: %w", err)
	}

	file, err := u.uploadAndFinalize(ctx, sessionURL, path, size)
	if err != nil {
		return "", fmt.Errorf("finalize upload: %w", err)
	}

	active, err := u.waitUntilActive(ctx, file)
	if err != nil {
		return "", err
	}

	u.mu.Lock()
	u.cache[cacheKey] = active.URI
	u.uploaded = append(u.uploaded, active.Name)
	u.mu.Unlock()

	u.logger.Info("uploaded media file",
		zap.String("cache_key", cacheKey),
		zap.String("name", active.Name),
		zap.Int64("size_bytes", size),
	)
	return active.URI, nil
}

func (u *Uploader) startSession(ctx context.Context, displayName string, size int64, mimeType string) (string, error) {
	body, err := json.Marshal(map[string]any{
		"file": map[string]any{"display_name": displayName},
	})
	if err != nil {
		return "", err
	}
	url := u.baseURL + "/upload/v1beta/files"

	return retry.Do(ctx, u.logger, u.retryCfg, "upload_start", func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("x-goog-api-key", u.apiKey)
		req.Header.Set("X-Goog-Upload-Protocol", "resumable")
		req.Header.Set("X-Goog-Upload-Command", "start")
		req.Header.Set("X-Goog-Upload-Header-Content-Length", strconv.FormatInt(size, 10))
		req.Header.Set("X-Goog-Upload-Header-Content-Type", mimeType)

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		payload, _ := io.ReadAll(resp.Body)
		if resp.StatusCode != http.StatusOK {
			return "", &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
		}

		sessionURL := resp.Header.Get("X-Goog-Upload-URL")
		if sessionURL == "" {
			return "", ErrMissingUploadURL
		}
		return sessionURL, nil
	})
}

func (u *Uploader) uploadAndFinalize(ctx context.Context, sessionURL, path string, size int64) (*fileResource, error) {
	return retry.Do(ctx, u.logger, u.retryCfg, "upload_finalize", func() (*fileResource, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, sessionURL, f)
		if err != nil {
			return nil, err
		}
		req.ContentLength = size
		req.Header.Set("X-Goog-Upload-Command", "upload, finalize")
		req.Header.Set("X-Goog-Upload-Offset", "0")

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
		}

		var parsed uploadResponse
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, fmt.Errorf("parse upload response: %w", err)
		}
		return &parsed.File, nil
	})
}

// waitUntilActive polls file metadata until the service finishes server-side
// processing. PROCESSING and INTERNAL are transitional; any other non-ACTIVE
// state is final and fatal, as is running out the poll timeout.
func (u *Uploader) waitUntilActive(ctx context.Context, file *fileResource) (*fileResource, error) {
	deadline := time.Now().Add(u.pollTimeout)
	current := file

	for current.State == fileStateProcessing || current.State == fileStateInternal {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: %s still %s after %s", ErrUploadNotActive, current.Name, current.State, u.pollTimeout)
		}
		timer := time.NewTimer(u.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		refreshed, err := u.getFile(ctx, current.Name)
		if err != nil {
			return nil, fmt.Errorf("poll file state: %w", err)
		}
		current = refreshed
	}

	if current.State != fileStateActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrUploadNotActive, current.Name, current.State)
	}
	return current, nil
}

func (u *Uploader) getFile(ctx context.Context, name string) (*fileResource, error) {
	url := fmt.Sprintf("%s/v1beta/%s", u.baseURL, name)

	return retry.Do(ctx, u.logger, u.retryCfg, "file_get", func() (*fileResource, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("x-goog-api-key", u.apiKey)

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusOK {
			return nil, &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(payload), 512)}
		}

		var parsed fileResource
		if err := json.Unmarshal(payload, &parsed); err != nil {
			return nil, fmt.Errorf("parse file resource: %w", err)
		}
		return &parsed, nil
	})
}

// CleanupAll deletes every file this uploader created. Failures are logged
// and skipped so one stubborn delete does not strand the rest.
func (u *Uploader) CleanupAll(ctx context.Context) {
	u.mu.Lock()
	names := make([]string, len(u.uploaded))
	copy(names, u.uploaded)
	u.uploaded = nil
	u.cache = make(map[string]string)
	u.mu.Unlock()

	for _, name := range names {
		if err := u.deleteFile(ctx, name); err != nil {
			u.logger.Warn("failed to delete uploaded file",
				zap.String("name", name),
				zap.Error(err),
			)
			continue
		}
		u.logger.Debug("deleted uploaded file", zap.String("name", name))
	}
}

func (u *Uploader) deleteFile(ctx context.Context, name string) error {
	url := fmt.Sprintf("%s/v1beta/%s", u.baseURL, name)

	_, err := retry.Do(ctx, u.logger, u.retryCfg, "file_delete", func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("x-goog-api-key", u.apiKey)

		resp, err := u.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
			return struct{}{}, &retry.StatusError{StatusCode: resp.StatusCode}
		}
		return struct{}{}, nil
	})
	return err
}
