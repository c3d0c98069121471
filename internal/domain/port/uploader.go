package port

import "context"

// FileUploader moves large payloads to the remote Files API ahead of a
// generation call. EnsureUploaded is idempotent per cache key within a run.
type FileUploader interface {
	// EnsureUploaded returns the remote file URI for path, uploading it if
	// this run has not done so already under cacheKey.
	EnsureUploaded(ctx context.Context, cacheKey, path, mimeType string) (string, error)

	// CleanupAll deletes every file this run uploaded. Best effort.
	CleanupAll(ctx context.Context)
}
