// Package storage persists fetched artifacts behind a uniform adapter.
// Exactly one backend is active per deployment, selected by configuration;
// the download pipeline never sees which one.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/telesyncapp/telesync/internal/boot"
)

var (
	// ErrArtifactNotFound is returned when a storage path does not resolve.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrUnknownBackend is returned by the factory for an unrecognized
	// backend name.
	ErrUnknownBackend = errors.New("unknown storage backend")
)

// Artifact is the metadata record for one stored payload. Created together
// with the bytes on Put and immutable afterwards.
type Artifact struct {
	StoragePath string    `json:"storagePath"`
	UserID      string    `json:"userId"`
	ChannelID   string    `json:"channelId"`
	Filename    string    `json:"filename"`
	ByteSize    int64     `json:"byteSize"`
	ContentType string    `json:"contentType"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PutRequest carries one payload into storage.
type PutRequest struct {
	UserID      string
	ChannelID   string
	Filename    string
	ContentType string
	Body        io.Reader
}

// Adapter is the backend contract. Put is atomic from the caller's view:
// either the returned path resolves immediately via Get, or an error comes
// back and no artifact metadata is recorded.
type Adapter interface {
	Put(ctx context.Context, req PutRequest) (string, error)
	Get(ctx context.Context, storagePath string) (io.ReadCloser, Artifact, error)
	List(ctx context.Context, userID string) ([]Artifact, error)
	Delete(ctx context.Context, storagePath string) error
}

// New builds the backend selected by the runtime config. Misconfiguration
// is a constructor error so a broken deployment fails at boot, not on the
// first download.
func New(log *slog.Logger, rc *boot.RuntimeConfig) (Adapter, error) {
	switch rc.StorageBackend {
	case "local":
		return NewLocal(log, rc.LocalRoot)
	case "s3":
		return NewS3(log, rc.S3)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, rc.StorageBackend)
	}
}

func validatePut(req PutRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(req.ChannelID) == "" {
		return fmt.Errorf("channel id is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return fmt.Errorf("filename is required")
	}
	if req.Body == nil {
		return fmt.Errorf("body is required")
	}
	for _, part := range []string{req.UserID, req.ChannelID, req.Filename} {
		if strings.ContainsAny(part, `/\`) || strings.Contains(part, "..") {
			return fmt.Errorf("path component %q contains separator", part)
		}
	}
	return nil
}

// joinPath builds the canonical storage path userID/channelID/filename.
func joinPath(userID, channelID, filename string) string {
	return userID + "/" + channelID + "/" + filename
}

func splitPath(storagePath string) (userID, channelID, filename string, ok bool) {
	parts := strings.SplitN(storagePath, "/", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}
