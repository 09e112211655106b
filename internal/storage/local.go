package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const indexFilename = "metadata.json"

// Local stores artifacts on disk under root/userID/channelID/filename with
// a sibling metadata.json index mapping storage paths to artifact records.
type Local struct {
	log  *slog.Logger
	root string

	// mu guards the index file and the write-then-record sequence so a
	// concurrent Put cannot interleave between data rename and index write.
	mu sync.Mutex
}

// NewLocal creates the local backend, ensuring the root directory exists
// and is writable.
func NewLocal(log *slog.Logger, root string) (*Local, error) {
	if log == nil {
		log = slog.Default()
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("storage root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	probe, err := os.CreateTemp(root, ".probe-*")
	if err != nil {
		return nil, fmt.Errorf("storage root not writable: %w", err)
	}
	probe.Close()
	os.Remove(probe.Name())

	return &Local{
		log:  log.With(slog.String("service", "storage"), slog.String("backend", "local")),
		root: root,
	}, nil
}

// Put writes the payload to a temp file in the destination directory,
// renames it into place, and records the artifact in the index. A failure
// at any step leaves neither file nor index entry behind.
func (l *Local) Put(ctx context.Context, req PutRequest) (string, error) {
	if err := validatePut(req); err != nil {
		return "", err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	filename, err := l.availableName(req.UserID, req.ChannelID, req.Filename)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(l.root, req.UserID, req.ChannelID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create channel dir: %w", err)
	}

	tempFile, err := os.CreateTemp(dir, ".part-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	written, err := io.Copy(tempFile, req.Body)
	if closeErr := tempFile.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("write payload: %w", err)
	}

	target := filepath.Join(dir, filename)
	if err := os.Rename(tempPath, target); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("finalize payload: %w", err)
	}

	storagePath := joinPath(req.UserID, req.ChannelID, filename)
	artifact := Artifact{
		StoragePath: storagePath,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		Filename:    filename,
		ByteSize:    written,
		ContentType: coalesce(req.ContentType, contentTypeForName(filename)),
		CreatedAt:   time.Now().UTC(),
	}
	if err := l.appendIndex(artifact); err != nil {
		os.Remove(target)
		return "", fmt.Errorf("record artifact: %w", err)
	}

	l.log.Debug("artifact stored",
		slog.String("storage_path", storagePath),
		slog.Int64("byte_size", written))
	return storagePath, nil
}

// Get opens the artifact at storagePath.
func (l *Local) Get(ctx context.Context, storagePath string) (io.ReadCloser, Artifact, error) {
	l.mu.Lock()
	artifact, ok, err := l.lookupIndex(storagePath)
	l.mu.Unlock()
	if err != nil {
		return nil, Artifact{}, err
	}
	if !ok {
		return nil, Artifact{}, ErrArtifactNotFound
	}

	f, err := os.Open(l.diskPath(storagePath))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Artifact{}, ErrArtifactNotFound
		}
		return nil, Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	return f, artifact, nil
}

// List returns the user's artifacts, newest first.
func (l *Local) List(ctx context.Context, userID string) ([]Artifact, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, err := l.readIndex()
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(index))
	for _, artifact := range index {
		if artifact.UserID == userID {
			out = append(out, artifact)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Delete removes the artifact bytes and its index entry.
func (l *Local) Delete(ctx context.Context, storagePath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	index, err := l.readIndex()
	if err != nil {
		return err
	}
	kept := index[:0]
	found := false
	for _, artifact := range index {
		if artifact.StoragePath == storagePath {
			found = true
			continue
		}
		kept = append(kept, artifact)
	}
	if !found {
		return ErrArtifactNotFound
	}
	if err := l.writeIndex(kept); err != nil {
		return err
	}
	if err := os.Remove(l.diskPath(storagePath)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove artifact: %w", err)
	}
	return nil
}

// availableName returns the filename, suffixed when the name is already
// taken in that channel directory.
func (l *Local) availableName(userID, channelID, filename string) (string, error) {
	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	name := filename
	for i := 0; ; i++ {
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, ext)
		}
		if i > 1000 {
			return "", fmt.Errorf("no available name for %q", filename)
		}
		if _, err := os.Stat(filepath.Join(l.root, userID, channelID, name)); errors.Is(err, os.ErrNotExist) {
			return name, nil
		}
	}
}

func (l *Local) diskPath(storagePath string) string {
	return filepath.Join(l.root, filepath.FromSlash(storagePath))
}

func (l *Local) indexPath() string {
	return filepath.Join(l.root, indexFilename)
}

func (l *Local) readIndex() ([]Artifact, error) {
	data, err := os.ReadFile(l.indexPath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read index: %w", err)
	}
	var index []Artifact
	if len(data) > 0 {
		if err := json.Unmarshal(data, &index); err != nil {
			return nil, fmt.Errorf("parse index: %w", err)
		}
	}
	return index, nil
}

func (l *Local) writeIndex(index []Artifact) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	tempFile, err := os.CreateTemp(l.root, ".index-*")
	if err != nil {
		return fmt.Errorf("create index temp: %w", err)
	}
	tempPath := tempFile.Name()
	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		os.Remove(tempPath)
		return fmt.Errorf("write index: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("close index temp: %w", err)
	}
	if err := os.Rename(tempPath, l.indexPath()); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("replace index: %w", err)
	}
	return nil
}

func (l *Local) appendIndex(artifact Artifact) error {
	index, err := l.readIndex()
	if err != nil {
		return err
	}
	return l.writeIndex(append(index, artifact))
}

func (l *Local) lookupIndex(storagePath string) (Artifact, bool, error) {
	index, err := l.readIndex()
	if err != nil {
		return Artifact{}, false, err
	}
	for _, artifact := range index {
		if artifact.StoragePath == storagePath {
			return artifact, true, nil
		}
	}
	return Artifact{}, false, nil
}
