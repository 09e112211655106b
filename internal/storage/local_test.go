package storage_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/telesyncapp/telesync/internal/storage"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("stream torn down")
}

func newLocal(t *testing.T) (*storage.Local, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := storage.NewLocal(nil, root)
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	return backend, root
}

func TestLocalPutGetRoundTrip(t *testing.T) {
	t.Parallel()
	backend, _ := newLocal(t)
	ctx := context.Background()
	payload := []byte("not really a video, but bytes are bytes")

	path, err := backend.Put(ctx, storage.PutRequest{
		UserID:      "u1",
		ChannelID:   "c1",
		Filename:    "clip.mp4",
		ContentType: "video/mp4",
		Body:        bytes.NewReader(payload),
	})
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if path != "u1/c1/clip.mp4" {
		t.Fatalf("storage path = %q, want u1/c1/clip.mp4", path)
	}

	rc, artifact, err := backend.Get(ctx, path)
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	defer rc.Close()

	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("read artifact: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("artifact bytes differ from written payload")
	}
	if artifact.ByteSize != int64(len(payload)) {
		t.Fatalf("ByteSize = %d, want %d", artifact.ByteSize, len(payload))
	}
	if artifact.ContentType != "video/mp4" {
		t.Fatalf("ContentType = %q, want video/mp4", artifact.ContentType)
	}
	if artifact.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt must be set")
	}
}

func TestLocalPutFailureLeavesNothing(t *testing.T) {
	t.Parallel()
	backend, root := newLocal(t)
	ctx := context.Background()

	_, err := backend.Put(ctx, storage.PutRequest{
		UserID:    "u1",
		ChannelID: "c1",
		Filename:  "clip.mp4",
		Body:      failingReader{},
	})
	if err == nil {
		t.Fatalf("expected Put to fail with a body read error")
	}

	list, err := backend.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("failed Put must record no artifact, got %d", len(list))
	}
	entries, _ := os.ReadDir(filepath.Join(root, "u1", "c1"))
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), ".") {
			t.Fatalf("failed Put left file behind: %s", entry.Name())
		}
	}
	if _, _, err := backend.Get(ctx, "u1/c1/clip.mp4"); !errors.Is(err, storage.ErrArtifactNotFound) {
		t.Fatalf("Get after failed Put error = %v, want ErrArtifactNotFound", err)
	}
}

func TestLocalListScopedToUser(t *testing.T) {
	t.Parallel()
	backend, _ := newLocal(t)
	ctx := context.Background()

	for _, userID := range []string{"u1", "u1", "u2"} {
		_, err := backend.Put(ctx, storage.PutRequest{
			UserID:    userID,
			ChannelID: "c1",
			Filename:  "clip.mp4",
			Body:      strings.NewReader("payload"),
		})
		if err != nil {
			t.Fatalf("Put returned error: %v", err)
		}
	}

	list, err := backend.List(ctx, "u1")
	if err != nil {
		t.Fatalf("List returned error: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List(u1) returned %d artifacts, want 2", len(list))
	}
	for _, artifact := range list {
		if artifact.UserID != "u1" {
			t.Fatalf("List(u1) leaked artifact for %q", artifact.UserID)
		}
	}
}

func TestLocalNameCollisionSuffix(t *testing.T) {
	t.Parallel()
	backend, _ := newLocal(t)
	ctx := context.Background()

	first, err := backend.Put(ctx, storage.PutRequest{
		UserID: "u1", ChannelID: "c1", Filename: "clip.mp4",
		Body: strings.NewReader("one"),
	})
	if err != nil {
		t.Fatalf("first Put returned error: %v", err)
	}
	second, err := backend.Put(ctx, storage.PutRequest{
		UserID: "u1", ChannelID: "c1", Filename: "clip.mp4",
		Body: strings.NewReader("two"),
	})
	if err != nil {
		t.Fatalf("second Put returned error: %v", err)
	}
	if first == second {
		t.Fatalf("colliding filenames must map to distinct paths")
	}
	if second != "u1/c1/clip_1.mp4" {
		t.Fatalf("second path = %q, want u1/c1/clip_1.mp4", second)
	}

	rc, _, err := backend.Get(ctx, second)
	if err != nil {
		t.Fatalf("Get(second) returned error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != "two" {
		t.Fatalf("second artifact bytes = %q, want %q", got, "two")
	}
}

func TestLocalDelete(t *testing.T) {
	t.Parallel()
	backend, root := newLocal(t)
	ctx := context.Background()

	path, err := backend.Put(ctx, storage.PutRequest{
		UserID: "u1", ChannelID: "c1", Filename: "clip.mp4",
		Body: strings.NewReader("payload"),
	})
	if err != nil {
		t.Fatalf("Put returned error: %v", err)
	}

	if err := backend.Delete(ctx, path); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "u1", "c1", "clip.mp4")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected artifact file removed, stat err = %v", err)
	}
	if err := backend.Delete(ctx, path); !errors.Is(err, storage.ErrArtifactNotFound) {
		t.Fatalf("second Delete error = %v, want ErrArtifactNotFound", err)
	}
}

func TestLocalRejectsPathTraversal(t *testing.T) {
	t.Parallel()
	backend, _ := newLocal(t)
	ctx := context.Background()

	for _, filename := range []string{"../evil.mp4", "a/b.mp4", `a\b.mp4`} {
		_, err := backend.Put(ctx, storage.PutRequest{
			UserID: "u1", ChannelID: "c1", Filename: filename,
			Body: strings.NewReader("payload"),
		})
		if err == nil {
			t.Fatalf("expected Put to reject filename %q", filename)
		}
	}
}
