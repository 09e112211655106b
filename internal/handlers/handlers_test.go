package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/telesyncapp/telesync/internal/auth"
	"github.com/telesyncapp/telesync/internal/server"
	"github.com/telesyncapp/telesync/internal/storage"
	"github.com/telesyncapp/telesync/internal/upstream"
)

const testSecret = "handlers-test-secret"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEcho wires handlers behind the same JWT middleware the server uses.
func newTestEcho(hs ...server.Handler) *echo.Echo {
	e := echo.New()
	e.Use(auth.JWTMiddleware(testSecret, func(c echo.Context) bool {
		return c.Request().URL.Path == "/ping"
	}))
	for _, h := range hs {
		h.Register(e)
	}
	return e
}

func bearer(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := auth.GenerateToken(userID, testSecret, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return "Bearer " + token
}

func doJSON(t *testing.T, e *echo.Echo, method, path, authz string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if authz != "" {
		req.Header.Set(echo.HeaderAuthorization, authz)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

// fakeClient is a connected upstream that never reports new items.
type fakeClient struct {
	mu     sync.Mutex
	closed bool
}

func (f *fakeClient) ListNewItems(ctx context.Context, sourceRef string, since time.Time) ([]upstream.Item, error) {
	return nil, nil
}

func (f *fakeClient) Fetch(ctx context.Context, sourceRef string, item upstream.Item) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func (f *fakeClient) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeConnector records the delivered login code so tests can echo it back.
type fakeConnector struct {
	mu       sync.Mutex
	lastCode string
}

func (f *fakeConnector) DeliverCode(ctx context.Context, account upstream.Account, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastCode = code
	return nil
}

func (f *fakeConnector) Connect(ctx context.Context, account upstream.Account) (upstream.Client, error) {
	return &fakeClient{}, nil
}

func (f *fakeConnector) code() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastCode
}

// memoryAdapter is an in-memory storage backend for route tests.
type memoryAdapter struct {
	mu      sync.Mutex
	objects map[string][]byte
	records map[string]storage.Artifact
}

func newMemoryAdapter() *memoryAdapter {
	return &memoryAdapter{
		objects: map[string][]byte{},
		records: map[string]storage.Artifact{},
	}
}

func (m *memoryAdapter) Put(ctx context.Context, req storage.PutRequest) (string, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return "", err
	}
	path := req.UserID + "/" + req.ChannelID + "/" + req.Filename
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[path] = data
	m.records[path] = storage.Artifact{
		StoragePath: path,
		UserID:      req.UserID,
		ChannelID:   req.ChannelID,
		Filename:    req.Filename,
		ByteSize:    int64(len(data)),
		ContentType: req.ContentType,
		CreatedAt:   time.Now().UTC(),
	}
	return path, nil
}

func (m *memoryAdapter) Get(ctx context.Context, storagePath string) (io.ReadCloser, storage.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[storagePath]
	if !ok {
		return nil, storage.Artifact{}, storage.ErrArtifactNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), m.records[storagePath], nil
}

func (m *memoryAdapter) List(ctx context.Context, userID string) ([]storage.Artifact, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []storage.Artifact
	for _, rec := range m.records {
		if rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memoryAdapter) Delete(ctx context.Context, storagePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.objects[storagePath]; !ok {
		return storage.ErrArtifactNotFound
	}
	delete(m.objects, storagePath)
	delete(m.records, storagePath)
	return nil
}

func (m *memoryAdapter) has(storagePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[storagePath]
	return ok
}
