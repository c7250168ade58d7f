package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm/logger"

	"github.com/seshat-ai/seshat/internal/config"
	"github.com/seshat-ai/seshat/internal/db"
	"github.com/seshat-ai/seshat/internal/events"
	"github.com/seshat-ai/seshat/internal/ltm"
	"github.com/seshat-ai/seshat/internal/session"
)

// testService creates a Service over a real manager with a temp SQLite
// database.
func testService(t *testing.T) (*Service, func()) {
	t.Helper()

	dbs, err := db.NewStore(db.Config{
		Path:     filepath.Join(t.TempDir(), "server-test.db"),
		LogLevel: logger.Silent,
	})
	require.NoError(t, err)

	store := ltm.NewStore(dbs)
	retrieval := ltm.NewRetrieval(nil)
	store.SetInvalidator(retrieval.Invalidate)
	bus := events.NewBus()

	mgr := session.NewManager(dbs, store, retrieval, bus, nil, session.Options{
		ReapGrace:     time.Hour, // keep terminated sessions visible in tests
		SweepInterval: time.Hour,
	})

	svc := NewService("test-version", config.Default(), mgr, bus)
	svc.ready.Store(true)

	cleanup := func() {
		mgr.ShutdownAll(context.Background())
		_ = svc.Stop(context.Background())
		require.NoError(t, dbs.Close())
	}
	return svc, cleanup
}

// doJSON performs a request with an optional JSON body and decodes the
// response into out when non-nil.
func doJSON(t *testing.T, svc *Service, method, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	svc.router.ServeHTTP(rec, req)

	if out != nil && rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec
}

func createSession(t *testing.T, svc *Service, id string) {
	t.Helper()
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions", map[string]any{"session_id": id}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

func TestCreateSession(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	var resp map[string]any
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions", map[string]any{
		"session_id": "s1",
		"metadata":   map[string]any{"owner": "tester"},
	}, &resp)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "s1", resp["session_id"])
	assert.Equal(t, "active", resp["status"])
}

func TestCreateSessionGeneratesID(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	var resp map[string]any
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions", nil, &resp)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, resp["session_id"])
}

func TestGetSessionNotFound(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	var resp map[string]string
	rec := doJSON(t, svc, http.MethodGet, "/api/sessions/ghost", nil, &resp)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "session_not_found", resp["error"])
}

func TestListSessions(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	createSession(t, svc, "a")
	createSession(t, svc, "b")

	var resp struct {
		Sessions []map[string]any `json:"sessions"`
	}
	rec := doJSON(t, svc, http.MethodGet, "/api/sessions", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Sessions, 2)
}

func TestTerminateSession(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	rec := doJSON(t, svc, http.MethodDelete, "/api/sessions/s1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Terminal state visible, second terminate conflicts.
	var info map[string]any
	rec = doJSON(t, svc, http.MethodGet, "/api/sessions/s1", nil, &info)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "terminated", info["status"])

	rec = doJSON(t, svc, http.MethodDelete, "/api/sessions/s1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessage_TableDriven(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	tests := []struct {
		name       string
		body       map[string]any
		wantStatus int
	}{
		{
			name:       "valid message",
			body:       map[string]any{"role": "user", "content": "hello"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "defaults role to user",
			body:       map[string]any{"content": "no role"},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "invalid role",
			body:       map[string]any{"role": "wizard", "content": "x"},
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty content",
			body:       map[string]any{"role": "user"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/messages", tt.body, nil)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
}

func TestRecentMessagesLimit(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	for i := 0; i < 5; i++ {
		rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/messages",
			map[string]any{"role": "user", "content": "msg"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	rec := doJSON(t, svc, http.MethodGet, "/api/sessions/s1/messages?limit=3", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, resp.Messages, 3)
}

func TestClearConversation(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	doJSON(t, svc, http.MethodPost, "/api/sessions/s1/messages",
		map[string]any{"role": "user", "content": "bye"}, nil)
	rec := doJSON(t, svc, http.MethodDelete, "/api/sessions/s1/messages", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Messages []map[string]any `json:"messages"`
	}
	doJSON(t, svc, http.MethodGet, "/api/sessions/s1/messages", nil, &resp)
	assert.Empty(t, resp.Messages)
}

func TestWorkingContextRoundTrip(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	rec := doJSON(t, svc, http.MethodPut, "/api/sessions/s1/context",
		map[string]any{"current_file": "main.go", "branch": "dev"}, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var value map[string]any
	rec = doJSON(t, svc, http.MethodGet, "/api/sessions/s1/context/current_file", nil, &value)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "main.go", value["value"])

	var list struct {
		Items []map[string]any `json:"items"`
	}
	doJSON(t, svc, http.MethodGet, "/api/sessions/s1/context", nil, &list)
	assert.Len(t, list.Items, 2)
}

func TestEnqueueAndPromote(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/pending", map[string]any{
		"id":         "item-1",
		"type":       "fact",
		"data":       map[string]any{"answer": 42},
		"importance": 0.9,
	}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	var res struct {
		Promoted []string `json:"promoted"`
	}
	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/s1/promote", nil, &res)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"item-1"}, res.Promoted)

	var mem map[string]any
	rec = doJSON(t, svc, http.MethodGet, "/api/sessions/s1/memories/item-1", nil, &mem)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", mem["session_id"])
}

func TestEnqueueMissingDataRejected(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	// data key omitted entirely: validation error
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/pending",
		map[string]any{"id": "no-data"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// explicit null data: accepted
	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/s1/pending",
		map[string]any{"id": "nil-data", "data": nil}, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMemoryCRUD(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/memories", map[string]any{
		"id":         "m1",
		"type":       "analysis",
		"data":       map[string]any{"finding": "slow query"},
		"importance": 0.8,
	}, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var updated map[string]any
	rec = doJSON(t, svc, http.MethodPatch, "/api/sessions/s1/memories/m1",
		map[string]any{"importance": 0.4}, &updated)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0.4, updated["importance"])

	var listing struct {
		Count int `json:"count"`
	}
	doJSON(t, svc, http.MethodGet, "/api/sessions/s1/memories?type=analysis", nil, &listing)
	assert.Equal(t, 1, listing.Count)

	rec = doJSON(t, svc, http.MethodDelete, "/api/sessions/s1/memories/m1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, svc, http.MethodGet, "/api/sessions/s1/memories/m1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetrieveEndpoint(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	doJSON(t, svc, http.MethodPost, "/api/sessions/s1/memories", map[string]any{
		"id": "r1", "type": "fact",
		"data":       map[string]any{"note": "postgres connection pooling"},
		"importance": 0.7,
	}, nil)

	var resp struct {
		Count int `json:"count"`
	}
	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/s1/retrieve",
		map[string]any{"keywords": []string{"postgres"}}, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, resp.Count)

	rec = doJSON(t, svc, http.MethodPost, "/api/sessions/s1/retrieve",
		map[string]any{"keywords": []string{"kubernetes"}}, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, resp.Count)
}

func TestSavedSessionLifecycle(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "orig")

	rec := doJSON(t, svc, http.MethodPost, "/api/sessions/orig/save", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Saved []map[string]any `json:"saved"`
	}
	doJSON(t, svc, http.MethodGet, "/api/saved-sessions", nil, &listing)
	require.Len(t, listing.Saved, 1)
	assert.Equal(t, "orig", listing.Saved[0]["session_id"])

	var restored map[string]any
	rec = doJSON(t, svc, http.MethodPost, "/api/saved-sessions/orig/restore", nil, &restored)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEqual(t, "orig", restored["session_id"])
	assert.Equal(t, "active", restored["status"])

	rec = doJSON(t, svc, http.MethodDelete, "/api/saved-sessions/orig", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = doJSON(t, svc, http.MethodDelete, "/api/saved-sessions/orig", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleHealth_ReturnsVersion(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	var resp map[string]any
	rec := doJSON(t, svc, http.MethodGet, "/api/health", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ready", resp["status"])
	assert.Equal(t, "test-version", resp["version"])
}

func TestHandleVersion(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	var resp map[string]string
	rec := doJSON(t, svc, http.MethodGet, "/api/version", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "test-version", resp["version"])
}

func TestRequireReadyMiddleware_Blocks(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	svc.ready.Store(false)
	rec := doJSON(t, svc, http.MethodGet, "/api/sessions", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	svc.ready.Store(true)
	rec = doJSON(t, svc, http.MethodGet, "/api/sessions", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionEventsStream(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()
	createSession(t, svc, "s1")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1/events", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		svc.router.ServeHTTP(rec, req)
	}()

	// Give the stream time to subscribe, then trigger an event.
	time.Sleep(100 * time.Millisecond)
	doJSON(t, svc, http.MethodPost, "/api/sessions/s1/messages",
		map[string]any{"role": "user", "content": "ping"}, nil)
	time.Sleep(200 * time.Millisecond)

	cancel()
	select {
	case <-streamDone:
	case <-time.After(3 * time.Second):
		t.Fatal("SSE handler did not exit")
	}

	body := rec.Body.String()
	assert.Contains(t, body, `"type":"connected"`)
	assert.Contains(t, body, "conversation_added")
}

func TestEventsStreamUnknownSession(t *testing.T) {
	svc, cleanup := testService(t)
	defer cleanup()

	rec := doJSON(t, svc, http.MethodGet, "/api/sessions/ghost/events", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
