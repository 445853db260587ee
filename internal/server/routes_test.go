package server_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaWebsocket "github.com/gorilla/websocket"
	"github.com/ramazulay/email-relay/internal/config"
	"github.com/ramazulay/email-relay/internal/events"
	"github.com/ramazulay/email-relay/internal/health"
	"github.com/ramazulay/email-relay/internal/ingress"
	"github.com/ramazulay/email-relay/internal/mocks"
	"github.com/ramazulay/email-relay/internal/secret"
	"github.com/ramazulay/email-relay/internal/server"
	"github.com/ramazulay/email-relay/internal/validator"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validBody = `{
	"token": "T",
	"data": {
		"subject": "Happy new year!",
		"sender": "John doe",
		"timestamp": "1693561101",
		"content": "Just want to say... Happy new year!!!"
	}
}`

type body struct {
	Status    string `json:"status"`
	Message   string `json:"message"`
	MessageID string `json:"message_id"`
}

func ingestRouter(t *testing.T, provider *mocks.MockSecretProvider, q *mocks.MockQueue) http.Handler {
	t.Helper()
	publisher := ingress.NewPublisher(validator.New(provider), q, time.Second)
	return server.NewRouter(&config.HTTP{}, server.IngestRoutes(publisher, "testing"))
}

func do(t *testing.T, h http.Handler, method, path, payload string) (*httptest.ResponseRecorder, body) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var b body
	_ = json.Unmarshal(rec.Body.Bytes(), &b)
	return rec, b
}

func TestProcessAccepted(t *testing.T) {
	t.Parallel()
	q := &mocks.MockQueue{}
	h := ingestRouter(t, &mocks.MockSecretProvider{Secret: "T"}, q)

	rec, b := do(t, h, http.MethodPost, "/process", validBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", b.Status)
	assert.Equal(t, "Email data processed and queued", b.Message)
	require.Len(t, q.Enqueued, 1)
	assert.Equal(t, q.Enqueued[0].ID, b.MessageID)
}

func TestProcessRejections(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		payload    string
		secretErr  error
		enqueueErr error
		wantStatus int
		wantMsg    string
	}{
		{name: "not json", payload: "nope", wantStatus: http.StatusBadRequest, wantMsg: "Invalid JSON payload"},
		{name: "empty body", payload: "", wantStatus: http.StatusBadRequest, wantMsg: "Invalid JSON payload"},
		{name: "missing token", payload: `{"data":{"subject":"s"}}`, wantStatus: http.StatusUnauthorized, wantMsg: "Token is required"},
		{name: "missing data", payload: `{"token":"T"}`, wantStatus: http.StatusBadRequest, wantMsg: "Data is required"},
		{name: "wrong token", payload: strings.Replace(validBody, `"T"`, `"X"`, 1), wantStatus: http.StatusUnauthorized, wantMsg: "Invalid token"},
		{
			name:       "missing field",
			payload:    `{"token":"T","data":{"subject":"s","sender":"x","timestamp":"1693561101"}}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Missing required fields: content",
		},
		{
			name:       "bad timestamp",
			payload:    `{"token":"T","data":{"subject":"s","sender":"x","timestamp":"abc","content":"c"}}`,
			wantStatus: http.StatusBadRequest,
			wantMsg:    "Invalid timestamp: Invalid timestamp format",
		},
		{name: "secret store down", payload: validBody, secretErr: secret.ErrUnavailable, wantStatus: http.StatusInternalServerError, wantMsg: "Token could not be verified"},
		{name: "queue down", payload: validBody, enqueueErr: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantMsg: "Failed to queue email data"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			q := &mocks.MockQueue{EnqueueErr: tt.enqueueErr}
			h := ingestRouter(t, &mocks.MockSecretProvider{Secret: "T", Err: tt.secretErr}, q)

			rec, b := do(t, h, http.MethodPost, "/process", tt.payload)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "error", b.Status)
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, b.Message)
			}
			assert.NotContains(t, rec.Body.String(), `"T"`)
			if tt.enqueueErr == nil {
				assert.Empty(t, q.Enqueued)
			}
		})
	}
}

func TestIngestHealthAndRoot(t *testing.T) {
	t.Parallel()
	h := ingestRouter(t, &mocks.MockSecretProvider{Secret: "T"}, &mocks.MockQueue{})

	rec, b := do(t, h, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", b.Status)

	rec, _ = do(t, h, http.MethodGet, "/", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var root struct {
		Service   string            `json:"service"`
		Version   string            `json:"version"`
		Endpoints map[string]string `json:"endpoints"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &root))
	assert.Equal(t, server.IngestServiceName, root.Service)
	assert.Equal(t, "testing", root.Version)
	assert.Equal(t, "/process (POST)", root.Endpoints["process"])
}

func TestRelayHealth(t *testing.T) {
	t.Parallel()
	state := health.NewState()
	h := server.NewRouter(&config.HTTP{}, server.RelayRoutes(&config.HTTP{}, state, events.NewEventBus()))

	get := func() (int, health.Snapshot) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		var snap health.Snapshot
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
		return rec.Code, snap
	}

	code, snap := get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusStarting, snap.Status)
	assert.Nil(t, snap.LastPoll)
	assert.Zero(t, snap.MessagesProcessed)

	polled := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	state.MarkPolled(polled)
	state.AddProcessed(3)
	code, snap = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusHealthy, snap.Status)
	require.NotNil(t, snap.LastPoll)
	assert.True(t, polled.Equal(*snap.LastPoll))
	assert.Equal(t, uint64(3), snap.MessagesProcessed)

	state.SetStatus(health.StatusUnhealthy)
	code, snap = get()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, health.StatusUnhealthy, snap.Status)
	assert.Equal(t, uint64(3), snap.MessagesProcessed)
}

func TestRelayEventFeed(t *testing.T) {
	t.Parallel()
	bus := events.NewEventBus()
	h := server.NewRouter(&config.HTTP{}, server.RelayRoutes(&config.HTTP{}, health.NewState(), bus))
	srv := httptest.NewServer(h)
	defer srv.Close()

	conn, resp, err := gorillaWebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
	bus.Publish(events.ArchivedEvent{MessageID: "m1", Key: "sqs-messages/2025/01/01/00/m1.json"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var frame struct {
		Type string               `json:"type"`
		Data events.ArchivedEvent `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &frame))
	assert.Equal(t, "archived", frame.Type)
	assert.Equal(t, "m1", frame.Data.MessageID)
}

func TestRelayEventFeedRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	cfg := &config.HTTP{CORSHosts: []string{"dashboard.example.com"}}
	h := server.NewRouter(cfg, server.RelayRoutes(cfg, health.NewState(), events.NewEventBus()))
	srv := httptest.NewServer(h)
	defer srv.Close()

	header := http.Header{"Origin": []string{"https://evil.example.org"}}
	_, resp, err := gorillaWebsocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws/events", header)
	require.Error(t, err)
	require.NotNil(t, resp)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
