package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/switchboard/internal/broadcast"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/orchestrator"
	"github.com/zulandar/switchboard/internal/store"
)

// fakeOrchestrator records calls and returns scripted errors.
type fakeOrchestrator struct {
	mu       sync.Mutex
	active   map[string]bool
	startErr error
	stopErr  error
	sendErr  error
	sends    []string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{active: make(map[string]bool)}
}

func (f *fakeOrchestrator) Start(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.active[id] = true
	return nil
}

func (f *fakeOrchestrator) Stop(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	delete(f.active, id)
	return nil
}

func (f *fakeOrchestrator) Send(ctx context.Context, instanceID, contactID, body string) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sends = append(f.sends, body)
	return &models.Message{
		ID:             "M1",
		InstanceID:     instanceID,
		ContactID:      contactID,
		Direction:      models.DirectionOutbound,
		Body:           body,
		SentByOperator: true,
	}, nil
}

func (f *fakeOrchestrator) ListActive() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id := range f.active {
		out = append(out, id)
	}
	return out
}

func (f *fakeOrchestrator) IsActive(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

type testServer struct {
	srv   *Server
	orch  *fakeOrchestrator
	store *store.Store
	hub   *broadcast.Hub
}

func newTestServer(t *testing.T, token string) *testServer {
	t.Helper()
	return newTestServerFor(t, token, []string{"mock", "discord"})
}

func newTestServerFor(t *testing.T, token string, platforms []string) *testServer {
	t.Helper()
	gdb, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	st, err := store.New(store.Opts{DB: gdb})
	require.NoError(t, err)

	hub := broadcast.NewHub(broadcast.HubOpts{})
	t.Cleanup(func() { hub.Close() })

	orch := newFakeOrchestrator()
	srv, err := New(Opts{
		Orchestrator: orch,
		Store:        st,
		Events:       hub,
		Platforms:    platforms,
		AuthToken:    token,
	})
	require.NoError(t, err)
	return &testServer{srv: srv, orch: orch, store: st, hub: hub}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v), w.Body.String())
}

func TestNew_RequiredDeps(t *testing.T) {
	_, err := New(Opts{})
	assert.ErrorContains(t, err, "orchestrator is required")
	_, err = New(Opts{Orchestrator: newFakeOrchestrator()})
	assert.ErrorContains(t, err, "store is required")
	_, err = New(Opts{Orchestrator: newFakeOrchestrator(), Store: &store.Store{}})
	assert.ErrorContains(t, err, "events subscriber is required")
}

func TestHealth_NoAuth(t *testing.T) {
	ts := newTestServer(t, "secret")
	w := ts.do(t, http.MethodGet, "/health", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestAuth(t *testing.T) {
	ts := newTestServer(t, "secret")

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/instances", nil, "").Code)
	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/instances", nil, "wrong").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/instances", nil, "secret").Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/api/instances?token=secret", nil, "").Code)
}

func TestCreateAndListInstances(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "sales"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created instanceView
	decode(t, w, &created)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.StatusCreated, created.Status)
	assert.Equal(t, "mock", created.Platform)

	w = ts.do(t, http.MethodGet, "/api/instances", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list []instanceView
	decode(t, w, &list)
	require.Len(t, list, 1)
	assert.Equal(t, created.ID, list[0].ID)
	assert.False(t, list[0].Active)
}

func TestCreateInstance_Validation(t *testing.T) {
	ts := newTestServer(t, "")
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodPost, "/api/instances", map[string]string{}, "").Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "x", "platform": "telex"}, "").Code)
}

func TestCreateInstance_DefaultPlatform(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "dev"}, "")
	require.Equal(t, http.StatusCreated, w.Code)
	var inst map[string]any
	decode(t, w, &inst)
	assert.Equal(t, "mock", inst["platform"])

	prod := newTestServerFor(t, "", []string{"discord", "slack"})
	w = prod.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "prod"}, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	decode(t, w, &body)
	assert.Equal(t, "platform is required (discord, slack)", body["error"])

	w = prod.do(t, http.MethodPost, "/api/instances", map[string]string{"name": "prod", "platform": "slack"}, "")
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestInstanceStatus(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	code := "ABC"
	inst := &models.Instance{ID: "I1", Name: "x", Platform: "mock", Status: models.StatusPairingPending, LastPairingPayload: &code}
	require.NoError(t, ts.store.CreateInstance(ctx, inst))

	w := ts.do(t, http.MethodGet, "/api/instances/I1/status", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	decode(t, w, &body)
	assert.Equal(t, "PAIRING_PENDING", body["status"])
	assert.Equal(t, "ABC", body["pairingCode"])
	assert.Equal(t, false, body["active"])

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/instances/nope/status", nil, "").Code)
}

func TestStartStopActive(t *testing.T) {
	ts := newTestServer(t, "")

	w := ts.do(t, http.MethodPost, "/api/instances/I1/start", nil, "")
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = ts.do(t, http.MethodGet, "/api/instances/active", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"instances":["I1"]}`, w.Body.String())

	w = ts.do(t, http.MethodPost, "/api/instances/I1/stop", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.False(t, ts.orch.IsActive("I1"))
}

func TestStart_NotFound(t *testing.T) {
	ts := newTestServer(t, "")
	ts.orch.startErr = fmt.Errorf("%w: I9", orchestrator.ErrInstanceNotFound)
	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodPost, "/api/instances/I9/start", nil, "").Code)
}

func TestSend_ErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		ambiguous bool
	}{
		{"not active", orchestrator.ErrInstanceNotActive, http.StatusConflict, false},
		{"contact not found", orchestrator.ErrContactNotFound, http.StatusNotFound, false},
		{"send failed", fmt.Errorf("%w: boom", orchestrator.ErrSendFailed), http.StatusBadGateway, false},
		{"persistence failed", fmt.Errorf("%w: disk", orchestrator.ErrPersistenceFailed), http.StatusInternalServerError, true},
		{"other", errors.New("weird"), http.StatusInternalServerError, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, "")
			ts.orch.sendErr = tt.err
			w := ts.do(t, http.MethodPost, "/api/instances/I1/messages",
				map[string]string{"contactId": "C1", "content": "hi"}, "")
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.ambiguous {
				assert.Contains(t, w.Body.String(), `"delivery":"ambiguous"`)
			} else {
				assert.NotContains(t, w.Body.String(), "delivery")
			}
		})
	}
}

func TestSend_Success(t *testing.T) {
	ts := newTestServer(t, "")
	w := ts.do(t, http.MethodPost, "/api/instances/I1/messages",
		map[string]string{"contactId": "C1", "content": "hello"}, "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var msg models.Message
	decode(t, w, &msg)
	assert.Equal(t, "hello", msg.Body)
	assert.True(t, msg.SentByOperator)
	assert.Equal(t, []string{"hello"}, ts.orch.sends)

	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodPost, "/api/instances/I1/messages", map[string]string{"contactId": "C1"}, "").Code)
}

func TestContactsAndMessages(t *testing.T) {
	ts := newTestServer(t, "")
	ctx := context.Background()
	require.NoError(t, ts.store.CreateInstance(ctx, &models.Instance{ID: "I1", Name: "x", Platform: "mock"}))
	c := &models.Contact{InstanceID: "I1", ExternalAddress: "5511@net"}
	require.NoError(t, ts.store.CreateContact(ctx, c))

	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, ts.store.InsertMessage(ctx, &models.Message{
			InstanceID: "I1",
			ContactID:  c.ID,
			Direction:  models.DirectionInbound,
			Body:       fmt.Sprintf("m%d", i),
			Timestamp:  base.Add(time.Duration(i) * time.Minute),
		}))
	}

	w := ts.do(t, http.MethodGet, "/api/instances/I1/contacts", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var contacts []models.Contact
	decode(t, w, &contacts)
	require.Len(t, contacts, 1)
	assert.Equal(t, "5511@net", contacts[0].ExternalAddress)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/instances/nope/contacts", nil, "").Code)

	w = ts.do(t, http.MethodGet, "/api/instances/I1/chats/"+c.ID+"/messages?limit=2&offset=1", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []models.Message `json:"messages"`
		Limit    int              `json:"limit"`
		Offset   int              `json:"offset"`
	}
	decode(t, w, &page)
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "m1", page.Messages[0].Body)
	assert.Equal(t, 2, page.Limit)

	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodGet, "/api/instances/I1/chats/"+c.ID+"/messages?limit=-1", nil, "").Code)
}

func TestParseTopics(t *testing.T) {
	got, err := parseTopics("")
	require.NoError(t, err)
	assert.Equal(t, broadcast.AllTopics, got)

	got, err = parseTopics("pairing_code, message_received")
	require.NoError(t, err)
	assert.Equal(t, []broadcast.Topic{broadcast.TopicPairingCode, broadcast.TopicMessageReceived}, got)

	_, err = parseTopics("gossip")
	assert.Error(t, err)
}

func TestWriteSSE(t *testing.T) {
	var buf bytes.Buffer
	writeSSE(&buf, "01H", "pairing_code", json.RawMessage(`{"code":"ABC"}`))
	assert.Equal(t, "id: 01H\nevent: pairing_code\ndata: {\"code\":\"ABC\"}\n\n", buf.String())
}

func TestOriginAllowed(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "http://gw.local:3001/api/ws", nil)
	assert.True(t, originAllowed(req, nil), "no origin header")

	req.Header.Set("Origin", "http://gw.local:5173")
	assert.True(t, originAllowed(req, nil), "same host")

	req.Header.Set("Origin", "http://evil.example")
	assert.False(t, originAllowed(req, nil))
	assert.True(t, originAllowed(req, []string{"http://evil.example"}))
	assert.False(t, originAllowed(req, []string{"http://other.example"}))
}

// readSSEEvent reads lines until a blank line and returns the event name
// and data.
func readSSEEvent(t *testing.T, r *bufio.Reader) (string, string) {
	t.Helper()
	var event, data string
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case line == "":
			return event, data
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func TestSSE_StreamsBroadcasts(t *testing.T) {
	ts := newTestServer(t, "")
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, httpSrv.URL+"/api/events?topics=pairing_code", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	r := bufio.NewReader(resp.Body)
	event, _ := readSSEEvent(t, r)
	require.Equal(t, "connected", event)

	ts.hub.Publish(broadcast.TopicInstanceStatus, broadcast.InstanceStatus{InstanceID: "I1", Status: models.StatusConnected})
	ts.hub.Publish(broadcast.TopicPairingCode, broadcast.PairingCode{InstanceID: "I1", Code: "ABC"})

	event, data := readSSEEvent(t, r)
	assert.Equal(t, "pairing_code", event)
	assert.JSONEq(t, `{"instanceId":"I1","code":"ABC"}`, data)
}

func TestSSE_BadTopic(t *testing.T) {
	ts := newTestServer(t, "")
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/events?topics=gossip", nil, "").Code)
}

func TestWS_StreamsBroadcasts(t *testing.T) {
	ts := newTestServer(t, "secret")
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws?token=secret"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello map[string]string
	require.NoError(t, conn.ReadJSON(&hello))
	require.Equal(t, "connected", hello["type"])

	ts.hub.Publish(broadcast.TopicInstanceStatus, broadcast.InstanceStatus{InstanceID: "I1", Status: models.StatusConnected, PhoneNumber: "5511"})

	var ev wsEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "instance_status", ev.Topic)
	assert.NotEmpty(t, ev.ID)
	assert.JSONEq(t, `{"instanceId":"I1","status":"CONNECTED","phoneNumber":"5511"}`, string(ev.Payload))
}

func TestWS_Unauthorized(t *testing.T) {
	ts := newTestServer(t, "secret")
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	url := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/api/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
