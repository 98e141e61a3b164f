package signaling

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/velora-app/callkit/internal/config"
	"github.com/velora-app/callkit/internal/domain"
)

// fakeServer is a minimal signaling endpoint: it records every envelope a
// client writes and lets the test push envelopes back.
type fakeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	received []domain.Envelope
	authHdr  string

	connected chan struct{}
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	fs := &fakeServer{
		t:         t,
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		connected: make(chan struct{}, 4),
	}
	srv := httptest.NewServer(http.HandlerFunc(fs.handle))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := fs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	fs.mu.Lock()
	fs.conn = conn
	fs.authHdr = r.Header.Get("Authorization")
	fs.mu.Unlock()
	fs.connected <- struct{}{}

	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			return
		}
		fs.mu.Lock()
		fs.received = append(fs.received, env)
		fs.mu.Unlock()
	}
}

func (fs *fakeServer) push(t *testing.T, event string, data any) {
	env, err := domain.NewEnvelope(event, data)
	require.NoError(t, err)

	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	require.NotNil(t, conn)
	require.NoError(t, conn.WriteJSON(env))
}

func (fs *fakeServer) envelopes() []domain.Envelope {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]domain.Envelope(nil), fs.received...)
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never held")
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) config.SignalingConfig {
	return config.SignalingConfig{
		URL:               url,
		DialTimeout:       time.Second,
		ReconnectAttempts: 3,
		ReconnectDelay:    10 * time.Millisecond,
	}
}

type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *eventRecorder) record(e domain.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

func (r *eventRecorder) has(match func(domain.Event) bool) func() bool {
	return func() bool {
		for _, e := range r.all() {
			if match(e) {
				return true
			}
		}
		return false
	}
}

func TestClient_ConnectAuthenticates(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok-123", domain.RoleRequester))
	defer client.Disconnect()

	<-fs.connected
	waitFor(t, func() bool { return len(fs.envelopes()) >= 1 })

	fs.mu.Lock()
	authHdr := fs.authHdr
	fs.mu.Unlock()
	assert.Equal(t, "Bearer tok-123", authHdr)

	first := fs.envelopes()[0]
	assert.Equal(t, "authenticate", first.Event)

	var auth domain.AuthRequest
	require.NoError(t, json.Unmarshal(first.Data, &auth))
	assert.Equal(t, "tok-123", auth.Token)
	assert.Equal(t, domain.RoleRequester, auth.Role)

	assert.True(t, client.Connected())
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	waitFor(t, func() bool { return len(fs.envelopes()) >= 1 })

	// second Connect must not re-authenticate
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fs.envelopes(), 1)
}

func TestClient_ConnectFailsAfterRetries(t *testing.T) {
	client := New(testConfig("ws://127.0.0.1:1/call"), slog.Default())

	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	err := client.Connect(context.Background(), "tok", domain.RoleRequester)
	require.Error(t, err)
	assert.False(t, client.Connected())

	waitFor(t, rec.has(func(e domain.Event) bool {
		d, ok := e.(domain.Disconnected)
		return ok && d.Reason == "connect-failed"
	}))

	var callErr domain.CallError
	for _, e := range rec.all() {
		if ce, ok := e.(domain.CallError); ok {
			callErr = ce
		}
	}
	assert.Equal(t, domain.ErrorKindConnection, callErr.Kind)
}

func TestClient_SessionFollowsCallLifecycle(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleGatekeeper))
	defer client.Disconnect()
	<-fs.connected

	assert.Equal(t, domain.CallStatusIdle, client.Session().Status)
	assert.Equal(t, domain.RoleGatekeeper, client.Session().Role)

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-9"})
	waitFor(t, func() bool { return client.Session().Status == domain.CallStatusConnecting })
	assert.Equal(t, "room-9", client.Session().RoomID)

	fs.push(t, "call-started", domain.CallStarted{Participants: []domain.Participant{
		{ID: "u1"}, {ID: "u2"},
	}})
	waitFor(t, func() bool { return client.Session().Status == domain.CallStatusConnected })
	session := client.Session()
	assert.Len(t, session.Participants, 2)
	assert.False(t, session.StartTime.IsZero())
	assert.True(t, session.Active())

	fs.push(t, "call-ended", nil)
	waitFor(t, func() bool { return client.Session().Status == domain.CallStatusIdle })

	// everything except the role resets
	session = client.Session()
	assert.Empty(t, session.RoomID)
	assert.Empty(t, session.Participants)
	assert.True(t, session.StartTime.IsZero())
	assert.Equal(t, domain.RoleGatekeeper, session.Role)
}

func TestClient_VideoConsentEvents(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleGatekeeper))
	defer client.Disconnect()
	<-fs.connected

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-1"})
	fs.push(t, "video-requested", domain.VideoRequested{RequestedBy: "u7"})
	waitFor(t, func() bool { return client.Session().VideoRequestPending })

	fs.push(t, "video-enabled", nil)
	waitFor(t, func() bool { return client.Session().IsVideoEnabled })
	assert.False(t, client.Session().VideoRequestPending)

	waitFor(t, rec.has(func(e domain.Event) bool {
		v, ok := e.(domain.VideoRequested)
		return ok && v.RequestedBy == "u7"
	}))
	waitFor(t, rec.has(func(e domain.Event) bool {
		_, ok := e.(domain.VideoEnabled)
		return ok
	}))
}

func TestClient_SendSignalTagsRoom(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	// not in a room yet: dropped
	err := client.SendSignal(domain.SignalMessage{Type: domain.SignalTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrNotInRoom)

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-4"})
	waitFor(t, func() bool { return client.Session().RoomID == "room-4" })

	require.NoError(t, client.SendSignal(domain.SignalMessage{
		Type:   domain.SignalTypeOffer,
		SDP:    "v=0",
		UserID: "u2",
	}))

	waitFor(t, func() bool {
		for _, env := range fs.envelopes() {
			if env.Event == "webrtc-signal" {
				return true
			}
		}
		return false
	})

	var sig domain.SignalMessage
	for _, env := range fs.envelopes() {
		if env.Event == "webrtc-signal" {
			require.NoError(t, json.Unmarshal(env.Data, &sig))
		}
	}
	assert.Equal(t, domain.SignalTypeOffer, sig.Type)
	assert.Equal(t, "v=0", sig.SDP)
	assert.Equal(t, "room-4", sig.RoomID)
	assert.Equal(t, "u2", sig.UserID)
}

func TestClient_CandidateWireShape(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "r"})
	waitFor(t, func() bool { return client.Session().RoomID == "r" })

	mid := "0"
	require.NoError(t, client.SendSignal(domain.SignalMessage{
		Type: domain.SignalTypeICECandidate,
		Candidate: &webrtc.ICECandidateInit{
			Candidate: "candidate:1 1 udp 2122260223 192.0.2.1 54400 typ host",
			SDPMid:    &mid,
		},
		UserID: "u2",
	}))

	waitFor(t, func() bool {
		for _, env := range fs.envelopes() {
			if env.Event == "webrtc-signal" {
				return true
			}
		}
		return false
	})

	var raw map[string]json.RawMessage
	for _, env := range fs.envelopes() {
		if env.Event == "webrtc-signal" {
			require.NoError(t, json.Unmarshal(env.Data, &raw))
		}
	}
	// candidate signals carry type/candidate/userId/roomId and omit sdp
	assert.Contains(t, raw, "type")
	assert.Contains(t, raw, "candidate")
	assert.Contains(t, raw, "userId")
	assert.Contains(t, raw, "roomId")
	assert.NotContains(t, raw, "sdp")
}

func TestClient_VideoActionsRequireRoom(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	assert.ErrorIs(t, client.RequestVideo("u2"), ErrNotInRoom)

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-2"})
	waitFor(t, func() bool { return client.Session().RoomID == "room-2" })

	require.NoError(t, client.RequestVideo("u2"))

	waitFor(t, func() bool {
		for _, env := range fs.envelopes() {
			if env.Event == "request-video" {
				return true
			}
		}
		return false
	})

	var action domain.VideoAction
	for _, env := range fs.envelopes() {
		if env.Event == "request-video" {
			require.NoError(t, json.Unmarshal(env.Data, &action))
		}
	}
	assert.Equal(t, "room-2", action.RoomID)
	assert.Equal(t, "u2", action.UserID)
}

func TestClient_AuthErrorIsTerminal(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	require.NoError(t, client.Connect(context.Background(), "bad-token", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	fs.push(t, "authentication-error", map[string]string{"message": "token expired"})

	waitFor(t, rec.has(func(e domain.Event) bool {
		ce, ok := e.(domain.CallError)
		return ok && ce.Kind == domain.ErrorKindAuth && ce.Message == "token expired"
	}))
}

func TestClient_DisconnectResetsAndClears(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	<-fs.connected

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-3"})
	waitFor(t, func() bool { return client.Session().RoomID == "room-3" })

	client.Disconnect()

	assert.False(t, client.Connected())
	assert.Equal(t, domain.CallStatusIdle, client.Session().Status)
	assert.Empty(t, client.Session().RoomID)

	waitFor(t, rec.has(func(e domain.Event) bool {
		d, ok := e.(domain.Disconnected)
		return ok && d.Reason == "client disconnect"
	}))
}

func TestClient_TransportDropResetsSessionDespiteReconnect(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	fs.push(t, "joined-room", domain.JoinedRoom{RoomID: "room-1"})
	fs.push(t, "call-started", domain.CallStarted{Participants: []domain.Participant{
		{ID: "u1"}, {ID: "u2"},
	}})
	waitFor(t, func() bool { return client.Session().Status == domain.CallStatusConnected })

	// server-side drop mid-call; the client silently redials
	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	conn.Close()
	<-fs.connected

	// the new socket session has no room membership, so the drop must
	// reset local state even though the redial succeeded
	waitFor(t, rec.has(func(e domain.Event) bool {
		d, ok := e.(domain.Disconnected)
		return ok && d.Reason != "client disconnect"
	}))
	waitFor(t, func() bool { return client.Session().Status == domain.CallStatusIdle })
	assert.Empty(t, client.Session().RoomID)

	// outbound signals must not carry the stale room
	err := client.SendSignal(domain.SignalMessage{Type: domain.SignalTypeOffer, SDP: "v=0"})
	assert.ErrorIs(t, err, ErrNotInRoom)

	// the fresh channel re-authenticates
	waitFor(t, func() bool {
		auths := 0
		for _, env := range fs.envelopes() {
			if env.Event == "authenticate" {
				auths++
			}
		}
		return auths >= 2
	})
	assert.True(t, client.Connected())
}

func TestClient_MalformedPayloadSurfacesError(t *testing.T) {
	fs, srv := newFakeServer(t)

	client := New(testConfig(wsURL(srv)), slog.Default())
	rec := &eventRecorder{}
	client.Subscribe(rec.record)

	require.NoError(t, client.Connect(context.Background(), "tok", domain.RoleRequester))
	defer client.Disconnect()
	<-fs.connected

	fs.mu.Lock()
	conn := fs.conn
	fs.mu.Unlock()
	require.NoError(t, conn.WriteJSON(domain.Envelope{
		Event: "joined-room",
		Data:  json.RawMessage(`"not an object"`),
	}))

	waitFor(t, rec.has(func(e domain.Event) bool {
		ce, ok := e.(domain.CallError)
		return ok && ce.Kind == domain.ErrorKindSignaling
	}))
	// the malformed join must not touch the session
	assert.Equal(t, domain.CallStatusIdle, client.Session().Status)
}
