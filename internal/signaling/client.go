// Package signaling maintains the authenticated websocket channel to the
// interaction service's call namespace. It is the single writer of the
// CallSession record: every mutation happens in this package's event
// handlers, and readers get value snapshots.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/velora-app/callkit/internal/config"
	"github.com/velora-app/callkit/internal/domain"
	"github.com/velora-app/callkit/lib/logger/sl"
)

var (
	ErrNotConnected = errors.New("call channel not connected")
	ErrNotInRoom    = errors.New("not in a call room")
)

// Outbound event names.
const (
	evtAuthenticate  = "authenticate"
	evtJoinRoom      = "join-room"
	evtEndCall       = "end-call"
	evtWebRTCSignal  = "webrtc-signal"
	evtRequestVideo  = "request-video"
	evtAcceptVideo   = "accept-video"
	evtRejectVideo   = "reject-video"
	evtQualityReport = "quality-report"
)

// Inbound event names.
const (
	evtAuthenticated    = "authenticated"
	evtAuthError        = "authentication-error"
	evtJoinedRoom       = "joined-room"
	evtCallStarted      = "call-started"
	evtVideoRequested   = "video-requested"
	evtVideoRequestSent = "video-request-sent"
	evtVideoEnabled     = "video-enabled"
	evtVideoRejected    = "video-rejected"
	evtCallEnded        = "call-ended"
	evtError            = "error"
)

// Client is the call signaling channel. One per app session, parallel to
// (and independent of) the chat channel.
type Client struct {
	cfg config.SignalingConfig
	log *slog.Logger
	bus *bus

	mu       sync.Mutex
	conn     *websocket.Conn
	session  domain.CallSession
	room     string
	token    string
	role     domain.Role
	authFail bool
	closing  bool

	writeMu sync.Mutex
}

func New(cfg config.SignalingConfig, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:     cfg,
		log:     log,
		bus:     newBus(log),
		session: domain.NewCallSession(""),
	}
}

// Connect establishes the channel. Idempotent: calling it while connected
// is a no-op. Transport failures are retried with linear backoff up to the
// configured attempt bound, then surfaced as a terminal disconnect.
func (c *Client) Connect(ctx context.Context, token string, role domain.Role) error {
	const op = "signaling.connect"
	log := c.log.With(slog.String("op", op))

	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		log.Info("already connected")
		return nil
	}
	c.token = token
	c.role = role
	c.authFail = false
	c.closing = false
	c.session = domain.NewCallSession(role)
	c.mu.Unlock()

	conn, err := c.dialWithRetry(ctx)
	if err != nil {
		c.bus.publish(domain.NewCallError(domain.ErrorKindConnection, "signaling connect failed", err))
		c.bus.publish(domain.Disconnected{Reason: "connect-failed"})
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	if err := c.send(evtAuthenticate, domain.AuthRequest{Token: token, Role: role}); err != nil {
		log.Error("authenticate send failed", sl.Err(err))
	}

	go c.readLoop(conn)

	log.Info("connected", slog.String("url", c.cfg.URL))
	return nil
}

func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	c.mu.Lock()
	header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		c.log.Warn("signaling dial failed",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.ReconnectAttempts),
			sl.Err(err),
		)

		if attempt == c.cfg.ReconnectAttempts {
			break
		}
		select {
		case <-time.After(time.Duration(attempt) * c.cfg.ReconnectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var env domain.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			c.handleReadError(conn, err)
			return
		}
		c.dispatch(env)
	}
}

func (c *Client) handleReadError(conn *websocket.Conn, err error) {
	c.mu.Lock()
	deliberate := c.closing || c.conn != conn
	authFail := c.authFail
	c.mu.Unlock()

	if deliberate {
		return
	}

	c.log.Warn("signaling channel dropped", sl.Err(err))
	conn.Close()

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	// Any transport drop invalidates the server-side socket session: the
	// room membership is gone even when the redial below succeeds. Local
	// state resets on every drop; subscribers see Disconnected and decide
	// whether to join again on the fresh channel.
	c.resetSession()
	c.bus.publish(domain.Disconnected{Reason: err.Error()})

	// Auth rejections are surfaced once and never retried; the caller has
	// to re-authenticate and reconnect explicitly.
	if authFail {
		return
	}

	next, dialErr := c.dialWithRetry(context.Background())
	if dialErr != nil {
		c.bus.publish(domain.NewCallError(domain.ErrorKindConnection, "signaling reconnect failed", dialErr))
		return
	}

	c.mu.Lock()
	c.conn = next
	token := c.token
	role := c.role
	c.mu.Unlock()

	if sendErr := c.send(evtAuthenticate, domain.AuthRequest{Token: token, Role: role}); sendErr != nil {
		c.log.Error("re-authenticate send failed", sl.Err(sendErr))
	}
	c.log.Info("signaling channel reconnected")
	go c.readLoop(next)
}

// dispatch applies one server event to the session and fans it out.
func (c *Client) dispatch(env domain.Envelope) {
	const op = "signaling.dispatch"
	log := c.log.With(slog.String("op", op), slog.String("event", env.Event))

	switch env.Event {
	case evtAuthenticated:
		var e domain.Authenticated
		if !c.decode(log, env.Data, &e) {
			return
		}
		log.Info("authenticated", slog.String("user_id", e.UserID))
		c.bus.publish(e)

	case evtAuthError:
		c.mu.Lock()
		c.authFail = true
		c.mu.Unlock()
		log.Error("authentication rejected")
		c.bus.publish(domain.NewCallError(domain.ErrorKindAuth, errMessage(env.Data), nil))

	case evtJoinedRoom:
		var e domain.JoinedRoom
		if !c.decode(log, env.Data, &e) {
			return
		}
		c.mu.Lock()
		c.room = e.RoomID
		c.session.RoomID = e.RoomID
		c.session.Status = domain.CallStatusConnecting
		c.mu.Unlock()
		log.Info("joined room", slog.String("room_id", e.RoomID))
		c.bus.publish(e)

	case evtCallStarted:
		var e domain.CallStarted
		if !c.decode(log, env.Data, &e) {
			return
		}
		c.mu.Lock()
		c.session.Status = domain.CallStatusConnected
		c.session.Participants = e.Participants
		c.session.StartTime = time.Now()
		c.mu.Unlock()
		log.Info("call started", slog.Int("participants", len(e.Participants)))
		c.bus.publish(e)

	case evtWebRTCSignal:
		var sig domain.SignalMessage
		if !c.decode(log, env.Data, &sig) {
			return
		}
		log.Debug("webrtc signal", slog.String("type", string(sig.Type)))
		c.bus.publish(domain.WebRTCSignal{Signal: sig})

	case evtVideoRequested:
		var e domain.VideoRequested
		if !c.decode(log, env.Data, &e) {
			return
		}
		c.mu.Lock()
		c.session.VideoRequestPending = true
		c.mu.Unlock()
		log.Info("video requested", slog.String("requested_by", e.RequestedBy))
		c.bus.publish(e)

	case evtVideoRequestSent:
		c.mu.Lock()
		c.session.VideoRequestPending = true
		c.mu.Unlock()
		c.bus.publish(domain.VideoRequestSent{})

	case evtVideoEnabled:
		c.mu.Lock()
		c.session.IsVideoEnabled = true
		c.session.VideoRequestPending = false
		c.mu.Unlock()
		log.Info("video enabled")
		c.bus.publish(domain.VideoEnabled{})

	case evtVideoRejected:
		c.mu.Lock()
		c.session.VideoRequestPending = false
		c.mu.Unlock()
		log.Info("video rejected")
		c.bus.publish(domain.VideoRejected{})

	case evtCallEnded:
		c.mu.Lock()
		c.session.Status = domain.CallStatusEnded
		c.mu.Unlock()
		log.Info("call ended")
		c.bus.publish(domain.CallEnded{})
		c.resetSession()

	case evtError:
		log.Error("server error", slog.String("message", errMessage(env.Data)))
		c.bus.publish(domain.NewCallError(domain.ErrorKindSignaling, errMessage(env.Data), nil))

	default:
		log.Warn("unknown event")
	}
}

func (c *Client) decode(log *slog.Logger, raw json.RawMessage, v any) bool {
	if len(raw) == 0 {
		return true
	}
	if err := json.Unmarshal(raw, v); err != nil {
		log.Error("malformed event payload", sl.Err(err))
		c.bus.publish(domain.NewCallError(domain.ErrorKindSignaling, "malformed event payload", err))
		return false
	}
	return true
}

func errMessage(raw json.RawMessage) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		return "signaling error"
	}
	return body.Message
}

// JoinRoom asks the server to place this client into roomId. Callers must
// be connected; a join while disconnected is a logged no-op error.
func (c *Client) JoinRoom(roomID string) error {
	const op = "signaling.joinRoom"

	c.mu.Lock()
	connected := c.conn != nil
	if connected {
		c.room = roomID
	}
	c.mu.Unlock()

	if !connected {
		c.log.Warn("join-room while disconnected", slog.String("op", op), slog.String("room_id", roomID))
		return ErrNotConnected
	}

	c.log.Info("joining room", slog.String("op", op), slog.String("room_id", roomID))
	return c.send(evtJoinRoom, domain.RoomRequest{RoomID: roomID})
}

// EndCall sends an end-call for roomID (current room when empty). Safe to
// call for a room that already ended.
func (c *Client) EndCall(roomID string) error {
	const op = "signaling.endCall"

	c.mu.Lock()
	connected := c.conn != nil
	if roomID == "" {
		roomID = c.room
	}
	c.mu.Unlock()

	if !connected || roomID == "" {
		c.log.Warn("end-call dropped", slog.String("op", op), slog.Bool("connected", connected))
		return ErrNotConnected
	}

	c.log.Info("ending call", slog.String("op", op), slog.String("room_id", roomID))
	return c.send(evtEndCall, domain.RoomRequest{RoomID: roomID})
}

// SendSignal relays an SDP/ICE payload, tagging it with the current room.
// Dropped (logged) when not in a room.
func (c *Client) SendSignal(sig domain.SignalMessage) error {
	c.mu.Lock()
	connected := c.conn != nil
	room := c.room
	c.mu.Unlock()

	if !connected || room == "" {
		c.log.Warn("webrtc signal dropped",
			slog.String("type", string(sig.Type)),
			slog.Bool("connected", connected),
		)
		return ErrNotInRoom
	}

	sig.RoomID = room
	return c.send(evtWebRTCSignal, sig)
}

// RequestVideo asks the gatekeeper to enable video.
func (c *Client) RequestVideo(userID string) error {
	return c.videoAction(evtRequestVideo, userID)
}

// AcceptVideo resolves a pending video request positively.
func (c *Client) AcceptVideo(userID string) error {
	return c.videoAction(evtAcceptVideo, userID)
}

// RejectVideo resolves a pending video request negatively.
func (c *Client) RejectVideo(userID string) error {
	return c.videoAction(evtRejectVideo, userID)
}

func (c *Client) videoAction(event, userID string) error {
	c.mu.Lock()
	connected := c.conn != nil
	room := c.room
	c.mu.Unlock()

	if !connected || room == "" {
		c.log.Warn("video action dropped", slog.String("event", event))
		return ErrNotInRoom
	}

	c.log.Info("video action", slog.String("event", event), slog.String("room_id", room))
	return c.send(event, domain.VideoAction{RoomID: room, UserID: userID})
}

// SendQualityReport forwards a connection quality sample; dropped silently
// when not in a room.
func (c *Client) SendQualityReport(report domain.QualityReport) error {
	c.mu.Lock()
	connected := c.conn != nil
	room := c.room
	c.mu.Unlock()

	if !connected || room == "" {
		return ErrNotInRoom
	}

	report.RoomID = room
	return c.send(evtQualityReport, report)
}

func (c *Client) send(event string, data any) error {
	env, err := domain.NewEnvelope(event, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(env)
}

// Subscribe registers fn for every inbound event. The returned cancel is
// idempotent.
func (c *Client) Subscribe(fn func(domain.Event)) func() {
	return c.bus.subscribe(fn)
}

// Session returns a snapshot of the call session.
func (c *Client) Session() domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.session
	snap.Participants = append([]domain.Participant(nil), c.session.Participants...)
	return snap
}

// Connected reports whether the channel is up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// Disconnect tears the channel down, clears all subscriptions and resets
// the session to idle.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	c.resetSession()
	c.bus.publish(domain.Disconnected{Reason: "client disconnect"})
	c.bus.clear()
	c.log.Info("signaling channel closed")
}

func (c *Client) resetSession() {
	c.mu.Lock()
	c.session.Reset()
	c.room = ""
	c.mu.Unlock()
}
