// Package callui translates signaling events, engine callbacks and the
// video gate into render state for the view layer, and maps UI actions
// back onto the services. It is deliberately thin: no protocol decisions
// live here.
package callui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/velora-app/callkit/internal/config"
	"github.com/velora-app/callkit/internal/domain"
	"github.com/velora-app/callkit/internal/engine"
	"github.com/velora-app/callkit/internal/protocol"
	"github.com/velora-app/callkit/lib/logger/sl"
)

// Channel is the signaling surface the adapter needs; satisfied by
// *signaling.Client.
type Channel interface {
	JoinRoom(roomID string) error
	EndCall(roomID string) error
	RequestVideo(userID string) error
	AcceptVideo(userID string) error
	RejectVideo(userID string) error
	SendQualityReport(report domain.QualityReport) error
	Subscribe(fn func(domain.Event)) func()
	Session() domain.CallSession
	Connected() bool
}

// ViewState is the render snapshot the view layer consumes.
type ViewState struct {
	Status              domain.CallStatus
	Duration            string
	IsMuted             bool
	IsVideoEnabled      bool
	VideoRequestPending bool
	VideoRequestedBy    string
	IsFrontCamera       bool
	ConnectionState     string
	CanCancel           bool
	LocalStream         *engine.LocalMedia
	RemoteStream        *engine.RemoteStream
	LastError           *domain.CallError
}

// Adapter wires one call's worth of UI state.
type Adapter struct {
	channel Channel
	engine  engine.Engine
	gate    *protocol.VideoGate
	cfg     config.Config
	log     *slog.Logger

	mu          sync.Mutex
	localUserID string
	remoteID    string
	muted       bool
	frontCamera bool
	local       *engine.LocalMedia
	remote      *engine.RemoteStream
	connState   webrtc.PeerConnectionState
	lastErr     *domain.CallError
	joinedAt    time.Time

	unsub       func()
	stopQuality chan struct{}
}

func New(channel Channel, eng engine.Engine, gate *protocol.VideoGate, cfg config.Config, log *slog.Logger) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		channel:     channel,
		engine:      eng,
		gate:        gate,
		cfg:         cfg,
		log:         log,
		frontCamera: true,
		connState:   webrtc.PeerConnectionStateNew,
	}
}

// Start subscribes to channel events and installs engine callbacks.
// The returned stop function is idempotent.
func (a *Adapter) Start() func() {
	a.engine.SetCallbacks(engine.Callbacks{
		OnLocalStream: func(media *engine.LocalMedia) {
			a.mu.Lock()
			a.local = media
			a.mu.Unlock()
		},
		OnRemoteStream: func(stream *engine.RemoteStream) {
			a.mu.Lock()
			a.remote = stream
			a.mu.Unlock()
		},
		OnConnectionStateChange: func(state webrtc.PeerConnectionState) {
			a.mu.Lock()
			a.connState = state
			a.mu.Unlock()
		},
		OnError: func(err domain.CallError) {
			a.log.Error("engine error", sl.Err(err))
			a.mu.Lock()
			a.lastErr = &err
			a.mu.Unlock()
		},
	})

	unsub := a.channel.Subscribe(a.handleEvent)

	a.mu.Lock()
	a.unsub = unsub
	a.mu.Unlock()

	return func() {
		unsub()
		a.stopQualityReports()
		a.engine.Close()
	}
}

func (a *Adapter) handleEvent(event domain.Event) {
	a.gate.Apply(event)

	switch e := event.(type) {
	case domain.Authenticated:
		a.mu.Lock()
		a.localUserID = e.UserID
		a.mu.Unlock()

	case domain.JoinedRoom:
		a.mu.Lock()
		a.joinedAt = time.Now()
		a.lastErr = nil
		a.mu.Unlock()

	case domain.CallStarted:
		a.mu.Lock()
		// Without the authenticated local id the participant list cannot be
		// disambiguated; keep the remote id the caller supplied.
		if local := a.localUserID; local != "" {
			for _, p := range e.Participants {
				if p.ID != local {
					a.remoteID = p.ID
				}
			}
		}
		a.mu.Unlock()
		a.startQualityReports()

	case domain.WebRTCSignal:
		a.engine.HandleSignal(e.Signal)

	case domain.VideoEnabled:
		// Consent granted: both sides enable their camera; the track
		// attach triggers the one renegotiation.
		if err := a.engine.ToggleVideo(true); err != nil {
			a.log.Warn("video enable failed", sl.Err(err))
		}

	case domain.CallEnded, domain.Disconnected:
		a.stopQualityReports()
		a.engine.Close()
		a.mu.Lock()
		a.local = nil
		a.remote = nil
		a.remoteID = ""
		a.connState = webrtc.PeerConnectionStateClosed
		a.joinedAt = time.Time{}
		a.mu.Unlock()

	case domain.CallError:
		a.mu.Lock()
		a.lastErr = &e
		a.mu.Unlock()
	}
}

// StartCall joins roomID as the caller: local audio is captured and the
// connection created eagerly, so the offer goes out as soon as the room
// fills.
func (a *Adapter) StartCall(ctx context.Context, roomID, remoteUserID string) error {
	if err := a.channel.JoinRoom(roomID); err != nil {
		return err
	}

	a.mu.Lock()
	a.remoteID = remoteUserID
	a.mu.Unlock()

	if err := a.engine.AcquireLocalMedia(ctx, false); err != nil {
		// Voice capture failed; signaling stays up so the user sees the
		// actionable media error rather than a dead room.
		return err
	}
	return a.engine.CreateConnection(remoteUserID)
}

// AnswerCall joins roomID as the callee: capture starts, but the
// connection is created by the engine when the caller's offer arrives.
func (a *Adapter) AnswerCall(ctx context.Context, roomID string) error {
	if err := a.channel.JoinRoom(roomID); err != nil {
		return err
	}
	return a.engine.AcquireLocalMedia(ctx, false)
}

// EndCall tears the call down on both legs.
func (a *Adapter) EndCall() error {
	err := a.channel.EndCall("")
	a.stopQualityReports()
	a.engine.Close()
	return err
}

// ToggleMute flips the microphone and returns the new muted state.
func (a *Adapter) ToggleMute() bool {
	a.mu.Lock()
	a.muted = !a.muted
	muted := a.muted
	a.mu.Unlock()

	if err := a.engine.ToggleAudio(!muted); err != nil {
		a.log.Warn("audio toggle failed", sl.Err(err))
	}
	return muted
}

// RequestVideo sends the consent request; requester role only.
func (a *Adapter) RequestVideo() error {
	if err := a.gate.CheckRequest(); err != nil {
		a.log.Warn("video request refused", sl.Err(err))
		return err
	}

	a.mu.Lock()
	remote := a.remoteID
	a.mu.Unlock()
	return a.channel.RequestVideo(remote)
}

// AcceptVideo resolves the pending request positively; gatekeeper only.
func (a *Adapter) AcceptVideo() error {
	if err := a.gate.CheckResolve(); err != nil {
		a.log.Warn("video accept refused", sl.Err(err))
		return err
	}
	return a.channel.AcceptVideo(a.gate.RequestedBy())
}

// RejectVideo resolves the pending request negatively; gatekeeper only.
func (a *Adapter) RejectVideo() error {
	if err := a.gate.CheckResolve(); err != nil {
		a.log.Warn("video reject refused", sl.Err(err))
		return err
	}
	return a.channel.RejectVideo(a.gate.RequestedBy())
}

// ToggleVideo mutes/unmutes an already-consented camera. Turning video on
// for the first time goes through RequestVideo/AcceptVideo, never here.
func (a *Adapter) ToggleVideo(enabled bool) error {
	if enabled && !a.channel.Session().IsVideoEnabled {
		return protocol.ErrNoRequest
	}
	return a.engine.ToggleVideo(enabled)
}

// SwitchCamera flips between front and back cameras.
func (a *Adapter) SwitchCamera() error {
	if err := a.engine.SwitchCamera(); err != nil {
		return err
	}
	a.mu.Lock()
	a.frontCamera = !a.frontCamera
	a.mu.Unlock()
	return nil
}

// RenderState snapshots everything the view needs for one frame.
func (a *Adapter) RenderState(now time.Time) ViewState {
	session := a.channel.Session()

	a.mu.Lock()
	defer a.mu.Unlock()

	canCancel := session.Status == domain.CallStatusConnecting &&
		!a.joinedAt.IsZero() &&
		now.Sub(a.joinedAt) >= a.cfg.Call.ConnectTimeout

	return ViewState{
		Status:              session.Status,
		Duration:            FormatDuration(session.Elapsed(now)),
		IsMuted:             a.muted,
		IsVideoEnabled:      session.IsVideoEnabled,
		VideoRequestPending: session.VideoRequestPending,
		VideoRequestedBy:    a.gate.RequestedBy(),
		IsFrontCamera:       a.frontCamera,
		ConnectionState:     a.connState.String(),
		CanCancel:           canCancel,
		LocalStream:         a.local,
		RemoteStream:        a.remote,
		LastError:           a.lastErr,
	}
}

// FormatDuration renders an elapsed call time as MM:SS.
func FormatDuration(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 0 {
		secs = 0
	}
	return fmt.Sprintf("%02d:%02d", secs/60, secs%60)
}

func (a *Adapter) startQualityReports() {
	a.mu.Lock()
	if a.stopQuality != nil {
		a.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	a.stopQuality = stop
	a.mu.Unlock()

	go func() {
		ticker := time.NewTicker(a.cfg.WebRTC.QualityInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				stats := a.engine.Stats()
				report := domain.QualityReport{
					ReportID:        uuid.New().String(),
					ConnectionState: stats.State.String(),
					RTTMillis:       stats.RTTMillis,
					PacketsLost:     stats.PacketsLost,
					VideoEnabled:    a.channel.Session().IsVideoEnabled,
				}
				if err := a.channel.SendQualityReport(report); err != nil {
					a.log.Debug("quality report dropped", sl.Err(err))
				}
			}
		}
	}()
}

func (a *Adapter) stopQualityReports() {
	a.mu.Lock()
	if a.stopQuality != nil {
		close(a.stopQuality)
		a.stopQuality = nil
	}
	a.mu.Unlock()
}
