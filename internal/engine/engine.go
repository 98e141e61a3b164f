// Package engine owns the peer-to-peer media connection for a call:
// local capture, offer/answer/ICE exchange, renegotiation when tracks
// change and recovery when ICE fails. Its only transport is the signaling
// channel, reached through the SignalSender seam.
package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/velora-app/callkit/internal/domain"
	"github.com/velora-app/callkit/lib/logger/sl"
)

// SignalSender relays handshake metadata to the remote peer. Satisfied by
// the signaling client.
type SignalSender interface {
	SendSignal(sig domain.SignalMessage) error
}

// Callbacks notify the UI adapter. All fields are optional.
type Callbacks struct {
	OnLocalStream           func(media *LocalMedia)
	OnRemoteStream          func(stream *RemoteStream)
	OnConnectionStateChange func(state webrtc.PeerConnectionState)
	OnError                 func(err domain.CallError)
}

// RemoteStream collects the inbound tracks. The UI renders from it but
// never owns or stops the tracks.
type RemoteStream struct {
	mu     sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (r *RemoteStream) add(track *webrtc.TrackRemote) {
	r.mu.Lock()
	r.tracks = append(r.tracks, track)
	r.mu.Unlock()
}

// Tracks returns the inbound tracks received so far.
func (r *RemoteStream) Tracks() []*webrtc.TrackRemote {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*webrtc.TrackRemote(nil), r.tracks...)
}

// Stats is a point-in-time connection quality sample.
type Stats struct {
	State       webrtc.PeerConnectionState
	RTTMillis   int64
	PacketsLost int64
}

// Engine is the negotiation engine surface the adapter drives. New returns
// the real implementation when the media provider is available and the
// disabled one otherwise, so call sites never test for capability.
type Engine interface {
	Available() bool
	AcquireLocalMedia(ctx context.Context, enableVideo bool) error
	CreateConnection(participantID string) error
	CreateAndSendOffer(participantID string) error
	HandleSignal(sig domain.SignalMessage)
	ToggleVideo(enabled bool) error
	ToggleAudio(enabled bool) error
	SwitchCamera() error
	ConnectionState() webrtc.PeerConnectionState
	Stats() Stats
	SetCallbacks(cb Callbacks)
	Close()
}

// New selects the engine implementation for the given provider.
func New(provider MediaProvider, sender SignalSender, servers []webrtc.ICEServer, log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	if provider == nil || !provider.Available() {
		log.Warn("media capture unavailable, video calls disabled")
		return Disabled(log)
	}
	e := &realEngine{
		provider: provider,
		sender:   sender,
		servers:  servers,
		log:      log,
	}
	e.newPC = func() (peerConn, error) {
		return provider.NewPeerConnection(servers)
	}
	return e
}

type realEngine struct {
	provider MediaProvider
	sender   SignalSender
	servers  []webrtc.ICEServer
	log      *slog.Logger
	newPC    func() (peerConn, error)

	mu            sync.Mutex
	cb            Callbacks
	pc            peerConn
	local         *LocalMedia
	remote        *RemoteStream
	audioSender   *webrtc.RTPSender
	videoSender   *webrtc.RTPSender
	audioEnabled  bool
	videoEnabled  bool
	pending       []webrtc.ICECandidateInit
	negotiating   bool
	iceRestarted  bool
	participantID string
}

func (e *realEngine) Available() bool { return true }

func (e *realEngine) SetCallbacks(cb Callbacks) {
	e.mu.Lock()
	e.cb = cb
	e.mu.Unlock()
}

// AcquireLocalMedia opens the microphone (and camera when enableVideo).
// A permission refusal propagates as ErrMediaAccessDenied.
func (e *realEngine) AcquireLocalMedia(ctx context.Context, enableVideo bool) error {
	const op = "engine.acquireLocalMedia"

	if err := ctx.Err(); err != nil {
		return err
	}

	media, err := e.provider.GetUserMedia(enableVideo)
	if err != nil {
		e.log.Error("local media acquisition failed", slog.String("op", op), sl.Err(err))
		e.emitError(domain.NewCallError(domain.ErrorKindMedia, "failed to access camera/microphone", err))
		return err
	}

	e.mu.Lock()
	if e.local != nil {
		e.local.Close()
	}
	e.local = media
	e.audioEnabled = media.Audio != nil
	e.videoEnabled = media.Video != nil
	cb := e.cb
	e.mu.Unlock()

	e.log.Info("local media acquired",
		slog.String("op", op),
		slog.Bool("video", enableVideo),
	)

	if cb.OnLocalStream != nil {
		cb.OnLocalStream(media)
	}
	return nil
}

// CreateConnection instantiates the peer connection and wires its handlers.
// Any previous connection is closed first.
func (e *realEngine) CreateConnection(participantID string) error {
	const op = "engine.createConnection"

	e.closeConnection()

	pc, err := e.newPC()
	if err != nil {
		e.log.Error("peer connection create failed", slog.String("op", op), sl.Err(err))
		e.emitError(domain.NewCallError(domain.ErrorKindConnection, "failed to create connection", err))
		return err
	}

	e.mu.Lock()
	e.pc = pc
	e.remote = &RemoteStream{}
	e.participantID = participantID
	e.negotiating = false
	e.iceRestarted = false
	local := e.local
	e.mu.Unlock()

	if local != nil {
		e.attachLocalTracks(pc, local)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		init := candidate.ToJSON()
		if err := e.sender.SendSignal(domain.SignalMessage{
			Type:      domain.SignalTypeICECandidate,
			Candidate: &init,
			UserID:    participantID,
		}); err != nil {
			e.log.Warn("candidate send failed", sl.Err(err))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.handleStateChange(state, participantID)
	})

	pc.OnNegotiationNeeded(func() {
		if err := e.CreateAndSendOffer(participantID); err != nil {
			e.log.Warn("renegotiation failed", sl.Err(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("remote track received",
			slog.String("op", op),
			slog.String("kind", track.Kind().String()),
		)
		e.mu.Lock()
		remote := e.remote
		cb := e.cb
		e.mu.Unlock()
		if remote == nil {
			return
		}
		remote.add(track)
		if cb.OnRemoteStream != nil {
			cb.OnRemoteStream(remote)
		}
	})

	e.log.Info("peer connection created",
		slog.String("op", op),
		slog.String("participant_id", participantID),
	)
	return nil
}

func (e *realEngine) attachLocalTracks(pc peerConn, local *LocalMedia) {
	if local.Audio != nil {
		sender, err := pc.AddTrack(local.Audio.Track())
		if err != nil {
			e.log.Warn("audio track attach failed", sl.Err(err))
		} else {
			e.mu.Lock()
			e.audioSender = sender
			e.mu.Unlock()
		}
	}
	if local.Video != nil {
		sender, err := pc.AddTrack(local.Video.Track())
		if err != nil {
			e.log.Warn("video track attach failed", sl.Err(err))
		} else {
			e.mu.Lock()
			e.videoSender = sender
			e.mu.Unlock()
		}
	}
}

func (e *realEngine) handleStateChange(state webrtc.PeerConnectionState, participantID string) {
	e.log.Info("connection state changed", slog.String("state", state.String()))

	e.mu.Lock()
	cb := e.cb
	restarted := e.iceRestarted
	if state == webrtc.PeerConnectionStateFailed {
		e.iceRestarted = true
	}
	e.mu.Unlock()

	if cb.OnConnectionStateChange != nil {
		cb.OnConnectionStateChange(state)
	}

	if state != webrtc.PeerConnectionStateFailed {
		return
	}

	// One automatic ICE restart. A second failure is terminal for the call
	// and must reach the user, not loop.
	if !restarted {
		e.log.Warn("ice failed, attempting restart")
		if err := e.negotiateOffer(participantID, &webrtc.OfferOptions{ICERestart: true}); err != nil {
			e.emitError(domain.NewCallError(domain.ErrorKindConnection, "ice restart failed", err))
		}
		return
	}
	e.emitError(domain.NewCallError(domain.ErrorKindConnection, "connection failed", nil))
}

// CreateAndSendOffer generates and relays an SDP offer. Guarded so only one
// negotiation is in flight; a trigger while one is pending is dropped, not
// queued. The single video-enable is the only renegotiation source here.
func (e *realEngine) CreateAndSendOffer(participantID string) error {
	return e.negotiateOffer(participantID, nil)
}

// negotiateOffer holds the in-flight guard around one offer exchange.
// ICE restarts go through the same gate as renegotiations.
func (e *realEngine) negotiateOffer(participantID string, opts *webrtc.OfferOptions) error {
	e.mu.Lock()
	if e.pc == nil {
		e.mu.Unlock()
		e.log.Warn("offer requested without connection")
		return nil
	}
	if e.negotiating {
		e.mu.Unlock()
		e.log.Debug("negotiation already in flight, offer dropped")
		return nil
	}
	e.negotiating = true
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.negotiating = false
		e.mu.Unlock()
	}()

	return e.sendOffer(participantID, opts)
}

func (e *realEngine) sendOffer(participantID string, opts *webrtc.OfferOptions) error {
	const op = "engine.sendOffer"

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return nil
	}

	offer, err := pc.CreateOffer(opts)
	if err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to create offer", err))
		return err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to set local description", err))
		return err
	}

	if err := e.sender.SendSignal(domain.SignalMessage{
		Type:   domain.SignalTypeOffer,
		SDP:    offer.SDP,
		UserID: participantID,
	}); err != nil {
		return err
	}

	e.log.Info("offer sent", slog.String("op", op), slog.String("participant_id", participantID))
	return nil
}

// HandleSignal routes one inbound handshake payload.
func (e *realEngine) HandleSignal(sig domain.SignalMessage) {
	switch sig.Type {
	case domain.SignalTypeOffer:
		e.handleOffer(sig)
	case domain.SignalTypeAnswer:
		e.handleAnswer(sig)
	case domain.SignalTypeICECandidate:
		e.handleICECandidate(sig)
	default:
		e.log.Warn("unknown signal type", slog.String("type", string(sig.Type)))
	}
}

// handleOffer covers the callee path: the offer may arrive before local
// setup finished, in which case the connection is created here.
func (e *realEngine) handleOffer(sig domain.SignalMessage) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if pc == nil {
		if err := e.CreateConnection(sig.UserID); err != nil {
			return
		}
		e.mu.Lock()
		pc = e.pc
		e.mu.Unlock()
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sig.SDP,
	}); err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to set remote offer", err))
		return
	}

	e.drainPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to create answer", err))
		return
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to set local answer", err))
		return
	}

	if err := e.sender.SendSignal(domain.SignalMessage{
		Type:   domain.SignalTypeAnswer,
		SDP:    answer.SDP,
		UserID: sig.UserID,
	}); err != nil {
		e.log.Warn("answer send failed", sl.Err(err))
		return
	}
	e.log.Info("answer sent", slog.String("participant_id", sig.UserID))
}

// handleAnswer sets the remote description; a stray answer after teardown
// is a logged no-op.
func (e *realEngine) handleAnswer(sig domain.SignalMessage) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	if pc == nil {
		e.log.Warn("answer received without connection")
		return
	}

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sig.SDP,
	}); err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to set remote answer", err))
		return
	}

	e.drainPendingCandidates(pc)
	e.log.Debug("remote description set")
}

// handleICECandidate applies the candidate when a remote description
// exists, otherwise queues it. Candidates racing ahead of the offer/answer
// exchange are expected, not an error.
func (e *realEngine) handleICECandidate(sig domain.SignalMessage) {
	if sig.Candidate == nil {
		e.log.Warn("ice-candidate signal without candidate")
		return
	}

	e.mu.Lock()
	pc := e.pc
	if pc == nil || pc.RemoteDescription() == nil {
		e.pending = append(e.pending, *sig.Candidate)
		n := len(e.pending)
		e.mu.Unlock()
		e.log.Debug("ice candidate queued", slog.Int("pending", n))
		return
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(*sig.Candidate); err != nil {
		e.log.Warn("ice candidate rejected", sl.Err(err))
	}
}

// drainPendingCandidates applies queued candidates in arrival order, then
// clears the queue. Called right after a remote description is set.
func (e *realEngine) drainPendingCandidates(pc peerConn) {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			e.log.Warn("queued ice candidate rejected", sl.Err(err))
		}
	}
	if len(pending) > 0 {
		e.log.Debug("pending ice candidates applied", slog.Int("count", len(pending)))
	}
}

// ToggleVideo acquires a camera track on first enable (triggering
// renegotiation through the attach path); afterwards it only flips the
// sending state, which needs no renegotiation.
func (e *realEngine) ToggleVideo(enabled bool) error {
	e.mu.Lock()
	local := e.local
	hasVideo := local != nil && local.Video != nil
	videoSender := e.videoSender
	pc := e.pc
	e.mu.Unlock()

	if !hasVideo {
		if !enabled {
			return nil
		}

		media, err := e.provider.GetUserMedia(true)
		if err != nil {
			e.emitError(domain.NewCallError(domain.ErrorKindMedia, "failed to access camera", err))
			return err
		}

		e.mu.Lock()
		if e.local == nil {
			e.local = media
		} else {
			// Keep the running microphone track; adopt only the camera.
			e.local.Video = media.Video
			if media.Audio != nil {
				media.Audio.Close()
			}
		}
		local = e.local
		cb := e.cb
		e.mu.Unlock()

		if pc != nil && local.Video != nil {
			sender, err := pc.AddTrack(local.Video.Track())
			if err != nil {
				e.emitError(domain.NewCallError(domain.ErrorKindNegotiation, "failed to add video track", err))
				return err
			}
			e.mu.Lock()
			e.videoSender = sender
			e.videoEnabled = true
			e.mu.Unlock()
		}
		if cb.OnLocalStream != nil {
			cb.OnLocalStream(local)
		}
		return nil
	}

	if videoSender == nil {
		e.log.Warn("video toggle without sender")
		return nil
	}

	var err error
	if enabled {
		err = videoSender.ReplaceTrack(local.Video.Track())
	} else {
		err = videoSender.ReplaceTrack(nil)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.videoEnabled = enabled
	e.mu.Unlock()
	e.log.Info("video toggled", slog.Bool("enabled", enabled))
	return nil
}

// ToggleAudio flips the microphone sending state; no renegotiation.
func (e *realEngine) ToggleAudio(enabled bool) error {
	e.mu.Lock()
	local := e.local
	audioSender := e.audioSender
	e.mu.Unlock()

	if local == nil || local.Audio == nil || audioSender == nil {
		e.log.Warn("audio toggle without track")
		return nil
	}

	var err error
	if enabled {
		err = audioSender.ReplaceTrack(local.Audio.Track())
	} else {
		err = audioSender.ReplaceTrack(nil)
	}
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.audioEnabled = enabled
	e.mu.Unlock()
	e.log.Info("audio toggled", slog.Bool("enabled", enabled))
	return nil
}

// SwitchCamera swaps the outgoing video for the next camera device. The
// swap goes through ReplaceTrack, so no renegotiation happens.
func (e *realEngine) SwitchCamera() error {
	e.mu.Lock()
	local := e.local
	videoSender := e.videoSender
	e.mu.Unlock()

	if local == nil || local.Video == nil {
		return ErrNoCamera
	}

	next, err := e.provider.SwitchCamera()
	if err != nil {
		e.emitError(domain.NewCallError(domain.ErrorKindMedia, "camera switch failed", err))
		return err
	}

	if videoSender != nil {
		if err := videoSender.ReplaceTrack(next.Track()); err != nil {
			next.Close()
			return err
		}
	}

	e.mu.Lock()
	old := e.local.Video
	e.local.Video = next
	e.mu.Unlock()
	if old != nil {
		old.Close()
	}

	e.log.Info("camera switched")
	return nil
}

func (e *realEngine) ConnectionState() webrtc.PeerConnectionState {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return webrtc.PeerConnectionStateClosed
	}
	return pc.ConnectionState()
}

// Stats samples the connection for quality reporting.
func (e *realEngine) Stats() Stats {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()

	stats := Stats{State: webrtc.PeerConnectionStateClosed}
	if pc == nil {
		return stats
	}
	stats.State = pc.ConnectionState()

	for _, s := range pc.GetStats() {
		switch v := s.(type) {
		case webrtc.ICECandidatePairStats:
			if v.Nominated {
				stats.RTTMillis = int64(v.CurrentRoundTripTime * 1000)
			}
		case webrtc.InboundRTPStreamStats:
			stats.PacketsLost += int64(v.PacketsLost)
		}
	}
	return stats
}

// Close tears the connection down and releases every local resource:
// tracks stopped, candidate queue cleared, negotiation guard reset.
func (e *realEngine) Close() {
	e.closeConnection()

	e.mu.Lock()
	local := e.local
	e.local = nil
	e.audioSender = nil
	e.videoSender = nil
	e.audioEnabled = false
	e.videoEnabled = false
	e.mu.Unlock()

	local.Close()
	e.log.Info("peer connection closed")
}

func (e *realEngine) closeConnection() {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.remote = nil
	e.pending = nil
	e.negotiating = false
	e.iceRestarted = false
	e.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			e.log.Warn("peer connection close failed", sl.Err(err))
		}
	}
}

func (e *realEngine) emitError(callErr domain.CallError) {
	e.mu.Lock()
	cb := e.cb
	e.mu.Unlock()
	if cb.OnError != nil {
		cb.OnError(callErr)
	}
}
