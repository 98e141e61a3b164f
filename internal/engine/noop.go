package engine

import (
	"context"
	"log/slog"

	"github.com/pion/webrtc/v4"
	"github.com/velora-app/callkit/internal/domain"
)

// Disabled returns the engine used when no capture stack exists: every
// operation is a logged no-op and media errors are reported once through
// the callback, so the voice-call UI keeps working without conditionals.
func Disabled(log *slog.Logger) Engine {
	if log == nil {
		log = slog.Default()
	}
	return &noopEngine{log: log}
}

type noopEngine struct {
	log *slog.Logger
	cb  Callbacks
}

func (e *noopEngine) Available() bool { return false }

func (e *noopEngine) SetCallbacks(cb Callbacks) { e.cb = cb }

func (e *noopEngine) AcquireLocalMedia(context.Context, bool) error {
	e.log.Warn("media disabled, cannot acquire local stream")
	if e.cb.OnError != nil {
		e.cb.OnError(domain.NewCallError(domain.ErrorKindMedia, "media capture unavailable", ErrMediaUnavailable))
	}
	return ErrMediaUnavailable
}

func (e *noopEngine) CreateConnection(string) error     { return ErrMediaUnavailable }
func (e *noopEngine) CreateAndSendOffer(string) error   { return ErrMediaUnavailable }
func (e *noopEngine) HandleSignal(domain.SignalMessage) {}
func (e *noopEngine) ToggleVideo(bool) error            { return ErrMediaUnavailable }
func (e *noopEngine) ToggleAudio(bool) error            { return ErrMediaUnavailable }
func (e *noopEngine) SwitchCamera() error               { return ErrMediaUnavailable }

func (e *noopEngine) ConnectionState() webrtc.PeerConnectionState {
	return webrtc.PeerConnectionStateClosed
}

func (e *noopEngine) Stats() Stats {
	return Stats{State: webrtc.PeerConnectionStateClosed}
}

func (e *noopEngine) Close() {}
