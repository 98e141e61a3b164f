package engine

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrMediaUnavailable means no capture stack exists on this platform or
	// it was disabled by configuration. Calls stay audio-signaling only.
	ErrMediaUnavailable = errors.New("media capture unavailable")

	// ErrMediaAccessDenied means the OS refused camera/microphone access.
	// Surfaced to the UI as its own actionable condition; an audio-only call
	// in progress is not torn down because of it.
	ErrMediaAccessDenied = errors.New("media access denied")

	// ErrNoCamera means no (other) camera device exists to switch to.
	ErrNoCamera = errors.New("no camera device available")
)

// LocalTrack is one owned capture track. The engine is the only component
// allowed to stop it.
type LocalTrack interface {
	Track() webrtc.TrackLocal
	Kind() webrtc.RTPCodecType
	Close() error
}

// LocalMedia is the local capture set for a call: microphone always,
// camera only after the video gate opens.
type LocalMedia struct {
	Audio LocalTrack
	Video LocalTrack
}

// Close stops every owned track, releasing the devices.
func (m *LocalMedia) Close() {
	if m == nil {
		return
	}
	if m.Audio != nil {
		m.Audio.Close()
		m.Audio = nil
	}
	if m.Video != nil {
		m.Video.Close()
		m.Video = nil
	}
}

// MediaProvider is the platform capture capability. There are two
// implementations: the mediadevices-backed one on Linux and a disabled one
// everywhere else (and when media is switched off in config). The engine is
// selected once at startup from Available, not guarded at every call site.
type MediaProvider interface {
	Available() bool

	// NewPeerConnection builds a peer connection whose media engine is
	// populated with the provider's codecs.
	NewPeerConnection(servers []webrtc.ICEServer) (*webrtc.PeerConnection, error)

	// GetUserMedia opens the microphone, plus the camera when enableVideo
	// is set. Permission refusals wrap ErrMediaAccessDenied.
	GetUserMedia(enableVideo bool) (*LocalMedia, error)

	// SwitchCamera opens the next camera device and returns its track; the
	// caller swaps it into the running connection.
	SwitchCamera() (LocalTrack, error)
}
