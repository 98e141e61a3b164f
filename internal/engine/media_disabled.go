package engine

import "github.com/pion/webrtc/v4"

// disabledProvider is the null capture capability.
type disabledProvider struct{}

func (disabledProvider) Available() bool { return false }

func (disabledProvider) NewPeerConnection([]webrtc.ICEServer) (*webrtc.PeerConnection, error) {
	return nil, ErrMediaUnavailable
}

func (disabledProvider) GetUserMedia(bool) (*LocalMedia, error) {
	return nil, ErrMediaUnavailable
}

func (disabledProvider) SwitchCamera() (LocalTrack, error) {
	return nil, ErrMediaUnavailable
}
