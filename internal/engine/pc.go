package engine

import "github.com/pion/webrtc/v4"

// peerConn is the subset of *webrtc.PeerConnection the engine drives.
// Tests substitute a recording fake behind this seam; production code always
// gets the real thing from the media provider.
type peerConn interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(f func())
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	ConnectionState() webrtc.PeerConnectionState
	GetStats() webrtc.StatsReport
	Close() error
}
