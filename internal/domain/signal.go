package domain

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

type SignalType string

const (
	SignalTypeOffer        SignalType = "offer"
	SignalTypeAnswer       SignalType = "answer"
	SignalTypeICECandidate SignalType = "ice-candidate"
)

// SignalMessage is the WebRTC handshake payload relayed through the
// signaling server. The JSON shape is shared with every other client
// implementation and must not change: sdp is present for offer/answer,
// candidate for ice-candidate.
type SignalMessage struct {
	Type      SignalType               `json:"type"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	UserID    string                   `json:"userId"`
	RoomID    string                   `json:"roomId"`
}

// Envelope frames every message on the signaling channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into a ready-to-send envelope.
func NewEnvelope(event string, data any) (Envelope, error) {
	if data == nil {
		return Envelope{Event: event}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// RoomRequest carries room-scoped actions (join-room, end-call).
type RoomRequest struct {
	RoomID string `json:"roomId"`
}

// VideoAction carries request-video / accept-video / reject-video.
type VideoAction struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// AuthRequest is sent once right after the transport connects.
type AuthRequest struct {
	Token string `json:"token"`
	Role  Role   `json:"role"`
}

// QualityReport is the periodic connection quality sample sent while a
// call is connected.
type QualityReport struct {
	ReportID        string `json:"reportId"`
	RoomID          string `json:"roomId"`
	ConnectionState string `json:"connectionState"`
	RTTMillis       int64  `json:"rttMs"`
	PacketsLost     int64  `json:"packetsLost"`
	VideoEnabled    bool   `json:"videoEnabled"`
}
