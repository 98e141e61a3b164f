package domain

import "time"

type CallStatus string

const (
	CallStatusIdle       CallStatus = "idle"
	CallStatusConnecting CallStatus = "connecting"
	CallStatusConnected  CallStatus = "connected"
	CallStatusEnded      CallStatus = "ended"
)

// Participant is the opaque descriptor the server sends at call-start.
type Participant struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// CallSession is the record of the current call. The signaling client's
// event handlers are its single writer; it is handed out by value so
// readers never observe a partial update.
//
// StartTime is non-zero exactly while Status is connected or ended.
// IsVideoEnabled only ever transitions false→true; Reset clears it along
// with everything else.
type CallSession struct {
	RoomID              string
	Status              CallStatus
	Role                Role
	Participants        []Participant
	StartTime           time.Time
	IsVideoEnabled      bool
	VideoRequestPending bool
}

// NewCallSession returns the idle rest state for the given local role.
func NewCallSession(role Role) CallSession {
	return CallSession{
		Status:       CallStatusIdle,
		Role:         role,
		Participants: []Participant{},
	}
}

// Reset returns the session to its idle defaults, keeping the local role.
func (s *CallSession) Reset() {
	*s = NewCallSession(s.Role)
}

// Elapsed reports the call duration so far, zero before the call connects.
func (s CallSession) Elapsed(now time.Time) time.Duration {
	if s.StartTime.IsZero() {
		return 0
	}
	return now.Sub(s.StartTime)
}

// Active reports whether a room is joined and the call has not ended.
func (s CallSession) Active() bool {
	return s.Status == CallStatusConnecting || s.Status == CallStatusConnected
}
