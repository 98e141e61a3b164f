package domain

// Event is the closed set of notifications the signaling client delivers
// to its subscribers. Each inbound server event maps to exactly one struct
// below, so a subscriber switches on the concrete type instead of matching
// string names against untyped payloads.
type Event interface {
	callEvent()
}

type Authenticated struct {
	UserID string `json:"userId"`
}

type JoinedRoom struct {
	RoomID string `json:"roomId"`
}

type CallStarted struct {
	Participants []Participant `json:"participants"`
}

type WebRTCSignal struct {
	Signal SignalMessage
}

type VideoRequested struct {
	RequestedBy string `json:"requestedBy"`
}

type VideoRequestSent struct{}

type VideoEnabled struct{}

type VideoRejected struct{}

type CallEnded struct{}

type Disconnected struct {
	Reason string `json:"reason"`
}

func (Authenticated) callEvent()    {}
func (JoinedRoom) callEvent()       {}
func (CallStarted) callEvent()      {}
func (WebRTCSignal) callEvent()     {}
func (VideoRequested) callEvent()   {}
func (VideoRequestSent) callEvent() {}
func (VideoEnabled) callEvent()     {}
func (VideoRejected) callEvent()    {}
func (CallEnded) callEvent()        {}
func (Disconnected) callEvent()     {}
func (CallError) callEvent()        {}
