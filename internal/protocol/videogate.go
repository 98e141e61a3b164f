// Package protocol holds the video consent state machine: one participant
// role requests video, the other exclusively accepts or rejects it. The
// signaling server is the enforcement point; this mirror validates local
// actions before they are sent and applies server events as the truth.
package protocol

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/velora-app/callkit/internal/domain"
)

type State string

const (
	StateNoRequest      State = "no-request"
	StateRequestPending State = "request-pending"
	StateVideoEnabled   State = "video-enabled"
)

var (
	ErrRequestPending = errors.New("video request already pending")
	ErrNotRequester   = errors.New("only the requester role may request video")
	ErrNotGatekeeper  = errors.New("only the gatekeeper role may resolve a video request")
	ErrNoRequest      = errors.New("no video request pending")
	ErrVideoEnabled   = errors.New("video already enabled")
)

// VideoGate tracks the request/accept/reject protocol for one call.
type VideoGate struct {
	role domain.Role
	log  *slog.Logger

	mu          sync.Mutex
	state       State
	requestedBy string
}

func NewVideoGate(role domain.Role, log *slog.Logger) *VideoGate {
	if log == nil {
		log = slog.Default()
	}
	return &VideoGate{
		role:  role,
		log:   log,
		state: StateNoRequest,
	}
}

func (g *VideoGate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// RequestedBy returns the identity carried by the pending request, empty
// when none is pending.
func (g *VideoGate) RequestedBy() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requestedBy
}

// CheckRequest validates a local requestVideo action. The transition itself
// happens when the server echoes video-request-sent.
func (g *VideoGate) CheckRequest() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.role != domain.RoleRequester {
		return ErrNotRequester
	}
	switch g.state {
	case StateRequestPending:
		return ErrRequestPending
	case StateVideoEnabled:
		return ErrVideoEnabled
	}
	return nil
}

// CheckResolve validates a local acceptVideo/rejectVideo action.
func (g *VideoGate) CheckResolve() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.role != domain.RoleGatekeeper {
		return ErrNotGatekeeper
	}
	if g.state != StateRequestPending {
		return ErrNoRequest
	}
	return nil
}

// Apply folds a server-sent event into the gate. The server is
// authoritative, so events that contradict the local state are still
// applied, except resolutions with no pending request, which are logged
// no-ops.
func (g *VideoGate) Apply(event domain.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch e := event.(type) {
	case domain.VideoRequested:
		g.state = StateRequestPending
		g.requestedBy = e.RequestedBy
	case domain.VideoRequestSent:
		g.state = StateRequestPending
	case domain.VideoEnabled:
		if g.state != StateRequestPending {
			g.log.Warn("video-enabled without pending request", slog.String("state", string(g.state)))
		}
		g.state = StateVideoEnabled
		g.requestedBy = ""
	case domain.VideoRejected:
		if g.state != StateRequestPending {
			g.log.Warn("video-rejected without pending request", slog.String("state", string(g.state)))
			return
		}
		g.state = StateNoRequest
		g.requestedBy = ""
	case domain.CallEnded, domain.Disconnected:
		g.state = StateNoRequest
		g.requestedBy = ""
	}
}

// Reset forces the gate back to its rest state.
func (g *VideoGate) Reset() {
	g.mu.Lock()
	g.state = StateNoRequest
	g.requestedBy = ""
	g.mu.Unlock()
}
