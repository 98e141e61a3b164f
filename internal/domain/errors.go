package domain

// ErrorKind classifies a call failure for user-facing handling.
type ErrorKind string

const (
	ErrorKindAuth        ErrorKind = "auth"
	ErrorKindConnection  ErrorKind = "connection"
	ErrorKindMedia       ErrorKind = "media"
	ErrorKindSignaling   ErrorKind = "signaling"
	ErrorKindNegotiation ErrorKind = "negotiation"
	ErrorKindProtocol    ErrorKind = "protocol"
)

// CallError is the single shape every failure is funneled through, both as
// a subscriber event and as the engine's error callback argument.
type CallError struct {
	Kind    ErrorKind `json:"type"`
	Message string    `json:"message"`
	Err     error     `json:"-"`
}

func (e CallError) Error() string {
	if e.Err != nil {
		return string(e.Kind) + ": " + e.Message + ": " + e.Err.Error()
	}
	return string(e.Kind) + ": " + e.Message
}

func (e CallError) Unwrap() error { return e.Err }

// NewCallError builds a CallError; err may be nil.
func NewCallError(kind ErrorKind, message string, err error) CallError {
	return CallError{Kind: kind, Message: message, Err: err}
}
