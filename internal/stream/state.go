package stream

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy surfaced through State.Err.
var (
	ErrInvalidEndpoint  = errors.New("stream: invalid endpoint")
	ErrNotAuthenticated = errors.New("stream: not authenticated")
	ErrTransportFailure = errors.New("stream: transport failure")
	ErrAuthRejected     = errors.New("stream: credential rejected")
	ErrClosed           = errors.New("stream: manager closed")
)

// Phase is the lifecycle phase of the manager.
type Phase int

const (
	PhaseDisconnected Phase = iota
	PhaseConnecting
	PhaseConnected
	PhaseError
)

func (p Phase) String() string {
	switch p {
	case PhaseConnecting:
		return "connecting"
	case PhaseConnected:
		return "connected"
	case PhaseError:
		return "error"
	default:
		return "disconnected"
	}
}

// State is the only error-reporting surface of the manager.
type State struct {
	Phase   Phase
	Err     error
	Since   time.Time
	Session string
}

func (s State) String() string {
	if s.Err != nil {
		return fmt.Sprintf("%s(%v)", s.Phase, s.Err)
	}
	return s.Phase.String()
}

// Reason returns a human-readable description of the state.
func (s State) Reason() string {
	if s.Err == nil {
		return ""
	}
	return s.Err.Error()
}
