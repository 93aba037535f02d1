package webchat

import (
	"fmt"

	"github.com/pkg/errors"
)

// Lifecycle misuse. These are programming errors and are never recovered from.
var (
	ErrNotInitialized     = errors.New("channel is not initialized")
	ErrAlreadyInitialized = errors.New("channel is already initialized")
	ErrTornDown           = errors.New("channel is torn down")
)

var (
	ErrNotReady            = errors.New("transport is not ready")
	ErrInvalidInterval     = errors.New("heartbeat interval must be positive")
	ErrHistoryRequested    = errors.New("history already requested for this activation")
	ErrEmptyRoomName       = errors.New("room name is empty")
	ErrMissingCollaborator = errors.New("missing collaborator")
)

// TransportError is a delivery or registration failure on the pub/sub fabric.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// LookupError is a failed user directory resolution.
type LookupError struct {
	UserID string
	Err    error
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup user %s: %v", e.UserID, e.Err)
}

func (e *LookupError) Unwrap() error { return e.Err }

// HistoryLoadError is reported once per activation when the history fetch fails.
type HistoryLoadError struct {
	Source string
	Err    error
}

func (e *HistoryLoadError) Error() string {
	return fmt.Sprintf("load history %s: %v", e.Source, e.Err)
}

func (e *HistoryLoadError) Unwrap() error { return e.Err }

// ValidationError marks a malformed inbound payload. Such payloads are dropped.
type ValidationError struct {
	Topic  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payload on %s: %s", e.Topic, e.Reason)
}
