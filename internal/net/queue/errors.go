package queue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
)

// ErrNotConnected is reported for requests that could not be sent, or were
// still queued when the connection went down.
var ErrNotConnected = ws.ErrNotConnected

// TimeoutError is reported exactly once for a request whose reply did not
// arrive in time. The request is not retried.
type TimeoutError struct {
	Kind      string
	RequestID uuid.UUID
	After     time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("queue: %s request %s timed out after %s", e.Kind, e.RequestID, e.After)
}

// RemoteError carries the server's error report for a request.
type RemoteError struct {
	Kind   string
	Report string
}

func (e *RemoteError) Error() string {
	if e.Report == "" {
		return fmt.Sprintf("queue: %s rejected by server", e.Kind)
	}
	return fmt.Sprintf("queue: %s rejected by server: %s", e.Kind, e.Report)
}

// ProtocolViolationError reports a frame that does not follow the wire contract.
type ProtocolViolationError struct {
	Channel string
	Reason  string
}

func (e *ProtocolViolationError) Error() string {
	return fmt.Sprintf("queue: protocol violation on %s: %s", e.Channel, e.Reason)
}

// DroppedError is reported for a request abandoned by Reset.
type DroppedError struct {
	Kind      string
	RequestID uuid.UUID
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("queue: %s request %s dropped: %v", e.Kind, e.RequestID, ErrNotConnected)
}

func (e *DroppedError) Unwrap() error {
	return ErrNotConnected
}
