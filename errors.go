package dronemap

import (
	"errors"

	"github.com/free-drones/drone-interactive-map-sub000/internal/area"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/proto"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/queue"
	"github.com/free-drones/drone-interactive-map-sub000/internal/net/ws"
)

// ErrorKind groups client errors by how they should be surfaced.
type ErrorKind string

const (
	KindUnknown           ErrorKind = "unknown"
	KindValidation        ErrorKind = "validation"
	KindGeometryConflict  ErrorKind = "geometry_conflict"
	KindProtocolViolation ErrorKind = "protocol_violation"
	KindRemote            ErrorKind = "remote"
	KindTimeout           ErrorKind = "timeout"
	KindNotConnected      ErrorKind = "not_connected"
)

// Classify maps err onto the client's error taxonomy. Wrapped errors are
// unwrapped; nil classifies as KindUnknown.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}

	var (
		protoValidation *proto.ValidationError
		areaValidation  *area.ValidationError
		conflict        *area.ConflictError
		violation       *queue.ProtocolViolationError
		unknownPush     *proto.UnknownPushError
		remote          *queue.RemoteError
		timeout         *queue.TimeoutError
	)

	switch {
	case errors.As(err, &conflict):
		return KindGeometryConflict
	case errors.As(err, &protoValidation), errors.As(err, &areaValidation):
		return KindValidation
	case errors.As(err, &violation), errors.As(err, &unknownPush):
		return KindProtocolViolation
	case errors.As(err, &remote):
		return KindRemote
	case errors.As(err, &timeout):
		return KindTimeout
	case errors.Is(err, ws.ErrNotConnected):
		return KindNotConnected
	default:
		return KindUnknown
	}
}
