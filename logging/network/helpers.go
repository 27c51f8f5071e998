package network

import (
	"context"

	"github.com/free-drones/drone-interactive-map-sub000/logging"
)

const (
	// EventRequestSent is emitted when a queued request is written to the socket.
	EventRequestSent logging.EventType = "network.request_sent"
	// EventReplyReceived is emitted when the reply for the in-flight request arrives.
	EventReplyReceived logging.EventType = "network.reply_received"
	// EventRequestTimeout is emitted when no reply arrived before the deadline.
	EventRequestTimeout logging.EventType = "network.request_timeout"
	// EventRemoteError is emitted when the server answered with an error report.
	EventRemoteError logging.EventType = "network.remote_error"
	// EventProtocolViolation is emitted for frames that do not match the wire contract.
	EventProtocolViolation logging.EventType = "network.protocol_violation"
	// EventPushReceived is emitted for every recognised server push.
	EventPushReceived logging.EventType = "network.push_received"
	// EventAckSent is emitted after a push acknowledgement was written.
	EventAckSent logging.EventType = "network.ack_sent"
	// EventDisconnected is emitted when the session ends and pending requests are dropped.
	EventDisconnected logging.EventType = "network.disconnected"
)

// RequestPayload describes one correlated request.
type RequestPayload struct {
	Kind          string `json:"kind"`
	QueueDepth    int    `json:"queueDepth,omitempty"`
	ElapsedMillis int64  `json:"elapsedMs,omitempty"`
	TimeoutMillis int64  `json:"timeoutMs,omitempty"`
	Report        string `json:"report,omitempty"`
}

// ViolationPayload explains why an inbound frame was rejected.
type ViolationPayload struct {
	Reason string `json:"reason"`
}

// PushPayload captures a push kind and whether it was acknowledged.
type PushPayload struct {
	Kind string `json:"kind"`
}

// DisconnectPayload records how many requests were abandoned.
type DisconnectPayload struct {
	Reason  string `json:"reason,omitempty"`
	Dropped int    `json:"dropped"`
}

var server = logging.EntityRef{ID: "server", Kind: logging.EntityKindServer}

func request(id string) logging.EntityRef {
	return logging.EntityRef{ID: id, Kind: logging.EntityKindRequest}
}

// RequestSent publishes a debug event when a request leaves the queue.
func RequestSent(ctx context.Context, pub logging.Publisher, requestID string, payload RequestPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:      EventRequestSent,
		Actor:     request(requestID),
		Severity:  logging.SeverityDebug,
		Channel:   payload.Kind,
		Payload:   payload,
		Extra:     extra,
		RequestID: requestID,
	})
}

// ReplyReceived publishes a debug event when the in-flight request is answered.
func ReplyReceived(ctx context.Context, pub logging.Publisher, requestID string, payload RequestPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:      EventReplyReceived,
		Actor:     server,
		Targets:   []logging.EntityRef{request(requestID)},
		Severity:  logging.SeverityDebug,
		Channel:   payload.Kind + "_response",
		Payload:   payload,
		Extra:     extra,
		RequestID: requestID,
	})
}

// RequestTimeout publishes an error event; a timed out request is never retried.
func RequestTimeout(ctx context.Context, pub logging.Publisher, requestID string, payload RequestPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:      EventRequestTimeout,
		Actor:     request(requestID),
		Severity:  logging.SeverityError,
		Channel:   payload.Kind,
		Payload:   payload,
		Extra:     extra,
		RequestID: requestID,
	})
}

// RemoteError publishes a warning carrying the server's error report.
func RemoteError(ctx context.Context, pub logging.Publisher, requestID string, payload RequestPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:      EventRemoteError,
		Actor:     server,
		Targets:   []logging.EntityRef{request(requestID)},
		Severity:  logging.SeverityWarn,
		Channel:   payload.Kind + "_response",
		Payload:   payload,
		Extra:     extra,
		RequestID: requestID,
	})
}

// ProtocolViolation publishes an error event for a frame on channel that broke the wire contract.
func ProtocolViolation(ctx context.Context, pub logging.Publisher, channel string, payload ViolationPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventProtocolViolation,
		Actor:    server,
		Severity: logging.SeverityError,
		Channel:  channel,
		Payload:  payload,
		Extra:    extra,
	})
}

// PushReceived publishes a debug event for a recognised push.
func PushReceived(ctx context.Context, pub logging.Publisher, channel string, payload PushPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventPushReceived,
		Actor:    server,
		Severity: logging.SeverityDebug,
		Channel:  channel,
		Payload:  payload,
		Extra:    extra,
	})
}

// AckSent publishes a debug event once a push acknowledgement was written.
func AckSent(ctx context.Context, pub logging.Publisher, channel string, payload PushPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventAckSent,
		Actor:    logging.EntityRef{Kind: logging.EntityKindClient},
		Targets:  []logging.EntityRef{server},
		Severity: logging.SeverityDebug,
		Channel:  channel,
		Payload:  payload,
		Extra:    extra,
	})
}

// Disconnected publishes a warning when the session goes down.
func Disconnected(ctx context.Context, pub logging.Publisher, payload DisconnectPayload, extra map[string]any) {
	publish(ctx, pub, logging.Event{
		Type:     EventDisconnected,
		Actor:    logging.EntityRef{Kind: logging.EntityKindClient},
		Severity: logging.SeverityWarn,
		Payload:  payload,
		Extra:    extra,
	})
}

func publish(ctx context.Context, pub logging.Publisher, event logging.Event) {
	if pub == nil {
		return
	}
	event.Category = logging.CategoryNetwork
	pub.Publish(ctx, event)
}
