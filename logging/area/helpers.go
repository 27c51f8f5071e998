package area

import (
	"context"

	"github.com/free-drones/drone-interactive-map-sub000/logging"
)

const (
	// EventVertexRejected is emitted when an edit would make the area self-intersecting.
	EventVertexRejected logging.EventType = "area.vertex_rejected"
	// EventReplaced is emitted when a priority handoff overwrites the local area.
	EventReplaced logging.EventType = "area.replaced"
	// EventCleared is emitted when the user clears the area.
	EventCleared logging.EventType = "area.cleared"
)

// VertexPayload identifies the rejected edit.
type VertexPayload struct {
	Op    string  `json:"op"`
	Index int     `json:"index"`
	Lat   float64 `json:"lat"`
	Lng   float64 `json:"lng"`
}

// ReplacedPayload describes the area installed by a handoff.
type ReplacedPayload struct {
	Holder   int `json:"holder"`
	Vertices int `json:"vertices"`
	Previous int `json:"previous"`
}

// VertexRejected publishes an info event; rejections are user-facing, not faults.
func VertexRejected(ctx context.Context, pub logging.Publisher, payload VertexPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventVertexRejected,
		Actor:    logging.EntityRef{Kind: logging.EntityKindClient},
		Targets:  []logging.EntityRef{{ID: "area", Kind: logging.EntityKindArea}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryArea,
		Payload:  payload,
		Extra:    extra,
	})
}

// Replaced publishes an info event when another client takes over the area.
func Replaced(ctx context.Context, pub logging.Publisher, payload ReplacedPayload, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventReplaced,
		Actor:    logging.EntityRef{Kind: logging.EntityKindServer},
		Targets:  []logging.EntityRef{{ID: "area", Kind: logging.EntityKindArea}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryArea,
		Payload:  payload,
		Extra:    extra,
	})
}

// Cleared publishes a debug event when the area is emptied.
func Cleared(ctx context.Context, pub logging.Publisher, previous int, extra map[string]any) {
	if pub == nil {
		return
	}
	pub.Publish(ctx, logging.Event{
		Type:     EventCleared,
		Actor:    logging.EntityRef{Kind: logging.EntityKindClient},
		Targets:  []logging.EntityRef{{ID: "area", Kind: logging.EntityKindArea}},
		Severity: logging.SeverityDebug,
		Category: logging.CategoryArea,
		Payload:  map[string]int{"previous": previous},
		Extra:    extra,
	})
}
