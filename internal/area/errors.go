package area

import (
	"fmt"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
)

// ConflictError reports an edit that would leave the polygon with crossing
// edges. The polygon is unchanged when it is returned.
type ConflictError struct {
	Op     string
	Index  int
	Vertex geo.Coordinate
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("area: %s at index %d (%g, %g) would make the area self-intersecting", e.Op, e.Index, e.Vertex.Lat, e.Vertex.Lng)
}

// ValidationError reports malformed input to an area operation.
type ValidationError struct {
	Op     string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("area: invalid %s: %s", e.Op, e.Reason)
}
