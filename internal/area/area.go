// Package area owns the user-drawn area of interest. Every local edit is
// validated against the geometry kernel so the committed polygon stays simple;
// only a priority handoff may overwrite it without validation.
package area

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
	"github.com/free-drones/drone-interactive-map-sub000/logging"
	loggingarea "github.com/free-drones/drone-interactive-map-sub000/logging/area"
)

type EditKind string

const (
	EditInsert     EditKind = "insert"
	EditRemoveLast EditKind = "remove_last"
	EditReanchor   EditKind = "reanchor"
	EditClear      EditKind = "clear"
	EditReplace    EditKind = "replace"
)

// Edit describes one committed change. Polygon is a snapshot taken after the
// change and is safe to keep.
type Edit struct {
	Kind    EditKind
	Vertex  geo.Coordinate
	Index   int
	Polygon []geo.Coordinate
}

// Observer is told about every committed edit, after the model lock is released.
type Observer interface {
	AreaChanged(Edit)
}

type ObserverFunc func(Edit)

func (f ObserverFunc) AreaChanged(edit Edit) {
	if f == nil {
		return
	}
	f(edit)
}

type Config struct {
	Observer  Observer
	Publisher logging.Publisher
}

// Model guards the polygon. Local edits and server pushes reach it from
// different goroutines.
type Model struct {
	mu       sync.Mutex
	vertices []geo.Coordinate

	observer  Observer
	publisher logging.Publisher
}

func New(cfg Config) *Model {
	pub := cfg.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	return &Model{observer: cfg.Observer, publisher: pub}
}

// InsertVertex appends c as the new last vertex.
func (m *Model) InsertVertex(c geo.Coordinate) (Edit, error) {
	if !c.Valid() {
		return Edit{}, &ValidationError{Op: "insert", Reason: "coordinate is not finite"}
	}

	m.mu.Lock()
	if geo.WouldCrossOnInsert(m.vertices, c) {
		index := len(m.vertices)
		m.mu.Unlock()
		m.reject("insert", index, c)
		return Edit{}, &ConflictError{Op: "insert", Index: index, Vertex: c}
	}
	m.vertices = append(m.vertices, c)
	edit := Edit{Kind: EditInsert, Vertex: c, Index: len(m.vertices) - 1, Polygon: m.snapshotLocked()}
	m.mu.Unlock()

	m.notify(edit)
	return edit, nil
}

// RemoveVertex handles a click on an existing vertex. Clicking the last vertex
// removes it; clicking any other vertex re-anchors the polygon on it. The
// choice and the edit happen under one lock.
func (m *Model) RemoveVertex(index int) (Edit, error) {
	m.mu.Lock()
	n := len(m.vertices)
	var edit Edit
	var err error
	switch {
	case index < 0 || index >= n:
		err = &ValidationError{Op: "remove", Reason: fmt.Sprintf("index %d out of range [0, %d)", index, n)}
	case index == n-1:
		edit, err = m.removeLastLocked()
	default:
		edit, err = m.reanchorLocked(index)
	}
	m.mu.Unlock()

	return m.commit(edit, err)
}

// RemoveLast drops the last vertex unless the resulting polygon would cross itself.
func (m *Model) RemoveLast() (Edit, error) {
	m.mu.Lock()
	edit, err := m.removeLastLocked()
	m.mu.Unlock()

	return m.commit(edit, err)
}

// Reanchor rotates the polygon so the vertex at index comes first, followed by
// its original successor. The closed shape is unchanged, so no crossing check
// is needed and nothing is discarded.
func (m *Model) Reanchor(index int) (Edit, error) {
	m.mu.Lock()
	edit, err := m.reanchorLocked(index)
	m.mu.Unlock()

	return m.commit(edit, err)
}

func (m *Model) removeLastLocked() (Edit, error) {
	n := len(m.vertices)
	if n == 0 {
		return Edit{}, &ValidationError{Op: "remove", Reason: "area is empty"}
	}
	last := m.vertices[n-1]
	if geo.WouldCrossOnRemove(m.vertices, n-1) {
		return Edit{}, &ConflictError{Op: "remove", Index: n - 1, Vertex: last}
	}
	m.vertices = m.vertices[:n-1]
	return Edit{Kind: EditRemoveLast, Vertex: last, Index: n - 1, Polygon: m.snapshotLocked()}, nil
}

func (m *Model) reanchorLocked(index int) (Edit, error) {
	n := len(m.vertices)
	if index < 0 || index >= n {
		return Edit{}, &ValidationError{Op: "reanchor", Reason: fmt.Sprintf("index %d out of range [0, %d)", index, n)}
	}
	rotated := make([]geo.Coordinate, 0, n)
	rotated = append(rotated, m.vertices[index:]...)
	rotated = append(rotated, m.vertices[:index]...)
	m.vertices = rotated
	return Edit{Kind: EditReanchor, Vertex: rotated[0], Index: index, Polygon: m.snapshotLocked()}, nil
}

// commit reports the outcome of a locked edit once the lock is released.
func (m *Model) commit(edit Edit, err error) (Edit, error) {
	if err != nil {
		var conflict *ConflictError
		if errors.As(err, &conflict) {
			m.reject(conflict.Op, conflict.Index, conflict.Vertex)
		}
		return Edit{}, err
	}
	m.notify(edit)
	return edit, nil
}

// Clear empties the polygon. It always succeeds.
func (m *Model) Clear() Edit {
	m.mu.Lock()
	previous := len(m.vertices)
	m.vertices = nil
	edit := Edit{Kind: EditClear, Polygon: nil}
	m.mu.Unlock()

	loggingarea.Cleared(context.Background(), m.publisher, previous, nil)
	m.notify(edit)
	return edit
}

// Replace installs coords wholesale, in order and without validation. It is
// reserved for priority handoffs, where the server's polygon is authoritative.
func (m *Model) Replace(coords []geo.Coordinate) Edit {
	replacement := append([]geo.Coordinate(nil), coords...)

	m.mu.Lock()
	m.vertices = replacement
	edit := Edit{Kind: EditReplace, Polygon: m.snapshotLocked()}
	m.mu.Unlock()

	m.notify(edit)
	return edit
}

// Vertices returns a copy of the committed polygon.
func (m *Model) Vertices() []geo.Coordinate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Model) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.vertices)
}

// Crossings lists the crossing edge pairs of the current polygon. It is only
// ever non-empty after a Replace.
func (m *Model) Crossings() []geo.EdgePair {
	m.mu.Lock()
	defer m.mu.Unlock()
	return geo.Crossings(m.vertices)
}

func (m *Model) snapshotLocked() []geo.Coordinate {
	if len(m.vertices) == 0 {
		return nil
	}
	return append([]geo.Coordinate(nil), m.vertices...)
}

func (m *Model) notify(edit Edit) {
	if m.observer != nil {
		m.observer.AreaChanged(edit)
	}
}

func (m *Model) reject(op string, index int, c geo.Coordinate) {
	loggingarea.VertexRejected(context.Background(), m.publisher, loggingarea.VertexPayload{
		Op:    op,
		Index: index,
		Lat:   c.Lat,
		Lng:   c.Lng,
	}, nil)
}
