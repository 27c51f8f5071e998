// Package pictures keeps the client's view of available drone imagery: the
// active set shown on the map and the queue of priority requests.
package pictures

import (
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/dhconnelly/rtreego"

	"github.com/free-drones/drone-interactive-map-sub000/internal/geo"
)

const (
	dimensions  = 2
	minChildren = 4
	maxChildren = 16
	// minExtent keeps degenerate footprints indexable.
	minExtent = 1e-9
)

var errInvalidFootprint = errors.New("pictures: footprint is not finite")

// Picture is one image on the map. Footprint is the area the image covers.
type Picture struct {
	ID          int
	Kind        string
	Prioritized bool
	URL         string
	TakenAt     time.Time
	Footprint   geo.View
}

type footprint struct {
	id   int
	rect *rtreego.Rect
}

func (f *footprint) Bounds() *rtreego.Rect {
	return f.rect
}

// ActiveSet holds pictures keyed by id. It is only ever reconciled against a
// server listing, never replaced wholesale, so pictures already on screen keep
// their place.
type ActiveSet struct {
	mu    sync.RWMutex
	byID  map[int]Picture
	order []int
	tree  *rtreego.Rtree
}

func NewActiveSet() *ActiveSet {
	return &ActiveSet{
		byID: make(map[int]Picture),
		tree: rtreego.NewTree(dimensions, minChildren, maxChildren),
	}
}

// Reconcile adds pictures not yet present and removes those absent from
// incoming. Pictures present in both are left untouched.
func (s *ActiveSet) Reconcile(incoming []Picture) (added, removed []Picture) {
	seen := make(map[int]struct{}, len(incoming))

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, pic := range incoming {
		seen[pic.ID] = struct{}{}
		if _, ok := s.byID[pic.ID]; ok {
			continue
		}
		s.byID[pic.ID] = pic
		s.order = append(s.order, pic.ID)
		added = append(added, pic)
	}

	kept := s.order[:0]
	for _, id := range s.order {
		if _, ok := seen[id]; ok {
			kept = append(kept, id)
			continue
		}
		removed = append(removed, s.byID[id])
		delete(s.byID, id)
	}
	s.order = kept

	if len(added) > 0 || len(removed) > 0 {
		s.rebuildLocked()
	}
	return added, removed
}

// Covering returns the pictures whose footprint contains c, oldest first.
func (s *ActiveSet) Covering(c geo.Coordinate) []Picture {
	if !c.Valid() {
		return nil
	}
	probe := rtreego.Point{c.Lat, c.Lng}.ToRect(minExtent)

	s.mu.RLock()
	defer s.mu.RUnlock()

	hits := s.tree.SearchIntersect(probe)
	ids := make(map[int]struct{}, len(hits))
	for _, hit := range hits {
		fp, ok := hit.(*footprint)
		if !ok {
			continue
		}
		min, max := s.byID[fp.id].Footprint.Envelope()
		if c.Lat >= min.Lat && c.Lat <= max.Lat && c.Lng >= min.Lng && c.Lng <= max.Lng {
			ids[fp.id] = struct{}{}
		}
	}

	var out []Picture
	for _, id := range s.order {
		if _, ok := ids[id]; ok {
			out = append(out, s.byID[id])
		}
	}
	return out
}

// List returns the pictures in the order they were first seen.
func (s *ActiveSet) List() []Picture {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Picture, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.byID[id])
	}
	return out
}

func (s *ActiveSet) Get(id int) (Picture, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pic, ok := s.byID[id]
	return pic, ok
}

func (s *ActiveSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *ActiveSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID = make(map[int]Picture)
	s.order = nil
	s.tree = rtreego.NewTree(dimensions, minChildren, maxChildren)
}

// IDs returns the ids of the active pictures in ascending order.
func (s *ActiveSet) IDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := append([]int(nil), s.order...)
	sort.Ints(ids)
	return ids
}

// rebuildLocked reindexes every footprint into a fresh tree.
func (s *ActiveSet) rebuildLocked() {
	tree := rtreego.NewTree(dimensions, minChildren, maxChildren)
	for _, id := range s.order {
		rect, err := footprintRect(s.byID[id].Footprint)
		if err != nil {
			continue
		}
		tree.Insert(&footprint{id: id, rect: rect})
	}
	s.tree = tree
}

func footprintRect(v geo.View) (*rtreego.Rect, error) {
	if !v.Valid() {
		return nil, errInvalidFootprint
	}
	min, max := v.Envelope()
	lengths := []float64{
		math.Max(max.Lat-min.Lat, minExtent),
		math.Max(max.Lng-min.Lng, minExtent),
	}
	return rtreego.NewRect(rtreego.Point{min.Lat, min.Lng}, lengths)
}
