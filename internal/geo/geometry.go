// Package geo holds the pure geometry used to keep the area polygon simple.
// All arithmetic happens directly on the lat/lng plane without projection.
package geo

// Edge is the segment between two consecutive polygon vertices. Index is the
// position of From in the polygon; the closing edge has Index len-1.
type Edge struct {
	Index int
	From  Coordinate
	To    Coordinate
}

// EdgePair is two polygon edges that cross each other.
type EdgePair struct {
	First  Edge
	Second Edge
}

// SegmentsIntersect reports whether segment a-b and segment c-d cross at a
// single point strictly inside both segments. Parallel and collinear segments
// never intersect, and touching at an endpoint is not a crossing.
func SegmentsIntersect(a, b, c, d Coordinate) bool {
	det := (b.Lat-a.Lat)*(d.Lng-c.Lng) - (d.Lat-c.Lat)*(b.Lng-a.Lng)
	if det == 0 {
		return false
	}

	lambda := ((d.Lng-c.Lng)*(d.Lat-a.Lat) + (c.Lat-d.Lat)*(d.Lng-a.Lng)) / det
	gamma := ((a.Lng-b.Lng)*(d.Lat-a.Lat) + (b.Lat-a.Lat)*(d.Lng-a.Lng)) / det

	return 0 < lambda && lambda < 1 && 0 < gamma && gamma < 1
}

// WouldCrossOnInsert reports whether appending candidate as the new last
// vertex makes one of the two new edges (last -> candidate and the closing
// candidate -> first) cross an existing edge it does not touch.
func WouldCrossOnInsert(polygon []Coordinate, candidate Coordinate) bool {
	n := len(polygon)
	if n < 3 {
		return false
	}

	first := polygon[0]
	last := polygon[n-1]

	// The old closing edge last -> first is replaced, so only i -> i+1 edges remain.
	for i := 0; i < n-1; i++ {
		from, to := polygon[i], polygon[i+1]
		if i != n-2 && SegmentsIntersect(last, candidate, from, to) {
			return true
		}
		if i != 0 && SegmentsIntersect(candidate, first, from, to) {
			return true
		}
	}
	return false
}

// WouldCrossOnRemove reports whether removing the vertex at index and bridging
// its former neighbours leaves a polygon with crossing edges. The bridge wraps
// around for the first and last index. Removal is only accepted when the
// resulting polygon is simple, so the sweep covers every pair of non-adjacent
// edges of the result and not only the bridge.
func WouldCrossOnRemove(polygon []Coordinate, index int) bool {
	n := len(polygon)
	if index < 0 || index >= n {
		return false
	}
	if n <= 3 {
		return false
	}

	remaining := make([]Coordinate, 0, n-1)
	remaining = append(remaining, polygon[:index]...)
	remaining = append(remaining, polygon[index+1:]...)

	m := len(remaining)
	bridge := index - 1
	if bridge < 0 {
		bridge = m - 1
	}

	bridgeEdge := edgeAt(remaining, bridge)
	for j := 0; j < m; j++ {
		if adjacent(bridge, j, m) {
			continue
		}
		other := edgeAt(remaining, j)
		if SegmentsIntersect(bridgeEdge.From, bridgeEdge.To, other.From, other.To) {
			return true
		}
	}

	return len(Crossings(remaining)) > 0
}

// Crossings lists every pair of non-adjacent edges of the closed polygon that
// intersect. A polygon without crossings is simple.
func Crossings(polygon []Coordinate) []EdgePair {
	m := len(polygon)
	if m < 4 {
		return nil
	}

	var pairs []EdgePair
	for i := 0; i < m; i++ {
		first := edgeAt(polygon, i)
		for j := i + 1; j < m; j++ {
			if adjacent(i, j, m) {
				continue
			}
			second := edgeAt(polygon, j)
			if SegmentsIntersect(first.From, first.To, second.From, second.To) {
				pairs = append(pairs, EdgePair{First: first, Second: second})
			}
		}
	}
	return pairs
}

func edgeAt(polygon []Coordinate, i int) Edge {
	return Edge{Index: i, From: polygon[i], To: polygon[(i+1)%len(polygon)]}
}

// adjacent reports whether edges i and j of an m-gon share a vertex.
func adjacent(i, j, m int) bool {
	if i == j {
		return true
	}
	if i > j {
		i, j = j, i
	}
	return j == i+1 || (i == 0 && j == m-1)
}
