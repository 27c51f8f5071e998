package geo

import "math"

// Coordinate is a point on the lat/lng plane.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Valid reports whether both components are finite numbers.
func (c Coordinate) Valid() bool {
	return finite(c.Lat) && finite(c.Lng)
}

// View is a rectangular map view described by its four corners and center.
type View struct {
	UpLeft    Coordinate `json:"upLeft"`
	UpRight   Coordinate `json:"upRight"`
	DownLeft  Coordinate `json:"downLeft"`
	DownRight Coordinate `json:"downRight"`
	Center    Coordinate `json:"center"`
}

// Valid reports whether every named coordinate of the view is valid.
func (v View) Valid() bool {
	return v.UpLeft.Valid() &&
		v.UpRight.Valid() &&
		v.DownLeft.Valid() &&
		v.DownRight.Valid() &&
		v.Center.Valid()
}

// Envelope returns the axis-aligned box covering the four corners of the view.
func (v View) Envelope() (min, max Coordinate) {
	corners := [4]Coordinate{v.UpLeft, v.UpRight, v.DownLeft, v.DownRight}
	min, max = corners[0], corners[0]
	for _, c := range corners[1:] {
		min.Lat = math.Min(min.Lat, c.Lat)
		min.Lng = math.Min(min.Lng, c.Lng)
		max.Lat = math.Max(max.Lat, c.Lat)
		max.Lng = math.Max(max.Lng, c.Lng)
	}
	return min, max
}

// Bounds is a pair of opposite map corners.
type Bounds [2]Coordinate

// Valid reports whether both corners are valid.
func (b Bounds) Valid() bool {
	return b[0].Valid() && b[1].Valid()
}

// IsZero reports whether the bounds were never set.
func (b Bounds) IsZero() bool {
	return b == Bounds{}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
