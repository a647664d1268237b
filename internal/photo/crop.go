package photo

import (
	"image"
	"math"
)

// Unit is the measure a crop region is expressed in.
type Unit string

const (
	UnitPixels  Unit = "px"
	UnitPercent Unit = "%"
)

// Region is a crop selection on the displayed image.
type Region struct {
	Unit   Unit    `json:"unit"`
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// CenteredSquare is the initial selection: the largest square centered in
// the displayed image.
func CenteredSquare(display image.Point) Region {
	w, h := float64(display.X), float64(display.Y)
	side := math.Min(w, h)
	if side < 0 {
		side = 0
	}
	return Region{
		Unit:   UnitPixels,
		X:      (w - side) / 2,
		Y:      (h - side) / 2,
		Width:  side,
		Height: side,
	}
}

// Pixels converts a percent region to pixels against display.
func (r Region) Pixels(display image.Point) Region {
	if r.Unit != UnitPercent {
		r.Unit = UnitPixels
		return r
	}
	w, h := float64(display.X), float64(display.Y)
	return Region{
		Unit:   UnitPixels,
		X:      r.X * w / 100,
		Y:      r.Y * h / 100,
		Width:  r.Width * w / 100,
		Height: r.Height * h / 100,
	}
}

// Constrain locks the region to a 1:1 aspect ratio and keeps it inside the
// displayed image. The result is in pixels.
func (r Region) Constrain(display image.Point) Region {
	r = r.Pixels(display)
	w, h := float64(display.X), float64(display.Y)

	side := math.Min(math.Abs(r.Width), math.Abs(r.Height))
	side = math.Min(side, math.Min(w, h))
	if side < 0 || math.IsNaN(side) {
		side = 0
	}
	r.Width, r.Height = side, side
	r.X = clamp(r.X, 0, w-side)
	r.Y = clamp(r.Y, 0, h-side)
	return r
}

// Empty reports whether the region selects no pixels.
func (r Region) Empty() bool {
	return r.Width <= 0 || r.Height <= 0
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) || v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
