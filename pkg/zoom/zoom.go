// Package zoom derives tile pyramid zoom bounds from raster pixel geometry.
//
// Everything here is pure: the raster measurements (native pixel size, the
// Web Mercator grid of the reprojected raster, WGS84 bounds) are supplied by
// the caller, which obtains them from the external raster engine.
package zoom

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/wilhg/geotask/pkg/errmodel"
)

const (
	// EarthRadius is the Web Mercator sphere radius in meters.
	EarthRadius = 6378137.0
	// TileSize is the pixel width of one tile.
	TileSize = 256
	// MaxZoom is the deepest zoom level the resolver will produce.
	MaxZoom = 22
)

// referencePixelSize is the meters-per-pixel of zoom 0 at the equator.
var referencePixelSize = 2 * math.Pi * EarthRadius / TileSize

// ForPixelSize returns the zoom level whose resolution best matches pixelSize
// (meters per pixel). A smaller pixel size never yields a lower zoom.
func ForPixelSize(pixelSize float64) int {
	for i := 0; i < MaxZoom; i++ {
		if pixelSize > referencePixelSize/math.Exp2(float64(i)) {
			return max(0, i-1)
		}
	}
	return MaxZoom
}

// MercatorGrid describes the raster after reprojection to EPSG:3857.
type MercatorGrid struct {
	PixelSize float64
	Width     int
	Height    int
}

// FitPixelSize is the pixel size at which the whole grid fits in one tile.
func (g MercatorGrid) FitPixelSize() float64 {
	return g.PixelSize * float64(max(g.Width, g.Height)) / TileSize
}

// Range is a resolved zoom interval.
type Range struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// NeedsAuto reports whether either bound must be derived from the raster.
// Callers use it to skip the reprojection when the user gave both bounds.
func NeedsAuto(userMin, userMax *int) bool {
	return userMin == nil || userMax == nil
}

// ValidateUserRange checks user-supplied bounds before any work is done.
func ValidateUserRange(userMin, userMax *int) error {
	bounds := []struct {
		name string
		v    *int
	}{{"min_zoom", userMin}, {"max_zoom", userMax}}
	for _, b := range bounds {
		if b.v != nil && (*b.v < 0 || *b.v > MaxZoom) {
			return errmodel.Validation("zoom_out_of_range",
				fmt.Sprintf("%s must be between 0 and %d", b.name, MaxZoom),
				map[string]any{"field": b.name, "value": *b.v})
		}
	}
	if userMax != nil && userMin == nil {
		return errmodel.Validation("zoom_min_required", "min zoom required when max zoom given",
			map[string]any{"max_zoom": *userMax})
	}
	if userMin != nil && userMax != nil && *userMin > *userMax {
		return errmodel.Validation("zoom_bounds", "min zoom must be <= max zoom",
			map[string]any{"min_zoom": *userMin, "max_zoom": *userMax})
	}
	return nil
}

// ResolveRange fills in missing bounds. Explicit inconsistent bounds are
// rejected; auto-derived bounds are made consistent by raising max to min.
// merc is only consulted when the min bound is missing.
func ResolveRange(userMin, userMax *int, nativePixelSize float64, merc MercatorGrid) (Range, error) {
	if err := ValidateUserRange(userMin, userMax); err != nil {
		return Range{}, err
	}
	if !NeedsAuto(userMin, userMax) {
		return Range{Min: *userMin, Max: *userMax}, nil
	}
	var r Range
	if userMin != nil {
		r.Min = *userMin
	} else {
		r.Min = ForPixelSize(merc.FitPixelSize())
	}
	if userMax != nil {
		r.Max = *userMax
	} else {
		r.Max = ForPixelSize(nativePixelSize)
	}
	if r.Min > r.Max {
		r.Max = r.Min
	}
	return r, nil
}

// TilePyramidSpec is the plan handed to the tiling engine.
type TilePyramidSpec struct {
	ZoomMin int       `json:"zoom_min"`
	ZoomMax int       `json:"zoom_max"`
	Bounds  orb.Bound `json:"bounds"`
}

// Validate enforces 0 <= ZoomMin <= ZoomMax <= MaxZoom.
func (s TilePyramidSpec) Validate() error {
	if s.ZoomMin < 0 || s.ZoomMax > MaxZoom || s.ZoomMin > s.ZoomMax {
		return errmodel.Validation("invalid_pyramid", "zoom range out of bounds",
			map[string]any{"zoom_min": s.ZoomMin, "zoom_max": s.ZoomMax})
	}
	return nil
}

// CountTiles estimates how many tiles the pyramid spans.
func CountTiles(s TilePyramidSpec) uint64 {
	var total uint64
	for z := s.ZoomMin; z <= s.ZoomMax; z++ {
		zz := maptile.Zoom(z)
		topLeft := maptile.At(orb.Point{s.Bounds.Left(), s.Bounds.Top()}, zz)
		bottomRight := maptile.At(orb.Point{s.Bounds.Right(), s.Bounds.Bottom()}, zz)
		// lon 180 lands one tile past the edge
		last := uint32(1)<<uint32(z) - 1
		bottomRight.X = min(bottomRight.X, last)
		bottomRight.Y = min(bottomRight.Y, last)
		if bottomRight.X < topLeft.X || bottomRight.Y < topLeft.Y {
			continue
		}
		total += uint64(bottomRight.X-topLeft.X+1) * uint64(bottomRight.Y-topLeft.Y+1)
	}
	return total
}

// OverviewLevels lists the power-of-two overview factors to build for a
// width x height raster, halving until one side reaches a single tile.
func OverviewLevels(width, height int) []int {
	var levels []int
	x := (width + 1) / 2
	y := (height + 1) / 2
	for i := 0; x > TileSize && y > TileSize; i++ {
		levels = append(levels, 2<<i)
		x = (x + 1) / 2
		y = (y + 1) / 2
	}
	return levels
}
