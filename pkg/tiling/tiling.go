// Package tiling declares the raster inspection and tile generation engine the
// tasks drive. Resampling and reprojection stay inside the engine.
package tiling

import (
	"context"
	"errors"
	"strings"

	"github.com/paulmach/orb"

	"github.com/wilhg/geotask/pkg/zoom"
)

// RasterInfo describes a source raster in its native SRS.
type RasterInfo struct {
	Width     int
	Height    int
	PixelSize float64 // native x resolution, absolute value
	// Bounds is the source extent transformed to WGS84.
	Bounds orb.Bound
}

// Inspector reads raster metadata.
type Inspector interface {
	Inspect(ctx context.Context, source string) (RasterInfo, error)
	// Mercator describes the source reprojected to EPSG:3857.
	Mercator(ctx context.Context, source string) (zoom.MercatorGrid, error)
}

// OverviewBuilder adds internal overviews to a local raster file.
type OverviewBuilder interface {
	BuildOverviews(ctx context.Context, path string, levels []int) error
}

// Output is where a tile pyramid is written.
type Output struct {
	Bucket string
	Prefix string // ends with "/"
}

// Engine generates a tile pyramid for a source raster.
type Engine interface {
	Generate(ctx context.Context, source string, out Output, zoomMin, zoomMax int) error
}

// Source is a raster location: either an object key in a bucket or a path
// the engine can open directly.
type Source struct {
	Bucket    string
	ObjectKey string
	Path      string
}

// Locator returns the engine-readable location for s.
func (s Source) Locator() (string, error) {
	switch {
	case s.ObjectKey != "":
		if s.Bucket == "" {
			return "", errors.New("object source requires a bucket")
		}
		return "/vsis3/" + s.Bucket + "/" + strings.TrimPrefix(s.ObjectKey, "/"), nil
	case s.Path != "":
		return s.Path, nil
	default:
		return "", errors.New("neither object key nor file path defined")
	}
}

// Plan is the resolved pyramid for one source.
type Plan struct {
	Info    RasterInfo
	Pyramid zoom.TilePyramidSpec
}

// PlanPyramid inspects source and resolves the zoom range. The mercator
// grid is only computed when the minimum has to be derived.
func PlanPyramid(ctx context.Context, in Inspector, source string, userMin, userMax *int) (Plan, error) {
	if err := zoom.ValidateUserRange(userMin, userMax); err != nil {
		return Plan{}, err
	}
	info, err := in.Inspect(ctx, source)
	if err != nil {
		return Plan{}, err
	}
	var merc zoom.MercatorGrid
	if userMin == nil {
		if merc, err = in.Mercator(ctx, source); err != nil {
			return Plan{}, err
		}
	}
	r, err := zoom.ResolveRange(userMin, userMax, info.PixelSize, merc)
	if err != nil {
		return Plan{}, err
	}
	return Plan{
		Info:    info,
		Pyramid: zoom.TilePyramidSpec{ZoomMin: r.Min, ZoomMax: r.Max, Bounds: info.Bounds},
	}, nil
}
