// Package gdalcli drives the GDAL command line tools as the tiling engine.
package gdalcli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"path"
	"strconv"
	"strings"

	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/tiling"
	"github.com/wilhg/geotask/pkg/zoom"
)

// Config names the binaries and the environment they run with.
type Config struct {
	GDALInfo string // default "gdalinfo"
	GDALWarp string // default "gdalwarp"
	GDAL     string // default "gdal"
	GDALAddo string // default "gdaladdo"
	// Env is appended to the process environment, e.g. AWS_S3_ENDPOINT for /vsis3/.
	Env []string
	// TempDir holds intermediate VRT files. Empty uses os.TempDir.
	TempDir string
}

// RunFunc executes a command and returns its stdout.
type RunFunc func(ctx context.Context, env []string, name string, args ...string) ([]byte, error)

// Engine implements tiling.Engine and tiling.Inspector.
type Engine struct {
	cfg    Config
	run    RunFunc
	logger *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithRunner replaces command execution; used by tests.
func WithRunner(fn RunFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.run = fn
		}
	}
}

// New creates an engine.
func New(cfg Config, opts ...Option) *Engine {
	if cfg.GDALInfo == "" {
		cfg.GDALInfo = "gdalinfo"
	}
	if cfg.GDALWarp == "" {
		cfg.GDALWarp = "gdalwarp"
	}
	if cfg.GDAL == "" {
		cfg.GDAL = "gdal"
	}
	if cfg.GDALAddo == "" {
		cfg.GDALAddo = "gdaladdo"
	}
	e := &Engine{cfg: cfg, run: execRun, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func execRun(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return nil, fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return out, nil
}

// info is the subset of `gdalinfo -json` the engine reads.
type info struct {
	Size         []int           `json:"size"`
	GeoTransform []float64       `json:"geoTransform"`
	WGS84Extent  json.RawMessage `json:"wgs84Extent"`
}

func (e *Engine) gdalinfo(ctx context.Context, source string) (info, error) {
	out, err := e.run(ctx, e.cfg.Env, e.cfg.GDALInfo, "-json", source)
	if err != nil {
		return info{}, err
	}
	var in info
	if err := json.Unmarshal(out, &in); err != nil {
		return info{}, fmt.Errorf("parse gdalinfo output: %w", err)
	}
	if len(in.Size) != 2 || len(in.GeoTransform) != 6 {
		return info{}, fmt.Errorf("gdalinfo: %s has no georeferencing", source)
	}
	return in, nil
}

// Inspect reads the native grid and the WGS84 extent.
func (e *Engine) Inspect(ctx context.Context, source string) (tiling.RasterInfo, error) {
	in, err := e.gdalinfo(ctx, source)
	if err != nil {
		return tiling.RasterInfo{}, err
	}
	if len(in.WGS84Extent) == 0 {
		return tiling.RasterInfo{}, fmt.Errorf("gdalinfo: %s has no spatial reference", source)
	}
	g, err := geojson.UnmarshalGeometry(in.WGS84Extent)
	if err != nil {
		return tiling.RasterInfo{}, fmt.Errorf("parse wgs84 extent: %w", err)
	}
	ri := tiling.RasterInfo{
		Width:     in.Size[0],
		Height:    in.Size[1],
		PixelSize: math.Abs(in.GeoTransform[1]),
		Bounds:    g.Geometry().Bound(),
	}
	e.logger.Debug("raster inspected",
		zap.String("source", source),
		zap.Int("width", ri.Width),
		zap.Int("height", ri.Height),
		zap.Float64("pixel_size", ri.PixelSize))
	return ri, nil
}

// Mercator warps the source into a VRT in EPSG:3857 and reads its grid.
func (e *Engine) Mercator(ctx context.Context, source string) (zoom.MercatorGrid, error) {
	f, err := os.CreateTemp(e.cfg.TempDir, "geotask-*.vrt")
	if err != nil {
		return zoom.MercatorGrid{}, err
	}
	vrt := f.Name()
	_ = f.Close()
	defer os.Remove(vrt)

	if _, err := e.run(ctx, e.cfg.Env, e.cfg.GDALWarp, "-overwrite", "-of", "VRT", "-t_srs", "EPSG:3857", source, vrt); err != nil {
		return zoom.MercatorGrid{}, err
	}
	in, err := e.gdalinfo(ctx, vrt)
	if err != nil {
		return zoom.MercatorGrid{}, err
	}
	return zoom.MercatorGrid{
		PixelSize: math.Abs(in.GeoTransform[1]),
		Width:     in.Size[0],
		Height:    in.Size[1],
	}, nil
}

// Generate writes XYZ tiles for [zoomMin, zoomMax] under out.
func (e *Engine) Generate(ctx context.Context, source string, out tiling.Output, zoomMin, zoomMax int) error {
	if out.Bucket == "" || out.Prefix == "" {
		return errors.New("tile output requires bucket and prefix")
	}
	dest := "/vsis3/" + path.Join(out.Bucket, out.Prefix)
	e.logger.Info("tiling raster",
		zap.String("source", source),
		zap.String("output", dest),
		zap.Int("zoom_min", zoomMin),
		zap.Int("zoom_max", zoomMax))
	_, err := e.run(ctx, e.cfg.Env, e.cfg.GDAL, "raster", "tile",
		"--min-zoom", strconv.Itoa(zoomMin),
		"--max-zoom", strconv.Itoa(zoomMax),
		"--webviewer", "none",
		source, dest)
	return err
}

// BuildOverviews runs gdaladdo with the given decimation factors. No levels
// is a no-op.
func (e *Engine) BuildOverviews(ctx context.Context, file string, levels []int) error {
	if len(levels) == 0 {
		return nil
	}
	args := []string{"-r", "average", file}
	for _, l := range levels {
		args = append(args, strconv.Itoa(l))
	}
	e.logger.Info("building overviews", zap.String("file", file), zap.Ints("levels", levels))
	_, err := e.run(ctx, e.cfg.Env, e.cfg.GDALAddo, args...)
	return err
}

// S3Env returns the GDAL configuration needed to read and write /vsis3/
// paths on an S3-compatible endpoint.
func S3Env(endpoint, accessKey, secretKey, region string, secure bool) []string {
	https := "NO"
	if secure {
		https = "YES"
	}
	env := []string{
		"AWS_S3_ENDPOINT=" + endpoint,
		"AWS_ACCESS_KEY_ID=" + accessKey,
		"AWS_SECRET_ACCESS_KEY=" + secretKey,
		"AWS_VIRTUAL_HOSTING=FALSE",
		"AWS_HTTPS=" + https,
	}
	if region != "" {
		env = append(env, "AWS_REGION="+region)
	}
	return env
}
