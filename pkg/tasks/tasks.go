// Package tasks holds the task functions the runtime executes.
package tasks

import (
	"errors"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/taskq"
	"github.com/wilhg/geotask/pkg/tiling"
)

// Task names.
const (
	RasterTilingName = "raster_tiling"
	KMLStyleName     = "kml_style"
)

// Default time limits.
const (
	DefaultRasterTimeLimit = 6 * time.Hour
	DefaultKMLTimeLimit    = 10 * time.Minute
)

// Deps are the collaborators shared by all tasks.
type Deps struct {
	Executor  *executor.Executor
	Inspector tiling.Inspector
	Engine    tiling.Engine
	// Overviews, when set, adds overviews to a COG before it is uploaded.
	Overviews tiling.OverviewBuilder
	Bucket    string
	// StorageRoot prefixes every object key, without a trailing slash.
	StorageRoot string
	// COGFolder is the CMS folder id uploaded COG files are filed under.
	COGFolder string
	Logger    *zap.Logger

	RasterTimeLimit time.Duration
	KMLTimeLimit    time.Duration
}

func (d Deps) key(k string) string {
	k = strings.TrimPrefix(k, "/")
	if d.StorageRoot == "" {
		return k
	}
	return strings.TrimSuffix(d.StorageRoot, "/") + "/" + k
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) check() error {
	if d.Executor == nil {
		return errors.New("tasks: executor is required")
	}
	if d.Bucket == "" {
		return errors.New("tasks: S3 bucket not configured")
	}
	return nil
}

// Register adds every task to rt.
func Register(rt *taskq.Runtime, d Deps) error {
	if err := d.check(); err != nil {
		return err
	}
	if d.Inspector == nil || d.Engine == nil {
		return errors.New("tasks: tiling engine is required")
	}
	if d.RasterTimeLimit <= 0 {
		d.RasterTimeLimit = DefaultRasterTimeLimit
	}
	if d.KMLTimeLimit <= 0 {
		d.KMLTimeLimit = DefaultKMLTimeLimit
	}
	raster, err := taskq.NewTask(RasterTilingName, d.RasterTimeLimit, RasterTiling(d))
	if err != nil {
		return err
	}
	raster.Description = "Tile rasters into an object store pyramid and register them as catalog layers"
	kml, err := taskq.NewTask(KMLStyleName, d.KMLTimeLimit, KMLStyle(d))
	if err != nil {
		return err
	}
	kml.Description = "Extract the paint style of a KML layer into the style table of its geometry"
	for _, t := range []taskq.Task{raster, kml} {
		if err := rt.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// baseName is the file name without directory and extension.
func baseName(p string) string {
	b := path.Base(strings.ReplaceAll(p, "\\", "/"))
	return strings.TrimSuffix(b, path.Ext(b))
}
