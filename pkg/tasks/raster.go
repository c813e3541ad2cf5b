package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/paulmach/orb/geojson"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/access"
	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/ledger"
	"github.com/wilhg/geotask/pkg/tiling"
	"github.com/wilhg/geotask/pkg/zoom"
)

// Raster protocols.
const (
	ProtocolDefault   = "default"
	ProtocolGreyscale = "greyscale"
)

// ColorStep maps a pixel value to a legend color.
type ColorStep struct {
	PixelValue  float64 `json:"pixel_value"`
	Color       string  `json:"color"`
	LegendLabel string  `json:"legend_label,omitempty"`
}

// LayerConfig is the optional listing and access configuration of a layer.
type LayerConfig struct {
	Listed         bool        `json:"listed,omitempty"`
	PermissionType string      `json:"permission_type,omitempty"`
	Preview        string      `json:"preview,omitempty"`
	Description    string      `json:"description,omitempty"`
	Protocol       string      `json:"protocol,omitempty"`
	ColorSteps     []ColorStep `json:"color_steps,omitempty"`
}

// RasterInput is one raster to tile. Exactly one of ObjectKey and FilePath
// is used, ObjectKey first.
type RasterInput struct {
	ObjectKey string `json:"object_key,omitempty"`
	FilePath  string `json:"file_path,omitempty"`
	Alias     string `json:"alias,omitempty"`
	MinZoom   *int   `json:"min_zoom,omitempty"`
	MaxZoom   *int   `json:"max_zoom,omitempty"`
	Terrain   bool   `json:"terrain_rgb,omitempty"`
	// UploadCOG stores the local source file as the layer's downloadable file.
	UploadCOG bool         `json:"upload_cog,omitempty"`
	Config    *LayerConfig `json:"additional_config,omitempty"`
}

// RasterArgs are the raster_tiling arguments.
type RasterArgs struct {
	Inputs []RasterInput `json:"inputs"`
	UserID string        `json:"user_id"`
}

// ProcessedRaster is the result fragment of one tiled input.
type ProcessedRaster struct {
	LayerID string  `json:"layer_id"`
	LonMin  float64 `json:"lon_min"`
	LatMin  float64 `json:"lat_min"`
	LonMax  float64 `json:"lon_max"`
	LatMax  float64 `json:"lat_max"`
	ZMin    int     `json:"z_min"`
	ZMax    int     `json:"z_max"`
	COGFile string  `json:"cog_file,omitempty"`
}

func (in RasterInput) alias() string {
	if in.Alias != "" {
		return in.Alias
	}
	if in.ObjectKey != "" {
		return baseName(in.ObjectKey)
	}
	return baseName(in.FilePath)
}

func validateRaster(args RasterArgs) error {
	if len(args.Inputs) == 0 {
		return errmodel.Validation("no_inputs", "Input list is empty", nil)
	}
	if args.UserID == "" {
		return errmodel.Validation("user_required", "user_id is required", nil)
	}
	for i, in := range args.Inputs {
		if in.ObjectKey == "" && in.FilePath == "" {
			return errmodel.Validation("input_missing", "Neither object_key nor file_path defined",
				map[string]any{"input": i})
		}
		if in.UploadCOG && in.ObjectKey != "" {
			return errmodel.Validation("cog_requires_file", "upload_cog requires a local file_path source",
				map[string]any{"input": i})
		}
		if err := zoom.ValidateUserRange(in.MinZoom, in.MaxZoom); err != nil {
			return err
		}
	}
	return nil
}

// rasterRun carries the state one input's steps share.
type rasterRun struct {
	d       Deps
	in      RasterInput
	source  string
	layerID string
	prefix  string
	plan    tiling.Plan
	fileID  string
	fileKey string
	size    int64
}

// RasterTiling tiles every input, optionally uploads its COG, and registers
// the layers. Any failure undoes the whole run.
func RasterTiling(d Deps) func(ctx context.Context, runID string, args RasterArgs) ([]any, error) {
	return func(ctx context.Context, runID string, args RasterArgs) ([]any, error) {
		if err := d.check(); err != nil {
			return nil, err
		}
		if err := validateRaster(args); err != nil {
			return nil, err
		}
		log := d.logger().With(zap.String("run_id", runID))
		res, err := d.Executor.Run(ctx, runID, func(r executor.Resources) ([]executor.Step, error) {
			var steps []executor.Step
			for _, in := range args.Inputs {
				grant := access.Grant{PermissionType: access.Admin}
				if in.Config != nil {
					g, err := access.ForUploader(ctx, r.Session, args.UserID, in.Config.PermissionType)
					if err != nil {
						return nil, err
					}
					grant = g
				}
				rr, err := newRasterRun(d, in)
				if err != nil {
					return nil, err
				}
				steps = append(steps, rr.tileStep(r, log))
				if in.UploadCOG {
					steps = append(steps, rr.uploadStep(r), rr.fileRowStep(r, args.UserID))
				}
				steps = append(steps, rr.registerStep(r, args.UserID, grant))
			}
			return steps, nil
		})
		if err != nil {
			return nil, err
		}
		return res.Fragments, nil
	}
}

func newRasterRun(d Deps, in RasterInput) (*rasterRun, error) {
	src := tiling.Source{Path: in.FilePath}
	if in.ObjectKey != "" {
		src = tiling.Source{Bucket: d.Bucket, ObjectKey: d.key(in.ObjectKey)}
	}
	loc, err := src.Locator()
	if err != nil {
		return nil, errmodel.Validation("input_missing", err.Error(), nil)
	}
	layerID := uuid.NewString()
	return &rasterRun{
		d:       d,
		in:      in,
		source:  loc,
		layerID: layerID,
		prefix:  d.key("raster-tiles/" + layerID + "/"),
	}, nil
}

func (rr *rasterRun) tileStep(r executor.Resources, log *zap.Logger) executor.Step {
	return executor.Step{Name: "tile:" + rr.in.alias(), Run: func(ctx context.Context) (executor.Outcome, error) {
		plan, err := tiling.PlanPyramid(ctx, rr.d.Inspector, rr.source, rr.in.MinZoom, rr.in.MaxZoom)
		if err != nil {
			return executor.Outcome{}, err
		}
		if err := plan.Pyramid.Validate(); err != nil {
			return executor.Outcome{}, err
		}
		rr.plan = plan
		log.Info("tiling raster",
			zap.String("layer_id", rr.layerID),
			zap.Int("zoom_min", plan.Pyramid.ZoomMin),
			zap.Int("zoom_max", plan.Pyramid.ZoomMax),
			zap.Uint64("estimated_tiles", zoom.CountTiles(plan.Pyramid)))
		out := tiling.Output{Bucket: rr.d.Bucket, Prefix: rr.prefix}
		if err := rr.d.Engine.Generate(ctx, rr.source, out, plan.Pyramid.ZoomMin, plan.Pyramid.ZoomMax); err != nil {
			// A failed step records nothing, so remove what the engine wrote.
			return executor.Outcome{}, errors.Join(err, rr.removeTiles(context.WithoutCancel(ctx), r))
		}
		return executor.Outcome{Effects: []ledger.Effect{ledger.ObjectsUnderPrefix{Bucket: rr.d.Bucket, Prefix: rr.prefix}}}, nil
	}}
}

func (rr *rasterRun) removeTiles(ctx context.Context, r executor.Resources) error {
	keys, err := r.Objects.ListUnderPrefix(ctx, rr.d.Bucket, rr.prefix)
	if err != nil {
		return fmt.Errorf("list partial tiles: %w", err)
	}
	var errs []error
	for _, ke := range r.Objects.DeleteMany(ctx, rr.d.Bucket, keys) {
		errs = append(errs, fmt.Errorf("delete partial tile %s/%s: %w", rr.d.Bucket, ke.Key, ke.Err))
	}
	return errors.Join(errs...)
}

func (rr *rasterRun) uploadStep(r executor.Resources) executor.Step {
	return executor.Step{Name: "upload_cog:" + rr.in.alias(), Run: func(ctx context.Context) (executor.Outcome, error) {
		if rr.d.Overviews != nil {
			levels := zoom.OverviewLevels(rr.plan.Info.Width, rr.plan.Info.Height)
			if err := rr.d.Overviews.BuildOverviews(ctx, rr.in.FilePath, levels); err != nil {
				return executor.Outcome{}, fmt.Errorf("build overviews: %w", err)
			}
		}
		f, err := os.Open(rr.in.FilePath)
		if err != nil {
			return executor.Outcome{}, err
		}
		defer f.Close()
		st, err := f.Stat()
		if err != nil {
			return executor.Outcome{}, err
		}
		rr.fileID = uuid.NewString()
		rr.fileKey = rr.d.key(rr.fileID + ".tif")
		rr.size = st.Size()
		if err := r.Objects.Put(ctx, rr.d.Bucket, rr.fileKey, f, rr.size, "image/tiff"); err != nil {
			return executor.Outcome{}, err
		}
		return executor.Outcome{Effects: []ledger.Effect{ledger.ObjectWritten{Bucket: rr.d.Bucket, Key: rr.fileKey}}}, nil
	}}
}

func (rr *rasterRun) fileRowStep(r executor.Resources, userID string) executor.Step {
	return executor.Step{Name: "register_file:" + rr.in.alias(), Run: func(ctx context.Context) (executor.Outcome, error) {
		alias := rr.in.alias()
		values := catalog.Values{
			"id":                rr.fileID,
			"storage":           "s3",
			"filename_disk":     rr.fileID + ".tif",
			"filename_download": alias + ".tif",
			"title":             alias,
			"type":              "image/tiff",
			"uploaded_by":       userID,
			"filesize":          rr.size,
		}
		if rr.d.COGFolder != "" {
			values["folder"] = rr.d.COGFolder
		}
		keys, err := r.Session.Insert(ctx, catalog.Row{Collection: catalog.Files, Values: values})
		if err != nil {
			return executor.Outcome{}, err
		}
		return executor.Outcome{Effects: []ledger.Effect{ledger.CatalogRowInserted{Collection: catalog.Files, PrimaryKey: keys[0]}}}, nil
	}}
}

func (rr *rasterRun) registerStep(r executor.Resources, userID string, grant access.Grant) executor.Step {
	return executor.Step{Name: "register:" + rr.in.alias(), Run: func(ctx context.Context) (executor.Outcome, error) {
		b := rr.plan.Info.Bounds
		bounds, err := json.Marshal(geojson.NewGeometry(b.ToPolygon()))
		if err != nil {
			return executor.Outcome{}, err
		}
		values := catalog.Values{
			"layer_id":        rr.layerID,
			"layer_alias":     rr.in.alias(),
			"bounds":          json.RawMessage(bounds),
			"minzoom":         rr.plan.Pyramid.ZoomMin,
			"maxzoom":         rr.plan.Pyramid.ZoomMax,
			"terrain_rgb":     rr.in.Terrain,
			"protocol":        ProtocolDefault,
			"user_created":    userID,
			"listed":          false,
			"permission_type": grant.PermissionType,
		}
		if rr.fileID != "" {
			values["cog_file"] = rr.fileID
		}
		if cfg := rr.in.Config; cfg != nil {
			values["listed"] = cfg.Listed
			if cfg.Protocol == ProtocolGreyscale {
				values["protocol"] = ProtocolGreyscale
			}
			if len(cfg.ColorSteps) > 0 {
				values["color_steps"] = cfg.ColorSteps
			}
			if cfg.Preview != "" {
				values["preview"] = cfg.Preview
			}
			if cfg.Description != "" {
				values["description"] = cfg.Description
			}
		}
		rows := []catalog.Row{{Collection: catalog.RasterTiles, Values: values}}
		if grant.AllowedRole != "" {
			rows = append(rows, catalog.Row{Collection: catalog.RasterTileRoles, Values: catalog.Values{
				"raster_tiles_layer_id": rr.layerID,
				"directus_roles_id":     grant.AllowedRole,
			}})
		}
		keys, err := r.Session.Insert(ctx, rows...)
		if err != nil {
			return executor.Outcome{}, err
		}
		effects := make([]ledger.Effect, len(rows))
		for i, row := range rows {
			effects[i] = ledger.CatalogRowInserted{Collection: row.Collection, PrimaryKey: keys[i]}
		}
		return executor.Outcome{
			Effects: effects,
			Fragment: ProcessedRaster{
				LayerID: rr.layerID,
				LonMin:  b.Left(),
				LatMin:  b.Bottom(),
				LonMax:  b.Right(),
				LatMax:  b.Top(),
				ZMin:    rr.plan.Pyramid.ZoomMin,
				ZMax:    rr.plan.Pyramid.ZoomMax,
				COGFile: rr.fileID,
			},
		}, nil
	}}
}
