package tasks

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/errmodel"
	"github.com/wilhg/geotask/pkg/executor"
	"github.com/wilhg/geotask/pkg/ledger"
	"github.com/wilhg/geotask/pkg/style"
)

// KMLStyleArgs are the kml_style arguments.
type KMLStyleArgs struct {
	ObjectKey    string `json:"object_key"`
	LayerName    string `json:"layer_name"`
	GeometryType string `json:"geometry_type"`
}

// KMLStyleResult is the fragment of a kml_style run. StyleID is 0 when the
// geometry type has no style table.
type KMLStyleResult struct {
	StyleID int        `json:"style_id"`
	Kind    style.Kind `json:"kind,omitempty"`
}

// StyleCollection returns the catalog collection storing paint rows of kind.
func StyleCollection(k style.Kind) catalog.Collection {
	switch k {
	case style.Fill:
		return catalog.FillStyles
	case style.Line:
		return catalog.LineStyles
	default:
		return catalog.CircleStyles
	}
}

// KMLStyle extracts the paint style of one KML layer and stores it as a row
// of the style table matching the geometry type.
func KMLStyle(d Deps) func(ctx context.Context, runID string, args KMLStyleArgs) ([]any, error) {
	return func(ctx context.Context, runID string, args KMLStyleArgs) ([]any, error) {
		if err := d.check(); err != nil {
			return nil, err
		}
		if args.ObjectKey == "" || args.LayerName == "" {
			return nil, errmodel.Validation("input_missing", "object_key and layer_name are required", nil)
		}
		kind, ok := style.KindForGeometry(args.GeometryType)
		if !ok {
			d.logger().Info("no style table for geometry",
				zap.String("run_id", runID), zap.String("geometry_type", args.GeometryType))
			return []any{KMLStyleResult{}}, nil
		}
		key := d.key(args.ObjectKey)
		res, err := d.Executor.Run(ctx, runID, func(r executor.Resources) ([]executor.Step, error) {
			return []executor.Step{{Name: "kml_style:" + args.LayerName, Run: func(ctx context.Context) (executor.Outcome, error) {
				rc, err := r.Objects.Get(ctx, d.Bucket, key)
				if err != nil {
					return executor.Outcome{}, err
				}
				doc, err := style.ParseKML(rc)
				_ = rc.Close()
				if err != nil {
					return executor.Outcome{}, errmodel.Validation("invalid_kml", err.Error(), map[string]any{"object_key": args.ObjectKey})
				}
				layer, ok := doc.Layer(args.LayerName)
				if !ok {
					return executor.Outcome{}, errmodel.Validation("layer_not_found", "layer not found in KML",
						map[string]any{"layer_name": args.LayerName})
				}
				paint := style.Resolve(doc.Sheet, layer.Features)
				values := catalog.Values{"name": args.LayerName}
				for col, v := range style.PaintColumns(paint.Properties(kind)) {
					values[col] = v
				}
				coll := StyleCollection(kind)
				keys, err := r.Session.Insert(ctx, catalog.Row{Collection: coll, Values: values})
				if err != nil {
					return executor.Outcome{}, err
				}
				id, err := strconv.Atoi(keys[0])
				if err != nil {
					// a failed step records nothing, so remove the row here
					derr := r.Session.DeleteByKeys(context.WithoutCancel(ctx), coll, keys)
					return executor.Outcome{}, errors.Join(fmt.Errorf("style id %q: %w", keys[0], err), derr)
				}
				return executor.Outcome{
					Effects:  []ledger.Effect{ledger.CatalogRowInserted{Collection: coll, PrimaryKey: keys[0]}},
					Fragment: KMLStyleResult{StyleID: id, Kind: kind},
				}, nil
			}}}, nil
		})
		if err != nil {
			return nil, err
		}
		return res.Fragments, nil
	}
}
