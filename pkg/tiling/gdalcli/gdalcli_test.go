package gdalcli

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/wilhg/geotask/pkg/tiling"
)

const demInfo = `{
  "size": [4000, 2000],
  "geoTransform": [500000.0, 30.0, 0.0, 4600000.0, 0.0, -30.0],
  "wgs84Extent": {"type": "Polygon", "coordinates": [[[10.0, 41.0], [10.0, 42.0], [11.5, 42.0], [11.5, 41.0], [10.0, 41.0]]]}
}`

const vrtInfo = `{"size": [4100, 2050], "geoTransform": [1113194.9, 40.0, 0.0, 5160979.4, 0.0, -40.0]}`

type call struct {
	name string
	args []string
}

func fakeRunner(calls *[]call, outputs map[string]string) RunFunc {
	return func(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
		*calls = append(*calls, call{name: name, args: args})
		if name == "gdalinfo" {
			src := args[len(args)-1]
			if strings.HasSuffix(src, ".vrt") {
				return []byte(outputs["vrt"]), nil
			}
			if out, ok := outputs[src]; ok {
				return []byte(out), nil
			}
			return nil, errors.New("not found")
		}
		return nil, nil
	}
}

func TestInspect(t *testing.T) {
	var calls []call
	e := New(Config{TempDir: t.TempDir()}, WithRunner(fakeRunner(&calls, map[string]string{"dem.tif": demInfo})))
	ri, err := e.Inspect(context.Background(), "dem.tif")
	if err != nil {
		t.Fatal(err)
	}
	if ri.Width != 4000 || ri.Height != 2000 || ri.PixelSize != 30 {
		t.Fatalf("info=%+v", ri)
	}
	if ri.Bounds.Left() != 10 || ri.Bounds.Right() != 11.5 || ri.Bounds.Bottom() != 41 || ri.Bounds.Top() != 42 {
		t.Fatalf("bounds=%v", ri.Bounds)
	}
}

func TestInspectWithoutSRS(t *testing.T) {
	var calls []call
	e := New(Config{}, WithRunner(fakeRunner(&calls, map[string]string{"raw.tif": `{"size":[1,1],"geoTransform":[0,1,0,0,0,-1]}`})))
	if _, err := e.Inspect(context.Background(), "raw.tif"); err == nil {
		t.Fatal("expected error for raster without spatial reference")
	}
}

func TestMercatorWarpsToVRT(t *testing.T) {
	var calls []call
	e := New(Config{TempDir: t.TempDir()}, WithRunner(fakeRunner(&calls, map[string]string{"vrt": vrtInfo})))
	g, err := e.Mercator(context.Background(), "dem.tif")
	if err != nil {
		t.Fatal(err)
	}
	if g.PixelSize != 40 || g.Width != 4100 || g.Height != 2050 {
		t.Fatalf("grid=%+v", g)
	}
	if len(calls) != 2 || calls[0].name != "gdalwarp" {
		t.Fatalf("calls=%+v", calls)
	}
	if got := strings.Join(calls[0].args[:5], " "); got != "-overwrite -of VRT -t_srs EPSG:3857" {
		t.Fatalf("warp args=%q", got)
	}
}

func TestGenerateArgs(t *testing.T) {
	var calls []call
	e := New(Config{}, WithRunner(fakeRunner(&calls, nil)))
	err := e.Generate(context.Background(), "/vsis3/b/in.tif", tiling.Output{Bucket: "b", Prefix: "root/raster-tiles/L1/"}, 3, 9)
	if err != nil {
		t.Fatal(err)
	}
	want := "raster tile --min-zoom 3 --max-zoom 9 --webviewer none /vsis3/b/in.tif /vsis3/b/root/raster-tiles/L1"
	if got := strings.Join(calls[0].args, " "); calls[0].name != "gdal" || got != want {
		t.Fatalf("call=%s %s", calls[0].name, got)
	}
}

func TestPlanPyramidSkipsWarpWhenBoundsGiven(t *testing.T) {
	var calls []call
	e := New(Config{}, WithRunner(fakeRunner(&calls, map[string]string{"dem.tif": demInfo})))
	lo, hi := 4, 12
	p, err := tiling.PlanPyramid(context.Background(), e, "dem.tif", &lo, &hi)
	if err != nil {
		t.Fatal(err)
	}
	if p.Pyramid.ZoomMin != 4 || p.Pyramid.ZoomMax != 12 {
		t.Fatalf("pyramid=%+v", p.Pyramid)
	}
	for _, c := range calls {
		if c.name == "gdalwarp" {
			t.Fatal("warp should not run when both bounds are explicit")
		}
	}
}

func TestBuildOverviewsArgs(t *testing.T) {
	var calls []call
	e := New(Config{}, WithRunner(fakeRunner(&calls, nil)))
	if err := e.BuildOverviews(context.Background(), "/tmp/dem.tif", nil); err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 {
		t.Fatalf("calls=%v want none for a small raster", calls)
	}
	if err := e.BuildOverviews(context.Background(), "/tmp/dem.tif", []int{2, 4, 8}); err != nil {
		t.Fatal(err)
	}
	got := calls[0].name + " " + strings.Join(calls[0].args, " ")
	if got != "gdaladdo -r average /tmp/dem.tif 2 4 8" {
		t.Fatalf("cmd=%q", got)
	}
}

func TestS3Env(t *testing.T) {
	env := S3Env("minio:9000", "ak", "sk", "", false)
	joined := strings.Join(env, ";")
	if !strings.Contains(joined, "AWS_HTTPS=NO") || strings.Contains(joined, "AWS_REGION") {
		t.Fatalf("env=%v", env)
	}
}
