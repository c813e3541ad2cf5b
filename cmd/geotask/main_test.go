package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"go.uber.org/zap"

	"github.com/wilhg/geotask/pkg/config"
	"github.com/wilhg/geotask/pkg/objectstore/memory"
	"github.com/wilhg/geotask/pkg/tiling"
	"github.com/wilhg/geotask/pkg/zoom"
)

type stubEngine struct{}

func (stubEngine) Inspect(ctx context.Context, source string) (tiling.RasterInfo, error) {
	return tiling.RasterInfo{Width: 512, Height: 512, PixelSize: 10, Bounds: orb.Bound{Max: orb.Point{1, 1}}}, nil
}

func (stubEngine) Mercator(ctx context.Context, source string) (zoom.MercatorGrid, error) {
	return zoom.MercatorGrid{PixelSize: 10, Width: 512, Height: 512}, nil
}

func (stubEngine) Generate(ctx context.Context, source string, out tiling.Output, zoomMin, zoomMax int) error {
	return nil
}

const lakesKML = `<kml><Document><name>lakes</name>
<Placemark><Style><PolyStyle><color>ff0000ff</color></PolyStyle></Style></Placemark>
</Document></kml>`

func testApp(t *testing.T, name string) (*app, *memory.Store) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.DatabaseURL = "sqlite:file:/" + name + "?vfs=memdb&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)"
	cfg.Storage.Bucket = "geo"
	objects := memory.New()
	a, err := newApp(ctx, cfg, zap.NewNop(), objects, stubEngine{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	if err := a.migrate(ctx); err != nil {
		t.Fatal(err)
	}
	rctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() { _ = a.runtime.Run(rctx); close(done) }()
	t.Cleanup(func() { cancel(); <-done })
	return a, objects
}

func decode(t *testing.T, res *http.Response, v any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(v); err != nil {
		t.Fatal(err)
	}
}

func TestControlPlane_RunLifecycle(t *testing.T) {
	a, objects := testApp(t, "http_lifecycle")
	if err := objects.Put(context.Background(), "geo", "maps/lakes.kml", strings.NewReader(lakesKML), int64(len(lakesKML)), ""); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(buildMux(a.runtime, nil))
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status=%d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/tasks")
	if err != nil {
		t.Fatal(err)
	}
	var listed struct {
		Tasks []string `json:"tasks"`
	}
	decode(t, res, &listed)
	if len(listed.Tasks) != 2 {
		t.Fatalf("tasks=%v", listed.Tasks)
	}

	body := bytes.NewBufferString(`{"object_key":"maps/lakes.kml","layer_name":"lakes","geometry_type":"POLYGON"}`)
	res, err = http.Post(srv.URL+"/api/tasks/kml_style?wait=true", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status=%d", res.StatusCode)
	}
	var submitted struct {
		RunID  string `json:"run_id"`
		Result struct {
			Processed []struct {
				StyleID int    `json:"style_id"`
				Kind    string `json:"kind"`
			} `json:"processed"`
		} `json:"result"`
	}
	decode(t, res, &submitted)
	if submitted.RunID == "" || len(submitted.Result.Processed) != 1 || submitted.Result.Processed[0].StyleID == 0 {
		t.Fatalf("submitted=%+v", submitted)
	}

	res, err = http.Get(srv.URL + "/api/runs/" + submitted.RunID)
	if err != nil {
		t.Fatal(err)
	}
	var rec struct {
		Status string `json:"status"`
		Task   string `json:"task"`
	}
	decode(t, res, &rec)
	if rec.Status != "succeeded" || rec.Task != "kml_style" {
		t.Fatalf("record=%+v", rec)
	}

	res, err = http.Get(srv.URL + "/api/runs/" + submitted.RunID + "/events")
	if err != nil {
		t.Fatal(err)
	}
	var evs struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	decode(t, res, &evs)
	if len(evs.Events) == 0 || evs.Events[0].Type != "run_started" || evs.Events[len(evs.Events)-1].Type != "run_succeeded" {
		t.Fatalf("events=%+v", evs.Events)
	}

	res, err = http.Get(srv.URL + "/api/runs/" + submitted.RunID + "/audit")
	if err != nil {
		t.Fatal(err)
	}
	var aud struct {
		Report struct {
			Status  string `json:"status"`
			Effects []struct {
				State string `json:"state"`
			} `json:"effects"`
		} `json:"report"`
		Leftovers []string `json:"leftovers"`
	}
	decode(t, res, &aud)
	if aud.Report.Status != "succeeded" || len(aud.Report.Effects) != 1 || aud.Report.Effects[0].State != "kept" || len(aud.Leftovers) != 0 {
		t.Fatalf("audit=%+v", aud)
	}
}

func TestControlPlane_Errors(t *testing.T) {
	a, _ := testApp(t, "http_errors")
	srv := httptest.NewServer(buildMux(a.runtime, nil))
	defer srv.Close()

	res, err := http.Post(srv.URL+"/api/tasks/kml_style", "application/json", bytes.NewBufferString(`{"object_key":1}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid args status=%d", res.StatusCode)
	}

	res, err = http.Post(srv.URL+"/api/tasks/nope", "application/json", bytes.NewBufferString(`{}`))
	if err != nil {
		t.Fatal(err)
	}
	_ = res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task status=%d", res.StatusCode)
	}

	res, err = http.Get(srv.URL + "/api/runs/missing")
	if err != nil {
		t.Fatal(err)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	decode(t, res, &env)
	if res.StatusCode != http.StatusNotFound || env.Error.Code != "not_found" {
		t.Fatalf("missing run status=%d code=%s", res.StatusCode, env.Error.Code)
	}
}

func TestRunOnceReportsFailure(t *testing.T) {
	a, _ := testApp(t, "cli_run")
	var out bytes.Buffer
	err := runOnce(context.Background(), a, "kml_style",
		[]byte(`{"object_key":"absent.kml","layer_name":"x","geometry_type":"LINESTRING"}`), &out)
	if err == nil {
		t.Fatal("expected failure for missing object")
	}
	if !strings.Contains(out.String(), "failed") || !strings.Contains(out.String(), `"error"`) {
		t.Fatalf("output=%s", out.String())
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	if err := cmd.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "geotask dev") {
		t.Fatalf("version=%q", out.String())
	}
}
