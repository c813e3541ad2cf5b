package zoom

import (
	"math"
	"testing"

	"github.com/paulmach/orb"

	"github.com/wilhg/geotask/pkg/errmodel"
)

func intp(v int) *int { return &v }

func TestForPixelSize_KnownLevels(t *testing.T) {
	ref := 2 * math.Pi * EarthRadius / TileSize
	cases := []struct {
		pixel float64
		want  int
	}{
		{ref * 2, 0},
		{ref, 0},
		{ref / 40, 5},
		{ref / 200, 7},
		{1e-4, MaxZoom},
	}
	for _, c := range cases {
		if got := ForPixelSize(c.pixel); got != c.want {
			t.Fatalf("ForPixelSize(%v)=%d want %d", c.pixel, got, c.want)
		}
	}
}

func TestForPixelSize_NonIncreasing(t *testing.T) {
	prev := ForPixelSize(1e-3)
	for p := 1e-3; p < 1e7; p *= 1.07 {
		z := ForPixelSize(p)
		if z > prev {
			t.Fatalf("zoom increased from %d to %d at pixel size %v", prev, z, p)
		}
		prev = z
	}
}

func TestResolveRange_ExplicitInconsistentRejected(t *testing.T) {
	_, err := ResolveRange(intp(5), intp(3), 10, MercatorGrid{})
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("err=%v want validation", err)
	}
}

func TestResolveRange_MaxWithoutMin(t *testing.T) {
	_, err := ResolveRange(nil, intp(3), 10, MercatorGrid{})
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("err=%v want validation", err)
	}
	if got := errmodel.From(err).Code; got != "zoom_min_required" {
		t.Fatalf("code=%q want zoom_min_required", got)
	}
}

func TestResolveRange_OutOfRange(t *testing.T) {
	if _, err := ResolveRange(intp(-1), nil, 10, MercatorGrid{}); err == nil {
		t.Fatal("expected error for negative min")
	}
	if _, err := ResolveRange(intp(0), intp(23), 10, MercatorGrid{}); err == nil {
		t.Fatal("expected error for max above 22")
	}
}

func TestResolveRange_AutoRaisesMax(t *testing.T) {
	ref := 2 * math.Pi * EarthRadius / TileSize
	// min auto-computes to 7, max auto-computes to 5
	merc := MercatorGrid{PixelSize: ref / 200, Width: 256, Height: 128}
	got, err := ResolveRange(nil, nil, ref/40, merc)
	if err != nil {
		t.Fatal(err)
	}
	if got != (Range{Min: 7, Max: 7}) {
		t.Fatalf("range=%+v want {7 7}", got)
	}
}

func TestResolveRange_UserMinAboveAutoMax(t *testing.T) {
	ref := 2 * math.Pi * EarthRadius / TileSize
	got, err := ResolveRange(intp(9), nil, ref/40, MercatorGrid{})
	if err != nil {
		t.Fatal(err)
	}
	if got != (Range{Min: 9, Max: 9}) {
		t.Fatalf("range=%+v want {9 9}", got)
	}
}

func TestResolveRange_ExplicitPassthrough(t *testing.T) {
	got, err := ResolveRange(intp(2), intp(14), 0, MercatorGrid{})
	if err != nil {
		t.Fatal(err)
	}
	if got != (Range{Min: 2, Max: 14}) {
		t.Fatalf("range=%+v want {2 14}", got)
	}
}

func TestResolveRange_NeverMinAboveMax(t *testing.T) {
	for native := 0.01; native < 1e6; native *= 3 {
		for fit := 0.01; fit < 1e6; fit *= 3 {
			r, err := ResolveRange(nil, nil, native, MercatorGrid{PixelSize: fit, Width: 256, Height: 256})
			if err != nil {
				t.Fatal(err)
			}
			if r.Min > r.Max {
				t.Fatalf("min=%d > max=%d for native=%v fit=%v", r.Min, r.Max, native, fit)
			}
		}
	}
}

func TestTilePyramidSpec_Validate(t *testing.T) {
	if err := (TilePyramidSpec{ZoomMin: 3, ZoomMax: 2}).Validate(); err == nil {
		t.Fatal("expected error for min > max")
	}
	if err := (TilePyramidSpec{ZoomMin: 0, ZoomMax: 22}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCountTiles(t *testing.T) {
	spec := TilePyramidSpec{
		ZoomMin: 0,
		ZoomMax: 1,
		Bounds:  orb.Bound{Min: orb.Point{10, 50}, Max: orb.Point{10.1, 50.1}},
	}
	if got := CountTiles(spec); got != 2 {
		t.Fatalf("tiles=%d want 2", got)
	}
	world := TilePyramidSpec{
		ZoomMin: 1,
		ZoomMax: 1,
		Bounds:  orb.Bound{Min: orb.Point{-180, -85}, Max: orb.Point{180, 85}},
	}
	if got := CountTiles(world); got != 4 {
		t.Fatalf("world tiles=%d want 4", got)
	}
}

func TestOverviewLevels(t *testing.T) {
	if got := OverviewLevels(512, 512); len(got) != 0 {
		t.Fatalf("levels=%v want none", got)
	}
	got := OverviewLevels(4096, 2048)
	want := []int{2, 4}
	if len(got) != len(want) {
		t.Fatalf("levels=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("levels=%v want %v", got, want)
		}
	}
}
