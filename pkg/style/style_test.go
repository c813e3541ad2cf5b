package style

import (
	"strings"
	"testing"
)

func strp(s string) *string     { return &s }
func floatp(v float64) *float64 { return &v }
func boolp(v bool) *bool        { return &v }

func TestResolveColor(t *testing.T) {
	color, opacity := ResolveColor("7f0080ff")
	if color != "#ff8000" || opacity != 0.5 {
		t.Fatalf("got (%s, %v) want (#ff8000, 0.5)", color, opacity)
	}
	for _, bad := range []string{"", "ff", "7f0080ff00", "zz0080ff", "-f0080ff", " 7f0080ff", "7f0080f "} {
		color, opacity := ResolveColor(bad)
		if color != "#000000" || opacity != 1.0 {
			t.Fatalf("%q: got (%s, %v) want (#000000, 1)", bad, color, opacity)
		}
	}
}

func TestResolve_InlineWinsOverReference(t *testing.T) {
	sheet := Sheet{
		Styles: map[string]Definition{
			"#red": {Line: &LineStyle{Color: strp("ff0000ff")}},
		},
	}
	features := []Feature{{
		Inline:   &Definition{Line: &LineStyle{Color: strp("ff00ff00")}},
		StyleURL: "#red",
	}}
	got := Resolve(sheet, features).Properties(Line)
	if got["line-color"] != "#00ff00" {
		t.Fatalf("line-color=%v want #00ff00", got["line-color"])
	}
}

func TestResolve_StyleMapUsesNormalPairing(t *testing.T) {
	// Only the normal pairing survives parsing; the highlight target is never consulted.
	sheet := Sheet{
		Styles: map[string]Definition{
			"#normal":    {Poly: &PolyStyle{Color: strp("80ff0000")}},
			"#highlight": {Poly: &PolyStyle{Color: strp("ff0000ff")}},
		},
		StyleMaps: map[string]string{"#map": "#normal"},
	}
	got := Resolve(sheet, []Feature{{StyleURL: "#map"}}).Properties(Fill)
	if got["fill-color"] != "#0000ff" {
		t.Fatalf("fill-color=%v want #0000ff", got["fill-color"])
	}
	if got["fill-opacity"] != 0.5 {
		t.Fatalf("fill-opacity=%v want 0.5", got["fill-opacity"])
	}
}

func TestResolve_MissingReferenceSkipped(t *testing.T) {
	sheet := Sheet{Styles: map[string]Definition{"#a": {Line: &LineStyle{Width: floatp(3)}}}}
	p := Resolve(sheet, []Feature{{StyleURL: "#nope"}, {}, {StyleURL: "#a"}})
	if got := p.Properties(Line)["line-width"]; got != 3.0 {
		t.Fatalf("line-width=%v want 3", got)
	}
	if !Resolve(sheet, []Feature{{StyleURL: "#nope"}}).Empty() {
		t.Fatalf("unresolved reference should contribute nothing")
	}
}

func TestResolve_IconScaleAndFillOverride(t *testing.T) {
	def := Definition{
		Icon: &IconStyle{Scale: floatp(2)},
		Poly: &PolyStyle{Color: strp("ff112233"), Fill: boolp(false)},
	}
	p := Resolve(Sheet{}, []Feature{{Inline: &def}})
	if got := p.Properties(Circle)["circle-radius"]; got != 10.0 {
		t.Fatalf("circle-radius=%v want 10", got)
	}
	fill := p.Properties(Fill)
	if fill["fill-opacity"] != 0.0 {
		t.Fatalf("fill-opacity=%v want 0", fill["fill-opacity"])
	}
	if fill["fill-color"] != "#332211" {
		t.Fatalf("fill-color=%v want #332211", fill["fill-color"])
	}
}

func TestResolve_LastFeatureWins(t *testing.T) {
	first := Definition{Line: &LineStyle{Color: strp("ff0000ff"), Width: floatp(1)}}
	second := Definition{Line: &LineStyle{Width: floatp(4)}}
	got := Resolve(Sheet{}, []Feature{{Inline: &first}, {Inline: &second}}).Properties(Line)
	if got["line-width"] != 4.0 {
		t.Fatalf("line-width=%v want 4", got["line-width"])
	}
	// keys the later feature did not set are kept from the earlier one
	if got["line-color"] != "#ff0000" {
		t.Fatalf("line-color=%v want #ff0000", got["line-color"])
	}
}

func TestPaintStyle_PropertiesIsCopy(t *testing.T) {
	def := Definition{Line: &LineStyle{Width: floatp(2)}}
	p := Resolve(Sheet{}, []Feature{{Inline: &def}})
	props := p.Properties(Line)
	props["line-width"] = 99.0
	if p.Properties(Line)["line-width"] != 2.0 {
		t.Fatalf("paint style mutated through returned map")
	}
}

func TestKindForGeometryAndColumns(t *testing.T) {
	if k, ok := KindForGeometry("MULTIPOLYGON"); !ok || k != Fill {
		t.Fatalf("kind=%v ok=%v want fill", k, ok)
	}
	if _, ok := KindForGeometry("GEOMETRYCOLLECTION"); ok {
		t.Fatalf("collection should not map to a paint kind")
	}
	cols := PaintColumns(Properties{"line-color": "#fff", "line-width": 2.0})
	if cols["paint_line_color"] != "#fff" || cols["paint_line_width"] != 2.0 {
		t.Fatalf("columns=%v", cols)
	}
}

const sampleKML = `<?xml version="1.0" encoding="UTF-8"?>
<kml xmlns="http://www.opengis.net/kml/2.2">
  <Document>
    <name>doc</name>
    <Style id="thick"><LineStyle><color>ff0000ff</color><width>5</width></LineStyle></Style>
    <Style id="hl"><LineStyle><width>9</width></LineStyle></Style>
    <StyleMap id="roads">
      <Pair><key>normal</key><styleUrl>#thick</styleUrl></Pair>
      <Pair><key>highlight</key><styleUrl>#hl</styleUrl></Pair>
    </StyleMap>
    <Folder>
      <name>Roads</name>
      <Placemark><styleUrl>#roads</styleUrl></Placemark>
      <Placemark><styleUrl>#missing</styleUrl></Placemark>
    </Folder>
    <Folder>
      <name>Parks</name>
      <Placemark>
        <Style><PolyStyle><color>7f00ff00</color><fill>0</fill></PolyStyle></Style>
      </Placemark>
    </Folder>
  </Document>
</kml>`

func TestParseKML_LayersAndCascade(t *testing.T) {
	doc, err := ParseKML(strings.NewReader(sampleKML))
	if err != nil {
		t.Fatal(err)
	}
	if len(doc.Layers) != 2 {
		t.Fatalf("layers=%d want 2", len(doc.Layers))
	}
	roads, ok := doc.Layer("Roads")
	if !ok {
		t.Fatal("Roads layer not found")
	}
	line := Resolve(doc.Sheet, roads.Features).Properties(Line)
	if line["line-width"] != 5.0 {
		t.Fatalf("line-width=%v want 5 (normal pairing)", line["line-width"])
	}
	if line["line-color"] != "#ff0000" {
		t.Fatalf("line-color=%v want #ff0000", line["line-color"])
	}

	parks, _ := doc.Layer("Parks")
	fill := Resolve(doc.Sheet, parks.Features).Properties(Fill)
	if fill["fill-opacity"] != 0.0 || fill["fill-color"] != "#00ff00" {
		t.Fatalf("fill=%v", fill)
	}
	if _, ok := doc.Layer("Lakes"); ok {
		t.Fatal("unexpected Lakes layer")
	}
}

func TestParseKML_BadNumber(t *testing.T) {
	bad := `<kml><Document><Style id="x"><IconStyle><scale>big</scale></IconStyle></Style></Document></kml>`
	if _, err := ParseKML(strings.NewReader(bad)); err == nil {
		t.Fatal("expected error for non-numeric scale")
	}
}
