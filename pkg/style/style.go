// Package style resolves KML-like style definitions into flat paint styles.
//
// Resolution order per feature: inline style, then a style reference that
// names a style map (followed through its "normal" pairing), then a style
// reference naming a style directly. Properties from all features are merged
// into a single PaintStyle per geometry kind; the last matching feature wins
// for each property key.
package style

import (
	"maps"
	"math"
	"strconv"
	"strings"
)

// IconRadiusMultiplier converts KML icon scale to a circle radius in pixels.
// It is a fixed policy value, not derived from any rendering model.
const IconRadiusMultiplier = 5.0

const (
	defaultColor   = "#000000"
	defaultOpacity = 1.0
)

// Kind is a paint layer kind.
type Kind string

const (
	Circle Kind = "circle"
	Line   Kind = "line"
	Fill   Kind = "fill"
)

// Kinds lists all paint kinds in a stable order.
var Kinds = []Kind{Circle, Line, Fill}

// IconStyle is the point sub-style.
type IconStyle struct {
	Color *string
	Scale *float64
}

// LineStyle is the line sub-style.
type LineStyle struct {
	Color *string
	Width *float64
}

// PolyStyle is the polygon sub-style.
type PolyStyle struct {
	Color *string
	Fill  *bool
}

// Definition is one named style with optional geometry-specific sub-styles.
type Definition struct {
	Icon *IconStyle
	Line *LineStyle
	Poly *PolyStyle
}

// Sheet holds the shared style definitions of a document.
type Sheet struct {
	// Styles maps a style id ("#id") to its definition.
	Styles map[string]Definition
	// StyleMaps maps a style map id ("#id") to the style its normal state uses.
	StyleMaps map[string]string
}

// Feature carries the style information of a single placemark.
type Feature struct {
	Inline   *Definition
	StyleURL string
}

// Properties maps a paint property name to its value.
type Properties map[string]any

// PaintStyle is the resolved paint for every kind. The zero value is empty.
type PaintStyle struct {
	props map[Kind]Properties
}

// Properties returns a copy of the properties resolved for kind.
func (p PaintStyle) Properties(k Kind) Properties {
	return maps.Clone(p.props[k])
}

// Empty reports whether no feature contributed any property.
func (p PaintStyle) Empty() bool {
	for _, v := range p.props {
		if len(v) > 0 {
			return false
		}
	}
	return true
}

// ResolveColor converts an aabbggrr color into "#rrggbb" and an opacity
// rounded to two decimals. Malformed input yields opaque black.
func ResolveColor(kmlColor string) (string, float64) {
	c := kmlColor
	if len(c) != 8 {
		return defaultColor, defaultOpacity
	}
	if _, err := strconv.ParseUint(c, 16, 32); err != nil {
		return defaultColor, defaultOpacity
	}
	alpha, _ := strconv.ParseUint(c[0:2], 16, 8)
	b, g, r := c[2:4], c[4:6], c[6:8]
	return "#" + r + g + b, math.Round(float64(alpha)/255*100) / 100
}

// Lookup follows a style reference through the sheet. It returns false when
// the reference does not resolve.
func (s Sheet) Lookup(ref string) (Definition, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Definition{}, false
	}
	if target, ok := s.StyleMaps[ref]; ok {
		ref = target
	}
	def, ok := s.Styles[ref]
	return def, ok
}

// Resolve builds the paint style for the features in order.
func Resolve(sheet Sheet, features []Feature) PaintStyle {
	acc := map[Kind]Properties{Circle: {}, Line: {}, Fill: {}}
	for _, f := range features {
		var def Definition
		switch {
		case f.Inline != nil:
			def = *f.Inline
		case f.StyleURL != "":
			d, ok := sheet.Lookup(f.StyleURL)
			if !ok {
				continue
			}
			def = d
		default:
			continue
		}
		apply(acc, def)
	}
	return PaintStyle{props: acc}
}

func apply(acc map[Kind]Properties, def Definition) {
	if icon := def.Icon; icon != nil {
		if icon.Color != nil {
			acc[Circle]["circle-color"], acc[Circle]["circle-opacity"] = ResolveColor(*icon.Color)
		}
		if icon.Scale != nil {
			acc[Circle]["circle-radius"] = *icon.Scale * IconRadiusMultiplier
		}
	}
	if line := def.Line; line != nil {
		if line.Color != nil {
			acc[Line]["line-color"], acc[Line]["line-opacity"] = ResolveColor(*line.Color)
		}
		if line.Width != nil {
			acc[Line]["line-width"] = *line.Width
		}
	}
	if poly := def.Poly; poly != nil {
		if poly.Color != nil {
			acc[Fill]["fill-color"], acc[Fill]["fill-opacity"] = ResolveColor(*poly.Color)
		}
		if poly.Fill != nil && !*poly.Fill {
			acc[Fill]["fill-opacity"] = 0.0
		}
	}
}

// KindForGeometry maps a geometry type name to the paint kind used for it.
func KindForGeometry(geomName string) (Kind, bool) {
	switch strings.ToUpper(strings.TrimSpace(geomName)) {
	case "POLYGON", "MULTIPOLYGON":
		return Fill, true
	case "LINESTRING", "MULTILINESTRING":
		return Line, true
	case "POINT", "MULTIPOINT":
		return Circle, true
	default:
		return "", false
	}
}

// PaintColumns maps paint properties to catalog column names
// ("line-color" becomes "paint_line_color").
func PaintColumns(props Properties) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out["paint_"+strings.ReplaceAll(k, "-", "_")] = v
	}
	return out
}
