package style

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Layer is a named group of features, in document order.
type Layer struct {
	Name     string
	Features []Feature
}

// Document is a parsed KML file.
type Document struct {
	Sheet  Sheet
	Layers []Layer
}

// Layer returns the layer with the given name.
func (d Document) Layer(name string) (Layer, bool) {
	for _, l := range d.Layers {
		if l.Name == name {
			return l, true
		}
	}
	return Layer{}, false
}

type xmlColorNode struct {
	Color *string `xml:"color"`
}

type xmlStyle struct {
	ID        string `xml:"id,attr"`
	IconStyle *struct {
		xmlColorNode
		Scale *string `xml:"scale"`
	} `xml:"IconStyle"`
	LineStyle *struct {
		xmlColorNode
		Width *string `xml:"width"`
	} `xml:"LineStyle"`
	PolyStyle *struct {
		xmlColorNode
		Fill *string `xml:"fill"`
	} `xml:"PolyStyle"`
}

type xmlStyleMap struct {
	ID    string `xml:"id,attr"`
	Pairs []struct {
		Key      string `xml:"key"`
		StyleURL string `xml:"styleUrl"`
	} `xml:"Pair"`
}

type xmlPlacemark struct {
	Style    *xmlStyle `xml:"Style"`
	StyleURL string    `xml:"styleUrl"`
}

type xmlContainer struct {
	Name       string         `xml:"name"`
	Styles     []xmlStyle     `xml:"Style"`
	StyleMaps  []xmlStyleMap  `xml:"StyleMap"`
	Placemarks []xmlPlacemark `xml:"Placemark"`
	Folders    []xmlContainer `xml:"Folder"`
	Documents  []xmlContainer `xml:"Document"`
}

// ParseKML reads styles, style maps and placemarks from a KML stream.
// Each Folder becomes a layer named after it; placemarks placed directly in a
// Document (or the root) form a layer named after that container.
func ParseKML(r io.Reader) (Document, error) {
	var root xmlContainer
	dec := xml.NewDecoder(r)
	if err := dec.Decode(&root); err != nil {
		return Document{}, fmt.Errorf("decode kml: %w", err)
	}
	doc := Document{Sheet: Sheet{Styles: map[string]Definition{}, StyleMaps: map[string]string{}}}
	if err := collect(&doc, root); err != nil {
		return Document{}, err
	}
	return doc, nil
}

func collect(doc *Document, c xmlContainer) error {
	for _, s := range c.Styles {
		if s.ID == "" {
			continue
		}
		def, err := s.definition()
		if err != nil {
			return err
		}
		doc.Sheet.Styles["#"+s.ID] = def
	}
	for _, sm := range c.StyleMaps {
		if sm.ID == "" {
			continue
		}
		for _, p := range sm.Pairs {
			if strings.TrimSpace(p.Key) == "normal" && strings.TrimSpace(p.StyleURL) != "" {
				doc.Sheet.StyleMaps["#"+sm.ID] = strings.TrimSpace(p.StyleURL)
			}
		}
	}
	if len(c.Placemarks) > 0 {
		layer := Layer{Name: strings.TrimSpace(c.Name)}
		for _, pm := range c.Placemarks {
			f := Feature{StyleURL: strings.TrimSpace(pm.StyleURL)}
			if pm.Style != nil {
				def, err := pm.Style.definition()
				if err != nil {
					return err
				}
				f.Inline = &def
				if pm.Style.ID != "" {
					doc.Sheet.Styles["#"+pm.Style.ID] = def
				}
			}
			layer.Features = append(layer.Features, f)
		}
		doc.Layers = append(doc.Layers, layer)
	}
	for _, child := range c.Documents {
		if err := collect(doc, child); err != nil {
			return err
		}
	}
	for _, child := range c.Folders {
		if err := collect(doc, child); err != nil {
			return err
		}
	}
	return nil
}

func (s xmlStyle) definition() (Definition, error) {
	var def Definition
	if s.IconStyle != nil {
		scale, err := parseFloat("scale", s.IconStyle.Scale)
		if err != nil {
			return Definition{}, err
		}
		def.Icon = &IconStyle{Color: trimmed(s.IconStyle.Color), Scale: scale}
	}
	if s.LineStyle != nil {
		width, err := parseFloat("width", s.LineStyle.Width)
		if err != nil {
			return Definition{}, err
		}
		def.Line = &LineStyle{Color: trimmed(s.LineStyle.Color), Width: width}
	}
	if s.PolyStyle != nil {
		def.Poly = &PolyStyle{Color: trimmed(s.PolyStyle.Color), Fill: parseBool(s.PolyStyle.Fill)}
	}
	return def, nil
}

func trimmed(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	return &v
}

func parseFloat(field string, s *string) (*float64, error) {
	if s == nil {
		return nil, nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(*s), 64)
	if err != nil {
		return nil, fmt.Errorf("style %s %q: %w", field, *s, err)
	}
	return &v, nil
}

// parseBool reads a KML boolean ("0"/"1"/"false"/"true"); anything else is unset.
func parseBool(s *string) *bool {
	if s == nil {
		return nil
	}
	var v bool
	switch strings.TrimSpace(*s) {
	case "1", "true":
		v = true
	case "0", "false":
		v = false
	default:
		return nil
	}
	return &v
}
