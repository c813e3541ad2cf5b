package ledger

import (
	"testing"

	"github.com/wilhg/geotask/pkg/catalog"
)

func TestLedger_ReverseOrder(t *testing.T) {
	var l Ledger
	l.Append(ObjectWritten{Bucket: "b", Key: "a.tif"})
	l.Append(
		ObjectsUnderPrefix{Bucket: "b", Prefix: "raster-tiles/x/"},
		CatalogRowInserted{Collection: catalog.RasterTiles, PrimaryKey: "x"},
	)
	if l.Len() != 3 {
		t.Fatalf("len=%d want 3", l.Len())
	}
	var kinds []string
	l.Reverse(func(e Effect) { kinds = append(kinds, e.Kind()) })
	want := []string{"catalog_row_inserted", "objects_under_prefix", "object_written"}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("reverse order=%v want %v", kinds, want)
		}
	}
}

func TestLedger_EntriesIsCopy(t *testing.T) {
	var l Ledger
	l.Append(ObjectWritten{Bucket: "b", Key: "k"})
	got := l.Entries()
	got[0] = ObjectWritten{Bucket: "other", Key: "k"}
	if l.Entries()[0].Target() != "b/k" {
		t.Fatalf("ledger mutated through Entries copy")
	}
}

func TestEffect_Targets(t *testing.T) {
	row := CatalogRowInserted{Collection: catalog.Files, PrimaryKey: "f1"}
	if got := row.Target(); got != "directus_files.id=f1" {
		t.Fatalf("target=%q", got)
	}
	if got := (ObjectsUnderPrefix{Bucket: "b", Prefix: "p/"}).Target(); got != "b/p/*" {
		t.Fatalf("target=%q", got)
	}
}
