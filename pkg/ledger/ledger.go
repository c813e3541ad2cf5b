// Package ledger records the externally visible effects of one task run so
// they can be undone in reverse order.
package ledger

import (
	"fmt"

	"github.com/wilhg/geotask/pkg/catalog"
)

// Effect is one externally visible write. The concrete types are
// ObjectWritten, ObjectsUnderPrefix and CatalogRowInserted.
type Effect interface {
	// Kind is a stable name used in journals and logs.
	Kind() string
	// Target identifies what the inverse operation must remove.
	Target() string
	effect()
}

// ObjectWritten is a single object put into a bucket.
type ObjectWritten struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

// ObjectsUnderPrefix is every object a run generated below a prefix,
// such as a tile set.
type ObjectsUnderPrefix struct {
	Bucket string `json:"bucket"`
	Prefix string `json:"prefix"`
}

// CatalogRowInserted is a row committed to a catalog collection.
type CatalogRowInserted struct {
	Collection catalog.Collection `json:"collection"`
	PrimaryKey string             `json:"primary_key"`
}

func (ObjectWritten) Kind() string      { return "object_written" }
func (ObjectsUnderPrefix) Kind() string { return "objects_under_prefix" }
func (CatalogRowInserted) Kind() string { return "catalog_row_inserted" }

func (e ObjectWritten) Target() string      { return e.Bucket + "/" + e.Key }
func (e ObjectsUnderPrefix) Target() string { return e.Bucket + "/" + e.Prefix + "*" }
func (e CatalogRowInserted) Target() string {
	return fmt.Sprintf("%s.%s=%s", e.Collection.Name, e.Collection.Key, e.PrimaryKey)
}

func (ObjectWritten) effect()      {}
func (ObjectsUnderPrefix) effect() {}
func (CatalogRowInserted) effect() {}

// Ledger is the ordered effect record of one run. It is not safe for
// concurrent use; a run owns its ledger exclusively.
type Ledger struct {
	entries []Effect
}

// Append records effects in creation order.
func (l *Ledger) Append(effs ...Effect) {
	l.entries = append(l.entries, effs...)
}

// Len returns the number of recorded effects.
func (l *Ledger) Len() int { return len(l.entries) }

// Entries returns a copy of the effects in creation order.
func (l *Ledger) Entries() []Effect {
	out := make([]Effect, len(l.entries))
	copy(out, l.entries)
	return out
}

// Reverse calls fn for each effect, most recent first.
func (l *Ledger) Reverse(fn func(Effect)) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		fn(l.entries[i])
	}
}
