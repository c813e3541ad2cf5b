// Package catalog defines the relational catalog the tasks register their
// artifacts in. Writes are expressed as structured row descriptors; callers
// never compose SQL.
package catalog

import (
	"context"
	"errors"
)

// Collection names a table and its primary key column.
type Collection struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// Known collections.
var (
	RasterTiles     = Collection{Name: "raster_tiles", Key: "layer_id"}
	RasterTileRoles = Collection{Name: "raster_tiles_directus_roles", Key: "id"}
	Files           = Collection{Name: "directus_files", Key: "id"}
	CircleStyles    = Collection{Name: "circle", Key: "id"}
	LineStyles      = Collection{Name: "line", Key: "id"}
	FillStyles      = Collection{Name: "fill", Key: "id"}
)

// Values maps column names to values. Maps and slices are stored as JSON.
type Values map[string]any

// Row is one insert descriptor. When Values omits the key column the
// catalog generates it.
type Row struct {
	Collection Collection
	Values     Values
}

// Catalog writes and removes catalog rows.
type Catalog interface {
	// Insert commits all rows in one transaction and returns their primary
	// keys in order. On error nothing is committed.
	Insert(ctx context.Context, rows ...Row) ([]string, error)
	// DeleteByKeys removes rows of one collection by primary key.
	DeleteByKeys(ctx context.Context, c Collection, keys []string) error
}

// User is the subset of a CMS user the access rules need.
type User struct {
	ID    string
	Admin bool
	Role  string
}

// ErrUserNotFound is returned by LookupUser for unknown ids.
var ErrUserNotFound = errors.New("catalog: user not found")

// Directory looks up uploaders.
type Directory interface {
	LookupUser(ctx context.Context, id string) (User, error)
}

// Session is a catalog connection checked out for one task run.
// Release returns it to the pool; calling it more than once is a no-op.
type Session interface {
	Catalog
	Directory
	Release()
}

// Pool hands out sessions.
type Pool interface {
	Acquire(ctx context.Context) (Session, error)
}
