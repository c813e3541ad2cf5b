package sqlcatalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/wilhg/geotask/pkg/sqldb"
)

// The CMS owns these tables in production; Migrate creates a compatible
// subset for local runs and tests.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS "directus_roles" (
		"id" TEXT PRIMARY KEY,
		"name" TEXT,
		"admin_access" BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE TABLE IF NOT EXISTS "directus_users" (
		"id" TEXT PRIMARY KEY,
		"email" TEXT,
		"role" TEXT REFERENCES "directus_roles"("id")
	)`,
	`CREATE TABLE IF NOT EXISTS "directus_files" (
		"id" TEXT PRIMARY KEY,
		"storage" TEXT NOT NULL,
		"filename_disk" TEXT,
		"filename_download" TEXT,
		"title" TEXT,
		"type" TEXT,
		"folder" TEXT,
		"uploaded_by" TEXT,
		"filesize" BIGINT
	)`,
	`CREATE TABLE IF NOT EXISTS "raster_tiles" (
		"layer_id" TEXT PRIMARY KEY,
		"layer_alias" TEXT,
		"bounds" {{json}},
		"minzoom" INTEGER,
		"maxzoom" INTEGER,
		"terrain_rgb" BOOLEAN NOT NULL DEFAULT FALSE,
		"protocol" TEXT NOT NULL DEFAULT 'default',
		"color_steps" {{json}},
		"cog_file" TEXT REFERENCES "directus_files"("id"),
		"user_created" TEXT,
		"listed" BOOLEAN NOT NULL DEFAULT FALSE,
		"permission_type" TEXT NOT NULL DEFAULT 'admin',
		"preview" TEXT,
		"description" TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS "raster_tiles_directus_roles" (
		"id" {{serial}},
		"raster_tiles_layer_id" TEXT REFERENCES "raster_tiles"("layer_id") ON DELETE CASCADE,
		"directus_roles_id" TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS "circle" (
		"id" {{serial}},
		"name" TEXT,
		"paint_circle_color" TEXT,
		"paint_circle_opacity" {{float}},
		"paint_circle_radius" {{float}}
	)`,
	`CREATE TABLE IF NOT EXISTS "line" (
		"id" {{serial}},
		"name" TEXT,
		"paint_line_color" TEXT,
		"paint_line_opacity" {{float}},
		"paint_line_width" {{float}}
	)`,
	`CREATE TABLE IF NOT EXISTS "fill" (
		"id" {{serial}},
		"name" TEXT,
		"paint_fill_color" TEXT,
		"paint_fill_opacity" {{float}}
	)`,
}

func ddl(d sqldb.Dialect, stmt string) string {
	var r *strings.Replacer
	if d == sqldb.Postgres {
		r = strings.NewReplacer("{{json}}", "JSONB", "{{serial}}", "SERIAL PRIMARY KEY", "{{float}}", "DOUBLE PRECISION")
	} else {
		r = strings.NewReplacer("{{json}}", "TEXT", "{{serial}}", "INTEGER PRIMARY KEY AUTOINCREMENT", "{{float}}", "REAL")
	}
	return r.Replace(stmt)
}

// Migrate creates the catalog tables if they do not exist.
func (c *Catalog) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := c.db.ExecContext(ctx, ddl(c.db.Dialect, stmt)); err != nil {
			return fmt.Errorf("migrate catalog: %w", err)
		}
	}
	return nil
}
