// Package access decides who may see a registered layer.
package access

import (
	"context"
	"errors"

	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/errmodel"
)

// PermissionType values stored on layer rows.
const (
	Admin       = "admin"
	Roles       = "roles"
	RolesPublic = "roles+public"
)

// Grant is the resolved visibility of a layer. AllowedRole, when set, gets a
// junction row linking the layer to that role.
type Grant struct {
	PermissionType string `json:"permission_type"`
	AllowedRole    string `json:"allowed_role,omitempty"`
}

// Resolve applies the upload rules to a requested permission type.
// Admins may pick any type and default to admin. Other users are limited to
// their own role and default to roles.
func Resolve(u catalog.User, requested string) Grant {
	if u.Admin {
		switch requested {
		case Admin, Roles, RolesPublic:
			return Grant{PermissionType: requested}
		default:
			return Grant{PermissionType: Admin}
		}
	}
	g := Grant{PermissionType: Roles, AllowedRole: u.Role}
	if requested == RolesPublic {
		g.PermissionType = RolesPublic
	}
	return g
}

// ForUploader looks the uploader up and resolves the grant.
func ForUploader(ctx context.Context, dir catalog.Directory, uploader, requested string) (Grant, error) {
	u, err := dir.LookupUser(ctx, uploader)
	if errors.Is(err, catalog.ErrUserNotFound) {
		return Grant{}, errmodel.Validation("uploader_not_found", "Uploader does not exist",
			map[string]any{"uploader": uploader})
	}
	if err != nil {
		return Grant{}, err
	}
	return Resolve(u, requested), nil
}
