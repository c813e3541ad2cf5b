package access

import (
	"context"
	"testing"

	"github.com/wilhg/geotask/pkg/catalog"
	"github.com/wilhg/geotask/pkg/errmodel"
)

func TestResolve(t *testing.T) {
	admin := catalog.User{ID: "a", Admin: true, Role: "admins"}
	editor := catalog.User{ID: "e", Role: "editors"}
	cases := []struct {
		user      catalog.User
		requested string
		want      Grant
	}{
		{admin, "", Grant{PermissionType: Admin}},
		{admin, "bogus", Grant{PermissionType: Admin}},
		{admin, Roles, Grant{PermissionType: Roles}},
		{admin, RolesPublic, Grant{PermissionType: RolesPublic}},
		{editor, "", Grant{PermissionType: Roles, AllowedRole: "editors"}},
		{editor, Admin, Grant{PermissionType: Roles, AllowedRole: "editors"}},
		{editor, RolesPublic, Grant{PermissionType: RolesPublic, AllowedRole: "editors"}},
	}
	for _, c := range cases {
		if got := Resolve(c.user, c.requested); got != c.want {
			t.Fatalf("Resolve(%s,%q)=%+v want %+v", c.user.ID, c.requested, got, c.want)
		}
	}
}

type dir map[string]catalog.User

func (d dir) LookupUser(ctx context.Context, id string) (catalog.User, error) {
	u, ok := d[id]
	if !ok {
		return catalog.User{}, catalog.ErrUserNotFound
	}
	return u, nil
}

func TestForUploader(t *testing.T) {
	d := dir{"e": {ID: "e", Role: "editors"}}
	g, err := ForUploader(context.Background(), d, "e", "")
	if err != nil {
		t.Fatal(err)
	}
	if g.AllowedRole != "editors" {
		t.Fatalf("grant=%+v", g)
	}
	_, err = ForUploader(context.Background(), d, "ghost", "")
	if !errmodel.IsCategory(err, errmodel.CategoryValidation) {
		t.Fatalf("err=%v want validation", err)
	}
}
