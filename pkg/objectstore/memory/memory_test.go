package memory

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/wilhg/geotask/pkg/objectstore"
)

func TestPutGetListDelete(t *testing.T) {
	ctx := context.Background()
	s := New()
	for _, k := range []string{"tiles/a/1.png", "tiles/a/0.png", "tiles/b/0.png"} {
		if err := s.Put(ctx, "geo", k, strings.NewReader(k), int64(len(k)), "image/png"); err != nil {
			t.Fatal(err)
		}
	}
	rc, err := s.Get(ctx, "geo", "tiles/a/1.png")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(data) != "tiles/a/1.png" {
		t.Fatalf("data=%q", data)
	}
	if _, err := s.Get(ctx, "geo", "nope"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("err=%v want ErrNotFound", err)
	}

	keys, err := s.ListUnderPrefix(ctx, "geo", "tiles/a/")
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 2 || keys[0] != "tiles/a/0.png" {
		t.Fatalf("keys=%v", keys)
	}
	if errs := s.DeleteMany(ctx, "geo", append(keys, "missing")); len(errs) != 0 {
		t.Fatalf("errs=%v", errs)
	}
	if got := s.Keys("geo"); len(got) != 1 || got[0] != "tiles/b/0.png" {
		t.Fatalf("left=%v", got)
	}
}

func TestDeleteManyReportsPerKey(t *testing.T) {
	ctx := context.Background()
	s := New()
	_ = s.Put(ctx, "geo", "a", strings.NewReader("x"), 1, "")
	_ = s.Put(ctx, "geo", "b", strings.NewReader("y"), 1, "")
	denied := errors.New("access denied")
	s.FailDelete = func(bucket, key string) error {
		if key == "a" {
			return denied
		}
		return nil
	}
	errs := s.DeleteMany(ctx, "geo", []string{"a", "b"})
	if len(errs) != 1 || errs[0].Key != "a" || !errors.Is(errs[0], denied) {
		t.Fatalf("errs=%v", errs)
	}
	if got := s.Keys("geo"); len(got) != 1 || got[0] != "a" {
		t.Fatalf("left=%v", got)
	}
}
