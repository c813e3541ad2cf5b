//go:build integration

package s3

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/testcontainers/testcontainers-go"
	tcminio "github.com/testcontainers/testcontainers-go/modules/minio"

	"github.com/wilhg/geotask/pkg/objectstore"
)

func startMinio(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	ctr, err := tcminio.Run(ctx, "minio/minio:RELEASE.2024-01-16T16-07-38Z",
		tcminio.WithUsername("geotask"),
		tcminio.WithPassword("geotask-secret"),
	)
	if err != nil {
		t.Skipf("skip: cannot start minio: %v", err)
	}
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(ctr) })

	endpoint, err := ctr.ConnectionString(ctx)
	if err != nil {
		t.Fatal(err)
	}
	st, err := New(Config{Endpoint: endpoint, AccessKey: ctr.Username, SecretKey: ctr.Password})
	if err != nil {
		t.Fatal(err)
	}
	if err := st.client.MakeBucket(ctx, "geo", minio.MakeBucketOptions{}); err != nil {
		t.Fatal(err)
	}
	return st
}

func TestMinioPutGetListDelete(t *testing.T) {
	st := startMinio(t)
	ctx := context.Background()

	keys := []string{"root/raster-tiles/L1/3/4/2.png", "root/raster-tiles/L1/3/4/3.png", "root/raster-tiles/L1/4/8/5.png", "root/other.tif"}
	for _, k := range keys {
		if err := st.Put(ctx, "geo", k, strings.NewReader(k), int64(len(k)), "image/png"); err != nil {
			t.Fatal(err)
		}
	}

	rc, err := st.Get(ctx, "geo", keys[0])
	if err != nil {
		t.Fatal(err)
	}
	data, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || string(data) != keys[0] {
		t.Fatalf("data=%q err=%v", data, err)
	}
	if _, err := st.Get(ctx, "geo", "root/missing.kml"); !errors.Is(err, objectstore.ErrNotFound) {
		t.Fatalf("missing key err=%v want ErrNotFound", err)
	}

	// Listing is recursive across the zoom/x "directories".
	listed, err := st.ListUnderPrefix(ctx, "geo", "root/raster-tiles/L1/")
	if err != nil {
		t.Fatal(err)
	}
	if len(listed) != 3 {
		t.Fatalf("listed=%v want 3 keys", listed)
	}

	if errs := st.DeleteMany(ctx, "geo", append(listed, "root/never-written.png")); len(errs) != 0 {
		t.Fatalf("delete errs=%v", errs)
	}
	left, err := st.ListUnderPrefix(ctx, "geo", "root/")
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 1 || left[0] != "root/other.tif" {
		t.Fatalf("left=%v", left)
	}
	if errs := st.DeleteMany(ctx, "geo", nil); errs != nil {
		t.Fatalf("empty delete errs=%v", errs)
	}
}

func TestMinioDeleteManyReportsPerKeyErrors(t *testing.T) {
	st := startMinio(t)
	errs := st.DeleteMany(context.Background(), "no-such-bucket", []string{"a.png", "b.png"})
	if len(errs) != 2 {
		t.Fatalf("errs=%v want one per key", errs)
	}
	for _, ke := range errs {
		if ke.Key == "" || ke.Err == nil {
			t.Fatalf("key error=%+v", ke)
		}
	}
}
