package typedb

import (
	"context"
	"path/filepath"
	"testing"
)

func TestBoltStorePutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "types.db")

	db, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	defer db.Close()

	if err := db.Put(ctx, "Triangle", Entry{Parent: "Shape", Size: 12}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, err := db.Get(ctx, "Triangle")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if entry.Parent != "Shape" || entry.Size != 12 {
		t.Errorf("Get() = %+v, want {Shape 12}", entry)
	}
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "types.db")

	db, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("OpenBoltStore failed: %v", err)
	}
	if err := db.Put(ctx, "Shape", Entry{}); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := OpenBoltStore(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	ok, err := reopened.Exists(ctx, "Shape")
	if err != nil || !ok {
		t.Fatalf("Exists() after reopen = %v, %v, want true, nil", ok, err)
	}
}
