package configstore

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fleet.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestSQLiteStore(t)

	if err := store.Save(context.Background(), sampleConfigs()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].ID != "alpha" || got[1].Transport != "socket" {
		t.Fatalf("loaded = %+v", got)
	}
	if got[0].HealthCheck.FailureThreshold != 3 {
		t.Fatalf("health config lost in round trip: %+v", got[0].HealthCheck)
	}
}

func TestSQLiteStoreSaveReplacesSnapshot(t *testing.T) {
	t.Parallel()
	store := newTestSQLiteStore(t)

	if err := store.Save(context.Background(), sampleConfigs()); err != nil {
		t.Fatalf("first save: %v", err)
	}
	only := sampleConfigs()[:1]
	if err := store.Save(context.Background(), only); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "alpha" {
		t.Fatalf("loaded = %+v, want only alpha", got)
	}
}

func TestSQLiteStoreEmpty(t *testing.T) {
	t.Parallel()
	store := newTestSQLiteStore(t)
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("loaded = %+v, want empty", got)
	}
}
