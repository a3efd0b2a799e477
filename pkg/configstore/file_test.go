package configstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/toolhost/mcpfleet/pkg/mcpfleet"
)

func sampleConfigs() []mcpfleet.ServerConfig {
	a := mcpfleet.DefaultServerConfig()
	a.ID = "alpha"
	a.Command = "mcp-alpha"
	a.Tags = []string{"prod"}
	b := mcpfleet.DefaultServerConfig()
	b.ID = "beta"
	b.Transport = mcpfleet.TransportSocket
	b.URL = "wss://host/mcp"
	return []mcpfleet.ServerConfig{a, b}
}

func TestFileStoreRoundTrip(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	store := NewFileStore(path, nil)

	if err := store.Save(context.Background(), sampleConfigs()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 2 || got[0].ID != "alpha" || got[1].URL != "wss://host/mcp" {
		t.Fatalf("loaded = %+v", got)
	}
	if got[0].MaxRestarts != 3 || got[0].Tags[0] != "prod" {
		t.Fatalf("loaded alpha = %+v", got[0])
	}
}

func TestFileStoreMissingFileIsEmptyFleet(t *testing.T) {
	t.Parallel()
	store := NewFileStore(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	got, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != nil {
		t.Fatalf("loaded = %+v, want nil", got)
	}
}

func TestFileStoreRejectsMalformedYAML(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	if err := os.WriteFile(path, []byte("servers: [not: closed"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewFileStore(path, nil).Load(context.Background()); err == nil {
		t.Fatal("malformed file loaded without error")
	}
}

func TestFileStoreWatchDeliversReload(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "servers.yaml")
	store := NewFileStore(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := store.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}

	if err := store.Save(context.Background(), sampleConfigs()); err != nil {
		t.Fatalf("save: %v", err)
	}

	select {
	case got := <-ch:
		if len(got) != 2 || got[0].ID != "alpha" {
			t.Fatalf("watched snapshot = %+v", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot delivered after save")
	}

	cancel()
	select {
	case _, open := <-ch:
		if open {
			t.Fatal("channel still open after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
