package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestSaveAndLoadState(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	state := State{
		PeerID:     "5be1a0c3",
		KeyPath:    KeyPath(dir),
		ConfigPath: "/etc/uppe/node.yaml",
		CreatedAt:  time.Unix(1730000000, 0).UTC(),
	}

	if err := SaveState(ctx, dir, state); err != nil {
		t.Fatalf("SaveState returned error: %v", err)
	}

	info, err := os.Stat(StatePath(dir))
	if err != nil {
		t.Fatalf("stat state file: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("expected 0600 permissions, got %v", info.Mode().Perm())
	}

	loaded, err := LoadState(ctx, dir)
	if err != nil {
		t.Fatalf("LoadState returned error: %v", err)
	}
	if loaded.PeerID != state.PeerID || loaded.KeyPath != state.KeyPath || !loaded.CreatedAt.Equal(state.CreatedAt) {
		t.Fatalf("loaded state mismatch: %+v", loaded)
	}
}

func TestSaveStateRefusesOverwrite(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	if err := SaveState(ctx, dir, State{PeerID: "first"}); err != nil {
		t.Fatalf("SaveState: %v", err)
	}
	if err := SaveState(ctx, dir, State{PeerID: "second"}); err == nil {
		t.Fatalf("expected error when state already exists")
	}
	loaded, err := LoadState(ctx, dir)
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.PeerID != "first" {
		t.Fatalf("state must not change identity, got %s", loaded.PeerID)
	}
}

func TestLoadStateMissing(t *testing.T) {
	if _, err := LoadState(context.Background(), t.TempDir()); err == nil {
		t.Fatalf("expected error for missing state")
	}
}
