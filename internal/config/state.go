package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	StateFileName = "state.yaml"
	KeyFileName   = "node.key"
)

// State records the identity a data directory was initialised with.
type State struct {
	PeerID     string    `yaml:"peer_id"`
	KeyPath    string    `yaml:"key_path"`
	ConfigPath string    `yaml:"config_path"`
	CreatedAt  time.Time `yaml:"created_at"`
}

func StatePath(dir string) string {
	return filepath.Join(dir, StateFileName)
}

// KeyPath returns the default location of the node key inside dir.
func KeyPath(dir string) string {
	return filepath.Join(dir, KeyFileName)
}

func LoadState(ctx context.Context, dir string) (State, error) {
	var state State
	path := StatePath(dir)

	data, err := os.ReadFile(path)
	if err != nil {
		return state, fmt.Errorf("read state file %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &state); err != nil {
		return state, fmt.Errorf("parse state file %q: %w", path, err)
	}

	return state, nil
}

// SaveState writes the state file once. It refuses to replace an existing one so a
// node never silently changes identity.
func SaveState(ctx context.Context, dir string, state State) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ensure state dir %q: %w", dir, err)
	}

	path := StatePath(dir)
	_, err := os.Stat(path)
	if err == nil {
		return fmt.Errorf("state file %q already exists", path)
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("check state file %q: %w", path, err)
	}

	data, err := yaml.Marshal(&state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp state file %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit state file %q: %w", path, err)
	}

	return nil
}
