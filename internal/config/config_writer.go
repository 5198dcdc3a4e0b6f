package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// WriteConfig writes cfg to path atomically. An existing file is left alone unless
// overwrite is set.
func WriteConfig(path string, cfg Config, overwrite bool) error {
	if !overwrite {
		_, err := os.Stat(path)
		if err == nil {
			return fmt.Errorf("config %q already exists", path)
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("check config %q: %w", path, err)
		}
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("ensure config dir %q: %w", dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("write temp config %q: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit config %q: %w", path, err)
	}

	return nil
}
