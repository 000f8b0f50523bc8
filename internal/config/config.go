// Package config loads and persists the client configuration. The
// document is read once at start, migrated to the current handler
// version in memory, and written back atomically after successful
// mutating operations.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/airone01/diem/internal/schema"
)

// DefaultPath returns the per-user configuration file location.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating config dir: %w", err)
	}
	return filepath.Join(dir, "diem", "config.toml"), nil
}

// Default builds a fresh configuration rooted under the user's home.
func Default() (*schema.Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("locating home dir: %w", err)
	}
	base := filepath.Join(home, ".diem")
	return &schema.Config{
		InstallDir:          filepath.Join(base, "apps"),
		BinDir:              filepath.Join(base, "bin"),
		FetchWorkers:        4,
		FetchTimeoutSeconds: 30,
		CatalogTTLSeconds:   300,
		HandlerVersion:      schema.ConfigVersion,
	}, nil
}

// Load reads the configuration at path, migrating older documents. A
// missing file yields the defaults; saving them is the caller's call.
func Load(path string) (*schema.Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default()
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	cfg, err := schema.DecodeConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes the configuration atomically: encode to a temp file in
// the same directory, then rename over the destination.
func Save(path string, cfg *schema.Config) error {
	data, err := schema.EncodeConfig(cfg)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("setting mode on %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replacing %s: %w", path, err)
	}
	return nil
}

// EnsureDirs creates every directory the configuration references.
func EnsureDirs(cfg *schema.Config) error {
	dirs := []string{cfg.InstallDir, cfg.BinDir, cfg.SgoinfreDir, cfg.GoinfreDir, cfg.SharedArtifactoryDir}
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	return nil
}

// SyncGoinfreFromSgoinfre copies the persistent storage tier into the
// volatile one. Campus machines wipe goinfre between sessions, so the
// sgoinfre copy is the durable one and this restores the working set.
func SyncGoinfreFromSgoinfre(cfg *schema.Config) error {
	if cfg.SgoinfreDir == "" || cfg.GoinfreDir == "" {
		return nil
	}
	if _, err := os.Stat(cfg.SgoinfreDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := os.MkdirAll(cfg.GoinfreDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.GoinfreDir, err)
	}
	return copyDirContents(cfg.SgoinfreDir, cfg.GoinfreDir)
}

func copyDirContents(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)

		switch {
		case d.IsDir():
			return os.MkdirAll(target, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return err
			}
			_ = os.Remove(target)
			return os.Symlink(link, target)
		default:
			return copyFile(path, target)
		}
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
