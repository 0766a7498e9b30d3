package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains the resolved file system locations used at runtime
type Paths struct {
	DataDir    string
	RawDir     string
	ExportsDir string
	LogsDir    string
}

// ResolvePaths makes every configured path absolute. Relative paths are
// resolved against the working directory, which is where the container
// mounts its data volume.
func (c *Config) ResolvePaths() (*Paths, error) {
	resolve := func(p string) (string, error) {
		if p == "" || filepath.IsAbs(p) {
			return p, nil
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", fmt.Errorf("resolve %q: %w", p, err)
		}
		return abs, nil
	}

	var paths Paths
	var err error
	if paths.DataDir, err = resolve(c.Paths.DataDir); err != nil {
		return nil, err
	}
	if paths.RawDir, err = resolve(c.Paths.RawDir); err != nil {
		return nil, err
	}
	if paths.ExportsDir, err = resolve(c.Paths.ExportsDir); err != nil {
		return nil, err
	}
	if paths.LogsDir, err = resolve(c.Paths.LogsDir); err != nil {
		return nil, err
	}

	if paths.RawDir == "" {
		paths.RawDir = filepath.Join(paths.DataDir, "raw")
	}
	if paths.ExportsDir == "" {
		paths.ExportsDir = filepath.Join(paths.DataDir, "exports")
	}

	return &paths, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	logger := slog.Default()

	for _, dir := range []string{p.DataDir, p.RawDir, p.ExportsDir, p.LogsDir} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		logger.Debug("Ensured directory exists", slog.String("directory", dir))
	}

	return nil
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
