// Package state centralizes the router's filesystem layout (spec.md
// §6): router_config.json, .logs/<service>.log, and .stats/. Adapted
// from the teacher's internal/state/paths.go XDG-aware resolution.
package state

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	// InstallDirEnv overrides the default install directory.
	InstallDirEnv = "RELAYD_INSTALL_DIR"

	xdgStateHomeEnv = "XDG_STATE_HOME"
	appName         = "relayd"
)

// InstallDir returns the install directory the router runs from.
// Resolution order: RELAYD_INSTALL_DIR, XDG_STATE_HOME/relayd, then
// os.UserConfigDir()/relayd.
func InstallDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv(InstallDirEnv)); override != "" {
		return normalizePath(override)
	}
	if xdg := strings.TrimSpace(os.Getenv(xdgStateHomeEnv)); xdg != "" {
		root, err := normalizePath(xdg)
		if err != nil {
			return "", err
		}
		return filepath.Join(root, appName), nil
	}
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine user config directory: %w", err)
	}
	root, err := normalizePath(configDir)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, appName), nil
}

// ConfigFile returns the persistent router_config.json path.
func ConfigFile() (string, error) {
	return InRoot("router_config.json")
}

// LogsDir returns the .logs directory containing append-only
// per-service logs consumed by the port-discovery loop (spec.md §4.4).
func LogsDir() (string, error) {
	return InRoot(".logs")
}

// ServiceLogFile returns the log file path for one service.
func ServiceLogFile(service string) (string, error) {
	return InRoot(".logs", service+".log")
}

// StatsDir returns the external statistics collaborator's directory.
func StatsDir() (string, error) {
	return InRoot(".stats")
}

// InRoot returns a path rooted under InstallDir with additional path
// elements, creating no directories as a side effect.
func InRoot(parts ...string) (string, error) {
	root, err := InstallDir()
	if err != nil {
		return "", err
	}
	all := make([]string, 0, len(parts)+1)
	all = append(all, root)
	all = append(all, parts...)
	return filepath.Join(all...), nil
}

// EnsureDirs creates the install directory and its logs/stats
// subdirectories if they do not already exist.
func EnsureDirs() error {
	root, err := InstallDir()
	if err != nil {
		return err
	}
	for _, sub := range []string{"", ".logs", ".stats"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", sub, err)
		}
	}
	return nil
}

func normalizePath(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path), nil
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("cannot resolve path %q: %w", path, err)
	}
	return filepath.Clean(absPath), nil
}
