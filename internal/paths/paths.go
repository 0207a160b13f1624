// Package paths resolves where the runtime keeps its settings.
package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirName is the per-workspace settings directory.
const DirName = ".lumina"

// ConfigHomeEnv overrides the user settings directory.
const ConfigHomeEnv = "LUMINA_CONFIG_HOME"

// ResolveWorkspaceDir resolves the .lumina directory from user input.
//
//   - "/path/to/project" -> "/path/to/project/.lumina"
//   - "/path/to/project/.lumina" -> "/path/to/project/.lumina"
//   - "" -> "./.lumina"
//
// A redirect file inside the directory points at another settings
// directory, so git worktrees can share the main checkout's settings.
func ResolveWorkspaceDir(path string) string {
	if path == "" {
		path = "."
	}
	path = filepath.Clean(path)
	if filepath.Base(path) != DirName {
		path = filepath.Join(path, DirName)
	}
	return followRedirect(path)
}

func followRedirect(dir string) string {
	content, err := os.ReadFile(filepath.Join(dir, "redirect")) //nolint:gosec // redirect lives inside the settings dir
	if err != nil {
		return dir
	}
	target := strings.TrimSpace(string(content))
	if target == "" {
		return dir
	}
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(dir, target))
}

// WorkspaceDB returns the workspace settings database inside dir.
func WorkspaceDB(dir string) string {
	return filepath.Join(dir, "settings.db")
}

// UserSettingsFile returns the user settings file,
// $LUMINA_CONFIG_HOME/settings.yaml or <user config dir>/lumina/settings.yaml.
func UserSettingsFile() (string, error) {
	if dir := os.Getenv(ConfigHomeEnv); dir != "" {
		return filepath.Join(dir, "settings.yaml"), nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config dir: %w", err)
	}
	return filepath.Join(base, "lumina", "settings.yaml"), nil
}
