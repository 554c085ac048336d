// Package workspace gives jobs and tasks isolated directories under a common
// root, with command allow/deny lists, size quotas and a process counter.
//
// Each workspace lives in <root>/<id>/ and carries its creation config in a
// ".workspace.json" sidecar, which is the only state read back on restart.
//
// Example usage:
//
//	m := workspace.NewManager(workspace.Options{Root: "~/.nexcore/workspaces"}, events, log)
//	if _, err := m.Load(); err != nil {
//	    return err
//	}
//
//	ws, err := m.Create(workspace.Config{ID: "backup", DeniedCommands: []string{"rm -rf /"}})
//	if err != nil {
//	    return err
//	}
//
//	err = m.ExecuteIn(ctx, ws.ID, func(ctx context.Context, path string) error {
//	    return runBackup(ctx, path)
//	})
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// SidecarFile is the metadata file written into every workspace directory.
const SidecarFile = ".workspace.json"

// ResourceLimits bounds what may run inside a workspace.
type ResourceLimits struct {
	MaxProcesses int `json:"max_processes,omitempty"` // Concurrent ExecuteIn calls; 0 means unlimited
}

// Config is the creation config of a workspace, persisted in its sidecar.
type Config struct {
	ID              string         `json:"id"`
	MaxFileSize     int64          `json:"max_file_size,omitempty"`  // Bytes; 0 means unlimited
	MaxTotalSize    int64          `json:"max_total_size,omitempty"` // Bytes; 0 means unlimited
	AllowedCommands []string       `json:"allowed_commands,omitempty"`
	DeniedCommands  []string       `json:"denied_commands,omitempty"`
	Limits          ResourceLimits `json:"resource_limits"`
}

// Workspace is a point-in-time view of a managed workspace.
type Workspace struct {
	ID           string
	Path         string
	Config       Config
	CreatedAt    time.Time
	LastUsed     time.Time
	ProcessCount int
}

// Idle reports whether nothing is running in the workspace.
func (w Workspace) Idle() bool {
	return w.ProcessCount == 0
}

// resolveWithin resolves relPath inside base. Relative paths are joined with
// base; absolute paths are accepted only when they already point inside it.
func resolveWithin(base, relPath string) (string, error) {
	if relPath == "" {
		return "", fmt.Errorf("path is empty")
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute workspace path: %w", err)
	}

	var joined string
	if filepath.IsAbs(relPath) {
		joined = filepath.Clean(relPath)
	} else {
		joined = filepath.Join(absBase, filepath.Clean(relPath))
	}

	rel, err := filepath.Rel(absBase, joined)
	if err != nil {
		return "", fmt.Errorf("failed to check path relationship: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path attempts to escape workspace: %s", relPath)
	}

	return joined, nil
}

// expandHome expands ~ to the user's home directory.
// If the path doesn't start with ~/, it's returned unchanged.
func expandHome(path string) string {
	if len(path) > 0 && path[0] == '~' && (len(path) == 1 || path[1] == '/') {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		if len(path) == 1 {
			return home
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// dirSize walks root and sums the sizes of regular files. It is never cached.
func dirSize(root string) (int64, error) {
	var total int64
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to compute size of %s: %w", root, err)
	}
	return total, nil
}
