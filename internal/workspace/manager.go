package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/wasilibs/go-re2"
	"golang.org/x/text/unicode/norm"

	"github.com/aatumaykin/nexcore/internal/bus"
	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/loops"
)

var (
	ErrWorkspaceNotFound = errors.New("workspace not found")
	ErrWorkspaceExists   = errors.New("workspace already exists")
	ErrWorkspaceBusy     = errors.New("workspace has running processes")
	ErrInvalidID         = errors.New("invalid workspace id")
	ErrCommandDenied     = errors.New("command not allowed")
	ErrProcessLimit      = errors.New("workspace process limit reached")
)

var validID = re2.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// QuotaError reports a write that would exceed a size quota.
type QuotaError struct {
	WorkspaceID string
	Path        string
	Quota       string // "file" or "total"
	Size        int64
	Limit       int64
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("workspace %s: writing %s (%s) exceeds %s size quota of %s",
		e.WorkspaceID, e.Path, humanize.IBytes(uint64(e.Size)), e.Quota, humanize.IBytes(uint64(e.Limit)))
}

// Options configures a Manager.
type Options struct {
	Root string // Parent directory of all workspaces; ~ is expanded

	// Defaults fill quota and limit fields left zero by Create. Default
	// denied commands are added to every workspace's own deny list.
	Defaults Config
}

type workspace struct {
	id           string
	path         string
	config       Config
	createdAt    time.Time
	lastUsed     time.Time
	processCount int
	deleting     bool
}

func (w *workspace) snapshot() Workspace {
	cfg := w.config
	cfg.AllowedCommands = slices.Clone(cfg.AllowedCommands)
	cfg.DeniedCommands = slices.Clone(cfg.DeniedCommands)
	return Workspace{
		ID:           w.id,
		Path:         w.path,
		Config:       cfg,
		CreatedAt:    w.createdAt,
		LastUsed:     w.lastUsed,
		ProcessCount: w.processCount,
	}
}

type sidecar struct {
	Config
	CreatedAt time.Time `json:"created_at"`
}

// Manager tracks the workspaces under one root directory.
type Manager struct {
	mu         sync.RWMutex
	root       string
	defaults   Config
	workspaces map[string]*workspace
	bus        *bus.EventBus
	logger     *logger.Logger
	runner     *loops.Runner
}

// NewManager creates a manager. events may be nil.
func NewManager(opts Options, events *bus.EventBus, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		root:       filepath.Clean(expandHome(opts.Root)),
		defaults:   opts.Defaults,
		workspaces: make(map[string]*workspace),
		bus:        events,
		logger:     log,
	}
}

// Root returns the expanded root directory.
func (m *Manager) Root() string {
	return m.root
}

func (m *Manager) applyDefaults(cfg Config) Config {
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = m.defaults.MaxFileSize
	}
	if cfg.MaxTotalSize == 0 {
		cfg.MaxTotalSize = m.defaults.MaxTotalSize
	}
	if len(cfg.AllowedCommands) == 0 {
		cfg.AllowedCommands = slices.Clone(m.defaults.AllowedCommands)
	}
	for _, d := range m.defaults.DeniedCommands {
		if !slices.Contains(cfg.DeniedCommands, d) {
			cfg.DeniedCommands = append(cfg.DeniedCommands, d)
		}
	}
	if cfg.Limits.MaxProcesses == 0 {
		cfg.Limits.MaxProcesses = m.defaults.Limits.MaxProcesses
	}
	return cfg
}

// Create makes a new workspace directory and writes its sidecar. It fails if
// the directory already exists.
func (m *Manager) Create(cfg Config) (Workspace, error) {
	if !validID.MatchString(cfg.ID) {
		return Workspace{}, fmt.Errorf("%w: %q", ErrInvalidID, cfg.ID)
	}
	cfg = m.applyDefaults(cfg)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.workspaces[cfg.ID]; ok {
		return Workspace{}, fmt.Errorf("%w: %s", ErrWorkspaceExists, cfg.ID)
	}

	path := filepath.Join(m.root, cfg.ID)
	if _, err := os.Stat(path); err == nil {
		return Workspace{}, fmt.Errorf("%w: directory %s exists", ErrWorkspaceExists, path)
	} else if !os.IsNotExist(err) {
		return Workspace{}, fmt.Errorf("failed to access workspace path %s: %w", path, err)
	}

	if err := os.MkdirAll(m.root, 0755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create workspace root %s: %w", m.root, err)
	}
	if err := os.Mkdir(path, 0755); err != nil {
		return Workspace{}, fmt.Errorf("failed to create workspace directory %s: %w", path, err)
	}

	now := time.Now()
	data, err := json.MarshalIndent(sidecar{Config: cfg, CreatedAt: now}, "", "  ")
	if err != nil {
		_ = os.RemoveAll(path)
		return Workspace{}, fmt.Errorf("failed to encode workspace metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, SidecarFile), data, 0644); err != nil {
		_ = os.RemoveAll(path)
		return Workspace{}, fmt.Errorf("failed to write workspace metadata: %w", err)
	}

	ws := &workspace{id: cfg.ID, path: path, config: cfg, createdAt: now, lastUsed: now}
	m.workspaces[cfg.ID] = ws

	m.logger.Info("workspace created",
		logger.Field{Key: "workspace_id", Value: cfg.ID},
		logger.Field{Key: "path", Value: path})
	m.emit(bus.WorkspaceCreated, cfg.ID)

	return ws.snapshot(), nil
}

// Load registers every workspace under the root that has a readable
// sidecar. Workspaces already known are left alone. It returns the number of
// workspaces added.
func (m *Manager) Load() (int, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read workspace root %s: %w", m.root, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	loaded := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(m.root, entry.Name())
		data, err := os.ReadFile(filepath.Join(path, SidecarFile))
		if err != nil {
			continue
		}

		var sc sidecar
		if err := json.Unmarshal(data, &sc); err != nil {
			m.logger.Warn("skipping workspace with unreadable metadata",
				logger.Field{Key: "path", Value: path},
				logger.Field{Key: "error", Value: err.Error()})
			continue
		}
		if sc.ID != entry.Name() {
			m.logger.Warn("skipping workspace with mismatched id",
				logger.Field{Key: "path", Value: path},
				logger.Field{Key: "workspace_id", Value: sc.ID})
			continue
		}
		if _, ok := m.workspaces[sc.ID]; ok {
			continue
		}

		lastUsed := sc.CreatedAt
		if info, err := entry.Info(); err == nil && info.ModTime().After(lastUsed) {
			lastUsed = info.ModTime()
		}

		m.workspaces[sc.ID] = &workspace{
			id:        sc.ID,
			path:      path,
			config:    sc.Config,
			createdAt: sc.CreatedAt,
			lastUsed:  lastUsed,
		}
		m.emit(bus.WorkspaceLoaded, sc.ID)
		loaded++
	}

	if loaded > 0 {
		m.logger.Info("workspaces loaded", logger.Field{Key: "count", Value: loaded})
	}
	return loaded, nil
}

// ExecuteIn runs fn with the workspace path. The process count is raised for
// the duration of fn and lowered again however fn returns.
func (m *Manager) ExecuteIn(ctx context.Context, id string, fn func(ctx context.Context, path string) error) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok || ws.deleting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if limit := ws.config.Limits.MaxProcesses; limit > 0 && ws.processCount >= limit {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (%d)", ErrProcessLimit, id, limit)
	}
	ws.processCount++
	ws.lastUsed = time.Now()
	path := ws.path
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if ws.processCount > 0 {
			ws.processCount--
		}
		m.mu.Unlock()
	}()

	return fn(ctx, path)
}

// CheckCommandPermission returns an error wrapping ErrCommandDenied when
// command starts with a denied prefix, or when an allow list exists and
// command starts with none of its entries. Deny rules win over allow rules.
func (m *Manager) CheckCommandPermission(id, command string) error {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	var allowed, denied []string
	if ok {
		allowed = ws.config.AllowedCommands
		denied = ws.config.DeniedCommands
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}

	cmd := normalizeCommand(command)
	for _, prefix := range denied {
		if strings.HasPrefix(cmd, normalizeCommand(prefix)) {
			return fmt.Errorf("%w: %q matches denied prefix %q in workspace %s", ErrCommandDenied, command, prefix, id)
		}
	}

	if len(allowed) == 0 {
		return nil
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(cmd, normalizeCommand(prefix)) {
			return nil
		}
	}
	return fmt.Errorf("%w: %q is not on the allow list of workspace %s", ErrCommandDenied, command, id)
}

// normalizeCommand folds compatibility characters (full-width letters,
// ligatures) so that look-alike spellings match the same rules.
func normalizeCommand(s string) string {
	return norm.NFKC.String(strings.TrimSpace(s))
}

// CheckFileSize returns a *QuotaError when writing size bytes to path would
// exceed the per-file quota, or when size plus the current on-disk size of
// the workspace would exceed the total quota.
func (m *Manager) CheckFileSize(id, path string, size int64) error {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	var cfg Config
	var root string
	if ok {
		cfg = ws.config
		root = ws.path
	}
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if _, err := resolveWithin(root, path); err != nil {
		return err
	}

	if cfg.MaxFileSize > 0 && size > cfg.MaxFileSize {
		return &QuotaError{WorkspaceID: id, Path: path, Quota: "file", Size: size, Limit: cfg.MaxFileSize}
	}

	if cfg.MaxTotalSize > 0 {
		current, err := dirSize(root)
		if err != nil {
			return err
		}
		if current+size > cfg.MaxTotalSize {
			return &QuotaError{WorkspaceID: id, Path: path, Quota: "total", Size: current + size, Limit: cfg.MaxTotalSize}
		}
	}
	return nil
}

// ResolvePath resolves rel inside the workspace, rejecting paths that escape it.
func (m *Manager) ResolvePath(id, rel string) (string, error) {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	var root string
	if ok {
		root = ws.path
	}
	m.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return resolveWithin(root, rel)
}

// removeAll is swapped in tests to observe a removal in progress.
var removeAll = os.RemoveAll

// Delete removes the workspace directory and its record. It refuses while
// anything runs inside the workspace. The directory is removed without
// holding the manager lock; meanwhile ExecuteIn treats the workspace as gone.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok || ws.deleting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	if ws.processCount > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s (%d running)", ErrWorkspaceBusy, id, ws.processCount)
	}
	ws.deleting = true
	path := ws.path
	m.mu.Unlock()

	err := removeAll(path)

	m.mu.Lock()
	if err != nil {
		ws.deleting = false
		m.mu.Unlock()
		return fmt.Errorf("failed to remove workspace %s: %w", id, err)
	}
	delete(m.workspaces, id)
	m.mu.Unlock()

	m.logger.Info("workspace deleted", logger.Field{Key: "workspace_id", Value: id})
	m.emit(bus.WorkspaceDeleted, id)
	return nil
}

// CleanupInactive deletes idle workspaces not used within maxAge and returns
// their ids.
func (m *Manager) CleanupInactive(maxAge time.Duration) ([]string, error) {
	cutoff := time.Now().Add(-maxAge)

	m.mu.RLock()
	var stale []string
	for id, ws := range m.workspaces {
		if ws.processCount == 0 && ws.lastUsed.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()
	slices.Sort(stale)

	var (
		deleted []string
		errs    []error
	)
	for _, id := range stale {
		if err := m.Delete(id); err != nil {
			// Picked up work or was removed since the scan.
			if errors.Is(err, ErrWorkspaceBusy) || errors.Is(err, ErrWorkspaceNotFound) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, id)
	}

	if len(deleted) > 0 {
		m.logger.Info("inactive workspaces cleaned up",
			logger.Field{Key: "count", Value: len(deleted)},
			logger.Field{Key: "max_age", Value: maxAge.String()})
	}
	return deleted, errors.Join(errs...)
}

// StartCleanup runs CleanupInactive every interval until Stop is called.
func (m *Manager) StartCleanup(ctx context.Context, interval, maxAge time.Duration) error {
	m.mu.Lock()
	if m.runner != nil {
		m.mu.Unlock()
		return loops.ErrAlreadyStarted
	}
	runner := loops.New("workspace", m.logger)
	m.runner = runner
	m.mu.Unlock()

	err := runner.Every("cleanup", interval, func(ctx context.Context) {
		if _, err := m.CleanupInactive(maxAge); err != nil {
			m.logger.Error("workspace cleanup failed", err)
		}
	})
	if err != nil {
		return err
	}

	m.logger.Info("workspace cleanup started",
		logger.Field{Key: "interval", Value: interval.String()},
		logger.Field{Key: "max_age", Value: maxAge.String()})
	return runner.Start(ctx)
}

// Stop stops the cleanup loop, if running.
func (m *Manager) Stop() {
	m.mu.Lock()
	runner := m.runner
	m.runner = nil
	m.mu.Unlock()

	if runner != nil {
		_ = runner.Stop()
	}
}

// Get returns a snapshot of one workspace.
func (m *Manager) Get(id string) (Workspace, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ws, ok := m.workspaces[id]
	if !ok {
		return Workspace{}, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return ws.snapshot(), nil
}

// List returns snapshots of all workspaces ordered by id.
func (m *Manager) List() []Workspace {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Workspace, 0, len(m.workspaces))
	for _, ws := range m.workspaces {
		out = append(out, ws.snapshot())
	}
	slices.SortFunc(out, func(a, b Workspace) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Size returns the current on-disk size of a workspace.
func (m *Manager) Size(id string) (int64, error) {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	var root string
	if ok {
		root = ws.path
	}
	m.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrWorkspaceNotFound, id)
	}
	return dirSize(root)
}

func (m *Manager) emit(kind bus.Kind, id string) {
	e := bus.NewEvent(kind)
	e.WorkspaceID = id
	m.bus.Emit(e)
}
