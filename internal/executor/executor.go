// Package executor runs commands as child processes with a timeout,
// tail-bounded output capture and optional file redirection.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aatumaykin/nexcore/internal/logger"
)

const (
	DefaultTimeout        = 30 * time.Second
	DefaultMaxOutputBytes = 10 * 1024 * 1024
	DefaultKillGrace      = 2 * time.Second

	shellPath = "sh"
)

var ErrEmptyCommand = errors.New("command is required")

// TimeoutError is returned when a command outlives its timeout.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command %q timed out after %s", e.Command, e.Timeout)
}

// Config describes one command invocation.
type Config struct {
	Command string
	Args    []string
	Shell   bool // Run Command through "sh -c"; Args are ignored
	Dir     string
	Env     map[string]string // Merged over the host environment

	Timeout        time.Duration // Default: 30s
	MaxOutputBytes int           // Per stream; only the trailing bytes are kept (default: 10 MiB)

	RedirectStdin  string // Fed to stdin when the file exists
	RedirectStdout string // Appended to as output arrives
	RedirectStderr string
}

// Output is the raw outcome of a process that exited on its own.
type Output struct {
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool // Stdout or Stderr kept only its last MaxOutputBytes
}

// Result is the structured outcome returned by Run. It never carries a
// Go error past the executor; failures are reported through Success and Err.
type Result struct {
	Success   bool
	ExitCode  int
	Stdout    string
	Stderr    string
	Duration  time.Duration
	Err       error
	TimedOut  bool
	Truncated bool
	Attempts  int
}

// Options are executor-wide defaults applied to every Config.
type Options struct {
	Timeout        time.Duration
	MaxOutputBytes int
	KillGrace      time.Duration // Time between SIGTERM and SIGKILL (default: 2s)
}

// Executor spawns processes.
type Executor struct {
	opts   Options
	logger *logger.Logger
}

func New(opts Options, log *logger.Logger) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.MaxOutputBytes <= 0 {
		opts.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if opts.KillGrace <= 0 {
		opts.KillGrace = DefaultKillGrace
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Executor{opts: opts, logger: log}
}

func (e *Executor) withDefaults(cfg Config) Config {
	if cfg.Timeout <= 0 {
		cfg.Timeout = e.opts.Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = e.opts.MaxOutputBytes
	}
	return cfg
}

// Execute runs cfg and waits for it. A process that exits on its own yields
// an Output whatever its exit code. On timeout the process group receives
// SIGTERM, then SIGKILL after the grace period, and a *TimeoutError is
// returned along with whatever output was captured.
func (e *Executor) Execute(ctx context.Context, cfg Config) (*Output, error) {
	cfg = e.withDefaults(cfg)
	if strings.TrimSpace(cfg.Command) == "" {
		return nil, ErrEmptyCommand
	}

	var cmd *exec.Cmd
	if cfg.Shell {
		cmd = exec.Command(shellPath, "-c", cfg.Command)
	} else {
		cmd = exec.Command(cfg.Command, cfg.Args...)
	}
	cmd.Dir = cfg.Dir
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	cmd.WaitDelay = e.opts.KillGrace
	setProcessGroup(cmd)

	stdout := newTailBuffer(cfg.MaxOutputBytes)
	stderr := newTailBuffer(cfg.MaxOutputBytes)

	var closers []io.Closer
	defer func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}()

	stdoutW, err := redirectWriter(stdout, cfg.RedirectStdout, &closers)
	if err != nil {
		return nil, err
	}
	stderrW, err := redirectWriter(stderr, cfg.RedirectStderr, &closers)
	if err != nil {
		return nil, err
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	if cfg.RedirectStdin != "" {
		if f, err := os.Open(cfg.RedirectStdin); err == nil {
			closers = append(closers, f)
			cmd.Stdin = f
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to open stdin file %s: %w", cfg.RedirectStdin, err)
		}
	}

	e.logger.Debug("Executing command",
		logger.Field{Key: "command", Value: cfg.Command},
		logger.Field{Key: "args", Value: cfg.Args},
		logger.Field{Key: "dir", Value: cfg.Dir},
		logger.Field{Key: "timeout", Value: cfg.Timeout.String()})

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", cfg.Command, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	collect := func(exitCode int) *Output {
		return &Output{
			ExitCode:  exitCode,
			Stdout:    stdout.String(),
			Stderr:    stderr.String(),
			Truncated: stdout.Truncated() || stderr.Truncated(),
		}
	}

	timer := time.NewTimer(cfg.Timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		out := collect(0)
		if err != nil {
			var exitErr *exec.ExitError
			if !errors.As(err, &exitErr) {
				return out, fmt.Errorf("failed to wait for %s: %w", cfg.Command, err)
			}
			out.ExitCode = exitErr.ExitCode()
		}
		return out, nil

	case <-timer.C:
		e.stop(cmd, done)
		e.logger.WarnCtx(ctx, "Command timed out",
			logger.Field{Key: "command", Value: cfg.Command},
			logger.Field{Key: "timeout", Value: cfg.Timeout.String()})
		return collect(-1), &TimeoutError{Command: cfg.Command, Timeout: cfg.Timeout}

	case <-ctx.Done():
		e.stop(cmd, done)
		return collect(-1), ctx.Err()
	}
}

// stop terminates the process group and waits for the process to be reaped.
func (e *Executor) stop(cmd *exec.Cmd, done <-chan error) {
	if err := terminate(cmd); err != nil {
		e.logger.Debug("Failed to signal process group", logger.Field{Key: "error", Value: err.Error()})
	}

	grace := time.NewTimer(e.opts.KillGrace)
	defer grace.Stop()

	select {
	case <-done:
	case <-grace.C:
		if err := kill(cmd); err != nil {
			e.logger.Debug("Failed to kill process group", logger.Field{Key: "error", Value: err.Error()})
		}
		<-done
	}
}

// Run executes cfg and folds every outcome into a Result.
func (e *Executor) Run(ctx context.Context, cfg Config) Result {
	start := time.Now()
	out, err := e.Execute(ctx, cfg)

	res := Result{Duration: time.Since(start), Attempts: 1}
	if out != nil {
		res.ExitCode = out.ExitCode
		res.Stdout = out.Stdout
		res.Stderr = out.Stderr
		res.Truncated = out.Truncated
	}

	var timeoutErr *TimeoutError
	switch {
	case errors.As(err, &timeoutErr):
		res.TimedOut = true
		res.Err = err
	case err != nil:
		res.ExitCode = -1
		res.Err = err
	case res.ExitCode != 0:
		res.Err = fmt.Errorf("exit status %d", res.ExitCode)
	default:
		res.Success = true
	}
	return res
}

// interpreters maps script extensions to the command line prefix used to run them.
var interpreters = map[string][]string{
	".sh": {"bash"},
	".py": {"python3"},
	".js": {"node"},
	".ts": {"node", "--loader", "ts-node/esm"},
}

// ExecuteScript runs the script at path with an interpreter chosen by its
// extension. Unknown extensions are executed directly. cfg.Args are passed to
// the script.
func (e *Executor) ExecuteScript(ctx context.Context, path string, cfg Config) Result {
	cfg.Shell = false
	scriptArgs := cfg.Args

	prefix, ok := interpreters[strings.ToLower(filepath.Ext(path))]
	if !ok {
		cfg.Command = path
		cfg.Args = scriptArgs
		return e.Run(ctx, cfg)
	}

	cfg.Command = prefix[0]
	cfg.Args = append(slices.Clone(prefix[1:]), path)
	cfg.Args = append(cfg.Args, scriptArgs...)
	return e.Run(ctx, cfg)
}

// RunWithRetry runs cfg up to maxRetries+1 times with a fixed delay between
// attempts, stopping at the first success. The last failure is returned.
func (e *Executor) RunWithRetry(ctx context.Context, cfg Config, maxRetries int, delay time.Duration) Result {
	if maxRetries < 0 {
		maxRetries = 0
	}

	var res Result
	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		res = e.Run(ctx, cfg)
		res.Attempts = attempt
		if res.Success || attempt > maxRetries {
			return res
		}

		e.logger.Warn("Command failed, retrying",
			logger.Field{Key: "command", Value: cfg.Command},
			logger.Field{Key: "attempt", Value: attempt},
			logger.Field{Key: "exit_code", Value: res.ExitCode})

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			res.Err = fmt.Errorf("retry cancelled after attempt %d: %w", attempt, ctx.Err())
			return res
		}
	}
	return res
}

func redirectWriter(buf *tailBuffer, path string, closers *[]io.Closer) (io.Writer, error) {
	if path == "" {
		return buf, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open redirect file %s: %w", path, err)
	}
	*closers = append(*closers, f)
	return io.MultiWriter(buf, f), nil
}

func mergeEnv(base []string, overrides map[string]string) []string {
	if len(overrides) == 0 {
		return base
	}
	env := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		env = append(env, k+"="+overrides[k])
	}
	return env
}
