package cron

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aatumaykin/nexcore/internal/logger"
	"github.com/aatumaykin/nexcore/internal/priority"
	"github.com/aatumaykin/nexcore/internal/retry"
)

// Definition is one job of a definitions file:
//
//	jobs:
//	  - id: nightly-backup
//	    schedule: "0 3 * * *"
//	    command: tar
//	    args: ["czf", "backup.tgz", "data"]
//	    workspace: backup
//	    priority: high
//	    timeout: 10m
//	    max_retries: 2
//	    retry: {initial_delay: 5s, max_delay: 1m, multiplier: 2, jitter: true}
//	    breaker: {threshold: 3, recovery: 30m}
type Definition struct {
	ID         string             `yaml:"id"`
	Name       string             `yaml:"name,omitempty"`
	Schedule   string             `yaml:"schedule"`
	Command    string             `yaml:"command"`
	Args       []string           `yaml:"args,omitempty"`
	Shell      bool               `yaml:"shell,omitempty"`
	Dir        string             `yaml:"dir,omitempty"`
	Env        map[string]string  `yaml:"env,omitempty"`
	Enabled    *bool              `yaml:"enabled,omitempty"`
	Priority   string             `yaml:"priority,omitempty"`
	Workspace  string             `yaml:"workspace,omitempty"`
	Backend    string             `yaml:"backend,omitempty"`
	Timeout    string             `yaml:"timeout,omitempty"`
	MaxRetries int                `yaml:"max_retries,omitempty"`
	Retry      *RetryDefinition   `yaml:"retry,omitempty"`
	Breaker    *BreakerDefinition `yaml:"breaker,omitempty"`
}

type RetryDefinition struct {
	InitialDelay string  `yaml:"initial_delay,omitempty"`
	MaxDelay     string  `yaml:"max_delay,omitempty"`
	Multiplier   float64 `yaml:"multiplier,omitempty"`
	Jitter       bool    `yaml:"jitter,omitempty"`
}

type BreakerDefinition struct {
	Threshold int    `yaml:"threshold"`
	Recovery  string `yaml:"recovery,omitempty"`
}

type definitionsFile struct {
	Jobs []Definition `yaml:"jobs"`
}

// DefinitionChanges lists the job ids touched by ApplyDefinitions.
type DefinitionChanges struct {
	Added   []string
	Updated []string
	Deleted []string
}

// LoadDefinitions reads and validates a definitions file. Unknown keys are
// rejected. An empty file holds no jobs.
func LoadDefinitions(path string) ([]Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job definitions: %w", err)
	}

	var file definitionsFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse job definitions %s: %w", path, err)
	}

	seen := make(map[string]bool, len(file.Jobs))
	var errs []error
	for i, def := range file.Jobs {
		if def.ID == "" {
			errs = append(errs, fmt.Errorf("job #%d: id is required", i+1))
			continue
		}
		if seen[def.ID] {
			errs = append(errs, fmt.Errorf("job %s: duplicate id", def.ID))
			continue
		}
		seen[def.ID] = true
		if _, err := def.Config(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid job definitions %s: %w", path, errors.Join(errs...))
	}
	return file.Jobs, nil
}

// Config converts the definition into a JobConfig.
func (d Definition) Config() (JobConfig, error) {
	cfg := JobConfig{
		ID:          d.ID,
		Name:        d.Name,
		Schedule:    d.Schedule,
		Command:     d.Command,
		Args:        d.Args,
		Shell:       d.Shell,
		Dir:         d.Dir,
		Env:         d.Env,
		Enabled:     d.Enabled,
		WorkspaceID: d.Workspace,
		Backend:     Backend(d.Backend),
		MaxRetries:  d.MaxRetries,
	}

	level, err := priority.Parse(d.Priority)
	if err != nil {
		return JobConfig{}, fmt.Errorf("job %s: %w", d.ID, err)
	}
	cfg.Priority = level

	if cfg.Timeout, err = parseDuration(d.Timeout); err != nil {
		return JobConfig{}, fmt.Errorf("job %s: timeout: %w", d.ID, err)
	}

	if d.Retry != nil {
		cfg.Retry = retry.Config{Multiplier: d.Retry.Multiplier, Jitter: d.Retry.Jitter}
		if cfg.Retry.InitialDelay, err = parseDuration(d.Retry.InitialDelay); err != nil {
			return JobConfig{}, fmt.Errorf("job %s: retry.initial_delay: %w", d.ID, err)
		}
		if cfg.Retry.MaxDelay, err = parseDuration(d.Retry.MaxDelay); err != nil {
			return JobConfig{}, fmt.Errorf("job %s: retry.max_delay: %w", d.ID, err)
		}
		// An empty retry block still opts the job into retries.
		if cfg.Retry.IsZero() {
			cfg.Retry = retry.DefaultConfig()
		}
	}

	if d.Breaker != nil {
		cfg.BreakerThreshold = d.Breaker.Threshold
		if cfg.BreakerRecovery, err = parseDuration(d.Breaker.Recovery); err != nil {
			return JobConfig{}, fmt.Errorf("job %s: breaker.recovery: %w", d.ID, err)
		}
	}
	return cfg, nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", s)
	}
	return d, nil
}

// ApplyDefinitions makes the jobs owned by the definitions file match defs.
// New ids are added, changed ones are updated in place (run counters are
// kept) and ids dropped from the file are deleted. Jobs added through the
// API are never deleted. Every definition is attempted; the errors are
// joined.
func (s *Scheduler) ApplyDefinitions(defs []Definition) (DefinitionChanges, error) {
	s.defsMu.Lock()
	defer s.defsMu.Unlock()

	var (
		changes DefinitionChanges
		errs    []error
		wanted  = make(map[string]bool, len(defs))
	)

	for _, def := range defs {
		wanted[def.ID] = true

		_, getErr := s.GetJob(def.ID)
		exists := getErr == nil
		if prev, owned := s.fileDefs[def.ID]; owned && exists && reflect.DeepEqual(prev, def) {
			continue
		}

		cfg, err := def.Config()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if def.Retry != nil && *def.Retry == (RetryDefinition{}) && !s.opts.DefaultRetry.IsZero() {
			cfg.Retry = s.opts.DefaultRetry
		}

		if exists {
			if _, err := s.UpdateJob(def.ID, updateFromConfig(cfg)); err != nil {
				errs = append(errs, err)
				continue
			}
			changes.Updated = append(changes.Updated, def.ID)
		} else {
			if _, err := s.AddJob(cfg); err != nil {
				errs = append(errs, err)
				continue
			}
			changes.Added = append(changes.Added, def.ID)
		}
		s.fileDefs[def.ID] = def
	}

	for id := range s.fileDefs {
		if wanted[id] {
			continue
		}
		delete(s.fileDefs, id)
		if err := s.DeleteJob(id); err != nil && !errors.Is(err, ErrJobNotFound) {
			errs = append(errs, err)
			continue
		}
		changes.Deleted = append(changes.Deleted, id)
	}

	return changes, errors.Join(errs...)
}

// updateFromConfig turns a full JobConfig into an update of every field.
func updateFromConfig(cfg JobConfig) JobUpdate {
	enabled := cfg.Enabled == nil || *cfg.Enabled
	args := cfg.Args
	env := cfg.Env
	return JobUpdate{
		Name:             &cfg.Name,
		Schedule:         &cfg.Schedule,
		Command:          &cfg.Command,
		Args:             &args,
		Shell:            &cfg.Shell,
		Dir:              &cfg.Dir,
		Env:              &env,
		Enabled:          &enabled,
		Priority:         &cfg.Priority,
		WorkspaceID:      &cfg.WorkspaceID,
		Backend:          &cfg.Backend,
		Timeout:          &cfg.Timeout,
		MaxRetries:       &cfg.MaxRetries,
		Retry:            &cfg.Retry,
		BreakerThreshold: &cfg.BreakerThreshold,
		BreakerRecovery:  &cfg.BreakerRecovery,
	}
}

// LoadDefinitionsFile loads path and applies it.
func (s *Scheduler) LoadDefinitionsFile(path string) (DefinitionChanges, error) {
	defs, err := LoadDefinitions(path)
	if err != nil {
		return DefinitionChanges{}, err
	}
	changes, err := s.ApplyDefinitions(defs)
	s.logger.Info("job definitions applied",
		logger.Field{Key: "path", Value: path},
		logger.Field{Key: "added", Value: len(changes.Added)},
		logger.Field{Key: "updated", Value: len(changes.Updated)},
		logger.Field{Key: "deleted", Value: len(changes.Deleted)})
	return changes, err
}
