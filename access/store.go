// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package access

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/tidwall/jsonc"
)

// Store holds the live rule list and keeps it synchronized with the
// backing file. Checks read an immutable snapshot through an atomic
// pointer; reloads and edits swap the whole snapshot at once.
//
// Store is safe for concurrent use.
type Store struct {
	path   string
	logger *slog.Logger

	rules atomic.Pointer[[]Rule]

	// mu serializes Add/Remove so concurrent edits cannot interleave
	// their read-modify-write of the backing file.
	mu sync.Mutex

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads the rule file at path (which need not exist yet: a
// missing file is an empty, default-allow rule set) and starts
// watching it for external edits.
//
// The watch is on the parent directory, not the file itself, so
// editors and tools that replace the file by rename keep triggering
// reloads.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	store := &Store{
		path:   path,
		logger: logger,
		done:   make(chan struct{}),
	}

	rules, err := loadRules(path)
	if err != nil {
		return nil, err
	}
	store.rules.Store(&rules)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("access: creating watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("access: watching %s: %w", filepath.Dir(path), err)
	}
	store.watcher = watcher

	go store.watch()
	return store, nil
}

// Check evaluates the current rule set for a concrete sender and
// recipient, returning ActionAllow or ActionDeny.
func (s *Store) Check(from, to string) string {
	return Decide(*s.rules.Load(), from, to)
}

// Rules returns a snapshot copy of the current rule list.
func (s *Store) Rules() []Rule {
	current := *s.rules.Load()
	out := make([]Rule, len(current))
	copy(out, current)
	return out
}

// Add validates a rule, appends it, and persists the list atomically.
func (s *Store) Add(rule Rule) error {
	if err := validateRule(rule); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	updated := append(s.Rules(), rule)
	if err := s.persist(updated); err != nil {
		return err
	}
	s.rules.Store(&updated)
	s.logger.Info("access rule added",
		"from", rule.From,
		"to", rule.To,
		"action", rule.Action,
		"priority", rule.Priority,
	)
	return nil
}

// Remove deletes every rule exactly equal to the given one and
// persists the result. Removing a rule that is not present is a
// no-op.
func (s *Store) Remove(rule Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.Rules()
	updated := current[:0]
	for _, existing := range current {
		if existing != rule {
			updated = append(updated, existing)
		}
	}
	if len(updated) == len(current) {
		return nil
	}
	if err := s.persist(updated); err != nil {
		return err
	}
	s.rules.Store(&updated)
	s.logger.Info("access rule removed",
		"from", rule.From,
		"to", rule.To,
	)
	return nil
}

// Close stops the file watcher. The last loaded rule set remains
// readable; only reloading stops.
func (s *Store) Close() error {
	if err := s.watcher.Close(); err != nil {
		return fmt.Errorf("access: closing watcher: %w", err)
	}
	<-s.done
	return nil
}

// watch reloads the rule file whenever the watched directory reports
// a change to it. A reload failure keeps the previous snapshot: a
// half-saved edit never degrades a running bus to default-allow.
func (s *Store) watch() {
	defer close(s.done)
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			rules, err := loadRules(s.path)
			if err != nil {
				s.logger.Warn("access rules reload failed, keeping previous rules",
					"path", s.path,
					"error", err,
				)
				continue
			}
			s.rules.Store(&rules)
			s.logger.Info("access rules reloaded",
				"path", s.path,
				"rules", len(rules),
			)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Warn("access rules watcher error", "error", err)
		}
	}
}

// persist writes the rule list as plain JSON via write-temp-rename,
// owner-only. Readers of the file never see a partial list.
func (s *Store) persist(rules []Rule) error {
	encoded, err := json.MarshalIndent(rules, "", "  ")
	if err != nil {
		return fmt.Errorf("access: encoding rules: %w", err)
	}
	encoded = append(encoded, '\n')

	temp := s.path + ".tmp"
	if err := os.WriteFile(temp, encoded, 0o600); err != nil {
		return fmt.Errorf("access: writing %s: %w", temp, err)
	}
	if err := os.Rename(temp, s.path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("access: replacing %s: %w", s.path, err)
	}
	return nil
}

// loadRules reads and validates the rule file. Comments and trailing
// commas are tolerated on load; Courier always writes plain JSON.
func loadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return []Rule{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("access: reading %s: %w", path, err)
	}

	var rules []Rule
	if err := json.Unmarshal(jsonc.ToJSON(data), &rules); err != nil {
		return nil, fmt.Errorf("access: parsing %s: %w", path, err)
	}
	for i, rule := range rules {
		if err := validateRule(rule); err != nil {
			return nil, fmt.Errorf("access: rule %d in %s: %w", i, path, err)
		}
	}
	return rules, nil
}
