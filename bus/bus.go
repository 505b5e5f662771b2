// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/courier-foundation/courier/access"
	"github.com/courier-foundation/courier/deadletter"
	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/lib/budget"
	"github.com/courier-foundation/courier/lib/clock"
	"github.com/courier-foundation/courier/mailbox"
	"github.com/courier-foundation/courier/signal"
)

// Options configures a Bus. DataDir is required; everything else has
// defaults.
type Options struct {
	// DataDir is the root data directory. Created owner-only if it
	// does not exist.
	DataDir string

	// MaxHops is the default hop ceiling for new budgets. Zero means
	// the budget package default.
	MaxHops int

	// TTL is the default time-to-live for new budgets. Zero means the
	// budget package default.
	TTL time.Duration

	// CallBudget is the default call allowance for new budgets. Zero
	// means the budget package default.
	CallBudget int

	// MaintenanceInterval is how often expired index rows are reaped.
	// Zero means 5 minutes; negative disables the sweep.
	MaintenanceInterval time.Duration

	// Logger receives structured operational logging. If nil, logs
	// are discarded.
	Logger *slog.Logger

	// Clock is the time source. If nil, the real clock is used. Tests
	// inject a fake to control budget expiry and maintenance ticks.
	Clock clock.Clock
}

// defaultMaintenanceInterval is the expired-row sweep cadence when
// Options.MaintenanceInterval is zero.
const defaultMaintenanceInterval = 5 * time.Minute

// Bus is the message bus core. Open one per data directory per
// process; close it to release watchers and the index.
type Bus struct {
	dataDir  string
	logger   *slog.Logger
	clock    clock.Clock
	defaults budget.Overrides

	store   *mailbox.Store
	index   *index.Index
	archive *deadletter.Archive
	rules   *access.Store
	signals *signal.Hub

	// ctx is cancelled by Close; dispatchers and handlers observe it.
	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	endpoints   map[string]Endpoint    // keyed by subject
	dispatchers map[string]*dispatcher // keyed by endpoint hash
	subs        []*subscription

	maintenanceDone chan struct{}
}

// Open initializes a bus over a data directory: the mailbox tree, the
// derived index, the access-rule store with its file watcher, and the
// persisted subscription patterns. Endpoint registrations do not
// survive restarts; callers re-register on startup and the mailboxes
// (with any pending messages) are picked up where they were left.
func Open(options Options) (*Bus, error) {
	if options.DataDir == "" {
		return nil, fmt.Errorf("bus: DataDir is required")
	}

	logger := options.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	busClock := options.Clock
	if busClock == nil {
		busClock = clock.Real()
	}

	if err := os.MkdirAll(options.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("bus: creating data directory: %w", err)
	}

	store, err := mailbox.NewStore(filepath.Join(options.DataDir, "mailboxes"), logger)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(filepath.Join(options.DataDir, "index.db"), logger)
	if err != nil {
		return nil, err
	}

	rules, err := access.Open(filepath.Join(options.DataDir, "access-rules.json"), logger)
	if err != nil {
		idx.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		dataDir: options.DataDir,
		logger:  logger,
		clock:   busClock,
		defaults: budget.Overrides{
			MaxHops:    options.MaxHops,
			TTL:        options.TTL,
			CallBudget: options.CallBudget,
		},
		store:       store,
		index:       idx,
		archive:     deadletter.New(store, idx, logger),
		rules:       rules,
		signals:     signal.NewHub(logger),
		ctx:         ctx,
		cancel:      cancel,
		endpoints:   make(map[string]Endpoint),
		dispatchers: make(map[string]*dispatcher),
	}

	if err := b.loadSubscriptions(); err != nil {
		rules.Close()
		idx.Close()
		cancel()
		return nil, err
	}

	interval := options.MaintenanceInterval
	if interval == 0 {
		interval = defaultMaintenanceInterval
	}
	if interval > 0 {
		b.maintenanceDone = make(chan struct{})
		go b.maintain(interval)
	}

	logger.Info("bus opened",
		"data_dir", options.DataDir,
		"subscriptions", len(b.subs),
	)
	return b, nil
}

// Signal emits an ephemeral signal: validated, fanned out to matching
// signal subscribers, and gone. No disk, no budget, no access check.
func (b *Bus) Signal(signalSubject string, payload any) error {
	return b.signals.Emit(signalSubject, payload)
}

// OnSignal subscribes a handler to signals matching the pattern. The
// returned function removes the subscription.
func (b *Bus) OnSignal(pattern string, handler signal.Handler) (func(), error) {
	return b.signals.Subscribe(pattern, handler)
}

// DeadLetters returns dead letters for one endpoint hash, or all of
// them when endpointHash is empty.
func (b *Bus) DeadLetters(endpointHash string) ([]mailbox.DeadLetter, error) {
	return b.archive.List(endpointHash)
}

// PurgeDeadLetters removes dead letters that failed before the
// cutoff, returning the count removed.
func (b *Bus) PurgeDeadLetters(ctx context.Context, olderThan time.Time) (int, error) {
	return b.archive.Purge(ctx, olderThan)
}

// RebuildIndex regenerates the derived index from a full rescan of
// the mailbox tree. The recovery answer to any index problem.
func (b *Bus) RebuildIndex(ctx context.Context) error {
	return b.index.Rebuild(ctx, b.store)
}

// Metrics returns index row counts by status.
func (b *Bus) Metrics(ctx context.Context) (map[string]int, error) {
	return b.index.Metrics(ctx)
}

// AddAccessRule appends a rule and persists the rule file atomically.
func (b *Bus) AddAccessRule(rule access.Rule) error {
	return b.rules.Add(rule)
}

// RemoveAccessRule deletes a rule and persists the rule file.
func (b *Bus) RemoveAccessRule(rule access.Rule) error {
	return b.rules.Remove(rule)
}

// AccessRules returns a snapshot of the current rule list.
func (b *Bus) AccessRules() []access.Rule {
	return b.rules.Rules()
}

// Close shuts the bus down: every endpoint dispatcher stops, the
// access-rule watcher stops, the maintenance sweep stops, and the
// index is checkpointed and closed. In-memory subscription handlers
// are discarded; their persisted patterns remain for the next start.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	dispatchers := make([]*dispatcher, 0, len(b.dispatchers))
	for _, d := range b.dispatchers {
		dispatchers = append(dispatchers, d)
	}
	b.dispatchers = make(map[string]*dispatcher)
	b.mu.Unlock()

	b.cancel()
	for _, d := range dispatchers {
		d.stop()
	}
	if b.maintenanceDone != nil {
		<-b.maintenanceDone
	}

	var firstErr error
	if err := b.rules.Close(); err != nil {
		firstErr = err
	}
	if err := b.index.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	b.logger.Info("bus closed", "data_dir", b.dataDir)
	return firstErr
}

// maintain reaps expired index rows on a fixed cadence. Expiry of
// in-flight messages is otherwise caught lazily at hop time by budget
// enforcement; this sweep only keeps the projection from accumulating
// rows for messages nobody will ever touch again.
func (b *Bus) maintain(interval time.Duration) {
	defer close(b.maintenanceDone)
	ticker := b.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			removed, err := b.index.DeleteExpired(b.ctx, b.clock.Now())
			if err != nil {
				if b.ctx.Err() != nil {
					return
				}
				b.logger.Warn("index maintenance sweep failed", "error", err)
				continue
			}
			if removed > 0 {
				b.logger.Debug("index maintenance sweep", "expired_rows", removed)
			}
		}
	}
}
