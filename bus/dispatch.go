// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"errors"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/mailbox"
)

// dispatcher is the watch-and-dispatch unit for one registered
// endpoint: a goroutine observing the mailbox's new/ directory and
// pushing arrivals through matching subscription handlers. Handling
// within one dispatcher is serialized, so a slow handler delays only
// its own endpoint's queue.
type dispatcher struct {
	bus      *Bus
	endpoint Endpoint
	watcher  *fsnotify.Watcher

	// kick requests an extra scan (new subscription attached).
	// Capacity 1: a pending kick absorbs further ones.
	kick chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	done     chan struct{}
}

// newDispatcher starts watching an endpoint's inbox. The initial scan
// inside run picks up messages that arrived while nobody was
// watching, which is how delivery resumes after a restart.
func newDispatcher(b *Bus, endpoint Endpoint) (*dispatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("bus: creating inbox watcher for %s: %w", endpoint.Subject, err)
	}
	inbox := b.store.NewDir(endpoint.Hash)
	if err := watcher.Add(inbox); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("bus: watching %s: %w", inbox, err)
	}

	d := &dispatcher{
		bus:      b,
		endpoint: endpoint,
		watcher:  watcher,
		kick:     make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// stop cancels the dispatcher and waits for its goroutine to exit.
// Safe to call more than once.
func (d *dispatcher) stop() {
	d.stopOnce.Do(func() {
		close(d.stopped)
		d.watcher.Close()
	})
	<-d.done
}

// kickScan requests a re-scan without a filesystem event.
func (d *dispatcher) kickScan() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// run is the dispatch loop: scan the inbox, then wait for the next
// reason to scan again. Scanning before the first wait drains
// messages that predate the watch.
func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.scan()
		select {
		case <-d.stopped:
			return
		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}
			// Deliveries appear as a rename into new/, which fsnotify
			// reports as Create. Anything else is noise.
			if !event.Has(fsnotify.Create) {
				continue
			}
		case <-d.kick:
		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.bus.logger.Warn("inbox watcher error",
				"endpoint", d.endpoint.Subject,
				"error", err,
			)
		}
	}
}

// scan pushes every message currently in new/ through delivery, in
// chronological order. Per-message failures are converted to dead
// letters at this boundary; the dispatcher itself never dies with its
// endpoint still registered.
func (d *dispatcher) scan() {
	ids, err := d.bus.store.ListNew(d.endpoint.Hash)
	if err != nil {
		d.bus.logger.Warn("inbox scan failed",
			"endpoint", d.endpoint.Subject,
			"error", err,
		)
		return
	}
	for _, id := range ids {
		select {
		case <-d.stopped:
			return
		default:
		}
		d.dispatch(id)
	}
}

// dispatch moves one message to its single terminal state: claim,
// run every matching handler, then complete on success or
// dead-letter on the first handler error. Handlers all run even if
// an earlier one failed (best effort); the message still reaches
// exactly one terminal state.
func (d *dispatcher) dispatch(messageID string) {
	envelope, state, err := d.bus.store.Read(d.endpoint.Hash, messageID)
	if err != nil || state != mailbox.StateNew {
		// Claimed by an earlier scan pass or already terminal.
		return
	}

	handlers := d.bus.handlersFor(envelope.Subject)
	if len(handlers) == 0 {
		// Nothing is listening yet. Leave the message in new/; a
		// later Subscribe kicks another scan.
		return
	}

	if err := d.bus.store.Claim(d.endpoint.Hash, messageID); err != nil {
		if !errors.Is(err, mailbox.ErrNotFound) {
			d.bus.logger.Warn("claim failed",
				"endpoint", d.endpoint.Subject,
				"message_id", messageID,
				"error", err,
			)
		}
		return
	}
	if err := d.bus.index.UpdateStatus(d.bus.ctx, messageID, index.StatusClaimed); err != nil {
		d.bus.logger.Warn("claim indexed late", "message_id", messageID, "error", err)
	}

	var handlerErr error
	for _, handler := range handlers {
		if err := d.invoke(handler, envelope); err != nil && handlerErr == nil {
			handlerErr = err
		}
	}

	if handlerErr != nil {
		reason := fmt.Sprintf("handler error: %v", handlerErr)
		if err := d.bus.store.Fail(d.endpoint.Hash, messageID, reason, d.bus.clock.Now()); err != nil {
			d.bus.logger.Error("dead-lettering failed",
				"endpoint", d.endpoint.Subject,
				"message_id", messageID,
				"error", err,
			)
			return
		}
		if err := d.bus.index.UpdateStatus(d.bus.ctx, messageID, index.StatusDLQ); err != nil {
			d.bus.logger.Warn("dead letter indexed late", "message_id", messageID, "error", err)
		}
		return
	}

	if err := d.bus.store.Complete(d.endpoint.Hash, messageID); err != nil {
		d.bus.logger.Error("complete failed",
			"endpoint", d.endpoint.Subject,
			"message_id", messageID,
			"error", err,
		)
		return
	}
	if err := d.bus.index.Delete(d.bus.ctx, messageID); err != nil {
		d.bus.logger.Warn("completion indexed late", "message_id", messageID, "error", err)
	}
}

// invoke runs one handler, converting a panic into an error so a
// broken handler dead-letters its message instead of killing the
// dispatcher.
func (d *dispatcher) invoke(handler Handler, envelope *mailbox.Envelope) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("handler panic: %v", recovered)
		}
	}()
	return handler(d.bus.ctx, envelope)
}
