// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/jsonc"

	"github.com/courier-foundation/courier/lib/subject"
	"github.com/courier-foundation/courier/mailbox"
)

// Handler processes a delivered envelope. Returning an error
// dead-letters the message; there is no automatic retry. The context
// is cancelled when the bus closes.
type Handler func(ctx context.Context, envelope *mailbox.Envelope) error

// subscription pairs a persisted pattern with its runtime handler.
// Handlers are never persisted: after a restart, patterns load with a
// nil handler and deliver nothing until a consumer re-attaches.
type subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`

	handler Handler
}

const subscriptionsFile = "subscriptions.json"

// Subscribe registers a handler for every message delivered to an
// endpoint whose subject matches the pattern (wildcards allowed). The
// pattern is persisted to subscriptions.json; the handler exists only
// in memory. If a persisted pattern from a previous run is waiting
// for its handler, Subscribe re-attaches to it instead of creating a
// duplicate entry.
//
// The returned function removes both the handler and the persisted
// pattern. Calling it more than once is harmless.
func (b *Bus) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.Validate(pattern, true); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("bus: handler is required")
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("bus: closed")
	}

	var sub *subscription
	for _, existing := range b.subs {
		if existing.Pattern == pattern && existing.handler == nil {
			existing.handler = handler
			sub = existing
			break
		}
	}
	if sub == nil {
		sub = &subscription{
			ID:        uuid.NewString(),
			Pattern:   pattern,
			CreatedAt: b.clock.Now(),
			handler:   handler,
		}
		b.subs = append(b.subs, sub)
		if err := b.persistSubscriptionsLocked(); err != nil {
			b.subs = b.subs[:len(b.subs)-1]
			b.mu.Unlock()
			return nil, err
		}
	}
	id := sub.ID
	b.mu.Unlock()

	b.logger.Info("subscribed", "pattern", pattern, "subscription_id", id)

	// Messages may already be sitting in new/ from before this
	// subscription existed (or from a previous process life). Kick
	// every dispatcher so they get another look.
	b.kickDispatchers()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, existing := range b.subs {
			if existing.ID == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				if err := b.persistSubscriptionsLocked(); err != nil {
					b.logger.Warn("unsubscribe persisted late",
						"subscription_id", id,
						"error", err,
					)
				}
				return
			}
		}
	}, nil
}

// Subscription is the persisted, handler-free view of a subscription.
type Subscription struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	CreatedAt time.Time `json:"createdAt"`
}

// Subscriptions returns the persisted form of every current
// subscription, including patterns still waiting for a handler.
func (b *Bus) Subscriptions() []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		out = append(out, Subscription{sub.ID, sub.Pattern, sub.CreatedAt})
	}
	return out
}

// handlersFor returns the attached handlers whose patterns match a
// subject, in subscription order.
func (b *Bus) handlersFor(messageSubject string) []Handler {
	b.mu.Lock()
	defer b.mu.Unlock()
	var handlers []Handler
	for _, sub := range b.subs {
		if sub.handler != nil && subject.Match(messageSubject, sub.Pattern) {
			handlers = append(handlers, sub.handler)
		}
	}
	return handlers
}

// kickDispatchers nudges every dispatcher to re-scan its inbox.
func (b *Bus) kickDispatchers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.dispatchers {
		d.kickScan()
	}
}

// loadSubscriptions reads subscriptions.json into memory with nil
// handlers. Malformed patterns fail loudly: a corrupt registry should
// stop startup, not silently drop routing.
func (b *Bus) loadSubscriptions() error {
	path := filepath.Join(b.dataDir, subscriptionsFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("bus: reading %s: %w", path, err)
	}

	var persisted []subscription
	if err := json.Unmarshal(jsonc.ToJSON(data), &persisted); err != nil {
		return fmt.Errorf("bus: parsing %s: %w", path, err)
	}
	for i := range persisted {
		if err := subject.Validate(persisted[i].Pattern, true); err != nil {
			return fmt.Errorf("bus: subscription %s: %w", persisted[i].ID, err)
		}
		b.subs = append(b.subs, &persisted[i])
	}
	return nil
}

// persistSubscriptionsLocked writes the subscription list as plain
// JSON via write-temp-rename. Caller holds b.mu.
func (b *Bus) persistSubscriptionsLocked() error {
	encoded, err := json.MarshalIndent(b.subs, "", "  ")
	if err != nil {
		return fmt.Errorf("bus: encoding subscriptions: %w", err)
	}
	encoded = append(encoded, '\n')

	path := filepath.Join(b.dataDir, subscriptionsFile)
	temp := path + ".tmp"
	if err := os.WriteFile(temp, encoded, 0o600); err != nil {
		return fmt.Errorf("bus: writing %s: %w", temp, err)
	}
	if err := os.Rename(temp, path); err != nil {
		os.Remove(temp)
		return fmt.Errorf("bus: replacing %s: %w", path, err)
	}
	return nil
}
