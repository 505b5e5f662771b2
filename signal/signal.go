// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package signal is the ephemeral side channel of the bus: typed,
// in-memory, never persisted. Agents use it for transient state like
// typing and presence, where a lost notification costs nothing and a
// disk write would cost too much.
//
// Signals bypass budgets and access control. They are advisory; no
// record of a signal exists anywhere after Emit returns.
package signal

import (
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/courier-foundation/courier/lib/subject"
)

// Handler receives a signal's subject and payload. Handlers run
// synchronously inside Emit, in registration order; a slow handler
// delays the emitter, which is the price of zero buffering.
type Handler func(signalSubject string, payload any)

// Hub fans signals out to pattern subscribers. Safe for concurrent
// use.
type Hub struct {
	logger *slog.Logger

	mu   sync.Mutex
	next int
	subs []hubSubscription
}

type hubSubscription struct {
	id      int
	pattern string
	handler Handler
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Hub{logger: logger}
}

// Subscribe registers a handler for every signal whose subject
// matches the pattern (wildcards allowed). The returned function
// removes the subscription; calling it more than once is harmless.
func (h *Hub) Subscribe(pattern string, handler Handler) (func(), error) {
	if err := subject.Validate(pattern, true); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("signal: handler is required")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.next++
	id := h.next
	h.subs = append(h.subs, hubSubscription{id: id, pattern: pattern, handler: handler})

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		for i, sub := range h.subs {
			if sub.id == id {
				h.subs = append(h.subs[:i], h.subs[i+1:]...)
				return
			}
		}
	}, nil
}

// Emit validates the subject and synchronously invokes every matching
// handler in registration order. The subject must be concrete (no
// wildcards). Emit touches no disk and keeps no history.
func (h *Hub) Emit(signalSubject string, payload any) error {
	if err := subject.Validate(signalSubject, false); err != nil {
		return err
	}

	// Snapshot under the lock, invoke outside it: a handler may
	// subscribe or unsubscribe without deadlocking.
	h.mu.Lock()
	matching := make([]Handler, 0, len(h.subs))
	for _, sub := range h.subs {
		if subject.Match(signalSubject, sub.pattern) {
			matching = append(matching, sub.handler)
		}
	}
	h.mu.Unlock()

	for _, handler := range matching {
		handler(signalSubject, payload)
	}
	return nil
}
