// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"fmt"
	"sort"
	"time"

	"github.com/courier-foundation/courier/lib/subject"
	"github.com/courier-foundation/courier/mailbox"
)

// Endpoint is a registered addressable destination: a wildcard-free
// subject, its stable hash (the mailbox directory name), the absolute
// path of its mailbox root, and when it was registered. Endpoint
// records live in memory for the process lifetime; the mailbox
// directory outlives them.
type Endpoint struct {
	Subject      string
	Hash         string
	MailboxDir   string
	RegisteredAt time.Time
}

// Register makes an endpoint addressable: validates the subject
// (wildcards rejected), creates its mailbox directories owner-only,
// records it in memory, and starts its watch-and-dispatch unit.
// Registering an already-registered subject returns the existing
// record unchanged.
func (b *Bus) Register(endpointSubject string) (Endpoint, error) {
	if err := subject.Validate(endpointSubject, false); err != nil {
		return Endpoint{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Endpoint{}, fmt.Errorf("bus: closed")
	}
	if existing, ok := b.endpoints[endpointSubject]; ok {
		return existing, nil
	}

	hash := mailbox.EndpointHash(endpointSubject)
	if err := b.store.EnsureMailbox(hash); err != nil {
		return Endpoint{}, err
	}

	endpoint := Endpoint{
		Subject:      endpointSubject,
		Hash:         hash,
		MailboxDir:   b.store.MailboxDir(hash),
		RegisteredAt: b.clock.Now(),
	}

	d, err := newDispatcher(b, endpoint)
	if err != nil {
		return Endpoint{}, err
	}
	b.endpoints[endpointSubject] = endpoint
	b.dispatchers[hash] = d

	b.logger.Info("endpoint registered",
		"subject", endpointSubject,
		"endpoint_hash", hash,
	)
	return endpoint, nil
}

// Unregister removes the in-memory record and stops the endpoint's
// dispatcher. The mailbox directory and every message in it persist
// on disk for recovery; re-registering the same subject resumes the
// same mailbox.
func (b *Bus) Unregister(endpointSubject string) error {
	b.mu.Lock()
	endpoint, ok := b.endpoints[endpointSubject]
	var d *dispatcher
	if ok {
		delete(b.endpoints, endpointSubject)
		d = b.dispatchers[endpoint.Hash]
		delete(b.dispatchers, endpoint.Hash)
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("bus: endpoint %q is not registered", endpointSubject)
	}
	if d != nil {
		d.stop()
	}
	b.logger.Info("endpoint unregistered", "subject", endpointSubject)
	return nil
}

// Endpoint looks up a registered endpoint by subject.
func (b *Bus) Endpoint(endpointSubject string) (Endpoint, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	endpoint, ok := b.endpoints[endpointSubject]
	return endpoint, ok
}

// Endpoints lists the registered endpoints, sorted by subject.
func (b *Bus) Endpoints() []Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Endpoint, 0, len(b.endpoints))
	for _, endpoint := range b.endpoints {
		out = append(out, endpoint)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Subject < out[j].Subject })
	return out
}
