// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/courier-foundation/courier/lib/budget"
)

// Envelope is the unit of durable communication: one JSON file per
// envelope in the mailbox tree. Everything except the budget is
// immutable after creation; the budget is shrunk per hop.
type Envelope struct {
	// ID is monotonically increasing and doubles as the storage
	// filename, so directory listings sort chronologically.
	ID string `json:"id"`

	// Subject is the destination endpoint address (wildcard-free).
	Subject string `json:"subject"`

	// From identifies the sending endpoint.
	From string `json:"from"`

	// ReplyTo optionally names the endpoint for responses.
	ReplyTo string `json:"replyTo,omitempty"`

	// Budget is the shrink-only resource envelope.
	Budget budget.Budget `json:"budget"`

	// CreatedAt is the creation timestamp.
	CreatedAt time.Time `json:"createdAt"`

	// Payload is opaque to the bus.
	Payload json.RawMessage `json:"payload"`
}

// DeadLetter is the failed-state file format: the envelope snapshot
// wrapped with the rejection reason and failure time.
type DeadLetter struct {
	Envelope Envelope  `json:"envelope"`
	Reason   string    `json:"reason"`
	FailedAt time.Time `json:"failedAt"`

	// EndpointHash names the mailbox that owns the dead letter. It is
	// implied by the file's location, not serialized.
	EndpointHash string `json:"-"`
}

var (
	idMu       sync.Mutex
	idLastNano int64
	idSequence uint32
)

// NewID returns a monotonically increasing, lexicographically
// sortable message ID: a zero-padded hex nanosecond timestamp plus a
// process-local sequence counter for IDs minted in the same
// nanosecond. IDs from one process are strictly increasing; cross-
// process collisions are caught by the exclusive create in Deliver.
func NewID(now time.Time) string {
	idMu.Lock()
	defer idMu.Unlock()

	nanos := now.UnixNano()
	if nanos <= idLastNano {
		nanos = idLastNano
		idSequence++
	} else {
		idLastNano = nanos
		idSequence = 0
	}
	return fmt.Sprintf("%016x-%04x", nanos, idSequence)
}

// endpointDomainKey is the BLAKE3 keyed-hash domain for endpoint
// directory names. Fixed constant: changing it orphans every existing
// mailbox directory. The bytes are the ASCII domain name, zero-padded
// to 32 bytes, so the key is inspectable in hex dumps.
var endpointDomainKey = [32]byte{
	'c', 'o', 'u', 'r', 'i', 'e', 'r', '.',
	'e', 'n', 'd', 'p', 'o', 'i', 'n', 't',
}

// EndpointHash derives the mailbox directory name for an endpoint
// subject: the first 8 bytes of a keyed BLAKE3 digest, hex encoded.
// The result is stable across processes and restarts, contains only
// [0-9a-f], and carries no trace of the subject's dots, which is what
// keeps arbitrary subjects from steering the store outside its root.
func EndpointHash(subjectAddress string) string {
	hasher, err := blake3.NewKeyed(endpointDomainKey[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(fmt.Sprintf("mailbox: endpoint hasher: %v", err))
	}
	hasher.Write([]byte(subjectAddress))
	digest := hasher.Sum(nil)
	return hex.EncodeToString(digest[:8])
}
