// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

// Package deadletter archives rejected and failed messages with the
// reason they died. It composes the mailbox store's failed state (the
// durable record) with the derived index (the queryable projection).
//
// Nothing here retries: a dead letter stays dead until an operator
// inspects it, re-publishes it, or purges it.
package deadletter

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/mailbox"
)

// Archive is the dead-letter store for one data directory.
type Archive struct {
	store  *mailbox.Store
	index  *index.Index
	logger *slog.Logger
}

// New creates an Archive over an open store and index.
func New(store *mailbox.Store, idx *index.Index, logger *slog.Logger) *Archive {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Archive{store: store, index: idx, logger: logger}
}

// Reject records an envelope as dead with the given reason: a durable
// record in the owning mailbox's failed state, and a dlq row in the
// index. The mailbox write happens first; if the index write fails
// afterwards, the record is still safe and the next rebuild repairs
// the projection.
func (a *Archive) Reject(ctx context.Context, endpointHash string, envelope *mailbox.Envelope, reason string, now time.Time) error {
	if err := a.store.WriteFailed(endpointHash, envelope, reason, now); err != nil {
		return fmt.Errorf("deadletter: %w", err)
	}

	err := a.index.Insert(ctx, index.Message{
		ID:           envelope.ID,
		Subject:      envelope.Subject,
		From:         envelope.From,
		Status:       index.StatusDLQ,
		EndpointHash: endpointHash,
		CreatedAt:    envelope.CreatedAt,
		ExpiresAt:    envelope.Budget.Deadline,
	})
	if err != nil {
		// Index drift, not data loss. Log and carry on.
		a.logger.Warn("dead letter indexed late",
			"message_id", envelope.ID,
			"error", err,
		)
	}
	return nil
}

// List returns dead letters for one endpoint hash, or for every
// mailbox on disk when endpointHash is empty. Results come from
// parsing the failed-state files, not the index, so List works even
// with a stale or deleted index.
func (a *Archive) List(endpointHash string) ([]mailbox.DeadLetter, error) {
	if endpointHash != "" {
		letters, err := a.store.ListFailed(endpointHash)
		if err != nil {
			return nil, fmt.Errorf("deadletter: %w", err)
		}
		return letters, nil
	}

	hashes, err := a.store.Mailboxes()
	if err != nil {
		return nil, fmt.Errorf("deadletter: %w", err)
	}
	var all []mailbox.DeadLetter
	for _, hash := range hashes {
		letters, err := a.store.ListFailed(hash)
		if err != nil {
			return nil, fmt.Errorf("deadletter: %w", err)
		}
		all = append(all, letters...)
	}
	return all, nil
}

// Purge deletes dead letters that failed before the cutoff, from both
// the failed directories and the index, returning the count removed.
func (a *Archive) Purge(ctx context.Context, olderThan time.Time) (int, error) {
	hashes, err := a.store.Mailboxes()
	if err != nil {
		return 0, fmt.Errorf("deadletter: %w", err)
	}

	var removed int
	for _, hash := range hashes {
		letters, err := a.store.ListFailed(hash)
		if err != nil {
			return removed, fmt.Errorf("deadletter: %w", err)
		}
		for i := range letters {
			if !letters[i].FailedAt.Before(olderThan) {
				continue
			}
			if err := a.store.RemoveFailed(hash, letters[i].Envelope.ID); err != nil {
				return removed, fmt.Errorf("deadletter: %w", err)
			}
			if err := a.index.Delete(ctx, letters[i].Envelope.ID); err != nil {
				a.logger.Warn("purged dead letter left an index row",
					"message_id", letters[i].Envelope.ID,
					"error", err,
				)
			}
			removed++
		}
	}

	if removed > 0 {
		a.logger.Info("dead letters purged",
			"older_than", olderThan,
			"count", removed,
		)
	}
	return removed, nil
}
