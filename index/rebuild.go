// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package index

import (
	"context"
	"fmt"

	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/courier-foundation/courier/mailbox"
)

// Rebuild drops every row and repopulates the index from a full scan
// of the mailbox store. Running it twice on unchanged store state
// produces identical query results: the index carries no information
// of its own.
//
// The rescan and repopulation run inside one transaction, so
// concurrent readers see either the old projection or the new one,
// never a half-built table.
func (x *Index) Rebuild(ctx context.Context, store *mailbox.Store) (err error) {
	conn, takeErr := x.pool.Take(ctx)
	if takeErr != nil {
		return takeErr
	}
	defer x.pool.Put(conn)

	endTransaction, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return fmt.Errorf("index: begin rebuild transaction: %w", err)
	}
	defer endTransaction(&err)

	if err := sqlitex.Execute(conn, "DELETE FROM messages", nil); err != nil {
		return fmt.Errorf("index: clearing table for rebuild: %w", err)
	}

	hashes, err := store.Mailboxes()
	if err != nil {
		return fmt.Errorf("index: rebuild scan: %w", err)
	}

	var rows int
	for _, hash := range hashes {
		for _, state := range []mailbox.State{mailbox.StateNew, mailbox.StateClaimed} {
			ids, err := store.ListState(hash, state)
			if err != nil {
				return fmt.Errorf("index: rebuild scan of %s/%s: %w", hash, state, err)
			}
			for _, id := range ids {
				envelope, _, err := store.Read(hash, id)
				if err != nil {
					return fmt.Errorf("index: rebuild read %s: %w", id, err)
				}
				if err := x.insertOn(conn, rowFromEnvelope(envelope, statusForState(state), hash)); err != nil {
					return err
				}
				rows++
			}
		}

		letters, err := store.ListFailed(hash)
		if err != nil {
			return fmt.Errorf("index: rebuild scan of %s/failed: %w", hash, err)
		}
		for i := range letters {
			if err := x.insertOn(conn, rowFromEnvelope(&letters[i].Envelope, StatusDLQ, hash)); err != nil {
				return err
			}
			rows++
		}
	}

	x.logger.Info("index rebuilt", "mailboxes", len(hashes), "rows", rows)
	return nil
}

// rowFromEnvelope projects an envelope into its index row. Dead
// letters keep their expiry column so purge queries can reason about
// them, even though their budget no longer matters.
func rowFromEnvelope(envelope *mailbox.Envelope, status, endpointHash string) Message {
	return Message{
		ID:           envelope.ID,
		Subject:      envelope.Subject,
		From:         envelope.From,
		Status:       status,
		EndpointHash: endpointHash,
		CreatedAt:    envelope.CreatedAt,
		ExpiresAt:    envelope.Budget.Deadline,
	}
}

func statusForState(state mailbox.State) string {
	if state == mailbox.StateClaimed {
		return StatusClaimed
	}
	return StatusNew
}
