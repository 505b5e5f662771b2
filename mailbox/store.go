// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// State names a message's position in the delivery lifecycle. The
// values double as subdirectory names.
type State string

const (
	StateStaging State = "staging"
	StateNew     State = "new"
	StateClaimed State = "claimed"
	StateFailed  State = "failed"
)

// states lists every state subdirectory, in lifecycle order.
var states = []State{StateStaging, StateNew, StateClaimed, StateFailed}

// ErrNotFound is returned when a message ID is not present in any
// readable state of a mailbox.
var ErrNotFound = errors.New("mailbox: message not found")

// Store manages the per-endpoint mailbox tree under a single root
// directory. All state transitions use same-volume atomic rename, so
// a Store is safe to share between processes pointed at the same root.
type Store struct {
	root   string
	logger *slog.Logger
}

// NewStore opens (creating if necessary) a mailbox tree rooted at
// root. The root and everything below it are owner-only.
func NewStore(root string, logger *slog.Logger) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("mailbox: root directory is required")
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("mailbox: creating root %s: %w", root, err)
	}
	return &Store{root: root, logger: logger}, nil
}

// Root returns the mailbox tree's root directory.
func (s *Store) Root() string { return s.root }

// EnsureMailbox creates the four state subdirectories for an endpoint
// hash. Idempotent.
func (s *Store) EnsureMailbox(endpointHash string) error {
	for _, state := range states {
		dir := s.stateDir(endpointHash, state)
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("mailbox: creating %s: %w", dir, err)
		}
	}
	return nil
}

// Deliver durably writes an envelope into an endpoint's mailbox. The
// envelope is serialized into staging/ with O_EXCL (a duplicate ID
// fails loudly instead of silently overwriting), fsynced, and made
// visible with a single atomic rename into new/. After Deliver
// returns, a crash cannot lose or truncate the message.
func (s *Store) Deliver(endpointHash string, envelope *Envelope) error {
	if envelope.ID == "" {
		return fmt.Errorf("mailbox: envelope has no ID")
	}

	encoded, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("mailbox: encoding envelope %s: %w", envelope.ID, err)
	}

	stagingPath := s.messagePath(endpointHash, StateStaging, envelope.ID)
	file, err := os.OpenFile(stagingPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("mailbox: staging %s: %w", envelope.ID, err)
	}
	if _, err := file.Write(encoded); err != nil {
		file.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("mailbox: writing %s: %w", envelope.ID, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(stagingPath)
		return fmt.Errorf("mailbox: syncing %s: %w", envelope.ID, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("mailbox: closing %s: %w", envelope.ID, err)
	}

	newPath := s.messagePath(endpointHash, StateNew, envelope.ID)
	if err := os.Rename(stagingPath, newPath); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("mailbox: publishing %s: %w", envelope.ID, err)
	}

	s.logger.Debug("mailbox delivered",
		"endpoint_hash", endpointHash,
		"message_id", envelope.ID,
		"subject", envelope.Subject,
	)
	return nil
}

// ListNew returns the IDs of unclaimed messages in chronological
// order. Monotonic IDs sort lexicographically, so the sorted listing
// is the arrival order.
func (s *Store) ListNew(endpointHash string) ([]string, error) {
	return s.listState(endpointHash, StateNew)
}

// Read locates a message by ID, searching new, claimed, then failed,
// and returns the envelope along with the state it was found in. For
// failed messages the envelope is unwrapped from its dead-letter
// record. Returns [ErrNotFound] if the ID is in none of them.
func (s *Store) Read(endpointHash, messageID string) (*Envelope, State, error) {
	for _, state := range []State{StateNew, StateClaimed} {
		data, err := os.ReadFile(s.messagePath(endpointHash, state, messageID))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("mailbox: reading %s: %w", messageID, err)
		}
		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, "", fmt.Errorf("mailbox: decoding %s: %w", messageID, err)
		}
		return &envelope, state, nil
	}

	data, err := os.ReadFile(s.messagePath(endpointHash, StateFailed, messageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, "", fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, "", fmt.Errorf("mailbox: reading %s: %w", messageID, err)
	}
	var dead DeadLetter
	if err := json.Unmarshal(data, &dead); err != nil {
		return nil, "", fmt.Errorf("mailbox: decoding %s: %w", messageID, err)
	}
	return &dead.Envelope, StateFailed, nil
}

// Claim transitions a message from new to claimed. Fails if another
// claimant won the rename race.
func (s *Store) Claim(endpointHash, messageID string) error {
	from := s.messagePath(endpointHash, StateNew, messageID)
	to := s.messagePath(endpointHash, StateClaimed, messageID)
	if err := os.Rename(from, to); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("mailbox: claiming %s: %w", messageID, err)
	}
	return nil
}

// Complete removes a claimed message. Completion is terminal: the
// file is deleted, not archived.
func (s *Store) Complete(endpointHash, messageID string) error {
	path := s.messagePath(endpointHash, StateClaimed, messageID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("mailbox: completing %s: %w", messageID, err)
	}
	s.logger.Debug("mailbox completed",
		"endpoint_hash", endpointHash,
		"message_id", messageID,
	)
	return nil
}

// Fail transitions a claimed (or still-new) message into failed,
// wrapping it as a dead-letter record with the reason. The wrapped
// record is written through the same staging-then-rename protocol as
// delivery, and only then is the source file removed.
func (s *Store) Fail(endpointHash, messageID, reason string, failedAt time.Time) error {
	envelope, state, err := s.Read(endpointHash, messageID)
	if err != nil {
		return err
	}
	if state == StateFailed {
		// Already dead; keep the first recorded reason.
		return nil
	}

	if err := s.WriteFailed(endpointHash, envelope, reason, failedAt); err != nil {
		return err
	}
	if err := os.Remove(s.messagePath(endpointHash, state, messageID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("mailbox: removing %s after fail: %w", messageID, err)
	}
	return nil
}

// WriteFailed appends a dead-letter record directly to failed/,
// bypassing the live states. This is the path for policy rejections:
// the message never reached new/, but the rejection is still durable.
func (s *Store) WriteFailed(endpointHash string, envelope *Envelope, reason string, failedAt time.Time) error {
	if err := s.EnsureMailbox(endpointHash); err != nil {
		return err
	}

	record := DeadLetter{
		Envelope: *envelope,
		Reason:   reason,
		FailedAt: failedAt,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("mailbox: encoding dead letter %s: %w", envelope.ID, err)
	}

	stagingPath := s.messagePath(endpointHash, StateStaging, envelope.ID)
	if err := os.WriteFile(stagingPath, encoded, 0o600); err != nil {
		return fmt.Errorf("mailbox: staging dead letter %s: %w", envelope.ID, err)
	}
	failedPath := s.messagePath(endpointHash, StateFailed, envelope.ID)
	if err := os.Rename(stagingPath, failedPath); err != nil {
		os.Remove(stagingPath)
		return fmt.Errorf("mailbox: recording dead letter %s: %w", envelope.ID, err)
	}

	s.logger.Info("message dead-lettered",
		"endpoint_hash", endpointHash,
		"message_id", envelope.ID,
		"subject", envelope.Subject,
		"reason", reason,
	)
	return nil
}

// ListFailed parses every dead-letter record in an endpoint's failed
// directory, in chronological order.
func (s *Store) ListFailed(endpointHash string) ([]DeadLetter, error) {
	ids, err := s.listState(endpointHash, StateFailed)
	if err != nil {
		return nil, err
	}

	letters := make([]DeadLetter, 0, len(ids))
	for _, id := range ids {
		data, err := os.ReadFile(s.messagePath(endpointHash, StateFailed, id))
		if errors.Is(err, fs.ErrNotExist) {
			// Purged between listing and reading.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("mailbox: reading dead letter %s: %w", id, err)
		}
		var dead DeadLetter
		if err := json.Unmarshal(data, &dead); err != nil {
			return nil, fmt.Errorf("mailbox: decoding dead letter %s: %w", id, err)
		}
		dead.EndpointHash = endpointHash
		letters = append(letters, dead)
	}
	return letters, nil
}

// RemoveFailed deletes a single dead-letter record.
func (s *Store) RemoveFailed(endpointHash, messageID string) error {
	path := s.messagePath(endpointHash, StateFailed, messageID)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, messageID)
		}
		return fmt.Errorf("mailbox: removing dead letter %s: %w", messageID, err)
	}
	return nil
}

// Mailboxes returns the endpoint hashes present on disk, including
// mailboxes whose endpoints are not currently registered. Recovery
// and index rebuilds scan from here.
func (s *Store) Mailboxes() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("mailbox: listing %s: %w", s.root, err)
	}
	var hashes []string
	for _, entry := range entries {
		if entry.IsDir() {
			hashes = append(hashes, entry.Name())
		}
	}
	sort.Strings(hashes)
	return hashes, nil
}

// ListState returns the message IDs in a given state directory, in
// chronological order. Used by index rebuilds, which need every state.
func (s *Store) ListState(endpointHash string, state State) ([]string, error) {
	return s.listState(endpointHash, state)
}

// ReadFailed parses a single dead-letter record.
func (s *Store) ReadFailed(endpointHash, messageID string) (*DeadLetter, error) {
	data, err := os.ReadFile(s.messagePath(endpointHash, StateFailed, messageID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, messageID)
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: reading dead letter %s: %w", messageID, err)
	}
	var dead DeadLetter
	if err := json.Unmarshal(data, &dead); err != nil {
		return nil, fmt.Errorf("mailbox: decoding dead letter %s: %w", messageID, err)
	}
	dead.EndpointHash = endpointHash
	return &dead, nil
}

// NewDir returns the new/ directory for an endpoint hash. The bus
// points its filesystem watcher here.
func (s *Store) NewDir(endpointHash string) string {
	return s.stateDir(endpointHash, StateNew)
}

// MailboxDir returns the root directory of one endpoint's mailbox,
// the parent of its four state subdirectories.
func (s *Store) MailboxDir(endpointHash string) string {
	return filepath.Join(s.root, endpointHash)
}

func (s *Store) listState(endpointHash string, state State) ([]string, error) {
	dir := s.stateDir(endpointHash, state)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("mailbox: listing %s: %w", dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) stateDir(endpointHash string, state State) string {
	return filepath.Join(s.root, endpointHash, string(state))
}

func (s *Store) messagePath(endpointHash string, state State, messageID string) string {
	return filepath.Join(s.stateDir(endpointHash, state), messageID)
}
