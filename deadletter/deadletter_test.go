// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package deadletter_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/courier-foundation/courier/deadletter"
	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/lib/budget"
	"github.com/courier-foundation/courier/mailbox"
)

var testTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestArchive(t *testing.T) (*deadletter.Archive, *mailbox.Store, *index.Index) {
	t.Helper()
	dir := t.TempDir()
	store, err := mailbox.NewStore(filepath.Join(dir, "mailboxes"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	idx, err := index.Open(filepath.Join(dir, "index.db"), nil)
	if err != nil {
		t.Fatalf("index.Open: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return deadletter.New(store, idx, nil), store, idx
}

func envelopeFor(subjectAddress, id string) *mailbox.Envelope {
	return &mailbox.Envelope{
		ID:        id,
		Subject:   subjectAddress,
		From:      "agent.sender",
		Budget:    budget.Default(testTime, budget.Overrides{}),
		CreatedAt: testTime,
		Payload:   json.RawMessage(`{}`),
	}
}

func TestRejectRecordsBothSides(t *testing.T) {
	archive, store, idx := newTestArchive(t)
	ctx := context.Background()
	hash := mailbox.EndpointHash("agent.one")

	err := archive.Reject(ctx, hash, envelopeFor("agent.one", "0001"), "expired", testTime)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}

	letters, err := store.ListFailed(hash)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "expired" {
		t.Fatalf("letters = %+v, want one expired", letters)
	}

	rows, err := idx.List(ctx, index.ListOptions{Status: index.StatusDLQ})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "0001" {
		t.Fatalf("index rows = %+v, want one dlq row for 0001", rows)
	}
}

func TestListAcrossMailboxes(t *testing.T) {
	archive, _, _ := newTestArchive(t)
	ctx := context.Background()

	oneHash := mailbox.EndpointHash("agent.one")
	twoHash := mailbox.EndpointHash("agent.two")
	if err := archive.Reject(ctx, oneHash, envelopeFor("agent.one", "0001"), "cycle detected", testTime); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if err := archive.Reject(ctx, twoHash, envelopeFor("agent.two", "0002"), "hop limit exceeded", testTime); err != nil {
		t.Fatalf("Reject: %v", err)
	}

	all, err := archive.List("")
	if err != nil {
		t.Fatalf("List(all): %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("List(all) returned %d, want 2", len(all))
	}

	one, err := archive.List(oneHash)
	if err != nil {
		t.Fatalf("List(one): %v", err)
	}
	if len(one) != 1 || one[0].Envelope.ID != "0001" {
		t.Fatalf("List(one) = %+v, want just 0001", one)
	}
}

func TestPurgeByCutoff(t *testing.T) {
	archive, store, idx := newTestArchive(t)
	ctx := context.Background()
	hash := mailbox.EndpointHash("agent.one")

	old := testTime.Add(-48 * time.Hour)
	if err := archive.Reject(ctx, hash, envelopeFor("agent.one", "0001"), "expired", old); err != nil {
		t.Fatalf("Reject old: %v", err)
	}
	if err := archive.Reject(ctx, hash, envelopeFor("agent.one", "0002"), "expired", testTime); err != nil {
		t.Fatalf("Reject recent: %v", err)
	}

	removed, err := archive.Purge(ctx, testTime.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Purge: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}

	letters, err := store.ListFailed(hash)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(letters) != 1 || letters[0].Envelope.ID != "0002" {
		t.Fatalf("letters = %+v, want just 0002", letters)
	}

	rows, err := idx.List(ctx, index.ListOptions{Status: index.StatusDLQ})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(rows) != 1 || rows[0].ID != "0002" {
		t.Fatalf("index rows = %+v, want just 0002", rows)
	}
}
