// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package mailbox_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/courier-foundation/courier/lib/budget"
	"github.com/courier-foundation/courier/mailbox"
)

var testTime = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) *mailbox.Store {
	t.Helper()
	store, err := mailbox.NewStore(filepath.Join(t.TempDir(), "mailboxes"), nil)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func testEnvelope(t *testing.T, subjectAddress string) *mailbox.Envelope {
	t.Helper()
	return &mailbox.Envelope{
		ID:        mailbox.NewID(time.Now()),
		Subject:   subjectAddress,
		From:      "agent.sender",
		Budget:    budget.Default(testTime, budget.Overrides{}),
		CreatedAt: testTime,
		Payload:   json.RawMessage(`{"task":"demo"}`),
	}
}

func TestDeliverAtomicity(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	envelope := testEnvelope(t, "agent.one")
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	// After Deliver returns the file is in new/ and staging/ is empty.
	newPath := filepath.Join(store.Root(), hash, "new", envelope.ID)
	if _, err := os.Stat(newPath); err != nil {
		t.Errorf("message not in new/: %v", err)
	}
	stagingEntries, err := os.ReadDir(filepath.Join(store.Root(), hash, "staging"))
	if err != nil {
		t.Fatalf("reading staging/: %v", err)
	}
	if len(stagingEntries) != 0 {
		t.Errorf("staging/ has %d entries, want 0", len(stagingEntries))
	}

	// The visible file is complete, valid JSON.
	data, err := os.ReadFile(newPath)
	if err != nil {
		t.Fatalf("reading delivered file: %v", err)
	}
	var decoded mailbox.Envelope
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("delivered file is not valid JSON: %v", err)
	}
	if decoded.ID != envelope.ID || decoded.Subject != "agent.one" {
		t.Errorf("decoded envelope = %+v, want ID %s subject agent.one", decoded, envelope.ID)
	}
}

func TestDeliverDuplicateID(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	envelope := testEnvelope(t, "agent.one")
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	if err := store.Claim(hash, envelope.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	// Staging was vacated by the rename, so a later delivery may
	// reuse the slot. What the exclusive create guarantees is that
	// two concurrent deliveries of the same ID cannot both stage.
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("re-deliver after claim: %v", err)
	}

	blocker := filepath.Join(store.Root(), hash, "staging", envelope.ID)
	if err := os.WriteFile(blocker, []byte("{}"), 0o600); err != nil {
		t.Fatalf("planting staging collision: %v", err)
	}
	if err := store.Deliver(hash, envelope); err == nil {
		t.Fatal("Deliver with occupied staging slot succeeded, want error")
	}
}

func TestLifecycleStates(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	envelope := testEnvelope(t, "agent.one")
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	_, state, err := store.Read(hash, envelope.ID)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if state != mailbox.StateNew {
		t.Errorf("state = %s, want new", state)
	}

	if err := store.Claim(hash, envelope.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	_, state, err = store.Read(hash, envelope.ID)
	if err != nil {
		t.Fatalf("Read after claim: %v", err)
	}
	if state != mailbox.StateClaimed {
		t.Errorf("state = %s, want claimed", state)
	}

	// Claiming twice fails: the file already left new/.
	if err := store.Claim(hash, envelope.ID); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("second Claim = %v, want ErrNotFound", err)
	}

	if err := store.Complete(hash, envelope.ID); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if _, _, err := store.Read(hash, envelope.ID); !errors.Is(err, mailbox.ErrNotFound) {
		t.Errorf("Read after complete = %v, want ErrNotFound", err)
	}
}

func TestFailWrapsReason(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	envelope := testEnvelope(t, "agent.one")
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if err := store.Claim(hash, envelope.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if err := store.Fail(hash, envelope.ID, "handler error: boom", testTime); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	letters, err := store.ListFailed(hash)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(letters) != 1 {
		t.Fatalf("ListFailed returned %d letters, want 1", len(letters))
	}
	dead := letters[0]
	if dead.Reason != "handler error: boom" {
		t.Errorf("Reason = %q", dead.Reason)
	}
	if !dead.FailedAt.Equal(testTime) {
		t.Errorf("FailedAt = %v, want %v", dead.FailedAt, testTime)
	}
	if dead.Envelope.ID != envelope.ID {
		t.Errorf("Envelope.ID = %s, want %s", dead.Envelope.ID, envelope.ID)
	}
	if dead.EndpointHash != hash {
		t.Errorf("EndpointHash = %s, want %s", dead.EndpointHash, hash)
	}

	// The on-disk record is the documented wrapper shape.
	data, err := os.ReadFile(filepath.Join(store.Root(), hash, "failed", envelope.ID))
	if err != nil {
		t.Fatalf("reading failed file: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("failed file is not valid JSON: %v", err)
	}
	for _, key := range []string{"envelope", "reason", "failedAt"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("failed record missing key %q", key)
		}
	}
}

func TestListNewChronological(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	var ids []string
	now := time.Now()
	for i := 0; i < 5; i++ {
		envelope := testEnvelope(t, "agent.one")
		envelope.ID = mailbox.NewID(now.Add(time.Duration(i) * time.Millisecond))
		if err := store.Deliver(hash, envelope); err != nil {
			t.Fatalf("Deliver %d: %v", i, err)
		}
		ids = append(ids, envelope.ID)
	}

	listed, err := store.ListNew(hash)
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(listed) != len(ids) {
		t.Fatalf("ListNew returned %d IDs, want %d", len(listed), len(ids))
	}
	for i := range ids {
		if listed[i] != ids[i] {
			t.Errorf("listed[%d] = %s, want %s", i, listed[i], ids[i])
		}
	}
}

func TestOwnerOnlyPermissions(t *testing.T) {
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")
	if err := store.EnsureMailbox(hash); err != nil {
		t.Fatalf("EnsureMailbox: %v", err)
	}

	info, err := os.Stat(filepath.Join(store.Root(), hash, "new"))
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("new/ permissions = %o, want 700", perm)
	}

	envelope := testEnvelope(t, "agent.one")
	if err := store.Deliver(hash, envelope); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	info, err = os.Stat(filepath.Join(store.Root(), hash, "new", envelope.ID))
	if err != nil {
		t.Fatalf("Stat message: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("message permissions = %o, want 600", perm)
	}
}

func TestNewIDMonotonic(t *testing.T) {
	now := time.Now()
	previous := mailbox.NewID(now)
	for i := 0; i < 1000; i++ {
		// Same instant repeatedly: the sequence suffix must keep IDs
		// strictly increasing.
		id := mailbox.NewID(now)
		if id <= previous {
			t.Fatalf("NewID not strictly increasing: %s then %s", previous, id)
		}
		previous = id
	}
}

func TestEndpointHash(t *testing.T) {
	one := mailbox.EndpointHash("agent.one")
	two := mailbox.EndpointHash("agent.two")
	if one == two {
		t.Error("distinct subjects produced identical hashes")
	}
	if one != mailbox.EndpointHash("agent.one") {
		t.Error("hash not stable across calls")
	}
	if len(one) != 16 {
		t.Errorf("hash length = %d, want 16", len(one))
	}
	for _, r := range one {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			t.Errorf("hash contains non-hex character %q", r)
		}
	}
	// Path separators and traversal sequences never survive hashing.
	if h := mailbox.EndpointHash("agent.-.-.-"); len(h) != 16 {
		t.Errorf("hash length = %d, want 16", len(h))
	}
}

func TestMailboxesScan(t *testing.T) {
	store := newTestStore(t)
	hashes := []string{
		mailbox.EndpointHash("agent.one"),
		mailbox.EndpointHash("agent.two"),
	}
	for _, hash := range hashes {
		if err := store.EnsureMailbox(hash); err != nil {
			t.Fatalf("EnsureMailbox: %v", err)
		}
	}

	found, err := store.Mailboxes()
	if err != nil {
		t.Fatalf("Mailboxes: %v", err)
	}
	if len(found) != 2 {
		t.Fatalf("Mailboxes returned %d, want 2", len(found))
	}
}

func TestWriteFailedWithoutDelivery(t *testing.T) {
	// Policy rejections dead-letter messages that never reached new/.
	store := newTestStore(t)
	hash := mailbox.EndpointHash("agent.one")

	envelope := testEnvelope(t, "agent.one")
	if err := store.WriteFailed(hash, envelope, "expired", testTime); err != nil {
		t.Fatalf("WriteFailed: %v", err)
	}

	letters, err := store.ListFailed(hash)
	if err != nil {
		t.Fatalf("ListFailed: %v", err)
	}
	if len(letters) != 1 || letters[0].Reason != "expired" {
		t.Fatalf("letters = %+v, want one expired", letters)
	}

	// Nothing in new/ for this mailbox.
	ids, err := store.ListNew(hash)
	if err != nil {
		t.Fatalf("ListNew: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("new/ has %d messages, want 0", len(ids))
	}
}
