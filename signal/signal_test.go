// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package signal_test

import (
	"testing"

	"github.com/courier-foundation/courier/signal"
)

func TestEmitFansOutInRegistrationOrder(t *testing.T) {
	hub := signal.NewHub(nil)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if _, err := hub.Subscribe("agent.>", func(string, any) {
			order = append(order, name)
		}); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}

	if err := hub.Emit("agent.one.typing", true); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Errorf("invocation order = %v", order)
	}
}

func TestEmitMatchesPatterns(t *testing.T) {
	hub := signal.NewHub(nil)

	var got []string
	if _, err := hub.Subscribe("agent.*.typing", func(s string, _ any) {
		got = append(got, s)
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := hub.Emit("agent.one.typing", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	if err := hub.Emit("agent.one.presence", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if len(got) != 1 || got[0] != "agent.one.typing" {
		t.Errorf("handler saw %v, want just agent.one.typing", got)
	}
}

func TestEmitValidatesSubject(t *testing.T) {
	hub := signal.NewHub(nil)
	if err := hub.Emit("agent.*", nil); err == nil {
		t.Error("Emit with wildcard subject succeeded, want error")
	}
	if err := hub.Emit("", nil); err == nil {
		t.Error("Emit with empty subject succeeded, want error")
	}
}

func TestUnsubscribe(t *testing.T) {
	hub := signal.NewHub(nil)

	var calls int
	unsubscribe, err := hub.Subscribe("agent.>", func(string, any) { calls++ })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if err := hub.Emit("agent.one", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	unsubscribe()
	unsubscribe() // second call is harmless
	if err := hub.Emit("agent.one", nil); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestPayloadPassedThrough(t *testing.T) {
	hub := signal.NewHub(nil)

	var got any
	if _, err := hub.Subscribe("presence.*", func(_ string, payload any) {
		got = payload
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	type presence struct{ Online bool }
	if err := hub.Emit("presence.one", presence{Online: true}); err != nil {
		t.Fatalf("Emit: %v", err)
	}
	p, ok := got.(presence)
	if !ok || !p.Online {
		t.Errorf("payload = %#v, want presence{Online: true}", got)
	}
}
