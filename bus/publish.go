// Copyright 2026 The Courier Authors
// SPDX-License-Identifier: Apache-2.0

package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/courier-foundation/courier/access"
	"github.com/courier-foundation/courier/index"
	"github.com/courier-foundation/courier/lib/budget"
	"github.com/courier-foundation/courier/lib/subject"
	"github.com/courier-foundation/courier/mailbox"
)

// PublishOptions carries the sender metadata for a publish.
type PublishOptions struct {
	// From is the sending endpoint's subject. Required.
	From string

	// ReplyTo optionally names the endpoint for responses.
	ReplyTo string

	// Budget carries an existing budget forward, letting an agent
	// relay a message under the envelope it arrived with. Nil means a
	// fresh default budget from the bus options.
	Budget *budget.Budget
}

// reasonNoEndpoints is the dead-letter reason for publishes that
// matched nothing.
const reasonNoEndpoints = "no matching endpoints"

// reasonAccessDenied is the dead-letter reason for publishes refused
// by an access rule.
const reasonAccessDenied = "access denied"

// Publish routes a message to every registered endpoint whose subject
// matches: validation, access check, per-endpoint budget enforcement,
// durable delivery, index recording — in that order.
//
// Policy outcomes never fail a publish. A denied, budget-exhausted,
// expired, cyclic, or unroutable message is dead-lettered with its
// reason, and the generated message ID is returned either way, so a
// sender is never blocked by a downstream policy decision. Only
// validation errors (malformed subjects, unencodable payloads) and
// infrastructure errors surface.
func (b *Bus) Publish(ctx context.Context, messageSubject string, payload any, options PublishOptions) (string, error) {
	if err := subject.Validate(messageSubject, false); err != nil {
		return "", err
	}
	if options.From == "" {
		return "", fmt.Errorf("bus: From is required")
	}
	if err := subject.Validate(options.From, false); err != nil {
		return "", err
	}
	if options.ReplyTo != "" {
		if err := subject.Validate(options.ReplyTo, false); err != nil {
			return "", err
		}
	}

	encoded, err := encodePayload(payload)
	if err != nil {
		return "", err
	}

	now := b.clock.Now()
	messageBudget := budget.Default(now, b.defaults)
	if options.Budget != nil {
		messageBudget = *options.Budget
	}

	envelope := &mailbox.Envelope{
		ID:        mailbox.NewID(now),
		Subject:   messageSubject,
		From:      options.From,
		ReplyTo:   options.ReplyTo,
		Budget:    messageBudget,
		CreatedAt: now,
		Payload:   encoded,
	}

	// Policy gate one: access control. The rejection lands in the
	// would-be recipient's mailbox so operators can see what a rule
	// blocked.
	if b.rules.Check(options.From, messageSubject) == access.ActionDeny {
		if err := b.archive.Reject(ctx, mailbox.EndpointHash(messageSubject), envelope, reasonAccessDenied, now); err != nil {
			return "", err
		}
		return envelope.ID, nil
	}

	targets := b.matchingEndpoints(messageSubject)
	if len(targets) == 0 {
		if err := b.archive.Reject(ctx, mailbox.EndpointHash(messageSubject), envelope, reasonNoEndpoints, now); err != nil {
			return "", err
		}
		return envelope.ID, nil
	}

	for _, endpoint := range targets {
		advanced, err := budget.Enforce(envelope.Budget, endpoint.Subject, now)
		if err != nil {
			var violation *budget.Violation
			if !errors.As(err, &violation) {
				return "", err
			}
			// Policy gate two: budget. Dead-letter for this endpoint,
			// keep going for the others.
			if err := b.archive.Reject(ctx, endpoint.Hash, envelope, violation.Reason, now); err != nil {
				return "", err
			}
			continue
		}

		delivered := *envelope
		delivered.Budget = advanced
		if err := b.store.Deliver(endpoint.Hash, &delivered); err != nil {
			return "", err
		}
		if err := b.index.Insert(ctx, index.Message{
			ID:           delivered.ID,
			Subject:      delivered.Subject,
			From:         delivered.From,
			Status:       index.StatusNew,
			EndpointHash: endpoint.Hash,
			CreatedAt:    delivered.CreatedAt,
			ExpiresAt:    delivered.Budget.Deadline,
		}); err != nil {
			// The mailbox write already succeeded; index drift is
			// repaired by the next rebuild.
			b.logger.Warn("delivered message indexed late",
				"message_id", delivered.ID,
				"error", err,
			)
		}
	}

	return envelope.ID, nil
}

// matchingEndpoints returns the registered endpoints whose subject
// matches the published subject. Publish subjects are concrete, so in
// practice this is the single endpoint registered under that exact
// subject; the scan form keeps routing in one place.
func (b *Bus) matchingEndpoints(messageSubject string) []Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Endpoint
	for _, endpoint := range b.endpoints {
		if subject.Match(endpoint.Subject, messageSubject) {
			out = append(out, endpoint)
		}
	}
	return out
}

// encodePayload normalizes a payload to raw JSON. RawMessage and byte
// slices pass through unchanged; everything else is marshalled.
func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, fmt.Errorf("bus: payload bytes are not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("bus: encoding payload: %w", err)
		}
		return encoded, nil
	}
}
