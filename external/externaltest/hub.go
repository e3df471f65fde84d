// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package externaltest

import (
	"context"
	"sync"

	"github.com/octopus-network/bitcoin-runes-customs/external"
)

// FakeHub is an in-memory external.Hub: an append-only ticket queue and a
// directive queue, recording every outbound SendTicket/UpdateTxHash call so
// tests can assert against them. Applies the mock canister's queue-plus-
// availability-toggle shape to the hub's tickets and directives instead of
// utxos.
type FakeHub struct {
	mu         sync.Mutex
	tickets    []external.Ticket
	directives []external.Directive
	sent       []external.Ticket
	txHashes   map[string]string
	available  bool
}

// NewFakeHub constructs an available, empty FakeHub.
func NewFakeHub() *FakeHub {
	return &FakeHub{available: true, txHashes: make(map[string]string)}
}

// PushTicket appends a ticket the next QueryTickets call can serve.
func (h *FakeHub) PushTicket(t external.Ticket) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tickets = append(h.tickets, t)
}

// PushDirective appends a directive QueryDirectives can later serve.
func (h *FakeHub) PushDirective(d external.Directive) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.directives = append(h.directives, d)
}

// SetAvailable toggles whether every method succeeds or returns
// external.ErrTemporarilyUnavailable, mirroring change_availability.
func (h *FakeHub) SetAvailable(available bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.available = available
}

// SentTickets returns every ticket a caller has SendTicket'd to the hub.
func (h *FakeHub) SentTickets() []external.Ticket {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]external.Ticket, len(h.sent))
	copy(out, h.sent)
	return out
}

// TxHash returns the hash last reported for ticketID via UpdateTxHash.
func (h *FakeHub) TxHash(ticketID string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	hash, ok := h.txHashes[ticketID]
	return hash, ok
}

// QueryTickets implements external.Hub.
func (h *FakeHub) QueryTickets(_ context.Context, _ string, start, end uint64) ([]external.IndexedTicket, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.available {
		return nil, external.ErrTemporarilyUnavailable
	}

	var out []external.IndexedTicket
	for i := start; i < end && i < uint64(len(h.tickets)); i++ {
		out = append(out, external.IndexedTicket{Index: i, Ticket: h.tickets[i]})
	}
	return out, nil
}

// SendTicket implements external.Hub.
func (h *FakeHub) SendTicket(_ context.Context, ticket external.Ticket) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.available {
		return external.ErrTemporarilyUnavailable
	}

	h.sent = append(h.sent, ticket)
	return nil
}

// UpdateTxHash implements external.Hub.
func (h *FakeHub) UpdateTxHash(_ context.Context, ticketID string, hash string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.available {
		return external.ErrTemporarilyUnavailable
	}

	h.txHashes[ticketID] = hash
	return nil
}

// QueryDirectives implements external.Hub.
func (h *FakeHub) QueryDirectives(_ context.Context, _ string, start, end uint64) ([]external.Directive, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.available {
		return nil, external.ErrTemporarilyUnavailable
	}

	var out []external.Directive
	for _, d := range h.directives {
		if d.Index >= start && d.Index < end {
			out = append(out, d)
		}
	}
	return out, nil
}
