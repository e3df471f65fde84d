// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package external declares the trusted collaborators the customs core
// depends on: the Bitcoin node, the threshold-ECDSA signing service, the
// hub, and the runes oracle. No default network implementation lives here -
// callers (tests, or a production binary) supply concrete adapters.
package external

import (
	"context"
	"errors"
	"math/big"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

// ErrTemporarilyUnavailable marks a transient failure of a trusted
// collaborator: the caller should log it, change nothing, and retry on the
// next scheduler tick.
var ErrTemporarilyUnavailable = errors.New("temporarily unavailable")

// GetUTXOsResult is the Bitcoin node's response to GetUTXOs.
type GetUTXOsResult struct {
	Utxos      []bitcoin.Utxo
	TipHeight  uint32
	NextPageID []byte
}

// BitcoinNode is the trusted Bitcoin network access point.
type BitcoinNode interface {
	GetUTXOs(ctx context.Context, network *chaincfg.Params, address string, minConfirmations uint32) (GetUTXOsResult, error)
	// GetCurrentFees returns a millisatoshi-per-vbyte percentile vector of
	// length 0 (no data) or 100.
	GetCurrentFees(ctx context.Context, network *chaincfg.Params) ([]uint64, error)
	SendTransaction(ctx context.Context, raw []byte, network *chaincfg.Params) error
}

// EcdsaSigner is the trusted threshold-ECDSA signing service.
type EcdsaSigner interface {
	// EcdsaPublicKey returns the master SEC1-compressed public key and chain
	// code for keyName.
	EcdsaPublicKey(ctx context.Context, keyName string) (publicKey []byte, chainCode []byte, err error)
	// SignWithEcdsa returns a 64-byte compact signature (r||s) over
	// messageHash, derived under derivationPath from keyName's master key.
	SignWithEcdsa(ctx context.Context, keyName string, derivationPath [][]byte, messageHash [32]byte) ([64]byte, error)
}

// Ticket is a hub-originated record describing one cross-chain transfer.
type Ticket struct {
	TicketID      string // the source txid for deposits, a hub-assigned id for releases.
	SrcChain      string
	DstChain      string
	TokenID       string
	Amount        *big.Int
	Receiver      string
	Sender        *string
}

// IndexedTicket pairs a Ticket with its position in the hub's ticket queue.
type IndexedTicket struct {
	Index  uint64
	Ticket Ticket
}

// Directive is a hub-originated configuration change record.
type Directive struct {
	Index   uint64
	Payload []byte
}

// Hub is the trusted ticket queue and directive bus.
type Hub interface {
	QueryTickets(ctx context.Context, token string, start, end uint64) ([]IndexedTicket, error)
	SendTicket(ctx context.Context, ticket Ticket) error
	UpdateTxHash(ctx context.Context, ticketID string, hash string) error
	QueryDirectives(ctx context.Context, chainID string, start, end uint64) ([]Directive, error)
}

// RunesBalance is one rune balance the oracle observed on a deposit
// transaction's output.
type RunesBalance struct {
	RuneID runestone.RuneID
	Vout   uint32
	Amount *big.Int
}

// RunesOracle is the trusted runes-balance observer. Unlike the other three
// collaborators it has no outbound method: the oracle calls INTO
// deposit.Pipeline.UpdateRunesBalance with the RunesBalance payload above,
// so this interface exists only to name the collaborator and give it a
// place in the dependency table; the oracle-facing RPC surface itself is
// out of scope (see spec.md's Non-goals on reduced query endpoints).
type RunesOracle interface{}
