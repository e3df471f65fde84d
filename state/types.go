// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package state holds the customs' global in-memory state: the spendable
// UTXO pools, the deposit and release request lifecycles, and the submitted
// and replaced-transaction bookkeeping, together with the invariants that
// must hold across every reachable state. Durable changes (deposits, release
// tickets, credited utxos, submitted, replaced and confirmed transactions)
// reach State through state/eventlog's append-then-apply discipline, whose
// Apply calls the mutator methods in this package. The release pipeline also
// changes some working state directly, without logging it: it takes
// requests out of the pending queues and marks them in flight, takes utxos
// out of the available pools while building a transaction, and puts both
// back when a build or send fails.
package state

import (
	"math/big"
	"time"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

// GenTicketKind distinguishes the terminal and in-flight states a deposit
// request can be in.
type GenTicketKind byte

const (
	GenTicketUnknown GenTicketKind = iota
	GenTicketPending
	GenTicketConfirmed
	GenTicketFinalized
	GenTicketInvalid
)

// GenTicketRequest is a user-initiated deposit in flight toward a hub
// ticket.
type GenTicketRequest struct {
	Txid          string
	Address       address.BitcoinAddress
	TargetChainID string
	Receiver      string
	TokenID       string
	RuneID        runestone.RuneID
	Amount        *big.Int
	NewUtxos      []bitcoin.Utxo
	ReceivedAt    time.Time
}

// ReleaseAction is what a RuneTxRequest does with its runes: send them to a
// destination address (Redeem), burn them against an OP_RETURN destination
// (Burn), or mint new supply on the destination chain (Mint) - the latter
// short-circuits batching per the design notes.
type ReleaseAction byte

const (
	ReleaseActionRedeem ReleaseAction = iota
	ReleaseActionBurn
	ReleaseActionMint
)

// RuneTxRequest is a hub-originated release in flight toward a signed and
// broadcast Bitcoin transaction.
type RuneTxRequest struct {
	TicketID   string
	Action     ReleaseAction
	RuneID     runestone.RuneID
	Amount     *big.Int
	Address    address.BitcoinAddress
	ReceivedAt time.Time
}

// NewRuneTxRequestFromTicket mirrors the original's From<ReleaseTokenRequest>
// impl: the action is Burn when the destination is an OP_RETURN payload,
// Redeem otherwise.
func NewRuneTxRequestFromTicket(ticketID string, runeID runestone.RuneID, amount *big.Int, addr address.BitcoinAddress, receivedAt time.Time) *RuneTxRequest {
	action := ReleaseActionRedeem
	if addr.Kind == address.KindOpReturn {
		action = ReleaseActionBurn
	}

	return &RuneTxRequest{
		TicketID:   ticketID,
		Action:     action,
		RuneID:     runeID,
		Amount:     amount,
		Address:    addr,
		ReceivedAt: receivedAt,
	}
}

// InFlightKind tags whether an in-flight release request is being signed or
// has been handed to the node for broadcast.
type InFlightKind byte

const (
	InFlightSigning InFlightKind = iota
	InFlightSending
)

// InFlightStatus is the status of a release request between leaving the
// pending queue and being recorded as submitted.
type InFlightStatus struct {
	Kind InFlightKind
	Txid string // set only when Kind == InFlightSending.
}

// ReleaseStatusKind is the externally observable lifecycle stage of a
// release request.
type ReleaseStatusKind byte

const (
	ReleaseUnknown ReleaseStatusKind = iota
	ReleasePending
	ReleaseSigning
	ReleaseSending
	ReleaseSubmitted
	ReleaseConfirmed
)

// ReleaseStatus is the value release_token_status returns.
type ReleaseStatus struct {
	Kind ReleaseStatusKind
	Txid string // set for Sending, Submitted, Confirmed.
}

// RunesChangeOutput is the output returning unspent runes to the rune's main
// address.
type RunesChangeOutput struct {
	RuneID runestone.RuneID
	Vout   uint32
	Value  *big.Int
}

// BtcChangeOutput is the output returning unspent BTC to the BTC main
// address.
type BtcChangeOutput struct {
	Vout  uint32
	Value int64
}

// SubmittedBtcTransaction is a release transaction the customs has signed
// and handed to the Bitcoin node.
type SubmittedBtcTransaction struct {
	RuneID            runestone.RuneID
	Requests          []*RuneTxRequest
	Txid              string
	RunesUtxosUsed    []bitcoin.RunesUtxo
	BtcUtxosUsed      []bitcoin.Utxo
	SubmittedAt       time.Time
	RunesChangeOutput RunesChangeOutput
	BtcChangeOutput   BtcChangeOutput
	FeePerVbyte       *uint64
}

// FinalizedGenTicketRequest is a deposit request that has reached a terminal
// state, kept in a bounded FIFO for history/status queries.
type FinalizedGenTicketRequest struct {
	Request    GenTicketRequest
	FinalizedAt time.Time
}

// FinalizedReleaseRequest is a release request confirmed on-chain, kept in a
// bounded FIFO for history/status queries.
type FinalizedReleaseRequest struct {
	TicketID    string
	Txid        string
	ConfirmedAt time.Time
}

// FinalizedFIFOCap bounds the finalized-request history lists.
const FinalizedFIFOCap = 10000
