// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package eventlog implements the append-then-apply discipline for
// state.State's durable changes: each such change is first recorded as an
// Event, then applied to the in-memory struct, so those changes can be
// reconstructed by replaying the log from scratch. The release pipeline's
// unlogged working-state changes (see package state) are not in the log.
package eventlog

import (
	"math/big"
	"time"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/state"
)

// Kind tags the variant an Event carries. Kept as an explicit enum rather
// than a Go interface so that yaml (de)serialization can switch on a single
// scalar field instead of needing custom type-tag machinery.
type Kind byte

const (
	KindInit Kind = iota
	KindUpgrade
	KindAcceptedGenTicketRequest
	KindConfirmedGenTicketRequest
	KindInvalidatedGenTicketRequest
	KindFinalizedGenTicketRequest
	KindIngestedReleaseTicket
	KindAddedUtxos
	KindSentBtcTransaction
	KindReplacedBtcTransaction
	KindConfirmedBtcTransaction
	KindCheckedUtxo
	KindIgnoredUtxo
	KindDistributedFee
)

// Event is one entry in the append-only log. Exactly one of the payload
// fields is populated, selected by Kind; the rest are left at their zero
// value. This mirrors a Rust enum's single active variant without requiring
// a custom yaml tag scheme per variant.
type Event struct {
	Kind Kind
	At   time.Time

	Init    *InitPayload    `yaml:"init,omitempty"`
	Upgrade *UpgradePayload `yaml:"upgrade,omitempty"`

	AcceptedGenTicketRequest    *AcceptedGenTicketRequestPayload    `yaml:"accepted_gen_ticket_request,omitempty"`
	ConfirmedGenTicketRequest   *ConfirmedGenTicketRequestPayload   `yaml:"confirmed_gen_ticket_request,omitempty"`
	InvalidatedGenTicketRequest *InvalidatedGenTicketRequestPayload `yaml:"invalidated_gen_ticket_request,omitempty"`
	FinalizedGenTicketRequest   *FinalizedGenTicketRequestPayload   `yaml:"finalized_gen_ticket_request,omitempty"`
	IngestedReleaseTicket       *IngestedReleaseTicketPayload       `yaml:"ingested_release_ticket,omitempty"`
	AddedUtxos                  *AddedUtxosPayload                  `yaml:"added_utxos,omitempty"`
	SentBtcTransaction          *SentBtcTransactionPayload          `yaml:"sent_btc_transaction,omitempty"`
	ReplacedBtcTransaction      *ReplacedBtcTransactionPayload      `yaml:"replaced_btc_transaction,omitempty"`
	ConfirmedBtcTransaction     *ConfirmedBtcTransactionPayload     `yaml:"confirmed_btc_transaction,omitempty"`
	CheckedUtxo                 *CheckedUtxoPayload                 `yaml:"checked_utxo,omitempty"`
	IgnoredUtxo                 *IgnoredUtxoPayload                 `yaml:"ignored_utxo,omitempty"`
	DistributedFee              *DistributedFeePayload              `yaml:"distributed_fee,omitempty"`
}

// InitPayload seeds a fresh state with its starting configuration, recorded
// once as the first event in any log.
type InitPayload struct {
	Config state.Config
}

// UpgradePayload replaces the live configuration, recorded whenever an
// operator changes a Config field.
type UpgradePayload struct {
	Config state.Config
}

// AcceptedGenTicketRequestPayload records a newly registered pending
// deposit.
type AcceptedGenTicketRequestPayload struct {
	Request state.GenTicketRequest
}

// ConfirmedGenTicketRequestPayload records the oracle's matching rune
// balance for a pending deposit, together with the utxos it credits to
// Destination.
type ConfirmedGenTicketRequestPayload struct {
	Txid        string
	Destination address.Destination
	RunesUtxos  []bitcoin.RunesUtxo
}

// InvalidatedGenTicketRequestPayload records the oracle's mismatched or
// missing rune balance for a pending deposit.
type InvalidatedGenTicketRequestPayload struct {
	Txid string
}

// FinalizedGenTicketRequestPayload records that a confirmed deposit's hub
// ticket was sent successfully.
type FinalizedGenTicketRequestPayload struct {
	Txid string
}

// IngestedReleaseTicketPayload records that the hub ticket at the release
// cursor has been consumed: NextIndex advances the cursor past it, and
// Request is the release queued from it (nil when the ticket was skipped as
// already in flight, already finalized, or malformed - it must still never
// be re-ingested).
type IngestedReleaseTicketPayload struct {
	NextIndex uint64
	Request   *state.RuneTxRequest
}

// AddedUtxosPayload records newly observed deposit utxos credited to dest,
// either runes-bearing or fee-only.
type AddedUtxosPayload struct {
	Destination address.Destination
	RunesUtxos  []bitcoin.RunesUtxo
	FeeUtxos    []bitcoin.Utxo
}

// SentBtcTransactionPayload records a release transaction signed and handed
// to the Bitcoin node, moving its requests from in-flight to submitted.
type SentBtcTransactionPayload struct {
	Tx state.SubmittedBtcTransaction
}

// ReplacedBtcTransactionPayload records a BIP-125 fee bump: old is moved to
// stuck, replacement becomes the new submitted transaction.
type ReplacedBtcTransactionPayload struct {
	OldTxid     string
	Replacement state.SubmittedBtcTransaction
}

// ConfirmedBtcTransactionPayload records that a submitted transaction (and
// its entire replacement chain, if any) has reached MinConfirmations.
type ConfirmedBtcTransactionPayload struct {
	Tx state.SubmittedBtcTransaction
}

// CheckedUtxoPayload records that a utxo observed at a destination was
// accepted as a genuine new deposit input.
type CheckedUtxoPayload struct {
	Destination address.Destination
	Outpoint    bitcoin.Outpoint
}

// IgnoredUtxoPayload records that a utxo observed at a destination was
// rejected (already known, below dust, or otherwise unusable).
type IgnoredUtxoPayload struct {
	Destination address.Destination
	Outpoint    bitcoin.Outpoint
	Reason      string
}

// DistributedFeePayload records a BTC-denominated fee distribution credited
// to the configured fee collector.
type DistributedFeePayload struct {
	Chain  string
	Amount *big.Int
}
