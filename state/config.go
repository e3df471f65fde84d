// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package state

import (
	"math/big"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
)

// BtcTokenID is the identifier reserved for the BTC-for-fees ledger, as
// opposed to a specific rune's ledger.
const BtcTokenID = "BTC"

// MinRelayFeePerVByte is the BIP-125 replacement fee-bump floor, in
// millisatoshi per vbyte.
const MinRelayFeePerVByte uint64 = 1000

// MinResubmissionDelay is the minimum time the customs waits before treating
// a submitted transaction as stuck.
const MinResubmissionDelay = 24 * time.Hour

// Config is the enumerated, finite set of values that shape the customs'
// behavior. It is part of the replicated state: every replica must agree on
// it, so changes travel through the Upgrade event like any other mutation.
type Config struct {
	BtcNetwork           *chaincfg.Params
	MinConfirmations     uint32
	MaxTimeInQueue       time.Duration
	MinPendingRequests   int
	MaxRequestsPerBatch  int
	BatchQueryTickets    uint64
	MinRelayFeePerVByte  uint64
	MinResubmissionDelay time.Duration
	UtxosCountThreshold  int
	EcdsaKeyName         string
	HubPrincipal         string
	RunesOracles         []string
	ChainID              string
	FeeTokenFactors      map[string]FeeTokenFactor
	FeeCollectorChain    string
}

// FeeTokenFactor is the per-chain fee-token bookkeeping mentioned in the
// design notes. It is carried as configuration only: nothing in this module
// reads FeeTokenFactors or compares against Config.FeeCollectorChain.
type FeeTokenFactor struct {
	Factor    *big.Int
	Collector string
}

// DefaultConfig returns the documented defaults for every field that has
// one; BtcNetwork, EcdsaKeyName, HubPrincipal and ChainID have no sane
// default and must always be set explicitly.
func DefaultConfig() Config {
	return Config{
		MinPendingRequests:   20,
		MaxRequestsPerBatch:  100,
		BatchQueryTickets:    20,
		MinRelayFeePerVByte:  MinRelayFeePerVByte,
		MinResubmissionDelay: MinResubmissionDelay,
		UtxosCountThreshold:  1000,
	}
}
