// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package externaltest

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/external"
)

// FakeBitcoinNode is an in-memory external.BitcoinNode: utxos are kept per
// display address, mirroring the mock canister's address_to_utxos/
// utxo_to_address pair, and broadcast transactions land in a recorded
// mempool rather than going anywhere.
type FakeBitcoinNode struct {
	mu        sync.Mutex
	utxos     map[string][]bitcoin.Utxo
	tipHeight uint32
	fees      []uint64
	sent      [][]byte
	available bool
}

// NewFakeBitcoinNode constructs an available FakeBitcoinNode with no utxos
// and no fee data, mirroring the mock canister's zeroed default state.
func NewFakeBitcoinNode() *FakeBitcoinNode {
	return &FakeBitcoinNode{
		utxos:     make(map[string][]bitcoin.Utxo),
		available: true,
	}
}

// PushUtxos credits utxos to address, mirroring push_utxos_to_address.
func (n *FakeBitcoinNode) PushUtxos(address string, utxos ...bitcoin.Utxo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.utxos[address] = append(n.utxos[address], utxos...)
}

// RemoveUtxo removes one utxo from address's set, mirroring remove_utxo.
func (n *FakeBitcoinNode) RemoveUtxo(address string, outpoint bitcoin.Outpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()

	kept := n.utxos[address][:0]
	for _, u := range n.utxos[address] {
		if u.Outpoint != outpoint {
			kept = append(kept, u)
		}
	}
	n.utxos[address] = kept
}

// SetTipHeight sets the chain tip GetUTXOs' minConfirmations filter is
// evaluated against, mirroring set_tip_height.
func (n *FakeBitcoinNode) SetTipHeight(height uint32) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.tipHeight = height
}

// SetFeePercentiles sets the fee-per-vbyte percentile vector GetCurrentFees
// returns, mirroring set_fee_percentiles. A nil or short vector simulates
// "not enough data" the way an empty vector does on the real node.
func (n *FakeBitcoinNode) SetFeePercentiles(percentiles []uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fees = percentiles
}

// SetAvailable toggles whether every method succeeds or returns
// external.ErrTemporarilyUnavailable, mirroring change_availability.
func (n *FakeBitcoinNode) SetAvailable(available bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.available = available
}

// Mempool returns every raw transaction SendTransaction has accepted so
// far, mirroring get_mempool.
func (n *FakeBitcoinNode) Mempool() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([][]byte, len(n.sent))
	copy(out, n.sent)
	return out
}

// ResetMempool discards every recorded transaction, mirroring reset_mempool.
func (n *FakeBitcoinNode) ResetMempool() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

// GetUTXOs implements external.BitcoinNode.
func (n *FakeBitcoinNode) GetUTXOs(_ context.Context, _ *chaincfg.Params, address string, minConfirmations uint32) (external.GetUTXOsResult, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.available {
		return external.GetUTXOsResult{}, external.ErrTemporarilyUnavailable
	}

	var matched []bitcoin.Utxo
	for _, u := range n.utxos[address] {
		if n.tipHeight+1 >= u.Height+minConfirmations {
			matched = append(matched, u)
		}
	}

	return external.GetUTXOsResult{Utxos: matched, TipHeight: n.tipHeight}, nil
}

// GetCurrentFees implements external.BitcoinNode.
func (n *FakeBitcoinNode) GetCurrentFees(_ context.Context, _ *chaincfg.Params) ([]uint64, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.available {
		return nil, external.ErrTemporarilyUnavailable
	}

	out := make([]uint64, len(n.fees))
	copy(out, n.fees)
	return out, nil
}

// SendTransaction implements external.BitcoinNode.
func (n *FakeBitcoinNode) SendTransaction(_ context.Context, raw []byte, _ *chaincfg.Params) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.available {
		return external.ErrTemporarilyUnavailable
	}

	n.sent = append(n.sent, append([]byte{}, raw...))
	return nil
}
