// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package state

import (
	"fmt"
	"math/big"

	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
)

// CheckInvariants verifies the five properties the design notes require to
// hold across every reachable state. Log.Record runs it after applying each
// event, and Replay runs it once on the fully replayed state.
func (s *State) CheckInvariants() error {
	if err := s.checkPoolPartition(); err != nil {
		return err
	}
	if err := s.checkDestinationConsistency(); err != nil {
		return err
	}
	if err := s.checkPendingOrdering(); err != nil {
		return err
	}
	if err := s.checkReplacementBijection(); err != nil {
		return err
	}
	if err := s.checkChangeDiscipline(); err != nil {
		return err
	}
	return nil
}

// checkPoolPartition verifies that no outpoint is simultaneously available
// and submitted: the available pools and the submitted/stuck transactions'
// consumed utxos are pairwise disjoint.
func (s *State) checkPoolPartition() error {
	seen := make(map[string]string) // outpoint string -> where it was first seen.

	mark := func(outpoint fmt.Stringer, where string) error {
		key := outpoint.String()
		if prev, ok := seen[key]; ok {
			return fmt.Errorf("state: outpoint %s present in both %s and %s", key, prev, where)
		}
		seen[key] = where
		return nil
	}

	for _, u := range s.AvailableRunesUtxos {
		if err := mark(u.Utxo.Outpoint, "available runes pool"); err != nil {
			return err
		}
	}
	for _, u := range s.AvailableFeeUtxos {
		if err := mark(u.Outpoint, "available fee pool"); err != nil {
			return err
		}
	}
	for _, tx := range s.SubmittedTransactions {
		for _, u := range tx.RunesUtxosUsed {
			if err := mark(u.Utxo.Outpoint, "submitted tx "+tx.Txid); err != nil {
				return err
			}
		}
		for _, u := range tx.BtcUtxosUsed {
			if err := mark(u.Outpoint, "submitted tx "+tx.Txid); err != nil {
				return err
			}
		}
	}
	for _, tx := range s.StuckTransactions {
		for _, u := range tx.RunesUtxosUsed {
			if err := mark(u.Utxo.Outpoint, "stuck tx "+tx.Txid); err != nil {
				return err
			}
		}
		for _, u := range tx.BtcUtxosUsed {
			if err := mark(u.Outpoint, "stuck tx "+tx.Txid); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkDestinationConsistency verifies that OutpointUtxos, OutpointDestination
// and UtxosStateDestinations agree with each other: every outpoint known to
// one index is known to the other two, under the matching destination.
func (s *State) checkDestinationConsistency() error {
	if len(s.OutpointUtxos) != len(s.OutpointDestination) {
		return fmt.Errorf("state: outpoint_utxos has %d entries, outpoint_destination has %d",
			len(s.OutpointUtxos), len(s.OutpointDestination))
	}

	for outpoint, dest := range s.OutpointDestination {
		if _, ok := s.OutpointUtxos[outpoint]; !ok {
			return fmt.Errorf("state: outpoint %s has a destination but no recorded utxo", outpoint)
		}

		set, ok := s.UtxosStateDestinations[dest.Key()]
		if !ok || !set[outpoint] {
			return fmt.Errorf("state: outpoint %s not indexed under its destination %s", outpoint, dest.Key())
		}
	}

	for key, set := range s.UtxosStateDestinations {
		for outpoint := range set {
			dest, ok := s.OutpointDestination[outpoint]
			if !ok || dest.Key() != key {
				return fmt.Errorf("state: utxos_state_destinations entry for %s under %s has no matching outpoint_destination", outpoint, key)
			}
		}
	}

	return nil
}

// checkPendingOrdering verifies every per-rune pending queue is sorted by
// ReceivedAt (ties broken by TicketID), the order the batching algorithm
// relies on to preserve FIFO fairness.
func (s *State) checkPendingOrdering() error {
	for runeKey, queue := range s.PendingRuneTxRequests {
		for i := 1; i < len(queue); i++ {
			prev, cur := queue[i-1], queue[i]
			if cur.ReceivedAt.Before(prev.ReceivedAt) {
				return fmt.Errorf("state: pending queue for rune %s is not time-ordered at index %d", runeKey, i)
			}
			if cur.ReceivedAt.Equal(prev.ReceivedAt) && cur.TicketID < prev.TicketID {
				return fmt.Errorf("state: pending queue for rune %s breaks tie-order at index %d", runeKey, i)
			}
		}
	}
	return nil
}

// checkReplacementBijection verifies ReplacementTxid and RevReplacementTxid
// are inverses of each other, and that no transaction is ever the subject of
// two distinct replacements (each key maps to exactly one value and vice
// versa).
func (s *State) checkReplacementBijection() error {
	if len(s.ReplacementTxid) != len(s.RevReplacementTxid) {
		return fmt.Errorf("state: replacement_txid has %d entries, rev_replacement_txid has %d",
			len(s.ReplacementTxid), len(s.RevReplacementTxid))
	}

	for old, replacement := range s.ReplacementTxid {
		back, ok := s.RevReplacementTxid[replacement]
		if !ok || back != old {
			return fmt.Errorf("state: replacement_txid[%s]=%s has no matching rev_replacement_txid entry", old, replacement)
		}
	}

	return nil
}

// checkChangeDiscipline verifies every submitted/stuck transaction's
// recorded change outputs, if any, reference a vout that actually exists
// within the transaction's own output count is left to the txcodec layer at
// build time; here we only check that a transaction never claims the same
// vout for both its runes-change and btc-change outputs.
func (s *State) checkChangeDiscipline() error {
	check := func(tx *SubmittedBtcTransaction) error {
		if tx.RunesChangeOutput.Value != nil && tx.RunesChangeOutput.Value.Sign() > 0 &&
			tx.BtcChangeOutput.Value > 0 &&
			tx.RunesChangeOutput.Vout == tx.BtcChangeOutput.Vout {
			return fmt.Errorf("state: tx %s assigns both runes-change and btc-change to vout %d", tx.Txid, tx.RunesChangeOutput.Vout)
		}
		return nil
	}

	for _, tx := range s.SubmittedTransactions {
		if err := check(tx); err != nil {
			return err
		}
	}
	for _, tx := range s.StuckTransactions {
		if err := check(tx); err != nil {
			return err
		}
	}

	return nil
}

// CheckSemanticallyEqual reports whether s and other describe the same
// logical state, ignoring slice/map ordering that carries no meaning (pool
// contents, index iteration order): it compares rune and fee balances, the
// outpoint index, pending queues, submitted-transaction count, replacement
// links and the release ticket cursor. Pending-queue order IS significant (it
// is meaningful FIFO order) and is compared positionally.
func (s *State) CheckSemanticallyEqual(other *State) bool {
	if !bigEqual(s.AvailableRuneBalanceAll(), other.AvailableRuneBalanceAll()) {
		return false
	}
	if sumFeeUtxoValues(s.AvailableFeeUtxos) != sumFeeUtxoValues(other.AvailableFeeUtxos) {
		return false
	}
	if len(s.OutpointUtxos) != len(other.OutpointUtxos) {
		return false
	}
	for outpoint, utxo := range s.OutpointUtxos {
		otherUtxo, ok := other.OutpointUtxos[outpoint]
		if !ok || utxo != otherUtxo {
			return false
		}
	}

	if len(s.PendingRuneTxRequests) != len(other.PendingRuneTxRequests) {
		return false
	}
	for rune, queue := range s.PendingRuneTxRequests {
		otherQueue, ok := other.PendingRuneTxRequests[rune]
		if !ok || len(queue) != len(otherQueue) {
			return false
		}
		for i := range queue {
			if queue[i].TicketID != otherQueue[i].TicketID {
				return false
			}
		}
	}

	if len(s.SubmittedTransactions) != len(other.SubmittedTransactions) {
		return false
	}
	if len(s.ReplacementTxid) != len(other.ReplacementTxid) {
		return false
	}
	for old, replacement := range s.ReplacementTxid {
		if other.ReplacementTxid[old] != replacement {
			return false
		}
	}

	if s.NextReleaseTicketIndex != other.NextReleaseTicketIndex {
		return false
	}

	return true
}

// AvailableRuneBalanceAll sums every rune's available balance into a map
// keyed by RuneID.String(), used only for semantic-equality comparison.
func (s *State) AvailableRuneBalanceAll() map[string]*big.Int {
	totals := make(map[string]*big.Int)
	for _, u := range s.AvailableRunesUtxos {
		key := u.RuneID.String()
		if totals[key] == nil {
			totals[key] = big.NewInt(0)
		}
		totals[key].Add(totals[key], u.Amount)
	}
	return totals
}

func bigEqual(a, b map[string]*big.Int) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		other, ok := b[k]
		if !ok || v.Cmp(other) != 0 {
			return false
		}
	}
	return true
}

func sumFeeUtxoValues(utxos []bitcoin.Utxo) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}
