// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package selection

import (
	"math/big"

	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

// SelectRunes runs Select over a runes UTXO pool, valuing only utxos
// carrying wantedRune and treating every other utxo as worth zero (so it is
// never picked to cover the target, but can still be picked by the dust
// consolidation pad once the target is met).
func SelectRunes(pool *[]bitcoin.RunesUtxo, wantedRune runestone.RuneID, targetAmount *big.Int, outputCount int) []bitcoin.RunesUtxo {
	value := func(u bitcoin.RunesUtxo) *big.Int {
		if u.RuneID.Cmp(wantedRune) != 0 {
			return big.NewInt(0)
		}
		return u.Amount
	}

	return Select(pool, targetAmount, outputCount, value)
}

// GreedyBtc runs Greedy over a fee-only BTC UTXO pool.
func GreedyBtc(pool *[]bitcoin.Utxo, targetSats int64) []bitcoin.Utxo {
	value := func(u bitcoin.Utxo) *big.Int { return big.NewInt(u.Value) }
	return Greedy(pool, big.NewInt(targetSats), value)
}

// SumValue sums the satoshi value of a BTC utxo slice.
func SumValue(utxos []bitcoin.Utxo) int64 {
	var total int64
	for _, u := range utxos {
		total += u.Value
	}
	return total
}

// SumRuneAmount sums the rune-unit amount of a runes utxo slice.
func SumRuneAmount(utxos []bitcoin.RunesUtxo) *big.Int {
	total := big.NewInt(0)
	for _, u := range utxos {
		total.Add(total, u.Amount)
	}
	return total
}
