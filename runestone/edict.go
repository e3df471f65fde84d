// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runestone

import (
	"math/big"
	"slices"

	"github.com/octopus-network/bitcoin-runes-customs/internal/sequencereader"
)

// Edict is a single runes transfer instruction: move Amount units of RuneID
// to the transaction output at index Output.
type Edict struct {
	RuneID RuneID
	Amount *big.Int
	Output uint32
}

// ParseEdictsFromIntSeq decodes a flat integer sequence (block-delta, tx-delta,
// amount, output repeating) back into Edicts.
func ParseEdictsFromIntSeq(sr *sequencereader.SequenceReader[*big.Int]) ([]Edict, error) {
	if sr.Len()%4 != 0 {
		return nil, ErrCenotaph
	}

	var prev RuneID
	edicts := make([]Edict, 0, sr.Len()/4)
	for sr.HasNext() {
		// errors impossible past the mod-4 check above.
		block, _ := sr.Next()
		tx, _ := sr.Next()
		amount, _ := sr.Next()
		output, _ := sr.Next()

		id := prev.Next(RuneID{Block: block.Uint64(), Tx: uint32(tx.Uint64())})
		edicts = append(edicts, Edict{RuneID: id, Amount: amount, Output: uint32(output.Uint64())})
		prev = id
	}

	return edicts, nil
}

// ToIntSeq returns the Edict as the four integers of its wire representation,
// not yet delta-encoded.
func (e Edict) ToIntSeq() []*big.Int {
	return append(e.RuneID.ToIntSeq(), new(big.Int).Set(e.Amount), big.NewInt(int64(e.Output)))
}

// SortEdicts orders edicts by RuneID, the order the wire format requires
// before delta-encoding.
func SortEdicts(edicts []Edict) {
	slices.SortFunc(edicts, func(a, b Edict) int {
		return a.RuneID.Cmp(b.RuneID)
	})
}

// UseDelta rewrites a RuneID-sorted edict list so each RuneID is expressed as
// a delta from the previous one.
func UseDelta(sorted []Edict) []Edict {
	out := make([]Edict, len(sorted))
	var prevBlock uint64
	var prevTx uint32

	for i, e := range sorted {
		blockDelta := e.RuneID.Block - prevBlock
		var txDelta uint32
		if blockDelta == 0 {
			txDelta = e.RuneID.Tx - prevTx
		} else {
			txDelta = e.RuneID.Tx
		}

		out[i] = Edict{RuneID: RuneID{Block: blockDelta, Tx: txDelta}, Amount: e.Amount, Output: e.Output}
		prevBlock, prevTx = e.RuneID.Block, e.RuneID.Tx
	}

	return out
}

// EdictsToIntSeq sorts, delta-encodes and flattens edicts into the integer
// sequence the Runestone message body carries.
func EdictsToIntSeq(edicts []Edict) []*big.Int {
	sorted := make([]Edict, len(edicts))
	copy(sorted, edicts)
	SortEdicts(sorted)

	seq := make([]*big.Int, 0, len(sorted)*4)
	for _, e := range UseDelta(sorted) {
		seq = append(seq, e.ToIntSeq()...)
	}

	return seq
}
