// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runestone

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// RuneID identifies a rune by the block and transaction index of its etching.
type RuneID struct {
	Block uint64
	Tx    uint32
}

// NewRuneIDFromString parses a RuneID from its "block:tx" representation.
func NewRuneIDFromString(s string) (RuneID, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return RuneID{}, fmt.Errorf("invalid rune id format: %s", s)
	}

	block, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return RuneID{}, fmt.Errorf("invalid rune id block: %w", err)
	}

	tx, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return RuneID{}, fmt.Errorf("invalid rune id tx: %w", err)
	}

	return RuneID{Block: block, Tx: uint32(tx)}, nil
}

// String returns the "block:tx" representation of the RuneID.
func (id RuneID) String() string {
	return fmt.Sprintf("%d:%d", id.Block, id.Tx)
}

// Cmp gives RuneID a total order: by block, then by tx.
func (id RuneID) Cmp(other RuneID) int {
	if id.Block != other.Block {
		if id.Block < other.Block {
			return -1
		}
		return 1
	}
	if id.Tx != other.Tx {
		if id.Tx < other.Tx {
			return -1
		}
		return 1
	}
	return 0
}

// Next reconstructs the next RuneID from a delta-encoded one, mirroring the
// Runes wire encoding: a zero block delta carries forward the current block
// and only advances tx.
func (id RuneID) Next(delta RuneID) RuneID {
	if delta.Block == 0 {
		return RuneID{Block: id.Block, Tx: id.Tx + delta.Tx}
	}

	return RuneID{Block: id.Block + delta.Block, Tx: delta.Tx}
}

// ToIntSeq returns the RuneID as a pair of integers, used by the edict codec.
func (id RuneID) ToIntSeq() []*big.Int {
	return []*big.Int{new(big.Int).SetUint64(id.Block), big.NewInt(int64(id.Tx))}
}
