// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runestone_test

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

func TestRuneIDStringRoundTrip(t *testing.T) {
	id := runestone.RuneID{Block: 840000, Tx: 42}
	parsed, err := runestone.NewRuneIDFromString(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
}

func TestRuneIDFromStringRejectsMalformed(t *testing.T) {
	for _, s := range []string{"", "no-colon", "1:2:3", "x:2", "1:x"} {
		_, err := runestone.NewRuneIDFromString(s)
		require.Error(t, err, s)
	}
}

func TestRuneIDCmp(t *testing.T) {
	a := runestone.RuneID{Block: 1, Tx: 5}
	b := runestone.RuneID{Block: 1, Tx: 6}
	c := runestone.RuneID{Block: 2, Tx: 0}

	require.Negative(t, a.Cmp(b))
	require.Positive(t, b.Cmp(a))
	require.Zero(t, a.Cmp(a))
	require.Negative(t, b.Cmp(c))
}

func TestRuneIDNext(t *testing.T) {
	base := runestone.RuneID{Block: 100, Tx: 3}

	sameBlock := base.Next(runestone.RuneID{Block: 0, Tx: 2})
	require.Equal(t, runestone.RuneID{Block: 100, Tx: 5}, sameBlock)

	newBlock := base.Next(runestone.RuneID{Block: 5, Tx: 1})
	require.Equal(t, runestone.RuneID{Block: 105, Tx: 1}, newBlock)
}

func TestRunestoneScriptRoundTrip(t *testing.T) {
	rs := &runestone.Runestone{Edicts: []runestone.Edict{
		{RuneID: runestone.RuneID{Block: 840000, Tx: 1}, Amount: big.NewInt(1000), Output: 2},
		{RuneID: runestone.RuneID{Block: 840000, Tx: 2}, Amount: big.NewInt(2000), Output: 3},
	}}

	script, err := rs.IntoScript()
	require.NoError(t, err)
	require.True(t, runestone.IsPossibleRunestone(script))

	decoded, err := runestone.ParseRunestone(script)
	require.NoError(t, err)
	require.Len(t, decoded.Edicts, 2)

	for i, e := range decoded.Edicts {
		require.Zero(t, e.RuneID.Cmp(rs.Edicts[i].RuneID))
		require.Equal(t, rs.Edicts[i].Amount, e.Amount)
		require.Equal(t, rs.Edicts[i].Output, e.Output)
	}
}

func TestScriptLenMatchesIntoScriptLength(t *testing.T) {
	rs := &runestone.Runestone{Edicts: []runestone.Edict{
		{RuneID: runestone.RuneID{Block: 1, Tx: 1}, Amount: big.NewInt(1), Output: 2},
	}}

	script, err := rs.IntoScript()
	require.NoError(t, err)

	scriptLen, err := rs.ScriptLen()
	require.NoError(t, err)
	require.Len(t, script, scriptLen)
}

func TestIsPossibleRunestoneRejectsNonRuneScripts(t *testing.T) {
	require.False(t, runestone.IsPossibleRunestone(nil))
	require.False(t, runestone.IsPossibleRunestone([]byte{0x51}))
}

func TestEdictsToIntSeqSortsAndDeltaEncodes(t *testing.T) {
	edicts := []runestone.Edict{
		{RuneID: runestone.RuneID{Block: 2, Tx: 0}, Amount: big.NewInt(1), Output: 1},
		{RuneID: runestone.RuneID{Block: 1, Tx: 0}, Amount: big.NewInt(2), Output: 2},
	}

	seq := runestone.EdictsToIntSeq(edicts)
	require.Len(t, seq, 8)
	// sorted ascending by RuneID: block 1 first, with its own delta from zero.
	require.EqualValues(t, 1, seq[0].Uint64())
}
