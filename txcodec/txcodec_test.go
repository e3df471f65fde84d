// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txcodec_test

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/external/externaltest"
	"github.com/octopus-network/bitcoin-runes-customs/txcodec"
)

func TestNewUnsignedTx(t *testing.T) {
	tx := txcodec.NewUnsignedTx()
	require.EqualValues(t, txcodec.TxVersion, tx.Version)
	require.Zero(t, tx.LockTime)
	require.Empty(t, tx.TxIn)
	require.Empty(t, tx.TxOut)
}

func TestAddInputEnablesRBF(t *testing.T) {
	tx := txcodec.NewUnsignedTx()
	in := txcodec.AddInput(tx, wire.OutPoint{Index: 1})
	require.Equal(t, txcodec.SequenceRBFEnabled, in.Sequence)
	require.Len(t, tx.TxIn, 1)
}

func TestEstimateVsizeAndFee(t *testing.T) {
	require.EqualValues(t, 68+31+11, txcodec.EstimateVsize(1, 1))
	require.EqualValues(t, 10000, txcodec.Fee(1000, 10000))
}

func TestVsizeMatchesFakeSignedSize(t *testing.T) {
	tx := txcodec.NewUnsignedTx()
	txcodec.AddInput(tx, wire.OutPoint{Index: 0})
	txcodec.AddOutput(tx, 1000, []byte{txscript.OP_RETURN})

	signed := txcodec.FakeSign(tx)
	require.NotZero(t, txcodec.Vsize(signed))
	// fake-signing must not mutate the original.
	require.Empty(t, tx.TxIn[0].Witness)
}

// TestSignInputVerifies signs a single P2WPKH input end-to-end against a
// FakeEcdsaSigner-derived key and checks the resulting witness validates
// under the real script interpreter.
func TestSignInputVerifies(t *testing.T) {
	signer, err := externaltest.NewFakeEcdsaSigner()
	require.NoError(t, err)

	pubKey, _, err := signer.EcdsaPublicKey(context.Background(), "key-1")
	require.NoError(t, err)

	hash160 := address.Hash160(pubKey)

	tx := txcodec.NewUnsignedTx()
	txcodec.AddInput(tx, wire.OutPoint{Hash: chainhash.Hash{}, Index: 0})
	txcodec.AddOutput(tx, 1000, []byte{txscript.OP_RETURN})

	pkScript, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(hash160).
		Script()
	require.NoError(t, err)

	prevOutputs := []txcodec.PrevOutput{{Value: 5000, PkScript: pkScript}}

	cs := txcodec.NewSigner("key-1", signer)
	err = cs.SignInput(context.Background(), tx, 0, txcodec.InputSigningInfo{
		PkHash:         hash160,
		PubKey:         pubKey,
		DerivationPath: nil,
		Value:          5000,
		PkScript:       pkScript,
	}, prevOutputs)
	require.NoError(t, err)

	fetcher := txscript.NewCannedPrevOutputFetcher(pkScript, 5000)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	vm, err := txscript.NewEngine(pkScript, tx, 0, txscript.StandardVerifyFlags, nil, sigHashes, 5000, fetcher)
	require.NoError(t, err)
	require.NoError(t, vm.Execute())
}
