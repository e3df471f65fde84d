// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txcodec

import (
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// PrevOutput is the value and scriptPubKey of an input's previous output,
// the data BIP-143 sighashing needs that isn't present in the unsigned
// transaction itself.
type PrevOutput struct {
	Value    int64
	PkScript []byte
}

// SighashP2WPKH computes the BIP-143 SIGHASH_ALL digest for spending a
// P2WPKH input at inputIndex. scriptCode is the P2PKH-shaped
// OP_DUP OP_HASH160 <pkhash> OP_EQUALVERIFY OP_CHECKSIG script implied by the
// witness program, per BIP-143's P2WPKH special case.
func SighashP2WPKH(tx *wire.MsgTx, inputIndex int, pkHash []byte, prevOutputs []PrevOutput) ([32]byte, error) {
	scriptCode, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pkHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
	if err != nil {
		return [32]byte{}, err
	}

	outMap := make(map[wire.OutPoint]*wire.TxOut, len(prevOutputs))
	for i, in := range tx.TxIn {
		outMap[in.PreviousOutPoint] = wire.NewTxOut(prevOutputs[i].Value, prevOutputs[i].PkScript)
	}
	multiFetcher := txscript.NewMultiPrevOutFetcher(outMap)

	sigHashes := txscript.NewTxSigHashes(tx, multiFetcher)
	hash, err := txscript.CalcWitnessSigHash(scriptCode, sigHashes, txscript.SigHashAll, tx, inputIndex, prevOutputs[inputIndex].Value)
	if err != nil {
		return [32]byte{}, err
	}

	var out [32]byte
	copy(out[:], hash)
	return out, nil
}
