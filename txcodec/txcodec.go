// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package txcodec builds unsigned Bitcoin transactions, computes BIP-143
// sighashes, and assembles signed P2WPKH witnesses from threshold-ECDSA
// signatures.
package txcodec

import (
	"github.com/btcsuite/btcd/wire"
)

// SequenceRBFEnabled is the nSequence value every input carries to opt in to
// BIP-125 replace-by-fee.
const SequenceRBFEnabled uint32 = 0xfffffffd

// TxVersion is the transaction version every unsigned transaction uses.
const TxVersion = 2

// DustValue is the minimum value (in satoshis) a non-OP_RETURN output may
// carry.
const DustValue = 546

// NewUnsignedTx returns an empty version-2, locktime-0 transaction ready to
// receive inputs and outputs.
func NewUnsignedTx() *wire.MsgTx {
	tx := wire.NewMsgTx(TxVersion)
	tx.LockTime = 0
	return tx
}

// AddInput appends an input spending prevOut, with RBF signaling enabled.
func AddInput(tx *wire.MsgTx, prevOut wire.OutPoint) *wire.TxIn {
	in := wire.NewTxIn(&prevOut, nil, nil)
	in.Sequence = SequenceRBFEnabled
	tx.AddTxIn(in)
	return in
}

// AddOutput appends an output paying value satoshis to pkScript.
func AddOutput(tx *wire.MsgTx, value int64, pkScript []byte) {
	tx.AddTxOut(wire.NewTxOut(value, pkScript))
}

// EstimateVsize is the rough fee-sizing formula used before inputs are
// final: input_count*68 + output_count*31 + 11.
func EstimateVsize(inputCount, outputCount int) int64 {
	return int64(inputCount)*68 + int64(outputCount)*31 + 11
}

// Vsize computes the exact virtual size of tx per BIP-141:
// weight = strippedSize*3 + totalSize; vsize = ceil(weight/4).
func Vsize(tx *wire.MsgTx) int64 {
	stripped := int64(tx.SerializeSizeStripped())
	total := int64(tx.SerializeSize())
	weight := stripped*3 + total
	return (weight + 3) / 4
}

// Fee returns the fee in satoshis for vsize virtual bytes at feePerVByte
// millisatoshi-per-vbyte.
func Fee(vsize int64, feePerVByte uint64) int64 {
	return vsize * int64(feePerVByte) / 1000
}
