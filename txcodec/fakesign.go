// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txcodec

import "github.com/btcsuite/btcd/wire"

// fakeDERSigLen is the length a DER-encoded secp256k1 signature plus its
// trailing sighash-type byte almost always occupies: 71 or 72 bytes in the
// wild. We pad to the high end (72) so the fee estimate never undershoots.
const fakeDERSigLen = 72

// fakeCompressedPubKeyLen is the length of a SEC1-compressed public key.
const fakeCompressedPubKeyLen = 33

// FakeSign returns a deep copy of tx with a fixed-length placeholder P2WPKH
// witness attached to every input, used to recompute vsize precisely once
// the input set is final but before the real threshold-ECDSA signatures are
// available.
func FakeSign(tx *wire.MsgTx) *wire.MsgTx {
	fake := tx.Copy()

	fakeSig := make([]byte, fakeDERSigLen)
	fakePubKey := make([]byte, fakeCompressedPubKeyLen)

	for _, in := range fake.TxIn {
		in.Witness = wire.TxWitness{fakeSig, fakePubKey}
	}

	return fake
}
