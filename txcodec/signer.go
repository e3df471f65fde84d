// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package txcodec

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/octopus-network/bitcoin-runes-customs/external"
)

// InputSigningInfo is everything Signer needs to sign one P2WPKH input.
type InputSigningInfo struct {
	PkHash         []byte   // HASH160 of the owning destination's derived pubkey.
	PubKey         []byte   // SEC1-compressed pubkey matching PkHash.
	DerivationPath [][]byte // path handed to the external signer, matching the address package's derivation.
	Value          int64
	PkScript       []byte
}

// Signer signs P2WPKH inputs of an unsigned transaction using the external
// threshold-ECDSA service. A Signer is bound to one ECDSA key name and
// SignInput signs a single input (the loop over inputs is the caller's),
// producing a compact-signature-to-DER P2WPKH witness.
type Signer struct {
	keyName string
	ecdsa   external.EcdsaSigner
}

// NewSigner constructs a Signer bound to one ECDSA key name.
func NewSigner(keyName string, signer external.EcdsaSigner) *Signer {
	return &Signer{keyName: keyName, ecdsa: signer}
}

// SignInput signs tx's input at index using info, and installs the
// resulting witness stack [sig, pubkey] directly on tx.TxIn[index].
func (s *Signer) SignInput(ctx context.Context, tx *wire.MsgTx, index int, info InputSigningInfo, allPrevOuts []PrevOutput) error {
	hash, err := SighashP2WPKH(tx, index, info.PkHash, allPrevOuts)
	if err != nil {
		return fmt.Errorf("compute sighash: %w", err)
	}

	compactSig, err := s.ecdsa.SignWithEcdsa(ctx, s.keyName, info.DerivationPath, hash)
	if err != nil {
		return fmt.Errorf("sign_with_ecdsa: %w", err)
	}

	sigBytes, err := CompactToDER(compactSig)
	if err != nil {
		return fmt.Errorf("encode signature: %w", err)
	}

	tx.TxIn[index].Witness = wire.TxWitness{
		append(sigBytes, byte(txscript.SigHashAll)),
		info.PubKey,
	}

	return nil
}

// CompactToDER re-encodes a 64-byte compact ECDSA signature (r||s, 32 bytes
// each) as DER, the form the witness stack and the legacy script interpreter
// both expect.
func CompactToDER(compact [64]byte) ([]byte, error) {
	var r, sVal btcec.ModNScalar
	if overflow := r.SetByteSlice(compact[:32]); overflow {
		return nil, fmt.Errorf("signature r overflows curve order")
	}
	if overflow := sVal.SetByteSlice(compact[32:]); overflow {
		return nil, fmt.Errorf("signature s overflows curve order")
	}

	sig := ecdsa.NewSignature(&r, &sVal)
	return sig.Serialize(), nil
}
