// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package externaltest

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"errors"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
)

// FakeEcdsaSigner is a real-key, in-process stand-in for the threshold-ECDSA
// service. It derives child private keys along a path using the same
// non-hardened scheme address.DeriveChildPublicKey applies to the matching
// public key, so a transaction FakeEcdsaSigner signs verifies against the
// addresses the rest of the pipeline independently derives from
// EcdsaPublicKey.
type FakeEcdsaSigner struct {
	master    *btcec.PrivateKey
	chainCode []byte
}

// NewFakeEcdsaSigner generates a fresh random master key and chain code.
func NewFakeEcdsaSigner() (*FakeEcdsaSigner, error) {
	master, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	chainCode := make([]byte, 32)
	if _, err := rand.Read(chainCode); err != nil {
		return nil, err
	}

	return &FakeEcdsaSigner{master: master, chainCode: chainCode}, nil
}

// EcdsaPublicKey implements external.EcdsaSigner. keyName is ignored: one
// FakeEcdsaSigner models exactly one key.
func (s *FakeEcdsaSigner) EcdsaPublicKey(_ context.Context, _ string) ([]byte, []byte, error) {
	return s.master.PubKey().SerializeCompressed(), append([]byte{}, s.chainCode...), nil
}

// SignWithEcdsa implements external.EcdsaSigner: it walks path from the
// master key and signs messageHash with the resulting child key.
func (s *FakeEcdsaSigner) SignWithEcdsa(_ context.Context, _ string, path [][]byte, messageHash [32]byte) ([64]byte, error) {
	priv, _, err := deriveChildPrivateKey(s.master, s.chainCode, path)
	if err != nil {
		return [64]byte{}, err
	}

	compact := ecdsa.SignCompact(priv, messageHash[:], false)

	var out [64]byte
	copy(out[:], compact[1:]) // drop SignCompact's recovery-id header byte.
	return out, nil
}

// deriveChildPrivateKey walks path from master, applying one non-hardened
// child derivation step per component: the private-key mirror of
// address.DeriveChildPublicKey/DerivePublicKey.
func deriveChildPrivateKey(master *btcec.PrivateKey, chainCode []byte, path [][]byte) (*btcec.PrivateKey, []byte, error) {
	priv := master
	for _, component := range path {
		mac := hmac.New(sha512.New, chainCode)
		mac.Write(priv.PubKey().SerializeCompressed())
		mac.Write(component)
		sum := mac.Sum(nil)

		il, childChainCode := sum[:32], sum[32:]

		var factor, childScalar btcec.ModNScalar
		if overflow := factor.SetByteSlice(il); overflow || factor.IsZero() {
			return nil, nil, errors.New("externaltest: invalid derivation tweak, retry with a different path component")
		}
		childScalar.Set(&priv.Key)
		childScalar.Add(&factor)

		childBytes := childScalar.Bytes()
		priv, _ = btcec.PrivKeyFromBytes(childBytes[:])
		chainCode = childChainCode
	}

	return priv, chainCode, nil
}
