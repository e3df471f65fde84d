// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package address

import (
	"crypto/hmac"
	"crypto/sha512"
	"errors"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
)

// ECDSAPublicKey is the master public key and chain code the threshold-ECDSA
// service hands back for a key name, the root of every derivation this
// package performs.
type ECDSAPublicKey struct {
	PublicKey []byte // SEC1 compressed, 33 bytes.
	ChainCode []byte // 32 bytes.
}

// KeyStore caches the master public key per ECDSA key name and derives
// per-token and per-destination child keys/addresses from it.
//
// Derivation path components are arbitrary byte strings (chain ids,
// receiver strings, token ids), not the 31-bit indices BIP-32 proper
// expects, so child derivation is implemented directly over btcec curve
// arithmetic rather than through btcutil/hdkeychain (whose public API only
// accepts uint32 indices).
type KeyStore struct {
	mu      sync.RWMutex
	network *chaincfg.Params
	masters map[string]ECDSAPublicKey // keyed by ecdsa key name.
}

// NewKeyStore constructs an empty KeyStore for network.
func NewKeyStore(network *chaincfg.Params) *KeyStore {
	return &KeyStore{
		network: network,
		masters: make(map[string]ECDSAPublicKey),
	}
}

// SetMasterKey caches the master public key for keyName, normally fetched
// once at startup via the threshold-ECDSA service's ecdsa_public_key call.
func (ks *KeyStore) SetMasterKey(keyName string, key ECDSAPublicKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.masters[keyName] = key
}

// MasterKey returns the cached master key for keyName.
func (ks *KeyStore) MasterKey(keyName string) (ECDSAPublicKey, bool) {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, ok := ks.masters[keyName]
	return key, ok
}

// DerivationPath is the sequence of byte-string path components passed to
// both local derivation and the external sign_with_ecdsa call, so the
// address computed here and the key used to sign for it always match.
type DerivationPath [][]byte

// MainDerivationPath returns the derivation path for a token's main address:
// a single path component, the token id bytes.
func MainDerivationPath(tokenID string) DerivationPath {
	return DerivationPath{[]byte(tokenID)}
}

// DepositDerivationPath returns the derivation path for a destination's
// deposit address: target chain id, receiver, and the token id if present.
func DepositDerivationPath(dest Destination) DerivationPath {
	return DerivationPath(dest.pathComponents())
}

// DeriveChildPublicKey performs one step of non-hardened BIP-32-style child
// key derivation generalized to an arbitrary-length byte tweak instead of a
// 4-byte index: I = HMAC-SHA512(chainCode, serializedParentPubKey || tweak),
// child pubkey = parentPubKey + IL*G, child chain code = IR.
func DeriveChildPublicKey(parent *btcec.PublicKey, chainCode []byte, tweak []byte) (*btcec.PublicKey, []byte, error) {
	mac := hmac.New(sha512.New, chainCode)
	mac.Write(parent.SerializeCompressed())
	mac.Write(tweak)
	sum := mac.Sum(nil)

	il, childChainCode := sum[:32], sum[32:]

	var factor btcec.ModNScalar
	overflow := factor.SetByteSlice(il)
	if overflow || factor.IsZero() {
		return nil, nil, errors.New("invalid derivation tweak, retry with a different path component")
	}

	var tweakPoint, parentPoint, childPoint btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(&factor, &tweakPoint)
	parent.AsJacobian(&parentPoint)
	btcec.AddNonConst(&tweakPoint, &parentPoint, &childPoint)
	childPoint.ToAffine()

	childPub := btcec.NewPublicKey(&childPoint.X, &childPoint.Y)

	return childPub, childChainCode, nil
}

// DerivePublicKey walks path from the master key, applying DeriveChildPublicKey
// once per component.
func DerivePublicKey(master ECDSAPublicKey, path DerivationPath) (*btcec.PublicKey, error) {
	pub, err := btcec.ParsePubKey(master.PublicKey)
	if err != nil {
		return nil, err
	}

	chainCode := master.ChainCode
	for _, component := range path {
		pub, chainCode, err = DeriveChildPublicKey(pub, chainCode, component)
		if err != nil {
			return nil, err
		}
	}

	return pub, nil
}

// Hash160 computes RIPEMD160(SHA256(data)), the script-hash primitive behind
// P2WPKH/P2PKH addresses.
func Hash160(data []byte) []byte {
	return btcutil.Hash160(data)
}
