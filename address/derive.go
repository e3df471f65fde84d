// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package address

import "fmt"

// MainAddress derives the customs' own main address for a token (BTC or a
// specific rune), the destination of all change for that token.
func (ks *KeyStore) MainAddress(keyName string, tokenID string) (BitcoinAddress, error) {
	return ks.addressForPath(keyName, MainDerivationPath(tokenID))
}

// DepositAddress derives the per-user deposit address for dest: the address
// users send runes to in order to mint a cross-chain ticket.
func (ks *KeyStore) DepositAddress(keyName string, dest Destination) (BitcoinAddress, error) {
	return ks.addressForPath(keyName, DepositDerivationPath(dest))
}

// PathForOwner returns the derivation path that owns utxos credited to
// dest: MainDerivationPath for the MainDestination sentinel, otherwise
// DepositDerivationPath.
func PathForOwner(dest Destination) DerivationPath {
	if dest.IsMain() {
		return MainDerivationPath(*dest.Token)
	}
	return DepositDerivationPath(dest)
}

// AddressForOwner returns the BitcoinAddress that owns utxos credited to
// dest, mirroring PathForOwner.
func (ks *KeyStore) AddressForOwner(keyName string, dest Destination) (BitcoinAddress, error) {
	if dest.IsMain() {
		return ks.MainAddress(keyName, *dest.Token)
	}
	return ks.DepositAddress(keyName, dest)
}

// DeriveForPath returns the compressed SEC1 public key and its HASH160 for
// keyName's master key walked along path, the two values release.SignAndSend
// puts into txcodec.InputSigningInfo without re-deriving the address type.
func (ks *KeyStore) DeriveForPath(keyName string, path DerivationPath) (pubKey []byte, hash160 []byte, err error) {
	master, ok := ks.MasterKey(keyName)
	if !ok {
		return nil, nil, fmt.Errorf("no master key cached for %q", keyName)
	}

	child, err := DerivePublicKey(master, path)
	if err != nil {
		return nil, nil, err
	}

	compressed := child.SerializeCompressed()
	return compressed, Hash160(compressed), nil
}

func (ks *KeyStore) addressForPath(keyName string, path DerivationPath) (BitcoinAddress, error) {
	master, ok := ks.MasterKey(keyName)
	if !ok {
		return BitcoinAddress{}, fmt.Errorf("no master key cached for %q", keyName)
	}

	child, err := DerivePublicKey(master, path)
	if err != nil {
		return BitcoinAddress{}, err
	}

	return NewP2WPKHv0(Hash160(child.SerializeCompressed()))
}
