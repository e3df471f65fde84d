// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package address

import (
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Kind tags the variant a BitcoinAddress carries.
type Kind byte

const (
	// KindP2WPKHv0 is a native segwit v0 pay-to-witness-pubkey-hash address.
	KindP2WPKHv0 Kind = iota
	// KindP2WSHv0 is a native segwit v0 pay-to-witness-script-hash address.
	KindP2WSHv0
	// KindP2TRv1 is a taproot (segwit v1) address.
	KindP2TRv1
	// KindP2PKH is a legacy pay-to-pubkey-hash address.
	KindP2PKH
	// KindP2SH is a legacy pay-to-script-hash address.
	KindP2SH
	// KindOpReturn is a non-spendable data-carrier output. It cannot be
	// displayed as a bech32/base58 address; Bytes carries the raw script
	// data push.
	KindOpReturn
)

// ErrUnsupportedAddress marks a scriptPubKey or address string this package
// cannot classify into one of the tagged variants.
var ErrUnsupportedAddress = errors.New("unsupported bitcoin address")

// BitcoinAddress is a tagged union over the address kinds the customs deals
// with on either side of a transaction: destinations it pays to, and its own
// main/deposit addresses.
type BitcoinAddress struct {
	Kind  Kind
	Bytes []byte // 20B hash, 32B hash/x-only-key, or raw OpReturn payload.
}

// Display renders the address in its standard wire form for network.
// KindOpReturn has no display form and returns ErrUnsupportedAddress.
func (a BitcoinAddress) Display(network *chaincfg.Params) (string, error) {
	addr, err := a.toBtcutilAddress(network)
	if err != nil {
		return "", err
	}

	return addr.EncodeAddress(), nil
}

// Script returns the scriptPubKey that pays to this address.
func (a BitcoinAddress) Script(network *chaincfg.Params) ([]byte, error) {
	if a.Kind == KindOpReturn {
		builder := txscript.NewScriptBuilder().AddOp(txscript.OP_RETURN)
		if len(a.Bytes) > 0 {
			builder = builder.AddData(a.Bytes)
		}

		return builder.Script()
	}

	addr, err := a.toBtcutilAddress(network)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

func (a BitcoinAddress) toBtcutilAddress(network *chaincfg.Params) (btcutil.Address, error) {
	switch a.Kind {
	case KindP2WPKHv0:
		return btcutil.NewAddressWitnessPubKeyHash(a.Bytes, network)
	case KindP2WSHv0:
		return btcutil.NewAddressWitnessScriptHash(a.Bytes, network)
	case KindP2TRv1:
		return btcutil.NewAddressTaproot(a.Bytes, network)
	case KindP2PKH:
		return btcutil.NewAddressPubKeyHash(a.Bytes, network)
	case KindP2SH:
		return btcutil.NewAddressScriptHashFromHash(a.Bytes, network)
	default:
		return nil, fmt.Errorf("%w: kind %d has no displayable form", ErrUnsupportedAddress, a.Kind)
	}
}

// Parse decodes an address string against network into a BitcoinAddress.
func Parse(s string, network *chaincfg.Params) (BitcoinAddress, error) {
	addr, err := btcutil.DecodeAddress(s, network)
	if err != nil {
		return BitcoinAddress{}, fmt.Errorf("%w: %s", ErrUnsupportedAddress, err)
	}

	return FromBtcutilAddress(addr)
}

// FromBtcutilAddress classifies a decoded btcutil.Address into our tagged
// union.
func FromBtcutilAddress(addr btcutil.Address) (BitcoinAddress, error) {
	switch a := addr.(type) {
	case *btcutil.AddressWitnessPubKeyHash:
		return BitcoinAddress{Kind: KindP2WPKHv0, Bytes: a.WitnessProgram()}, nil
	case *btcutil.AddressWitnessScriptHash:
		return BitcoinAddress{Kind: KindP2WSHv0, Bytes: a.WitnessProgram()}, nil
	case *btcutil.AddressTaproot:
		return BitcoinAddress{Kind: KindP2TRv1, Bytes: a.WitnessProgram()}, nil
	case *btcutil.AddressPubKeyHash:
		return BitcoinAddress{Kind: KindP2PKH, Bytes: a.Hash160()[:]}, nil
	case *btcutil.AddressScriptHash:
		return BitcoinAddress{Kind: KindP2SH, Bytes: a.Hash160()[:]}, nil
	default:
		return BitcoinAddress{}, fmt.Errorf("%w: %T", ErrUnsupportedAddress, addr)
	}
}

// NewOpReturn builds an OpReturn-tagged address carrying payload as its
// script data push.
func NewOpReturn(payload []byte) BitcoinAddress {
	return BitcoinAddress{Kind: KindOpReturn, Bytes: payload}
}

// NewP2WPKHv0 builds a P2WPKHv0 address from a 20-byte HASH160 pubkey hash.
func NewP2WPKHv0(hash160 []byte) (BitcoinAddress, error) {
	if len(hash160) != 20 {
		return BitcoinAddress{}, errors.New("p2wpkh hash must be 20 bytes")
	}

	return BitcoinAddress{Kind: KindP2WPKHv0, Bytes: hash160}, nil
}
