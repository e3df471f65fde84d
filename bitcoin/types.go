// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package bitcoin holds the UTXO types shared by selection, the transaction
// codec and the state store.
package bitcoin

import (
	"math/big"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

// Outpoint identifies a transaction output: the identity of a Utxo.
type Outpoint struct {
	Txid chainhash.Hash
	Vout uint32
}

// String returns the "txid:vout" representation of the outpoint.
func (o Outpoint) String() string {
	return o.Txid.String() + ":" + big.NewInt(int64(o.Vout)).String()
}

// Utxo is a spendable Bitcoin output.
type Utxo struct {
	Outpoint Outpoint
	Value    int64 // satoshis.
	Height   uint32
}

// RunesUtxo is a Utxo that additionally carries one runes balance. A utxo
// carries at most one runes asset.
type RunesUtxo struct {
	Utxo   Utxo
	RuneID runestone.RuneID
	Amount *big.Int // rune units, u128-sized.
}
