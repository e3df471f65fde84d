// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package address_test

import (
	"crypto/rand"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/stretchr/testify/require"

	"github.com/octopus-network/bitcoin-runes-customs/address"
)

func tokenPtr(s string) *string { return &s }

// fakeMasterKey generates a random valid SEC1-compressed public key and
// chain code, standing in for a threshold-ECDSA service's ecdsa_public_key
// response.
func fakeMasterKey(t *testing.T) (pubKey []byte, chainCode []byte) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	chainCode = make([]byte, 32)
	_, err = rand.Read(chainCode)
	require.NoError(t, err)

	return priv.PubKey().SerializeCompressed(), chainCode
}

func TestDestinationKey(t *testing.T) {
	a := address.Destination{TargetChainID: "eICP", Receiver: "abc", Token: tokenPtr("rune1")}
	b := address.Destination{TargetChainID: "eICP", Receiver: "abc", Token: tokenPtr("rune1")}
	c := address.Destination{TargetChainID: "eICP", Receiver: "abc", Token: tokenPtr("rune2")}

	require.Equal(t, a.Key(), b.Key())
	require.NotEqual(t, a.Key(), c.Key())
}

func TestMainDestinationIsMain(t *testing.T) {
	main := address.MainDestination("btc")
	require.True(t, main.IsMain())

	user := address.Destination{TargetChainID: "eICP", Receiver: "abc"}
	require.False(t, user.IsMain())

	require.NotEqual(t, main.Key(), user.Key())
}

func TestAddressDisplayAndParseRoundTrip(t *testing.T) {
	hash160 := make([]byte, 20)
	for i := range hash160 {
		hash160[i] = byte(i)
	}

	addr, err := address.NewP2WPKHv0(hash160)
	require.NoError(t, err)

	display, err := addr.Display(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, display)

	parsed, err := address.Parse(display, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.Equal(t, addr, parsed)
}

func TestNewP2WPKHv0RejectsWrongLength(t *testing.T) {
	_, err := address.NewP2WPKHv0(make([]byte, 19))
	require.Error(t, err)
}

func TestOpReturnHasNoDisplayForm(t *testing.T) {
	addr := address.NewOpReturn([]byte("hello"))
	_, err := addr.Display(&chaincfg.RegressionNetParams)
	require.ErrorIs(t, err, address.ErrUnsupportedAddress)

	script, err := addr.Script(&chaincfg.RegressionNetParams)
	require.NoError(t, err)
	require.NotEmpty(t, script)
}

func TestKeyStoreKeyDerivationIsDeterministic(t *testing.T) {
	ks := address.NewKeyStore(&chaincfg.RegressionNetParams)

	master, ok := ks.MasterKey("missing")
	require.False(t, ok)
	require.Zero(t, master)

	pub, chainCode := fakeMasterKey(t)
	ks.SetMasterKey("key-1", address.ECDSAPublicKey{PublicKey: pub, ChainCode: chainCode})

	dest := address.Destination{TargetChainID: "eICP", Receiver: "receiver-1"}
	first, err := ks.DepositAddress("key-1", dest)
	require.NoError(t, err)

	second, err := ks.DepositAddress("key-1", dest)
	require.NoError(t, err)
	require.Equal(t, first, second)

	other, err := ks.DepositAddress("key-1", address.Destination{TargetChainID: "eICP", Receiver: "receiver-2"})
	require.NoError(t, err)
	require.NotEqual(t, first, other)
}

func TestPathForOwnerMatchesAddressForOwner(t *testing.T) {
	ks := address.NewKeyStore(&chaincfg.RegressionNetParams)
	pub, chainCode := fakeMasterKey(t)
	ks.SetMasterKey("key-1", address.ECDSAPublicKey{PublicKey: pub, ChainCode: chainCode})

	main := address.MainDestination("btc")
	mainAddr, err := ks.AddressForOwner("key-1", main)
	require.NoError(t, err)

	direct, err := ks.MainAddress("key-1", "btc")
	require.NoError(t, err)
	require.Equal(t, direct, mainAddr)

	require.Equal(t, address.MainDerivationPath("btc"), address.PathForOwner(main))

	user := address.Destination{TargetChainID: "eICP", Receiver: "r"}
	require.Equal(t, address.DepositDerivationPath(user), address.PathForOwner(user))
}
