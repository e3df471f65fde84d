// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package release_test

import (
	"bytes"
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/external"
	"github.com/octopus-network/bitcoin-runes-customs/external/externaltest"
	"github.com/octopus-network/bitcoin-runes-customs/release"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
	"github.com/octopus-network/bitcoin-runes-customs/txcodec"
)

const releaseKeyName = "release-key"

type fixture struct {
	pipeline *release.Pipeline
	keys     *address.KeyStore
	log      *eventlog.Log
	node     *externaltest.FakeBitcoinNode
	hub      *externaltest.FakeHub
	signer   *externaltest.FakeEcdsaSigner
}

func newReleaseFixture(t *testing.T) *fixture {
	t.Helper()

	cfg := state.DefaultConfig()
	cfg.BtcNetwork = &chaincfg.RegressionNetParams
	cfg.ChainID = "bitcoin"
	cfg.MinPendingRequests = 1

	log := eventlog.New(&bytes.Buffer{}, state.New(cfg))

	signer, err := externaltest.NewFakeEcdsaSigner()
	require.NoError(t, err)

	keys := address.NewKeyStore(cfg.BtcNetwork)
	pub, chainCode, err := signer.EcdsaPublicKey(context.Background(), releaseKeyName)
	require.NoError(t, err)
	keys.SetMasterKey(releaseKeyName, address.ECDSAPublicKey{PublicKey: pub, ChainCode: chainCode})

	node := externaltest.NewFakeBitcoinNode()
	hub := externaltest.NewFakeHub()
	txSigner := txcodec.NewSigner(releaseKeyName, signer)
	logger := logrus.New().WithField("test", "release")

	return &fixture{
		pipeline: release.New(log, keys, node, txSigner, hub, releaseKeyName, logger),
		keys:     keys,
		log:      log,
		node:     node,
		hub:      hub,
		signer:   signer,
	}
}

func outpoint(b byte, vout uint32) bitcoin.Outpoint {
	var h [32]byte
	h[0] = b
	var outp bitcoin.Outpoint
	outp.Vout = vout
	copy(outp.Txid[:], h[:])
	return outp
}

func TestSubmitReleaseTokenRequestsRegistersPending(t *testing.T) {
	f := newReleaseFixture(t)
	runeID := runestone.RuneID{Block: 1, Tx: 1}
	tokenToRune := map[string]runestone.RuneID{"rune-token": runeID}

	dest, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)
	display, err := dest.Display(f.log.State().Config.BtcNetwork)
	require.NoError(t, err)

	f.hub.PushTicket(external.Ticket{TicketID: "ticket-1", TokenID: "rune-token", Amount: big.NewInt(100), Receiver: display})

	require.NoError(t, f.pipeline.SubmitReleaseTokenRequests(context.Background(), tokenToRune))

	status := f.pipeline.ReleaseTokenStatus("ticket-1")
	require.Equal(t, state.ReleasePending, status.Kind)
}

func TestSubmitReleaseTokenRequestsUnknownTokenStopsWithoutAdvancing(t *testing.T) {
	f := newReleaseFixture(t)

	f.hub.PushTicket(external.Ticket{TicketID: "ticket-1", TokenID: "unregistered", Amount: big.NewInt(100), Receiver: "irrelevant"})

	err := f.pipeline.SubmitReleaseTokenRequests(context.Background(), map[string]runestone.RuneID{})
	require.ErrorIs(t, err, release.ErrUnknownToken)

	status := f.pipeline.ReleaseTokenStatus("ticket-1")
	require.Equal(t, state.ReleaseUnknown, status.Kind)
	require.Zero(t, f.log.State().NextReleaseTicketIndex)
}

func TestSubmitReleaseTokenRequestsMalformedAddressAdvancesCursor(t *testing.T) {
	f := newReleaseFixture(t)
	runeID := runestone.RuneID{Block: 1, Tx: 1}
	tokenToRune := map[string]runestone.RuneID{"rune-token": runeID}

	f.hub.PushTicket(external.Ticket{TicketID: "ticket-1", TokenID: "rune-token", Amount: big.NewInt(100), Receiver: "not-a-valid-address"})
	f.hub.PushTicket(external.Ticket{TicketID: "ticket-2", TokenID: "rune-token", Amount: big.NewInt(50), Receiver: "also-not-valid"})

	require.NoError(t, f.pipeline.SubmitReleaseTokenRequests(context.Background(), tokenToRune))

	// both malformed tickets are skipped, but the cursor still advances past
	// them so the next tick doesn't retry a request that can never succeed.
	require.EqualValues(t, 2, f.log.State().NextReleaseTicketIndex)
}

func TestCanFormBatchAndBuildBatch(t *testing.T) {
	f := newReleaseFixture(t)
	st := f.log.State()
	runeID := runestone.RuneID{Block: 1, Tx: 1}

	dest := address.Destination{TargetChainID: "eICP", Receiver: "userA"}
	st.AddRunesUtxo(dest, bitcoin.RunesUtxo{
		Utxo:   bitcoin.Utxo{Outpoint: outpoint(1, 0), Value: 100_000},
		RuneID: runeID, Amount: big.NewInt(1000),
	})

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)
	req := state.NewRuneTxRequestFromTicket("ticket-1", runeID, big.NewInt(100), destAddr, time.Now())
	st.PushPendingRuneTxRequest(req)

	require.True(t, f.pipeline.CanFormBatch(runeID))

	taken := f.pipeline.BuildBatch(runeID, 100)
	require.Len(t, taken, 1)
	require.Equal(t, "ticket-1", taken[0].TicketID)

	status := f.pipeline.ReleaseTokenStatus("ticket-1")
	require.Equal(t, state.ReleaseSigning, status.Kind)
}

func TestBuildUnsignedTransactionInsufficientFunds(t *testing.T) {
	f := newReleaseFixture(t)
	runeID := runestone.RuneID{Block: 1, Tx: 1}

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)

	_, err = f.pipeline.BuildUnsignedTransaction(runeID, []release.Output{{Address: destAddr, Amount: big.NewInt(1)}}, 10, false)
	require.ErrorIs(t, err, release.ErrNotEnoughFunds)
}

func TestBuildUnsignedTransactionLaysOutOutputs(t *testing.T) {
	f := newReleaseFixture(t)
	st := f.log.State()
	runeID := runestone.RuneID{Block: 1, Tx: 1}

	dest := address.Destination{TargetChainID: "eICP", Receiver: "userA"}
	st.AddRunesUtxo(dest, bitcoin.RunesUtxo{
		Utxo:   bitcoin.Utxo{Outpoint: outpoint(1, 0), Value: 100_000},
		RuneID: runeID, Amount: big.NewInt(1000),
	})

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)

	unsigned, err := f.pipeline.BuildUnsignedTransaction(runeID, []release.Output{{Address: destAddr, Amount: big.NewInt(100)}}, 10, false)
	require.NoError(t, err)

	// OP_RETURN, runes change, one destination, btc change.
	require.Len(t, unsigned.Tx.TxOut, 4)
	require.Zero(t, unsigned.Tx.TxOut[0].Value)
	require.EqualValues(t, txcodec.DustValue, unsigned.Tx.TxOut[1].Value)
	require.EqualValues(t, txcodec.DustValue, unsigned.Tx.TxOut[2].Value)
	require.Positive(t, unsigned.Tx.TxOut[3].Value)
	require.EqualValues(t, 900, unsigned.RunesChangeOutput.Value.Int64())

	// funds that didn't make it into the transaction are not left stranded:
	// the rune utxo consumed is removed from the available pool.
	require.Empty(t, st.AvailableRunesUtxos)
}

func TestBuildUnsignedTransactionRollsBackOnFailure(t *testing.T) {
	f := newReleaseFixture(t)
	st := f.log.State()
	runeID := runestone.RuneID{Block: 1, Tx: 1}

	dest := address.Destination{TargetChainID: "eICP", Receiver: "userA"}
	utxo := bitcoin.RunesUtxo{Utxo: bitcoin.Utxo{Outpoint: outpoint(1, 0), Value: 100_000}, RuneID: runeID, Amount: big.NewInt(1000)}
	st.AddRunesUtxo(dest, utxo)

	// an address of an unrecognized Kind fails Script() during output
	// layout, after step 1's rune-utxo selection has already mutated
	// AvailableRunesUtxos, exercising the deferred rollback.
	badAddr := address.BitcoinAddress{Kind: address.Kind(99)}

	_, err := f.pipeline.BuildUnsignedTransaction(runeID, []release.Output{{Address: badAddr, Amount: big.NewInt(100)}}, 10, false)
	require.Error(t, err)

	// the rune utxo selected in step 1 is restored by the deferred rollback.
	require.Len(t, st.AvailableRunesUtxos, 1)
	require.Equal(t, utxo, st.AvailableRunesUtxos[0])
}

func TestSignAndSendBroadcastsAndRecordsSubmission(t *testing.T) {
	f := newReleaseFixture(t)
	st := f.log.State()
	runeID := runestone.RuneID{Block: 1, Tx: 1}

	dest := address.Destination{TargetChainID: "eICP", Receiver: "userA"}
	st.AddRunesUtxo(dest, bitcoin.RunesUtxo{
		Utxo:   bitcoin.Utxo{Outpoint: outpoint(1, 0), Value: 100_000},
		RuneID: runeID, Amount: big.NewInt(1000),
	})

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)

	unsigned, err := f.pipeline.BuildUnsignedTransaction(runeID, []release.Output{{Address: destAddr, Amount: big.NewInt(100)}}, 10, false)
	require.NoError(t, err)

	req := state.NewRuneTxRequestFromTicket("ticket-1", runeID, big.NewInt(100), destAddr, time.Now())

	require.NoError(t, f.pipeline.SignAndSend(context.Background(), unsigned, runeID, []*state.RuneTxRequest{req}))

	require.Len(t, f.node.Mempool(), 1)

	submittedTxid := unsigned.Tx.TxHash().String()
	require.Len(t, st.SubmittedTransactions, 1)
	require.Equal(t, submittedTxid, st.SubmittedTransactions[0].Txid)

	hash, ok := f.hub.TxHash("ticket-1")
	require.True(t, ok)
	require.Equal(t, submittedTxid, hash)
}
