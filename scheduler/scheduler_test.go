// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package scheduler

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
	"github.com/octopus-network/bitcoin-runes-customs/finalize"
	"github.com/octopus-network/bitcoin-runes-customs/release"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
	"github.com/octopus-network/bitcoin-runes-customs/txcodec"
)

const schedulerKeyName = "scheduler-key"

type schedulerFixture struct {
	scheduler *Scheduler
	node      *externaltest.FakeBitcoinNode
	hub       *externaltest.FakeHub
	log       *eventlog.Log
}

func newSchedulerFixture(t *testing.T, tokenToRune map[string]runestone.RuneID) *schedulerFixture {
	t.Helper()

	cfg := state.DefaultConfig()
	cfg.BtcNetwork = &chaincfg.RegressionNetParams
	cfg.ChainID = "bitcoin"
	cfg.MinPendingRequests = 1

	log := eventlog.New(&bytes.Buffer{}, state.New(cfg))

	signer, err := externaltest.NewFakeEcdsaSigner()
	require.NoError(t, err)

	keys := address.NewKeyStore(cfg.BtcNetwork)
	pub, chainCode, err := signer.EcdsaPublicKey(context.Background(), schedulerKeyName)
	require.NoError(t, err)
	keys.SetMasterKey(schedulerKeyName, address.ECDSAPublicKey{PublicKey: pub, ChainCode: chainCode})

	node := externaltest.NewFakeBitcoinNode()
	hub := externaltest.NewFakeHub()
	logger := logrus.New().WithField("test", "scheduler")

	relPipeline := release.New(log, keys, node, txcodec.NewSigner(schedulerKeyName, signer), hub, schedulerKeyName, logger)
	finPipeline := finalize.New(log, keys, node, relPipeline, schedulerKeyName, logger)

	return &schedulerFixture{
		scheduler: New(log, relPipeline, finPipeline, tokenToRune, logger),
		node:      node,
		hub:       hub,
		log:       log,
	}
}

func TestTicketIngestTickRegistersPendingRelease(t *testing.T) {
	runeID := runestone.RuneID{Block: 1, Tx: 1}
	f := newSchedulerFixture(t, map[string]runestone.RuneID{"rune-token": runeID})

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)
	display, err := destAddr.Display(f.log.State().Config.BtcNetwork)
	require.NoError(t, err)

	f.hub.PushTicket(external.Ticket{TicketID: "ticket-1", TokenID: "rune-token", Amount: big.NewInt(100), Receiver: display})

	f.scheduler.ticketIngestTick(context.Background())

	status := f.scheduler.release.ReleaseTokenStatus("ticket-1")
	require.Equal(t, state.ReleasePending, status.Kind)
}

func TestFeeRefreshTickCachesRegtestEstimate(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	require.False(t, f.scheduler.haveFee)

	f.scheduler.feeRefreshTick(context.Background())

	require.True(t, f.scheduler.haveFee)
	require.EqualValues(t, 5000, f.scheduler.cachedFeePerVbyte)
}

func TestProcessingTickSkipsWhenAlreadyRunning(t *testing.T) {
	f := newSchedulerFixture(t, nil)
	f.scheduler.processingGuard.Lock()
	defer f.scheduler.processingGuard.Unlock()

	done := make(chan struct{})
	go func() {
		f.scheduler.processingTick(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("processingTick blocked instead of skipping an overlapping run")
	}
}

func TestProcessingTickBuildsAndSendsBatch(t *testing.T) {
	runeID := runestone.RuneID{Block: 1, Tx: 1}
	f := newSchedulerFixture(t, map[string]runestone.RuneID{"rune-token": runeID})
	st := f.log.State()

	dest := address.Destination{TargetChainID: "eICP", Receiver: "userA"}
	var outpoint bitcoin.Outpoint
	outpoint.Txid[0] = 1
	st.AddRunesUtxo(dest, bitcoin.RunesUtxo{
		Utxo:   bitcoin.Utxo{Outpoint: outpoint, Value: 100_000},
		RuneID: runeID, Amount: big.NewInt(1000),
	})

	destAddr, err := address.NewP2WPKHv0(make([]byte, 20))
	require.NoError(t, err)
	req := state.NewRuneTxRequestFromTicket("ticket-1", runeID, big.NewInt(100), destAddr, time.Now())
	st.PushPendingRuneTxRequest(req)

	f.scheduler.haveFee = true
	f.scheduler.cachedFeePerVbyte = 5000

	f.scheduler.processingTick(context.Background())

	require.Len(t, f.node.Mempool(), 1)
	status := f.scheduler.release.ReleaseTokenStatus("ticket-1")
	require.Equal(t, state.ReleaseSubmitted, status.Kind)
}
