// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package finalize implements the customs' confirmation and
// BIP-125-replacement tick: detecting which submitted transactions have
// confirmed via their change output reappearing, and rebuilding and
// resubmitting the ones that have been stuck too long.
package finalize

import (
	"context"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/external"
	"github.com/octopus-network/bitcoin-runes-customs/release"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
)

// nowFunc is overridable by tests.
var nowFunc = time.Now

// Pipeline implements the finalization/replacement half of the customs.
type Pipeline struct {
	log     *eventlog.Log
	keys    *address.KeyStore
	node    external.BitcoinNode
	release *release.Pipeline
	keyName string
	logger  *logrus.Entry

	feeCache []uint64 // cached percentile vector from the last successful estimate.
}

// New constructs a finalize Pipeline. release is the same Pipeline instance
// the scheduler drives for ordinary batch building, reused here to rebuild
// stuck transactions with release.BuildUnsignedTransaction.
func New(log *eventlog.Log, keys *address.KeyStore, node external.BitcoinNode, rel *release.Pipeline, keyName string, logger *logrus.Entry) *Pipeline {
	return &Pipeline{log: log, keys: keys, node: node, release: rel, keyName: keyName, logger: logger}
}

// expectedBlockTime is the average time between blocks, used to compute how
// long the customs waits before even considering a submission stuck.
func expectedBlockTime(network *chaincfg.Params) time.Duration {
	switch network.Net {
	case chaincfg.MainNetParams.Net:
		return 10 * time.Minute
	case chaincfg.TestNet3Params.Net:
		return time.Minute
	default:
		return time.Second // Regtest and anything else.
	}
}

// EstimateFeePerVbyte queries the node's current-fee percentiles. A failed
// query is reported as unavailable on every network. Otherwise Regtest
// returns the fixed default; elsewhere, fewer than 100 data points is
// reported as unavailable so the caller can skip the tick, otherwise the
// full vector is cached and the 50th percentile is returned.
func (p *Pipeline) EstimateFeePerVbyte(ctx context.Context, network *chaincfg.Params) (uint64, bool) {
	const regtestDefaultFee = 5000

	fees, err := p.node.GetCurrentFees(ctx, network)
	if err != nil {
		p.logger.WithError(err).Warn("failed to fetch current fee percentiles")
		return 0, false
	}

	if network.Net == chaincfg.RegressionNetParams.Net {
		return regtestDefaultFee, true
	}

	if len(fees) < 100 {
		p.logger.WithField("samples", len(fees)).Warn("not enough data points to estimate fee")
		return 0, false
	}

	p.feeCache = fees
	return fees[50], true
}

// Tick runs the 9-step finalization/replacement algorithm in spec.md §4.H.
func (p *Pipeline) Tick(ctx context.Context) error {
	st := p.log.State()
	if len(st.SubmittedTransactions) == 0 {
		return nil
	}

	// 1-2. collect candidates past their wait time.
	waitTime := time.Duration(st.Config.MinConfirmations) * expectedBlockTime(st.Config.BtcNetwork)
	now := nowFunc()

	candidates := make(map[string]*state.SubmittedBtcTransaction)
	for _, tx := range st.SubmittedTransactions {
		if tx.SubmittedAt.Add(waitTime).Before(now) {
			candidates[tx.Txid] = tx
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// 3. fetch main-address utxos for BTC and every candidate rune.
	destinations := map[string]address.Destination{state.BtcTokenID: address.MainDestination(state.BtcTokenID)}
	for _, tx := range candidates {
		destinations[tx.RuneID.String()] = address.MainDestination(tx.RuneID.String())
	}

	btcUtxos, err := p.fetchMainUtxos(ctx, []address.Destination{destinations[state.BtcTokenID]}, st.Config.MinConfirmations)
	if err != nil {
		return fmt.Errorf("finalize: fetch main btc utxos: %w", err)
	}

	var runeDestinations []address.Destination
	for key, dest := range destinations {
		if key != state.BtcTokenID {
			runeDestinations = append(runeDestinations, dest)
		}
	}
	runeUtxos, err := p.fetchMainUtxos(ctx, runeDestinations, st.Config.MinConfirmations)
	if err != nil {
		return fmt.Errorf("finalize: fetch main rune utxos: %w", err)
	}

	for dest, utxos := range btcUtxos {
		if len(utxos) == 0 {
			continue
		}
		if err := p.log.Record(eventlog.Event{
			Kind:       eventlog.KindAddedUtxos,
			At:         nowFunc(),
			AddedUtxos: &eventlog.AddedUtxosPayload{Destination: dest, FeeUtxos: utxos},
		}); err != nil {
			return fmt.Errorf("finalize: record added fee utxos: %w", err)
		}
	}
	var newRuneUtxos []bitcoin.Utxo
	for _, utxos := range runeUtxos {
		newRuneUtxos = append(newRuneUtxos, utxos...)
	}

	// 4. confirm: candidate's runes_change_output reappears in the fetched utxos.
	for txid, tx := range candidates {
		if !changeReappeared(tx, newRuneUtxos) {
			continue
		}
		if err := p.confirmTransaction(tx, newRuneUtxos); err != nil {
			p.logger.WithError(err).WithField("txid", txid).Warn("failed to record confirmed transaction")
			continue
		}
		delete(candidates, txid)
	}
	if len(candidates) == 0 {
		return nil
	}

	// 5. unstick: a stuck tx whose change has reappeared removes its newest
	// replacement from the candidate set.
	for _, tx := range st.StuckTransactions {
		if !changeReappeared(tx, newRuneUtxos) {
			continue
		}
		tip := st.FindLastReplacementTx(tx.Txid)
		if err := p.confirmTransaction(tx, newRuneUtxos); err != nil {
			p.logger.WithError(err).WithField("txid", tx.Txid).Warn("failed to record confirmed transaction")
			continue
		}
		delete(candidates, tip)
	}
	if len(candidates) == 0 {
		return nil
	}

	// 6. eligible-for-replacement filter.
	for txid, tx := range candidates {
		if !tx.SubmittedAt.Add(state.MinResubmissionDelay).Before(now) && !tx.SubmittedAt.Add(state.MinResubmissionDelay).Equal(now) {
			delete(candidates, txid)
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// 7. mempool presence check, at 0 confirmations.
	mempoolUtxos, err := p.fetchMainUtxos(ctx, runeDestinations, 0)
	if err != nil {
		return fmt.Errorf("finalize: fetch mempool utxos: %w", err)
	}
	for _, utxos := range mempoolUtxos {
		for _, u := range utxos {
			delete(candidates, u.Outpoint.Txid.String())
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	feePerVbyte, ok := p.EstimateFeePerVbyte(ctx, st.Config.BtcNetwork)
	if !ok {
		return nil
	}

	// 8-9. rebuild, sign, send, and record each remaining stuck tx.
	for oldTxid, tx := range candidates {
		if err := p.resubmit(ctx, oldTxid, tx, feePerVbyte); err != nil {
			p.logger.WithError(err).WithField("txid", oldTxid).Warn("failed to rebuild stuck transaction")
		}
	}

	return nil
}

func changeReappeared(tx *state.SubmittedBtcTransaction, newUtxos []bitcoin.Utxo) bool {
	for _, u := range newUtxos {
		if u.Outpoint.Txid.String() == tx.Txid && u.Outpoint.Vout == tx.RunesChangeOutput.Vout {
			return true
		}
	}
	return false
}

// confirmTransaction records tx as confirmed. If its runes-change output
// reappeared among newRuneUtxos, that utxo is credited back to the
// spendable pool first, so the runes it carries are never permanently lost
// from circulation.
func (p *Pipeline) confirmTransaction(tx *state.SubmittedBtcTransaction, newRuneUtxos []bitcoin.Utxo) error {
	if u, ok := findChangeUtxo(tx, newRuneUtxos); ok {
		dest := address.MainDestination(tx.RuneID.String())
		if err := p.log.Record(eventlog.Event{
			Kind: eventlog.KindAddedUtxos,
			At:   nowFunc(),
			AddedUtxos: &eventlog.AddedUtxosPayload{
				Destination: dest,
				RunesUtxos: []bitcoin.RunesUtxo{{
					Utxo:   u,
					RuneID: tx.RunesChangeOutput.RuneID,
					Amount: tx.RunesChangeOutput.Value,
				}},
			},
		}); err != nil {
			return fmt.Errorf("record runes change utxo: %w", err)
		}
	}

	if err := p.log.Record(eventlog.Event{
		Kind:                    eventlog.KindConfirmedBtcTransaction,
		At:                      nowFunc(),
		ConfirmedBtcTransaction: &eventlog.ConfirmedBtcTransactionPayload{Tx: *tx},
	}); err != nil {
		return fmt.Errorf("record confirmed transaction: %w", err)
	}

	return nil
}

// findChangeUtxo looks up the fetched utxo matching tx's runes-change
// output, the on-chain proof that the change actually landed.
func findChangeUtxo(tx *state.SubmittedBtcTransaction, utxos []bitcoin.Utxo) (bitcoin.Utxo, bool) {
	for _, u := range utxos {
		if u.Outpoint.Txid.String() == tx.Txid && u.Outpoint.Vout == tx.RunesChangeOutput.Vout {
			return u, true
		}
	}
	return bitcoin.Utxo{}, false
}

// resubmit rebuilds tx with a BIP-125-compliant bumped fee and the same
// outputs, signs it, and records the replacement.
func (p *Pipeline) resubmit(ctx context.Context, oldTxid string, tx *state.SubmittedBtcTransaction, currentFeePerVbyte uint64) error {
	feePerVbyte := currentFeePerVbyte
	if tx.FeePerVbyte != nil {
		bumped := *tx.FeePerVbyte + state.MinRelayFeePerVByte
		if bumped > feePerVbyte {
			feePerVbyte = bumped
		}
	}

	var outputs []release.Output
	for _, r := range tx.Requests {
		outputs = append(outputs, release.Output{Address: r.Address, Amount: r.Amount})
	}

	unsigned, err := p.release.BuildUnsignedTransaction(tx.RuneID, outputs, feePerVbyte, true)
	if err != nil {
		return fmt.Errorf("build replacement: %w", err)
	}

	if err := p.release.SignAndSend(ctx, unsigned, tx.RuneID, tx.Requests); err != nil {
		return fmt.Errorf("sign and send replacement: %w", err)
	}

	newTxid := unsigned.Tx.TxHash().String()
	if newTxid == oldTxid {
		// cannot happen with a correct fee bump (at least one output value
		// or the fee itself must change); defensive guard against a
		// double-replacement of the same transaction.
		p.logger.WithField("txid", oldTxid).Warn("replacement produced the same txid, skipping")
		return nil
	}

	st := p.log.State()
	old := findSubmitted(st, oldTxid)
	if old == nil {
		return nil
	}
	replacement := findSubmitted(st, newTxid)
	if replacement == nil {
		return fmt.Errorf("replacement transaction %s not found after send", newTxid)
	}

	if err := p.log.Record(eventlog.Event{
		Kind: eventlog.KindReplacedBtcTransaction,
		At:   nowFunc(),
		ReplacedBtcTransaction: &eventlog.ReplacedBtcTransactionPayload{
			OldTxid:     oldTxid,
			Replacement: *replacement,
		},
	}); err != nil {
		return fmt.Errorf("record replaced transaction: %w", err)
	}

	p.logger.WithFields(logrus.Fields{"old_txid": oldTxid, "new_txid": newTxid, "fee_per_vbyte": feePerVbyte}).Info("replaced stuck transaction")

	return nil
}

func findSubmitted(st *state.State, txid string) *state.SubmittedBtcTransaction {
	for _, tx := range st.SubmittedTransactions {
		if tx.Txid == txid {
			return tx
		}
	}
	return nil
}

// fetchMainUtxos queries the node for each destination's main address utxos
// at minConfirmations, filtering out utxos already known to the state, and
// returns only destinations that returned a successful (possibly empty)
// response - a failed lookup for one destination does not abort the others.
func (p *Pipeline) fetchMainUtxos(ctx context.Context, destinations []address.Destination, minConfirmations uint32) (map[address.Destination][]bitcoin.Utxo, error) {
	st := p.log.State()
	result := make(map[address.Destination][]bitcoin.Utxo)

	for _, dest := range destinations {
		addr, err := p.keys.AddressForOwner(p.keyName, dest)
		if err != nil {
			return nil, fmt.Errorf("derive main address: %w", err)
		}

		display, err := addr.Display(st.Config.BtcNetwork)
		if err != nil {
			return nil, fmt.Errorf("display main address: %w", err)
		}

		got, err := p.node.GetUTXOs(ctx, st.Config.BtcNetwork, display, minConfirmations)
		if err != nil {
			p.logger.WithError(err).WithField("address", display).Warn("failed to fetch utxos for main address")
			continue
		}

		var fresh []bitcoin.Utxo
		for _, u := range got.Utxos {
			if _, known := st.OutpointUtxos[u.Outpoint]; !known {
				fresh = append(fresh, u)
			}
		}
		result[dest] = fresh
	}

	return result, nil
}
