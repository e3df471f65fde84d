// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package release implements the customs' release side: ingesting
// hub-originated retrieve requests, batching them per rune, building the
// unsigned transaction that pays them out, and signing and broadcasting it.
package release

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/external"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/selection"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
	"github.com/octopus-network/bitcoin-runes-customs/txcodec"
)

// Errors release_token and build_unsigned_transaction return, named to
// match spec.md's §6/§7 enumeration.
var (
	ErrAlreadyProcessing = errors.New("release: ticket already in flight")
	ErrAlreadyProcessed  = errors.New("release: ticket already submitted or finalized")
	ErrMalformedAddress  = errors.New("release: receiver is not a valid bitcoin address")
	ErrUnknownToken      = errors.New("release: token has no registered rune id")
	ErrNotEnoughFunds    = errors.New("release: insufficient rune balance")
	ErrNotEnoughGas      = errors.New("release: insufficient fee-btc balance")
)

// nowFunc is overridable by tests.
var nowFunc = time.Now

// Pipeline implements the release half of the customs.
type Pipeline struct {
	log     *eventlog.Log
	keys    *address.KeyStore
	node    external.BitcoinNode
	signer  *txcodec.Signer
	hub     external.Hub
	keyName string
	logger  *logrus.Entry
}

// New constructs a release Pipeline.
func New(log *eventlog.Log, keys *address.KeyStore, node external.BitcoinNode, signer *txcodec.Signer, hub external.Hub, keyName string, logger *logrus.Entry) *Pipeline {
	return &Pipeline{log: log, keys: keys, node: node, signer: signer, hub: hub, keyName: keyName, logger: logger}
}

// SubmitReleaseTokenRequests queries up to Config.BatchQueryTickets hub
// tickets starting at the persisted cursor and ingests each into the
// pending release queue. Success, an already-in-flight or already-processed
// ticket, and a malformed receiver address advance the cursor idempotently;
// any other error (a transient hub failure, an unregistered token) stops the
// ingest loop without advancing it and is returned.
func (p *Pipeline) SubmitReleaseTokenRequests(ctx context.Context, tokenToRune map[string]runestone.RuneID) error {
	st := p.log.State()
	start := st.NextReleaseTicketIndex

	tickets, err := p.hub.QueryTickets(ctx, state.BtcTokenID, start, start+st.Config.BatchQueryTickets)
	if err != nil {
		if errors.Is(err, external.ErrTemporarilyUnavailable) {
			p.logger.Warn("hub temporarily unavailable, retrying next tick")
			return nil
		}
		return fmt.Errorf("release: query tickets: %w", err)
	}

	for _, it := range tickets {
		if it.Index < st.NextReleaseTicketIndex {
			continue
		}

		req, err := p.releaseToken(st, it.Ticket, tokenToRune)
		switch {
		case err == nil,
			errors.Is(err, ErrAlreadyProcessing),
			errors.Is(err, ErrAlreadyProcessed),
			errors.Is(err, ErrMalformedAddress):
			if recErr := p.log.Record(eventlog.Event{
				Kind: eventlog.KindIngestedReleaseTicket,
				At:   nowFunc(),
				IngestedReleaseTicket: &eventlog.IngestedReleaseTicketPayload{
					NextIndex: it.Index + 1,
					Request:   req,
				},
			}); recErr != nil {
				return fmt.Errorf("release: record ingested ticket %d: %w", it.Index, recErr)
			}
		default:
			return fmt.Errorf("release: ticket %d: %w", it.Index, err)
		}
	}

	return nil
}

// releaseToken validates ticket and, if accepted, returns the pending
// release request it should be queued as. It does not itself mutate state:
// the caller records the cursor advance and the queue push together as a
// single event.
func (p *Pipeline) releaseToken(st *state.State, ticket external.Ticket, tokenToRune map[string]runestone.RuneID) (*state.RuneTxRequest, error) {
	if _, inFlight := st.RequestsInFlight[ticket.TicketID]; inFlight {
		return nil, ErrAlreadyProcessing
	}
	if status := st.ReleaseTokenStatus(ticket.TicketID); status.Kind == state.ReleaseSubmitted || status.Kind == state.ReleaseConfirmed {
		return nil, ErrAlreadyProcessed
	}

	runeID, ok := tokenToRune[ticket.TokenID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, ticket.TokenID)
	}

	addr, err := address.Parse(ticket.Receiver, st.Config.BtcNetwork)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedAddress, ticket.Receiver)
	}

	return state.NewRuneTxRequestFromTicket(ticket.TicketID, runeID, ticket.Amount, addr, nowFunc()), nil
}

// ReleaseTokenStatus reports a release request's lifecycle stage.
func (p *Pipeline) ReleaseTokenStatus(ticketID string) state.ReleaseStatus {
	return p.log.State().ReleaseTokenStatus(ticketID)
}

// CanFormBatch reports whether runeID's pending queue is ready to be drained
// into a transaction.
func (p *Pipeline) CanFormBatch(runeID runestone.RuneID) bool {
	return p.log.State().CanFormBatch(runeID, nowFunc())
}

// BuildBatch drains runeID's pending queue in FIFO order, accumulating
// edicts until the cumulative Runestone script would exceed
// runestone.MaxScriptBytes, the cumulative amount would exceed the rune's
// available balance, or the batch reaches maxRequests. A Mint request
// short-circuits into a batch of one. Requests not taken remain in the
// queue in their original order. Every taken request moves to
// requests_in_flight{Signing}.
func (p *Pipeline) BuildBatch(runeID runestone.RuneID, maxRequests int) []*state.RuneTxRequest {
	st := p.log.State()
	queue := append([]*state.RuneTxRequest{}, st.PendingRuneTxRequests[runeID.String()]...)
	available := st.AvailableRuneBalance(runeID)

	var taken []*state.RuneTxRequest
	cumulative := big.NewInt(0)
	var edicts []runestone.Edict

	for _, req := range queue {
		if req.Action == state.ReleaseActionMint {
			taken = []*state.RuneTxRequest{req}
			break
		}

		candidateAmount := new(big.Int).Add(cumulative, req.Amount)
		if candidateAmount.Cmp(available) > 0 {
			break
		}

		candidateEdicts := append(append([]runestone.Edict{}, edicts...), runestone.Edict{
			RuneID: runeID,
			Amount: req.Amount,
			Output: uint32(2 + len(taken)),
		})
		rs := &runestone.Runestone{Edicts: candidateEdicts}
		scriptLen, err := rs.ScriptLen()
		if err != nil || scriptLen > runestone.MaxScriptBytes {
			break
		}

		edicts = candidateEdicts
		cumulative = candidateAmount
		taken = append(taken, req)

		if len(taken) >= maxRequests {
			break
		}
	}

	for _, req := range taken {
		st.RemovePendingRequest(req)
		st.PushInFlightRequest(req.TicketID, state.InFlightStatus{Kind: state.InFlightSigning})
	}

	return taken
}

// ProcessPendingBatches drains every rune's pending queue that is ready to
// form a batch, builds and signs a transaction for each, and broadcasts it.
// A rune whose batch build or signing fails is logged and skipped; other
// runes' batches still go out on the same tick.
func (p *Pipeline) ProcessPendingBatches(ctx context.Context, feePerVByte uint64) error {
	st := p.log.State()

	var runeIDs []runestone.RuneID
	for key := range st.PendingRuneTxRequests {
		id, err := runestone.NewRuneIDFromString(key)
		if err != nil {
			p.logger.WithError(err).WithField("rune", key).Warn("pending queue keyed by unparseable rune id")
			continue
		}
		runeIDs = append(runeIDs, id)
	}

	for _, runeID := range runeIDs {
		if !p.CanFormBatch(runeID) {
			continue
		}

		taken := p.BuildBatch(runeID, st.Config.MaxRequestsPerBatch)
		if len(taken) == 0 {
			continue
		}

		outputs := make([]Output, len(taken))
		for i, req := range taken {
			outputs[i] = Output{Address: req.Address, Amount: req.Amount}
		}

		unsigned, err := p.BuildUnsignedTransaction(runeID, outputs, feePerVByte, false)
		if err != nil {
			p.logger.WithError(err).WithField("rune", runeID.String()).Warn("failed to build release batch")
			st.PushFromInFlightToPending(taken)
			continue
		}

		if err := p.SignAndSend(ctx, unsigned, runeID, taken); err != nil {
			p.logger.WithError(err).WithField("rune", runeID.String()).Warn("failed to sign and send release batch")
		}
	}

	return nil
}

// Output is one destination output of a release transaction: pay Amount
// rune units to Address.
type Output struct {
	Address address.BitcoinAddress
	Amount  *big.Int
}

// UnsignedTx is the result of BuildUnsignedTransaction: an unsigned
// transaction plus everything SignAndSend needs to finish it off, and
// everything a failure needs to roll back.
type UnsignedTx struct {
	Tx                *wire.MsgTx
	RunesUtxosUsed    []bitcoin.RunesUtxo
	BtcUtxosUsed      []bitcoin.Utxo
	RunesChangeOutput state.RunesChangeOutput
	BtcChangeOutput   state.BtcChangeOutput
	PrevOutputs       []txcodec.PrevOutput
	InputOwners       []address.Destination
	FeePerVbyte       uint64
}

// BuildUnsignedTransaction implements the 8-step algorithm in spec.md §4.G.
// On any failure it restores every utxo it removed from the available pools
// before returning, via a defer-guarded rollback committed only on success -
// the idiomatic Go translation of the original's scope-guard restore.
func (p *Pipeline) BuildUnsignedTransaction(runeID runestone.RuneID, outputs []Output, feePerVByte uint64, isResubmission bool) (*UnsignedTx, error) {
	st := p.log.State()

	totalAmount := big.NewInt(0)
	for _, o := range outputs {
		totalAmount.Add(totalAmount, o.Amount)
	}

	// 1. select runes inputs.
	runesUtxos := selection.SelectRunes(&st.AvailableRunesUtxos, runeID, totalAmount, len(outputs))
	if runesUtxos == nil {
		return nil, ErrNotEnoughFunds
	}

	committed := false
	defer func() {
		if !committed {
			st.AvailableRunesUtxos = append(st.AvailableRunesUtxos, runesUtxos...)
		}
	}()

	// 2. build the runestone: one edict per destination, output indices 2..2+n.
	edicts := make([]runestone.Edict, len(outputs))
	for i, o := range outputs {
		edicts[i] = runestone.Edict{RuneID: runeID, Amount: o.Amount, Output: uint32(2 + i)}
	}
	rs := &runestone.Runestone{Edicts: edicts}
	opReturnScript, err := rs.IntoScript()
	if err != nil {
		return nil, fmt.Errorf("release: encode runestone: %w", err)
	}

	tx := txcodec.NewUnsignedTx()

	var inputOwners []address.Destination
	var prevOutputs []txcodec.PrevOutput
	for _, u := range runesUtxos {
		owner := st.OutpointDestination[u.Utxo.Outpoint]
		inputOwners = append(inputOwners, owner)
		txcodec.AddInput(tx, wire.OutPoint{Hash: u.Utxo.Outpoint.Txid, Index: u.Utxo.Outpoint.Vout})
		script, err := p.inputScript(st, owner)
		if err != nil {
			return nil, fmt.Errorf("release: derive input script: %w", err)
		}
		prevOutputs = append(prevOutputs, txcodec.PrevOutput{Value: u.Utxo.Value, PkScript: script})
	}

	// 3. lay out outputs: OP_RETURN, runes change, one dust output per
	// destination, btc change (value filled in step 7).
	txcodec.AddOutput(tx, 0, opReturnScript)

	runesMain, err := p.keys.MainAddress(p.keyName, runeID.String())
	if err != nil {
		return nil, fmt.Errorf("release: derive runes main address: %w", err)
	}
	runesMainScript, err := runesMain.Script(st.Config.BtcNetwork)
	if err != nil {
		return nil, fmt.Errorf("release: runes main address script: %w", err)
	}
	txcodec.AddOutput(tx, txcodec.DustValue, runesMainScript)

	for _, o := range outputs {
		script, err := o.Address.Script(st.Config.BtcNetwork)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedAddress, err)
		}
		txcodec.AddOutput(tx, txcodec.DustValue, script)
	}

	btcMain, err := p.keys.MainAddress(p.keyName, state.BtcTokenID)
	if err != nil {
		return nil, fmt.Errorf("release: derive btc main address: %w", err)
	}
	btcMainScript, err := btcMain.Script(st.Config.BtcNetwork)
	if err != nil {
		return nil, fmt.Errorf("release: btc main address script: %w", err)
	}
	btcChangeVout := len(tx.TxOut)
	txcodec.AddOutput(tx, 0, btcMainScript) // value filled in step 7.

	// 4. initial fee estimate, against the pre-fee-utxo input/output counts.
	estVsize := txcodec.EstimateVsize(len(runesUtxos)+2, len(outputs)+1)
	estFee := txcodec.Fee(estVsize, feePerVByte)
	selectFee := 2*estFee + txcodec.DustValue*int64(len(outputs)+1)

	inputBtcValue := selection.SumValue(toUtxos(runesUtxos))

	// 5. choose fee utxos.
	var feeUtxos []bitcoin.Utxo
	switch {
	case isResubmission:
		feeUtxos = append([]bitcoin.Utxo{}, st.AvailableFeeUtxos...)
		st.AvailableFeeUtxos = nil
	case inputBtcValue >= selectFee:
		feeUtxos = nil
	default:
		feeUtxos = selection.GreedyBtc(&st.AvailableFeeUtxos, selectFee-inputBtcValue)
		if feeUtxos == nil {
			return nil, ErrNotEnoughGas
		}
	}

	defer func() {
		if !committed {
			st.AvailableFeeUtxos = append(st.AvailableFeeUtxos, feeUtxos...)
		}
	}()

	// 6. append fee-utxo inputs, recompute the real fee precisely.
	for _, u := range feeUtxos {
		owner := st.OutpointDestination[u.Outpoint]
		inputOwners = append(inputOwners, owner)
		txcodec.AddInput(tx, wire.OutPoint{Hash: u.Outpoint.Txid, Index: u.Outpoint.Vout})
		script, err := p.inputScript(st, owner)
		if err != nil {
			return nil, fmt.Errorf("release: derive input script: %w", err)
		}
		prevOutputs = append(prevOutputs, txcodec.PrevOutput{Value: u.Value, PkScript: script})
	}

	realVsize := txcodec.Vsize(txcodec.FakeSign(tx))
	realFee := txcodec.Fee(realVsize, feePerVByte)

	// 7. set the btc-change output's value.
	totalBtcIn := inputBtcValue + selection.SumValue(feeUtxos)
	changeValue := totalBtcIn - realFee - txcodec.DustValue*int64(len(outputs)+1)
	tx.TxOut[btcChangeVout].Value = changeValue

	committed = true

	return &UnsignedTx{
		Tx:             tx,
		RunesUtxosUsed: runesUtxos,
		BtcUtxosUsed:   feeUtxos,
		RunesChangeOutput: state.RunesChangeOutput{
			RuneID: runeID,
			Vout:   1,
			Value:  new(big.Int).Sub(selection.SumRuneAmount(runesUtxos), totalAmount),
		},
		BtcChangeOutput: state.BtcChangeOutput{Vout: uint32(btcChangeVout), Value: changeValue},
		PrevOutputs:     prevOutputs,
		InputOwners:     inputOwners,
		FeePerVbyte:     feePerVByte,
	}, nil
}

func toUtxos(runesUtxos []bitcoin.RunesUtxo) []bitcoin.Utxo {
	out := make([]bitcoin.Utxo, len(runesUtxos))
	for i, u := range runesUtxos {
		out[i] = u.Utxo
	}
	return out
}

// inputScript rederives the scriptPubKey of the address that owns utxos
// credited to dest: a user's deposit address, or one of the customs' own
// main addresses for address.MainDestination owners (the BTC fee pool
// update_btc_utxos refreshes). That address is always deterministically
// recoverable from the destination alone, so no extra index is needed to
// recover the prevout script for sighashing.
func (p *Pipeline) inputScript(st *state.State, dest address.Destination) ([]byte, error) {
	addr, err := p.keys.AddressForOwner(p.keyName, dest)
	if err != nil {
		return nil, err
	}
	return addr.Script(st.Config.BtcNetwork)
}

// SignAndSend signs every input of unsigned under its owning destination's
// derivation path, broadcasts the transaction, and records it as submitted.
// On a sign or send failure it restores the removed utxos and pushes
// requests back into their pending queues, preserving ReceivedAt order.
func (p *Pipeline) SignAndSend(ctx context.Context, unsigned *UnsignedTx, runeID runestone.RuneID, requests []*state.RuneTxRequest) error {
	st := p.log.State()

	rollback := func() {
		st.AvailableRunesUtxos = append(st.AvailableRunesUtxos, unsigned.RunesUtxosUsed...)
		st.AvailableFeeUtxos = append(st.AvailableFeeUtxos, unsigned.BtcUtxosUsed...)
		st.PushFromInFlightToPending(requests)
	}

	for i, owner := range unsigned.InputOwners {
		path := address.PathForOwner(owner)
		pubKey, hash160, err := p.keys.DeriveForPath(p.keyName, path)
		if err != nil {
			rollback()
			return fmt.Errorf("release: derive signing key: %w", err)
		}

		info := txcodec.InputSigningInfo{
			PkHash:         hash160,
			PubKey:         pubKey,
			DerivationPath: path,
			Value:          unsigned.PrevOutputs[i].Value,
			PkScript:       unsigned.PrevOutputs[i].PkScript,
		}
		if err := p.signer.SignInput(ctx, unsigned.Tx, i, info, unsigned.PrevOutputs); err != nil {
			rollback()
			return fmt.Errorf("release: sign input %d: %w", i, err)
		}
	}

	var buf bytes.Buffer
	if err := unsigned.Tx.Serialize(&buf); err != nil {
		rollback()
		return fmt.Errorf("release: serialize transaction: %w", err)
	}

	if err := p.node.SendTransaction(ctx, buf.Bytes(), st.Config.BtcNetwork); err != nil {
		rollback()
		return fmt.Errorf("release: broadcast transaction: %w", err)
	}

	txid := unsigned.Tx.TxHash().String()
	submitted := &state.SubmittedBtcTransaction{
		RuneID:            runeID,
		Requests:          requests,
		Txid:              txid,
		RunesUtxosUsed:    unsigned.RunesUtxosUsed,
		BtcUtxosUsed:      unsigned.BtcUtxosUsed,
		SubmittedAt:       nowFunc(),
		RunesChangeOutput: unsigned.RunesChangeOutput,
		BtcChangeOutput:   unsigned.BtcChangeOutput,
		FeePerVbyte:       &unsigned.FeePerVbyte,
	}
	if err := p.log.Record(eventlog.Event{
		Kind:               eventlog.KindSentBtcTransaction,
		At:                 submitted.SubmittedAt,
		SentBtcTransaction: &eventlog.SentBtcTransactionPayload{Tx: *submitted},
	}); err != nil {
		rollback()
		return fmt.Errorf("release: record sent transaction: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"txid": txid,
		"rune": runeID.String(),
		"reqs": len(requests),
	}).Info("release transaction submitted")

	for _, r := range requests {
		if err := p.hub.UpdateTxHash(ctx, r.TicketID, txid); err != nil {
			p.logger.WithError(err).Warn("failed to notify hub of release txid; not retried")
		}
	}

	return nil
}
