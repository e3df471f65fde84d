// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package deposit implements the customs' deposit side: validating and
// registering a user's "generate ticket" call, and consuming the runes
// oracle's balance confirmation to either mint a cross-chain ticket or mark
// the deposit invalid.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/external"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
	"github.com/octopus-network/bitcoin-runes-customs/state"
	"github.com/octopus-network/bitcoin-runes-customs/state/eventlog"
)

// Errors generate_ticket returns, named to match spec.md's §6 enumeration.
var (
	ErrUnsupportedChainID = errors.New("deposit: chain is deactivated or unsupported")
	ErrUnsupportedToken   = errors.New("deposit: token is not registered")
	ErrAlreadySubmitted   = errors.New("deposit: txid already pending or confirmed")
	ErrAlreadyProcessed   = errors.New("deposit: txid already finalized or invalid")
	ErrNoNewUtxos         = errors.New("deposit: no new utxos at the derived deposit address")
)

// Pipeline implements the deposit half of the customs.
type Pipeline struct {
	log         *eventlog.Log
	keys        *address.KeyStore
	node        external.BitcoinNode
	hub         external.Hub
	keyName     string
	tokenToRune map[string]runestone.RuneID
	logger      *logrus.Entry
}

// New constructs a deposit Pipeline. tokenToRune is the registry of hub
// token ids this customs accepts deposits for; a non-BTC, non-empty token id
// not present in it is rejected by GenerateTicket.
func New(log *eventlog.Log, keys *address.KeyStore, node external.BitcoinNode, hub external.Hub, keyName string, tokenToRune map[string]runestone.RuneID, logger *logrus.Entry) *Pipeline {
	return &Pipeline{log: log, keys: keys, node: node, hub: hub, keyName: keyName, tokenToRune: tokenToRune, logger: logger}
}

// GenerateTicketArgs is the request generate_ticket validates and registers.
type GenerateTicketArgs struct {
	Txid          string
	TargetChainID string
	Receiver      string
	TokenID       string
	RuneID        runestone.RuneID
	Amount        *big.Int
}

// GenerateTicket runs the four numbered steps against args and, on success,
// inserts a pending deposit request. It does not itself talk to the oracle:
// balance confirmation arrives later via UpdateRunesBalance.
func (p *Pipeline) GenerateTicket(ctx context.Context, args GenerateTicketArgs) error {
	st := p.log.State()

	// 1. chain/token registration.
	if !isRegisteredChain(st.Config, args.TargetChainID) {
		return ErrUnsupportedChainID
	}
	if args.TokenID != "" && args.TokenID != state.BtcTokenID {
		if _, ok := p.tokenToRune[args.TokenID]; !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedToken, args.TokenID)
		}
	}

	// 2. not already tracked.
	switch kind, _ := st.GenTicketStatus(args.Txid); kind {
	case state.GenTicketPending, state.GenTicketConfirmed:
		return ErrAlreadySubmitted
	case state.GenTicketFinalized, state.GenTicketInvalid:
		return ErrAlreadyProcessed
	}

	dest := address.Destination{TargetChainID: args.TargetChainID, Receiver: args.Receiver, Token: tokenPtr(args.TokenID)}
	depositAddr, err := p.keys.DepositAddress(p.keyName, dest)
	if err != nil {
		return fmt.Errorf("deposit: derive deposit address: %w", err)
	}

	display, err := depositAddr.Display(st.Config.BtcNetwork)
	if err != nil {
		return fmt.Errorf("deposit: display deposit address: %w", err)
	}

	// 3. fetch utxos, subtract already-known ones.
	result, err := p.node.GetUTXOs(ctx, st.Config.BtcNetwork, display, st.Config.MinConfirmations)
	if err != nil {
		return fmt.Errorf("deposit: fetch utxos: %w", err)
	}

	newUtxos := filterKnownUtxos(st, result.Utxos)
	if len(newUtxos) == 0 {
		return ErrNoNewUtxos
	}

	// 4. register as pending.
	req := &state.GenTicketRequest{
		Txid:          args.Txid,
		Address:       depositAddr,
		TargetChainID: args.TargetChainID,
		Receiver:      args.Receiver,
		TokenID:       args.TokenID,
		RuneID:        args.RuneID,
		Amount:        args.Amount,
		NewUtxos:      newUtxos,
		ReceivedAt:    nowFunc(),
	}
	if err := p.log.Record(eventlog.Event{
		Kind:                     eventlog.KindAcceptedGenTicketRequest,
		At:                       req.ReceivedAt,
		AcceptedGenTicketRequest: &eventlog.AcceptedGenTicketRequestPayload{Request: *req},
	}); err != nil {
		return fmt.Errorf("deposit: record accepted gen ticket: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"txid":      args.Txid,
		"chain":     args.TargetChainID,
		"new_utxos": len(newUtxos),
	}).Info("deposit registered as pending")

	return nil
}

// GetBtcAddress returns the per-user deposit address for dest, the address
// a user sends runes to in order to mint a cross-chain ticket.
func (p *Pipeline) GetBtcAddress(dest address.Destination) (string, error) {
	st := p.log.State()
	addr, err := p.keys.DepositAddress(p.keyName, dest)
	if err != nil {
		return "", fmt.Errorf("deposit: derive deposit address: %w", err)
	}
	return addr.Display(st.Config.BtcNetwork)
}

// GetMainBtcAddress returns the customs' own main address for tokenID (BTC
// or a specific rune), the destination of all change for that token.
func (p *Pipeline) GetMainBtcAddress(tokenID string) (string, error) {
	st := p.log.State()
	addr, err := p.keys.MainAddress(p.keyName, tokenID)
	if err != nil {
		return "", fmt.Errorf("deposit: derive main address: %w", err)
	}
	return addr.Display(st.Config.BtcNetwork)
}

// GenerateTicketStatus reports a deposit request's lifecycle stage.
func (p *Pipeline) GenerateTicketStatus(txid string) (state.GenTicketKind, *state.GenTicketRequest) {
	return p.log.State().GenTicketStatus(txid)
}

// UpdateBtcUtxos refreshes the fee pool from the BTC main address: it fetches
// utxos at the main BTC address and credits any not already known to the
// state as fee utxos.
func (p *Pipeline) UpdateBtcUtxos(ctx context.Context) error {
	st := p.log.State()

	dest := address.MainDestination(state.BtcTokenID)
	addr, err := p.keys.AddressForOwner(p.keyName, dest)
	if err != nil {
		return fmt.Errorf("deposit: derive btc main address: %w", err)
	}

	display, err := addr.Display(st.Config.BtcNetwork)
	if err != nil {
		return fmt.Errorf("deposit: display btc main address: %w", err)
	}

	result, err := p.node.GetUTXOs(ctx, st.Config.BtcNetwork, display, st.Config.MinConfirmations)
	if err != nil {
		return fmt.Errorf("deposit: fetch btc main address utxos: %w", err)
	}

	fresh := filterKnownUtxos(st, result.Utxos)
	if len(fresh) > 0 {
		if err := p.log.Record(eventlog.Event{
			Kind:       eventlog.KindAddedUtxos,
			At:         nowFunc(),
			AddedUtxos: &eventlog.AddedUtxosPayload{Destination: dest, FeeUtxos: fresh},
		}); err != nil {
			return fmt.Errorf("deposit: record added utxos: %w", err)
		}
	}

	p.logger.WithField("new_utxos", len(fresh)).Info("btc fee pool refreshed")

	return nil
}

// filterKnownUtxos drops any utxo already present in the state's outpoint
// index, the same subtraction fetch_main_utxos performs against utxos the
// customs has already credited.
func filterKnownUtxos(st *state.State, utxos []bitcoin.Utxo) []bitcoin.Utxo {
	var fresh []bitcoin.Utxo
	for _, u := range utxos {
		if _, known := st.OutpointUtxos[u.Outpoint]; !known {
			fresh = append(fresh, u)
		}
	}
	return fresh
}

func isRegisteredChain(cfg state.Config, chainID string) bool {
	return chainID != "" && chainID != cfg.ChainID
}

func tokenPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nowFunc is overridable by tests.
var nowFunc = time.Now

// UpdateRunesBalanceArgs is one oracle-reported balance observed on a
// pending deposit's transaction.
type UpdateRunesBalanceArgs struct {
	Txid     string
	Balances []external.RunesBalance
}

// Oracle errors, named per spec.md §6.
var (
	ErrUtxoNotFound             = errors.New("deposit: no pending request for txid")
	ErrMismatchWithGenTicketReq = errors.New("deposit: aggregated balance does not match the request")
)

// UpdateRunesBalance implements 4.F step 2: aggregate the oracle-reported
// balances sharing the pending request's rune, compare against the
// request's declared (rune, amount), and either credit the deposit or mark
// it Invalid.
func (p *Pipeline) UpdateRunesBalance(ctx context.Context, args UpdateRunesBalanceArgs) error {
	st := p.log.State()

	req, ok := st.PendingGenTicketRequests[args.Txid]
	if !ok {
		switch kind, _ := st.GenTicketStatus(args.Txid); kind {
		case state.GenTicketFinalized, state.GenTicketInvalid:
			return ErrAlreadyProcessed
		}
		return ErrUtxoNotFound
	}

	total := big.NewInt(0)
	var matched []external.RunesBalance
	for _, b := range args.Balances {
		if b.RuneID.Cmp(req.RuneID) != 0 {
			continue
		}
		total.Add(total, b.Amount)
		matched = append(matched, b)
	}

	if total.Cmp(req.Amount) != 0 {
		if err := p.log.Record(eventlog.Event{
			Kind:                        eventlog.KindInvalidatedGenTicketRequest,
			At:                          nowFunc(),
			InvalidatedGenTicketRequest: &eventlog.InvalidatedGenTicketRequestPayload{Txid: args.Txid},
		}); err != nil {
			return fmt.Errorf("deposit: record invalidated gen ticket: %w", err)
		}
		p.logger.WithFields(logrus.Fields{
			"txid":     args.Txid,
			"expected": req.Amount.String(),
			"observed": total.String(),
		}).Warn("deposit balance mismatch, marking invalid")
		return fmt.Errorf("%w: expected %s, observed %s", ErrMismatchWithGenTicketReq, req.Amount, total)
	}

	dest := address.Destination{TargetChainID: req.TargetChainID, Receiver: req.Receiver, Token: tokenPtr(req.TokenID)}
	var credited []bitcoin.RunesUtxo
	for _, b := range matched {
		for _, u := range req.NewUtxos {
			if u.Outpoint.Vout != b.Vout {
				continue
			}
			credited = append(credited, bitcoin.RunesUtxo{Utxo: u, RuneID: b.RuneID, Amount: b.Amount})
		}
	}

	if err := p.log.Record(eventlog.Event{
		Kind: eventlog.KindConfirmedGenTicketRequest,
		At:   nowFunc(),
		ConfirmedGenTicketRequest: &eventlog.ConfirmedGenTicketRequestPayload{
			Txid:        args.Txid,
			Destination: dest,
			RunesUtxos:  credited,
		},
	}); err != nil {
		return fmt.Errorf("deposit: record confirmed gen ticket: %w", err)
	}

	if err := p.hub.SendTicket(ctx, external.Ticket{
		TicketID: req.Txid,
		SrcChain: st.Config.ChainID,
		DstChain: req.TargetChainID,
		TokenID:  req.TokenID,
		Amount:   req.Amount,
		Receiver: req.Receiver,
	}); err != nil {
		// the request stays Confirmed and this step is not reverted; nothing
		// re-sends its ticket, and a later call for this txid no longer finds
		// it pending.
		return fmt.Errorf("deposit: send ticket: %w", err)
	}

	if err := p.log.Record(eventlog.Event{
		Kind:                      eventlog.KindFinalizedGenTicketRequest,
		At:                        nowFunc(),
		FinalizedGenTicketRequest: &eventlog.FinalizedGenTicketRequestPayload{Txid: args.Txid},
	}); err != nil {
		return fmt.Errorf("deposit: record finalized gen ticket: %w", err)
	}

	p.logger.WithField("txid", args.Txid).Info("deposit finalized")

	return nil
}
