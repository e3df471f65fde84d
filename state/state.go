// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package state

import (
	"math/big"
	"sort"
	"time"

	"github.com/octopus-network/bitcoin-runes-customs/address"
	"github.com/octopus-network/bitcoin-runes-customs/bitcoin"
	"github.com/octopus-network/bitcoin-runes-customs/runestone"
)

// State is the customs' entire replicated state.
type State struct {
	Config Config

	// Spendable pools, disjoint from any in-flight/submitted tx's inputs.
	AvailableRunesUtxos []bitcoin.RunesUtxo
	AvailableFeeUtxos   []bitcoin.Utxo

	// Reverse indices from every outpoint the customs has ever observed.
	OutpointUtxos       map[bitcoin.Outpoint]bitcoin.Utxo
	OutpointDestination map[bitcoin.Outpoint]address.Destination
	// Destination.Key() -> outpoints owned by that destination.
	UtxosStateDestinations map[string]map[bitcoin.Outpoint]bool

	PendingGenTicketRequests   map[string]*GenTicketRequest // keyed by txid.
	ConfirmedGenTicketRequests map[string]*GenTicketRequest
	InvalidGenTicketRequests   map[string]*GenTicketRequest
	FinalizedGenTicketRequests []FinalizedGenTicketRequest // FIFO, cap FinalizedFIFOCap.

	// keyed by RuneID.String(), sorted by ReceivedAt (ties by TicketID).
	PendingRuneTxRequests map[string][]*RuneTxRequest
	RequestsInFlight      map[string]InFlightStatus // keyed by TicketID.

	SubmittedTransactions []*SubmittedBtcTransaction
	StuckTransactions     []*SubmittedBtcTransaction
	FinalizedReleases     []FinalizedReleaseRequest // FIFO, cap FinalizedFIFOCap.

	ReplacementTxid    map[string]string // old -> new.
	RevReplacementTxid map[string]string // new -> old.

	NextReleaseTicketIndex uint64

	FeePercentiles []uint64 // cached current-fee percentile vector, len 0 or 100.
}

// New constructs an empty State for cfg.
func New(cfg Config) *State {
	return &State{
		Config:                     cfg,
		OutpointUtxos:              make(map[bitcoin.Outpoint]bitcoin.Utxo),
		OutpointDestination:        make(map[bitcoin.Outpoint]address.Destination),
		UtxosStateDestinations:     make(map[string]map[bitcoin.Outpoint]bool),
		PendingGenTicketRequests:   make(map[string]*GenTicketRequest),
		ConfirmedGenTicketRequests: make(map[string]*GenTicketRequest),
		InvalidGenTicketRequests:   make(map[string]*GenTicketRequest),
		PendingRuneTxRequests:      make(map[string][]*RuneTxRequest),
		RequestsInFlight:           make(map[string]InFlightStatus),
		ReplacementTxid:            make(map[string]string),
		RevReplacementTxid:         make(map[string]string),
	}
}

// AddRunesUtxo registers utxo as owned by dest and adds it to the available
// runes pool. Called from eventlog's AddedUtxos and ConfirmedGenTicketRequest
// apply steps.
func (s *State) AddRunesUtxo(dest address.Destination, utxo bitcoin.RunesUtxo) {
	s.registerOutpoint(dest, utxo.Utxo)
	s.AvailableRunesUtxos = append(s.AvailableRunesUtxos, utxo)
}

// AddFeeUtxo registers utxo as owned by dest and adds it to the available
// fee (BTC-only) pool.
func (s *State) AddFeeUtxo(dest address.Destination, utxo bitcoin.Utxo) {
	s.registerOutpoint(dest, utxo)
	s.AvailableFeeUtxos = append(s.AvailableFeeUtxos, utxo)
}

func (s *State) registerOutpoint(dest address.Destination, utxo bitcoin.Utxo) {
	s.OutpointUtxos[utxo.Outpoint] = utxo
	s.OutpointDestination[utxo.Outpoint] = dest

	key := dest.Key()
	set, ok := s.UtxosStateDestinations[key]
	if !ok {
		set = make(map[bitcoin.Outpoint]bool)
		s.UtxosStateDestinations[key] = set
	}
	set[utxo.Outpoint] = true
}

// ForgetUtxo drops an outpoint from every reverse index, used once a utxo is
// spent and its change has been confirmed, the same cleanup
// forget_utxo performs in the original.
func (s *State) ForgetUtxo(dest address.Destination, outpoint bitcoin.Outpoint) {
	delete(s.OutpointUtxos, outpoint)
	delete(s.OutpointDestination, outpoint)
	if set, ok := s.UtxosStateDestinations[dest.Key()]; ok {
		delete(set, outpoint)
	}
}

// PushPendingRuneTxRequest appends req to its rune's pending queue,
// preserving ReceivedAt order (the queue is only ever appended to in
// increasing ReceivedAt order by callers; PushBackPendingRequests below
// re-inserts in order after a rollback).
func (s *State) PushPendingRuneTxRequest(req *RuneTxRequest) {
	key := req.RuneID.String()
	s.PendingRuneTxRequests[key] = append(s.PendingRuneTxRequests[key], req)
}

// PushBackPendingRequests re-inserts requests (in their original order) at
// the front of their rune's pending queue, restoring ReceivedAt order - used
// to undo a failed batch build or a failed sign/send.
func (s *State) PushBackPendingRequests(requests []*RuneTxRequest) {
	byRune := make(map[string][]*RuneTxRequest)
	for _, r := range requests {
		key := r.RuneID.String()
		byRune[key] = append(byRune[key], r)
	}

	for key, reqs := range byRune {
		s.PendingRuneTxRequests[key] = append(append([]*RuneTxRequest{}, reqs...), s.PendingRuneTxRequests[key]...)
		sort.SliceStable(s.PendingRuneTxRequests[key], func(i, j int) bool {
			return s.PendingRuneTxRequests[key][i].ReceivedAt.Before(s.PendingRuneTxRequests[key][j].ReceivedAt)
		})
	}
}

// RemovePendingRequest deletes req from its rune's pending queue.
func (s *State) RemovePendingRequest(req *RuneTxRequest) {
	key := req.RuneID.String()
	queue := s.PendingRuneTxRequests[key]
	for i, r := range queue {
		if r.TicketID == req.TicketID {
			s.PendingRuneTxRequests[key] = append(queue[:i], queue[i+1:]...)
			return
		}
	}
}

// PushInFlightRequest marks ticketID as in-flight with status.
func (s *State) PushInFlightRequest(ticketID string, status InFlightStatus) {
	s.RequestsInFlight[ticketID] = status
}

// PushFromInFlightToPending moves requests back from in-flight to their
// pending queues, used to undo a failed sign/send.
func (s *State) PushFromInFlightToPending(requests []*RuneTxRequest) {
	for _, r := range requests {
		delete(s.RequestsInFlight, r.TicketID)
	}
	s.PushBackPendingRequests(requests)
}

// PushSubmittedTransaction records tx as submitted: its requests move out of
// in-flight, its utxos stay out of the available pools.
func (s *State) PushSubmittedTransaction(tx *SubmittedBtcTransaction) {
	for _, r := range tx.Requests {
		delete(s.RequestsInFlight, r.TicketID)
	}
	s.SubmittedTransactions = append(s.SubmittedTransactions, tx)
}

// ReplaceTransaction moves old out of submitted into stuck, installs
// replacement as its successor in submitted, and records the bijection.
// Replacing the same transaction twice is forbidden: the caller must ensure
// old is not already a key of ReplacementTxid.
func (s *State) ReplaceTransaction(old *SubmittedBtcTransaction, replacement *SubmittedBtcTransaction) {
	if old.Txid == replacement.Txid {
		panic("cannot replace a transaction with itself")
	}
	if _, already := s.ReplacementTxid[old.Txid]; already {
		panic("transaction already replaced")
	}

	s.SubmittedTransactions = removeSubmitted(s.SubmittedTransactions, old.Txid)
	s.SubmittedTransactions = removeSubmitted(s.SubmittedTransactions, replacement.Txid)
	s.StuckTransactions = append(s.StuckTransactions, old)
	s.PushSubmittedTransaction(replacement)

	s.ReplacementTxid[old.Txid] = replacement.Txid
	s.RevReplacementTxid[replacement.Txid] = old.Txid
}

func removeSubmitted(list []*SubmittedBtcTransaction, txid string) []*SubmittedBtcTransaction {
	out := make([]*SubmittedBtcTransaction, 0, len(list))
	for _, tx := range list {
		if tx.Txid != txid {
			out = append(out, tx)
		}
	}
	return out
}

// FindLastReplacementTx walks replacement_txid from txid to its tip (the
// newest transaction in the chain, which carries no further replacement).
func (s *State) FindLastReplacementTx(txid string) string {
	for {
		next, ok := s.ReplacementTxid[txid]
		if !ok {
			return txid
		}
		txid = next
	}
}

// LongestResubmissionChainSize counts the number of transactions in the
// replacement chain rooted at txid (inclusive).
func (s *State) LongestResubmissionChainSize(txid string) int {
	count := 1
	for {
		next, ok := s.ReplacementTxid[txid]
		if !ok {
			return count
		}
		txid = next
		count++
	}
}

// CleanupTxReplacementChain removes every transaction in txid's replacement
// chain (walking both directions) from submitted/stuck lists and the
// bijection maps, used once any member of the chain has confirmed.
func (s *State) CleanupTxReplacementChain(txid string) {
	visited := make(map[string]bool)

	// walk forward (newer replacements).
	for cur := txid; ; {
		visited[cur] = true
		next, ok := s.ReplacementTxid[cur]
		if !ok {
			break
		}
		cur = next
	}

	// walk backward (older transactions this one replaced).
	for cur := txid; ; {
		visited[cur] = true
		prev, ok := s.RevReplacementTxid[cur]
		if !ok {
			break
		}
		cur = prev
	}

	for member := range visited {
		s.SubmittedTransactions = removeSubmitted(s.SubmittedTransactions, member)
		s.StuckTransactions = removeSubmitted(s.StuckTransactions, member)
		if next, ok := s.ReplacementTxid[member]; ok {
			delete(s.RevReplacementTxid, next)
		}
		delete(s.ReplacementTxid, member)
	}
}

// PushFinalizedTicket appends req to the bounded finalized-gen-ticket FIFO,
// evicting the oldest entry once over FinalizedFIFOCap.
func (s *State) PushFinalizedTicket(req GenTicketRequest, at time.Time) {
	s.FinalizedGenTicketRequests = append(s.FinalizedGenTicketRequests, FinalizedGenTicketRequest{Request: req, FinalizedAt: at})
	if len(s.FinalizedGenTicketRequests) > FinalizedFIFOCap {
		s.FinalizedGenTicketRequests = s.FinalizedGenTicketRequests[len(s.FinalizedGenTicketRequests)-FinalizedFIFOCap:]
	}
}

// PushFinalizedRelease appends a confirmed release to the bounded FIFO.
func (s *State) PushFinalizedRelease(ticketID, txid string, at time.Time) {
	s.FinalizedReleases = append(s.FinalizedReleases, FinalizedReleaseRequest{TicketID: ticketID, Txid: txid, ConfirmedAt: at})
	if len(s.FinalizedReleases) > FinalizedFIFOCap {
		s.FinalizedReleases = s.FinalizedReleases[len(s.FinalizedReleases)-FinalizedFIFOCap:]
	}
}

// PushPendingGenTicket registers a newly observed deposit as pending oracle
// confirmation.
func (s *State) PushPendingGenTicket(req *GenTicketRequest) {
	s.PendingGenTicketRequests[req.Txid] = req
}

// ConfirmGenTicket moves a pending deposit to confirmed once the oracle
// reports a matching rune balance.
func (s *State) ConfirmGenTicket(txid string) *GenTicketRequest {
	req, ok := s.PendingGenTicketRequests[txid]
	if !ok {
		return nil
	}
	delete(s.PendingGenTicketRequests, txid)
	s.ConfirmedGenTicketRequests[txid] = req
	return req
}

// InvalidateGenTicket moves a pending deposit to invalid once the oracle
// reports a mismatched or missing rune balance.
func (s *State) InvalidateGenTicket(txid string) *GenTicketRequest {
	req, ok := s.PendingGenTicketRequests[txid]
	if !ok {
		return nil
	}
	delete(s.PendingGenTicketRequests, txid)
	s.InvalidGenTicketRequests[txid] = req
	return req
}

// FinalizeGenTicket moves a confirmed deposit into the bounded finalized
// FIFO once its hub ticket has been sent successfully.
func (s *State) FinalizeGenTicket(txid string, at time.Time) {
	req, ok := s.ConfirmedGenTicketRequests[txid]
	if !ok {
		return
	}
	delete(s.ConfirmedGenTicketRequests, txid)
	s.PushFinalizedTicket(*req, at)
}

// GenTicketStatus reports the lifecycle stage of the deposit identified by
// txid.
func (s *State) GenTicketStatus(txid string) (GenTicketKind, *GenTicketRequest) {
	if req, ok := s.PendingGenTicketRequests[txid]; ok {
		return GenTicketPending, req
	}
	if req, ok := s.ConfirmedGenTicketRequests[txid]; ok {
		return GenTicketConfirmed, req
	}
	if req, ok := s.InvalidGenTicketRequests[txid]; ok {
		return GenTicketInvalid, req
	}
	for _, f := range s.FinalizedGenTicketRequests {
		if f.Request.Txid == txid {
			return GenTicketFinalized, &f.Request
		}
	}
	return GenTicketUnknown, nil
}

// ReleaseTokenStatus reports the lifecycle stage of the release identified
// by ticketID.
func (s *State) ReleaseTokenStatus(ticketID string) ReleaseStatus {
	if status, ok := s.RequestsInFlight[ticketID]; ok {
		if status.Kind == InFlightSigning {
			return ReleaseStatus{Kind: ReleaseSigning}
		}
		return ReleaseStatus{Kind: ReleaseSending, Txid: status.Txid}
	}

	for _, tx := range append(append([]*SubmittedBtcTransaction{}, s.SubmittedTransactions...), s.StuckTransactions...) {
		for _, r := range tx.Requests {
			if r.TicketID == ticketID {
				return ReleaseStatus{Kind: ReleaseSubmitted, Txid: tx.Txid}
			}
		}
	}

	for _, f := range s.FinalizedReleases {
		if f.TicketID == ticketID {
			return ReleaseStatus{Kind: ReleaseConfirmed, Txid: f.Txid}
		}
	}

	for _, queue := range s.PendingRuneTxRequests {
		for _, r := range queue {
			if r.TicketID == ticketID {
				return ReleaseStatus{Kind: ReleasePending}
			}
		}
	}

	return ReleaseStatus{Kind: ReleaseUnknown}
}

// CanFormBatch reports whether runeID's pending queue is ready to be batched:
// any Mint request present, the queue has reached MinPendingRequests, or the
// oldest entry has aged past MaxTimeInQueue.
func (s *State) CanFormBatch(runeID runestone.RuneID, now time.Time) bool {
	queue := s.PendingRuneTxRequests[runeID.String()]
	if len(queue) == 0 {
		return false
	}

	for _, r := range queue {
		if r.Action == ReleaseActionMint {
			return true
		}
	}

	if len(queue) >= s.Config.MinPendingRequests {
		return true
	}

	oldest := queue[0].ReceivedAt
	return now.Sub(oldest) > s.Config.MaxTimeInQueue
}

// AvailableRuneBalance sums the available-pool amount of rune runeID.
func (s *State) AvailableRuneBalance(runeID runestone.RuneID) *big.Int {
	total := big.NewInt(0)
	for _, u := range s.AvailableRunesUtxos {
		if u.RuneID.Cmp(runeID) == 0 {
			total.Add(total, u.Amount)
		}
	}
	return total
}
