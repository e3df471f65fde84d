// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package eventlog

import (
	"bufio"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/octopus-network/bitcoin-runes-customs/state"
)

// docSeparator delimits successive YAML documents in the log stream, the
// same convention gopkg.in/yaml.v3 uses for multi-document streams.
const docSeparator = "---\n"

// Log is an append-only event stream backed by an io.Writer: a file in
// production, a bytes.Buffer in tests. Every Record call both appends the
// event to the underlying writer and applies it to state, so the two can
// never drift apart under normal operation.
type Log struct {
	w     io.Writer
	state *state.State
}

// New wraps w and st into a Log that will append to w and mutate st on every
// Record call. st should already reflect the result of replaying whatever
// was previously written to w (see Replay).
func New(w io.Writer, st *state.State) *Log {
	return &Log{w: w, state: st}
}

// State returns the live state this log maintains.
func (l *Log) State() *state.State {
	return l.state
}

// Record appends ev to the underlying writer and applies it to the live
// state, then checks the five invariants. A failed invariant check is
// treated as a bug in the caller, not a recoverable condition: it panics,
// matching the original's own unchecked invariant violation behavior.
func (l *Log) Record(ev Event) error {
	if err := l.Append(ev); err != nil {
		return err
	}

	Apply(l.state, ev)

	if err := l.state.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("eventlog: invariant violation after %v event: %v", ev.Kind, err))
	}

	return nil
}

// Append writes ev to the underlying writer without touching the live
// state, used internally by Record and directly by tests constructing a log
// fixture to replay.
func (l *Log) Append(ev Event) error {
	if _, err := io.WriteString(l.w, docSeparator); err != nil {
		return fmt.Errorf("eventlog: write separator: %w", err)
	}

	enc := yaml.NewEncoder(l.w)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("eventlog: encode event: %w", err)
	}

	return enc.Close()
}

// ReadAll decodes every event document from r, in order.
func ReadAll(r io.Reader) ([]Event, error) {
	dec := yaml.NewDecoder(bufio.NewReader(r))

	var events []Event
	for {
		var ev Event
		err := dec.Decode(&ev)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("eventlog: decode event: %w", err)
		}
		events = append(events, ev)
	}

	return events, nil
}

// Replay reconstructs a state.State by applying every event in order,
// starting from the Init event's configuration. events must start with a
// KindInit event, matching the original's post_upgrade(None) seeding path.
func Replay(events []Event) (*state.State, error) {
	if len(events) == 0 || events[0].Kind != KindInit {
		return nil, fmt.Errorf("eventlog: log must start with an Init event")
	}

	st := state.New(events[0].Init.Config)
	for _, ev := range events[1:] {
		Apply(st, ev)
	}

	if err := st.CheckInvariants(); err != nil {
		return nil, fmt.Errorf("eventlog: replayed state violates invariants: %w", err)
	}

	return st, nil
}

// Apply mutates st to reflect ev, dispatching on ev.Kind to the
// corresponding state.State mutator method. This is the only place in the
// module allowed to call those mutators outside of Replay/Record.
func Apply(st *state.State, ev Event) {
	switch ev.Kind {
	case KindInit:
		// handled by Replay/New before the loop starts; a mid-stream Init
		// would indicate log corruption and is ignored rather than
		// silently re-seeding state.
	case KindUpgrade:
		st.Config = ev.Upgrade.Config
	case KindAcceptedGenTicketRequest:
		req := ev.AcceptedGenTicketRequest.Request
		st.PushPendingGenTicket(&req)
	case KindConfirmedGenTicketRequest:
		p := ev.ConfirmedGenTicketRequest
		for _, u := range p.RunesUtxos {
			st.AddRunesUtxo(p.Destination, u)
		}
		st.ConfirmGenTicket(p.Txid)
	case KindInvalidatedGenTicketRequest:
		st.InvalidateGenTicket(ev.InvalidatedGenTicketRequest.Txid)
	case KindFinalizedGenTicketRequest:
		st.FinalizeGenTicket(ev.FinalizedGenTicketRequest.Txid, ev.At)
	case KindIngestedReleaseTicket:
		p := ev.IngestedReleaseTicket
		st.NextReleaseTicketIndex = p.NextIndex
		if p.Request != nil {
			st.PushPendingRuneTxRequest(p.Request)
		}
	case KindAddedUtxos:
		p := ev.AddedUtxos
		for _, u := range p.RunesUtxos {
			st.AddRunesUtxo(p.Destination, u)
		}
		for _, u := range p.FeeUtxos {
			st.AddFeeUtxo(p.Destination, u)
		}
	case KindSentBtcTransaction:
		st.PushSubmittedTransaction(&ev.SentBtcTransaction.Tx)
	case KindReplacedBtcTransaction:
		old := findSubmitted(st, ev.ReplacedBtcTransaction.OldTxid)
		if old != nil {
			st.ReplaceTransaction(old, &ev.ReplacedBtcTransaction.Replacement)
		}
	case KindConfirmedBtcTransaction:
		tx := ev.ConfirmedBtcTransaction.Tx
		for _, r := range tx.Requests {
			st.PushFinalizedRelease(r.TicketID, tx.Txid, ev.At)
		}
		st.CleanupTxReplacementChain(tx.Txid)
	case KindCheckedUtxo:
		// no separate index beyond OutpointUtxos/OutpointDestination,
		// already populated by the AddedUtxos event that preceded this one.
	case KindIgnoredUtxo:
		// audit-only: no state mutation, the utxo was never added.
	case KindDistributedFee:
		// fee distribution bookkeeping lives in the FeeTokenFactor
		// configuration the event references; nothing to mutate here.
	}
}

func findSubmitted(st *state.State, txid string) *state.SubmittedBtcTransaction {
	for _, tx := range st.SubmittedTransactions {
		if tx.Txid == txid {
			return tx
		}
	}
	return nil
}
