// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

// Package runestone encodes and decodes the OP_RETURN payload of the Runes
// protocol. Only the subset the bridge needs is implemented: a list of
// edicts moving existing runes between outputs. Etching, minting and
// cenotaph interpretation are out of scope - the bridge never creates runes
// and trusts the runes oracle for deposited amounts.
package runestone

import (
	"bytes"
	"errors"
	"math/big"

	"github.com/aviate-labs/leb128"
	"github.com/btcsuite/btcd/txscript"

	"github.com/octopus-network/bitcoin-runes-customs/internal/sequencereader"
)

// ErrCenotaph marks a runestone payload whose shape violates the protocol
// (used here only for malformed edict encodings: wrong arity, truncation).
var ErrCenotaph = errors.New("cenotaph")

// ErrTruncated marks a payload that ends mid-field.
var ErrTruncated = errors.New("truncated payload")

// MaxScriptBytes is the maximum number of bytes a Runestone's OP_RETURN
// payload may occupy once pushed, per the per-batch edict-accumulation check.
const MaxScriptBytes = 82

// Runestone is the decoded content of a runes OP_RETURN output.
type Runestone struct {
	Edicts []Edict
}

// ParseRunestone decodes a Runestone from a scriptPubKey.
func ParseRunestone(script []byte) (*Runestone, error) {
	payload, err := PreparePayload(script)
	if err != nil {
		return nil, err
	}

	seq, err := PayloadIntoIntSequence(payload)
	if err != nil {
		return nil, err
	}

	message, err := ParseMessage(sequencereader.New(seq))
	if err != nil {
		return nil, err
	}

	return &Runestone{Edicts: message.Edicts}, nil
}

// Serialize encodes the Runestone's message body (without the OP_RETURN
// wrapper) as LEB128-packed bytes.
func (r *Runestone) Serialize() ([]byte, error) {
	message := Message{Edicts: r.Edicts}
	return IntSequenceIntoPayload(message.ToIntSeq())
}

// IntoScript encodes the Runestone as a full scriptPubKey:
// OP_RETURN OP_13 OP_PUSHDATA<payload>.
func (r *Runestone) IntoScript() ([]byte, error) {
	payload, err := r.Serialize()
	if err != nil {
		return nil, err
	}

	size := len(payload)
	if size < txscript.OP_DATA_1 || size > txscript.OP_DATA_75 {
		return nil, errors.New("payload is out of PUSH_DATA bounds")
	}

	script := make([]byte, 0, 3+size)
	script = append(script, txscript.OP_RETURN, txscript.OP_13, byte(size))
	script = append(script, payload...)

	return script, nil
}

// ScriptLen returns the length in bytes of the Runestone's scriptPubKey
// without building it, used by the batcher to enforce MaxScriptBytes.
func (r *Runestone) ScriptLen() (int, error) {
	payload, err := r.Serialize()
	if err != nil {
		return 0, err
	}

	return 3 + len(payload), nil
}

// PreparePayload strips the OP_RETURN/OP_13/OP_PUSHDATA wrapper, returning
// the raw pushed bytes.
func PreparePayload(raw []byte) ([]byte, error) {
	if len(raw) < 4 {
		return nil, errors.New("payload too short")
	}

	if raw[0] != txscript.OP_RETURN {
		return nil, errors.New("missing OP_RETURN")
	}

	if raw[1] != txscript.OP_13 {
		return nil, errors.New("missing OP_13")
	}

	payload := make([]byte, 0, len(raw)-3)
	buf := bytes.NewReader(raw[2:])
	for buf.Len() > 0 {
		op, err := buf.ReadByte()
		if err != nil {
			return nil, err
		}

		if op < txscript.OP_DATA_1 || op > txscript.OP_DATA_75 {
			return nil, errors.New("missing OP_DATA_<num>")
		}

		data := make([]byte, op)
		if _, err := buf.Read(data); err != nil {
			return nil, err
		}

		payload = append(payload, data...)
	}

	return payload, nil
}

// IsPossibleRunestone reports whether script begins with the rune protocol's
// fixed prefix bytes, without fully decoding it.
func IsPossibleRunestone(script []byte) bool {
	switch {
	case len(script) < 4:
		return false
	case script[0] != txscript.OP_RETURN:
		return false
	case script[1] != txscript.OP_13:
		return false
	case script[2] < txscript.OP_DATA_1 || script[2] > txscript.OP_DATA_75:
		return false
	}

	return true
}

// PayloadIntoIntSequence decodes a LEB128-packed payload into integers.
func PayloadIntoIntSequence(payload []byte) ([]*big.Int, error) {
	seq := make([]*big.Int, 0)
	data := bytes.NewReader(payload)
	for data.Len() > 0 {
		num, err := leb128.DecodeUnsigned(data)
		if err != nil {
			return nil, err
		}

		seq = append(seq, num)
	}

	return seq, nil
}

// IntSequenceIntoPayload encodes integers into a LEB128-packed payload.
func IntSequenceIntoPayload(seq []*big.Int) ([]byte, error) {
	payload := make([]byte, 0)
	for _, num := range seq {
		b, err := leb128.EncodeUnsigned(num)
		if err != nil {
			return nil, err
		}

		payload = append(payload, b...)
	}

	return payload, nil
}
