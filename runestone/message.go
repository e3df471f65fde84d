// Copyright (C) 2024 Creditor Corp. Group.
// See LICENSE for copying information.

package runestone

import (
	"math/big"

	"github.com/octopus-network/bitcoin-runes-customs/internal/sequencereader"
)

// Tag identifies a field in the Runestone message body.
type Tag byte

// TagBody is the only tag this module emits and the only one it interprets:
// the rest of the Runes protocol's tag space (etching, terms, mint, pointer,
// ...) is outside the bridge's scope, which only encodes outgoing edicts and
// reads deposited amounts reported by the runes oracle. ParseMessage keeps
// any other tag's values, uninterpreted, in Message.Fields.
const TagBody Tag = 0

// Message is the decoded body of a Runestone: an edict list plus whatever
// untyped tag/value pairs preceded it. Fields is always empty on the encode
// path this module drives; ParseMessage fills it with unknown tags without
// this package needing to understand them.
type Message struct {
	Edicts []Edict
	Fields map[Tag][]*big.Int
}

// ParseMessage decodes a Message from an integer sequence, stopping at
// TagBody and parsing everything after it as the edict list.
func ParseMessage(sr *sequencereader.SequenceReader[*big.Int]) (*Message, error) {
	message := &Message{Fields: make(map[Tag][]*big.Int)}

	for sr.HasNext() {
		tagInt, _ := sr.Next() // guarded by HasNext above.
		tag := Tag(tagInt.Uint64())
		if tag == TagBody {
			edicts, err := ParseEdictsFromIntSeq(sr)
			if err != nil {
				return nil, err
			}

			message.Edicts = edicts
			break
		}

		value, err := sr.Next()
		if err != nil {
			return nil, ErrTruncated
		}

		message.Fields[tag] = append(message.Fields[tag], value)
	}

	if len(message.Fields) == 0 {
		message.Fields = nil
	}

	return message, nil
}

// ToIntSeq returns the Message as a flat integer sequence: TagBody followed
// by the delta-encoded edicts.
func (m *Message) ToIntSeq() []*big.Int {
	if len(m.Edicts) == 0 {
		return nil
	}

	seq := make([]*big.Int, 0, 1+len(m.Edicts)*4)
	seq = append(seq, new(big.Int).SetUint64(uint64(TagBody)))
	seq = append(seq, EdictsToIntSeq(m.Edicts)...)

	return seq
}
