package tree

import (
	"encoding/json"
	"fmt"
)

// The snapshot travels between peers as a flat map of JSON-encoded
// values. Struct field order makes the encoding deterministic, which the
// merkle layer relies on when hashing values.

func EncodeRecord(rec Record) ([]byte, error) {
	return json.Marshal(rec)
}

func DecodeRecord(b []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(b, &rec); err != nil {
		return Record{}, fmt.Errorf("decoding node record: %w", err)
	}
	return rec, nil
}

func EncodeRoot(id Ident) ([]byte, error) {
	return json.Marshal(id)
}

func DecodeRoot(b []byte) (Ident, error) {
	var id Ident
	if err := json.Unmarshal(b, &id); err != nil {
		return Ident{}, fmt.Errorf("decoding root pointer: %w", err)
	}
	return id, nil
}

func EncodeTicket(tk Ticket) ([]byte, error) {
	return json.Marshal(tk)
}

func DecodeTicket(b []byte) (Ticket, error) {
	var tk Ticket
	if err := json.Unmarshal(b, &tk); err != nil {
		return Ticket{}, fmt.Errorf("decoding ticket: %w", err)
	}
	return tk, nil
}

// Flatten renders the snapshot as the flat key/value map replicated
// through the CRDT.
func (s Snapshot) Flatten() (map[string][]byte, error) {
	out := make(map[string][]byte, len(s.Nodes)+2)
	rootv, err := EncodeRoot(s.Root)
	if err != nil {
		return nil, err
	}
	out[KeyRoot] = rootv
	tickv, err := EncodeTicket(s.Ticket)
	if err != nil {
		return nil, err
	}
	out[KeyTicket] = tickv
	for id, rec := range s.Nodes {
		v, err := EncodeRecord(rec)
		if err != nil {
			return nil, err
		}
		out[id.Key()] = v
	}
	return out, nil
}

// Unflatten rebuilds a snapshot from the flat map form. A map without a
// root pointer decodes to an uninitialized snapshot and ErrBadTree.
func Unflatten(m map[string][]byte) (Snapshot, error) {
	var s Snapshot
	rootv, ok := m[KeyRoot]
	if !ok {
		return s, ErrBadTree
	}
	root, err := DecodeRoot(rootv)
	if err != nil {
		return s, err
	}
	s.Root = root
	if tickv, ok := m[KeyTicket]; ok {
		tk, err := DecodeTicket(tickv)
		if err != nil {
			return s, err
		}
		s.Ticket = tk
	}
	s.Nodes = make(map[Ident]Record, len(m))
	for k, v := range m {
		if k == KeyRoot || k == KeyTicket {
			continue
		}
		id, err := ParseKey(k)
		if err != nil {
			return s, err
		}
		rec, err := DecodeRecord(v)
		if err != nil {
			return s, fmt.Errorf("entry %s: %w", k, err)
		}
		s.Nodes[id] = rec
	}
	return s, nil
}
