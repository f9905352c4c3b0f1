// Package causal implements the delivery buffer that holds remote
// transactions until they are causally ready.
//
// A transaction T from sender s with counter c is ready at a replica with
// applied clock vc iff:
//
//	vc[s] == c-1  and  vc[k] >= T.vc[k] for every other key k in T.vc
//
// Transactions already covered by the applied clock (c <= vc[s]) are
// duplicates and are dropped silently; at-least-once transports are
// expected to produce them.
package causal

import (
	"sort"

	"collabkit/clock"
	"collabkit/wire"
)

type key struct {
	sender  string
	counter uint64
}

// Entry is a received, not-yet-applied transaction: the raw bytes as they
// arrived (re-broadcast and save need them verbatim) plus the parsed form.
type Entry struct {
	Raw []byte
	Tx  *wire.Transaction
}

// Buffer holds pending transactions keyed by (senderID, senderCounter).
type Buffer struct {
	entries map[key]*Entry
}

// NewBuffer returns an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{entries: make(map[key]*Entry)}
}

// Add buffers a transaction. Returns false if the transaction is already
// buffered or already applied according to vc (a duplicate).
func (b *Buffer) Add(raw []byte, tx *wire.Transaction, vc clock.Vector) bool {
	if tx.SenderCounter <= vc.Get(tx.SenderID) {
		return false
	}
	k := key{tx.SenderID, tx.SenderCounter}
	if _, ok := b.entries[k]; ok {
		return false
	}
	b.entries[k] = &Entry{Raw: raw, Tx: tx}
	return true
}

// Ready reports whether tx may be applied under vc.
func Ready(tx *wire.Transaction, vc clock.Vector) bool {
	if vc.Get(tx.SenderID) != tx.SenderCounter-1 {
		return false
	}
	for i, k := range tx.VCKeys {
		if vc.Get(k) < tx.VCValues[i] {
			return false
		}
	}
	return true
}

// PopReady removes and returns the next deliverable entry, or nil if none
// is ready. When several entries are ready at once the one with the
// lowest (senderID, senderCounter) wins; the order matters only for
// event determinism, never for convergence.
func (b *Buffer) PopReady(vc clock.Vector) *Entry {
	var best key
	found := false
	for k, e := range b.entries {
		// Entries that became duplicates after a load are purged lazily.
		if e.Tx.SenderCounter <= vc.Get(e.Tx.SenderID) {
			delete(b.entries, k)
			continue
		}
		if !Ready(e.Tx, vc) {
			continue
		}
		if !found || k.sender < best.sender ||
			(k.sender == best.sender && k.counter < best.counter) {
			best = k
			found = true
		}
	}
	if !found {
		return nil
	}
	e := b.entries[best]
	delete(b.entries, best)
	return e
}

// Len returns the number of buffered transactions.
func (b *Buffer) Len() int {
	return len(b.entries)
}

// Pending returns the raw bytes of every buffered transaction in
// (senderID, senderCounter) order, for inclusion in a saved state.
func (b *Buffer) Pending() [][]byte {
	keys := make([]key, 0, len(b.entries))
	for k := range b.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].sender != keys[j].sender {
			return keys[i].sender < keys[j].sender
		}
		return keys[i].counter < keys[j].counter
	})
	out := make([][]byte, len(keys))
	for i, k := range keys {
		out[i] = b.entries[k].Raw
	}
	return out
}
