// Package runtime is the replication engine under every collabkit
// document: it assigns causal metadata to local operations, delivers
// remote operations exactly once in a causally consistent order, groups
// local operations into atomic transactions, and snapshots the whole
// document to a compact byte blob.
//
// A Document is single-threaded cooperative: at most one public entry
// point (a local op, Receive, Load, Save, or a handler they invoke) is
// active at a time. Callers that share a document across goroutines must
// serialize access themselves; the relay Provider does exactly that.
package runtime

import (
	"crypto/rand"

	"github.com/teris-io/shortid"

	"collabkit/causal"
	"collabkit/clock"
	"collabkit/wire"
)

// Options configures a new document. The zero value is the common case.
type Options struct {
	// ReplicaID overrides the generated replica identifier. Callers must
	// guarantee uniqueness per document session themselves.
	ReplicaID string
	// DisableAutoTransactions makes a Send outside an explicit Transact
	// a programmer error instead of an implicit one-op transaction.
	DisableAutoTransactions bool
}

// UpdateKind tags the origin of an Update event.
type UpdateKind int

const (
	// UpdateMessage is a delivered transaction, local or remote.
	UpdateMessage UpdateKind = iota
	// UpdateSavedState is a completed Load.
	UpdateSavedState
)

// UpdateEvent describes one applied update. Caller is the tag passed to
// Receive or Load, "" for local transactions.
type UpdateEvent struct {
	Kind          UpdateKind
	Caller        string
	SenderID      string
	SenderCounter uint64
}

// Document is one replica's live copy: replica identity, the applied
// vector clock, the Collab tree, and the causal buffer. Providers read
// bytes from Send events, feed remote bytes to Receive, and may persist
// the output of Save.
type Document struct {
	replicaID string
	vc        clock.Vector
	lamport   clock.Lamport
	root      *Node
	buffer    *causal.Buffer

	tx *txState

	autoTx bool

	batchDepth    int
	changePending bool

	sendHandlers   []func(data []byte)
	updateHandlers []func(UpdateEvent)
	changeHandlers []func()
	errorHandlers  []func(error)
	emitting       bool
}

// New creates an empty document with a fresh replica identity.
func New(opts Options) *Document {
	id := opts.ReplicaID
	if id == "" {
		id = newReplicaID()
	}
	d := &Document{
		replicaID: id,
		vc:        clock.New(),
		buffer:    causal.NewBuffer(),
		autoTx:    !opts.DisableAutoTransactions,
	}
	d.root = &Node{doc: d}
	return d
}

// newReplicaID generates a short opaque identifier, unique per document
// session with overwhelming probability.
func newReplicaID() string {
	if id, err := shortid.Generate(); err == nil {
		return id
	}
	// shortid only fails on a broken entropy source; fall back to raw
	// random alphanumerics with comparable collision resistance.
	const alphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, 10)
	if _, err := rand.Read(buf); err != nil {
		panic("collab: no entropy source for replica id")
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf)
}

// ReplicaID returns the immutable identifier of this replica.
func (d *Document) ReplicaID() string { return d.replicaID }

// Root returns the root of the Collab tree. Schema children are
// registered on it at construction time.
func (d *Document) Root() *Node { return d.root }

// VectorClock returns a copy of the applied-transactions clock.
func (d *Document) VectorClock() map[string]uint64 {
	return d.vc.Copy()
}

// PendingCount returns the number of buffered transactions waiting on
// causal predecessors.
func (d *Document) PendingCount() int { return d.buffer.Len() }

// IDOf returns the stable address of a node. Asking for a node of a
// different document is a programmer error.
func (d *Document) IDOf(n *Node) CollabID {
	if n.doc != d {
		panic("collab: IDOf across documents")
	}
	return CollabID(n.Path())
}

// FromID resolves an address back to a node, nil if no node exists at
// that path. A deleted dynamic child resolves to its frozen placeholder.
func (d *Document) FromID(id CollabID) *Node {
	return d.root.resolve(id)
}

// ─── Events ──────────────────────────────────────────────────────────────

// OnSend subscribes to serialized transactions that must be broadcast.
func (d *Document) OnSend(h func(data []byte)) { subscribe(d, &d.sendHandlers, h) }

// OnUpdate subscribes to applied updates, one event per transaction or
// load.
func (d *Document) OnUpdate(h func(UpdateEvent)) { subscribe(d, &d.updateHandlers, h) }

// OnChange subscribes to the coalesced refresh hint.
func (d *Document) OnChange(h func()) { subscribe(d, &d.changeHandlers, h) }

// OnError subscribes to asynchronous delivery failures: a buffered
// transaction that became ready but failed validation.
func (d *Document) OnError(h func(error)) { subscribe(d, &d.errorHandlers, h) }

// subscribe appends h to a handler list. Subscribing from inside a
// handler would mutate a list while it is being ranged over, so it panics.
func subscribe[H any](d *Document, list *[]H, h H) {
	if d.emitting {
		panic("collab: subscription change while emitting")
	}
	*list = append(*list, h)
}

func (d *Document) emitSend(data []byte) {
	d.withEmitting(func() {
		for _, h := range d.sendHandlers {
			h(data)
		}
	})
}

func (d *Document) emitUpdate(ev UpdateEvent) {
	d.withEmitting(func() {
		for _, h := range d.updateHandlers {
			h(ev)
		}
	})
}

func (d *Document) emitError(err error) {
	d.withEmitting(func() {
		for _, h := range d.errorHandlers {
			h(err)
		}
	})
}

// signalChange emits Change now, or defers it to the end of the
// outermost batch when one is open.
func (d *Document) signalChange() {
	if d.batchDepth > 0 {
		d.changePending = true
		return
	}
	d.emitChange()
}

func (d *Document) emitChange() {
	d.withEmitting(func() {
		for _, h := range d.changeHandlers {
			h()
		}
	})
}

// withEmitting marks the document as emitting while f runs, so that
// subscribe can refuse changes to the handler lists. Handlers may call
// back into the document, so emissions nest.
func (d *Document) withEmitting(f func()) {
	prev := d.emitting
	d.emitting = true
	defer func() { d.emitting = prev }()
	f()
}

// BatchRemoteUpdates runs f, delivering any remote updates inside it,
// and emits exactly one Change event at the end of the outermost batch
// no matter how many deliveries happened.
func (d *Document) BatchRemoteUpdates(f func()) {
	d.batchDepth++
	defer func() {
		d.batchDepth--
		if d.batchDepth == 0 {
			d.changePending = false
			d.emitChange()
		}
	}()
	f()
}

// ─── Remote delivery ─────────────────────────────────────────────────────

// Receive feeds remote transaction bytes into the causal buffer and
// applies everything that becomes ready. Duplicates, reorderings, and
// self-delivery are tolerated; caller tags the transport for Update
// events. Malformed bytes return a *wire.ProtocolError; a ready
// transaction that fails to apply returns a *SchemaError. The vector
// clock is unchanged on either failure.
func (d *Document) Receive(data []byte, caller string) error {
	if d.tx != nil {
		return ErrReceiveInTransaction
	}
	tx, err := wire.DecodeTransaction(data)
	if err != nil {
		return err
	}
	d.buffer.Add(data, tx, d.vc)
	return d.drain(caller)
}

// drain applies buffered transactions until none is ready. The first
// apply failure stops the drain: the bad transaction is already removed
// from the buffer, and whatever it blocked stays buffered.
func (d *Document) drain(caller string) error {
	delivered := false
	var firstErr error
	for {
		e := d.buffer.PopReady(d.vc)
		if e == nil {
			break
		}
		if err := d.apply(e.Tx, caller); err != nil {
			firstErr = err
			d.emitError(err)
			break
		}
		delivered = true
	}
	if delivered {
		d.signalChange()
	}
	return firstErr
}

// apply routes one causally ready transaction into the tree and, on
// success, advances the ledger and emits Update. Ops addressed to frozen
// nodes are skipped silently; an unresolvable path or a rejected payload
// stops the transaction with the ledger unchanged. Ops applied before the
// failing one are not undone.
func (d *Document) apply(tx *wire.Transaction, caller string) error {
	meta := &UpdateMeta{
		SenderID:      tx.SenderID,
		SenderCounter: tx.SenderCounter,
		WallClockTime: tx.WallClockTime,
		Lamport:       tx.Lamport,
		vc:            tx.VC(),
	}

	for _, op := range tx.Ops {
		target := d.root.resolve(op.Path)
		if target == nil {
			return &SchemaError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
				Path: op.Path, Reason: "no collab at path"}
		}
		if target.frozen {
			continue
		}
		if target.prim == nil {
			return &SchemaError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
				Path: op.Path, Reason: "collab has no primitive"}
		}
		if err := target.prim.ReceiveOp(op.Payload, meta); err != nil {
			return &SchemaError{SenderID: tx.SenderID, SenderCounter: tx.SenderCounter,
				Path: op.Path, Reason: err.Error()}
		}
	}

	if !d.vc.Advance(tx.SenderID, tx.SenderCounter) {
		// Ready predicate guarantees this; reaching here is a bug.
		panic("collab: apply of non-ready transaction")
	}
	d.lamport.Observe(tx.Lamport)
	d.lamport.Tick()
	d.emitUpdate(UpdateEvent{Kind: UpdateMessage, Caller: caller,
		SenderID: tx.SenderID, SenderCounter: tx.SenderCounter})
	return nil
}
