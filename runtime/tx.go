package runtime

import (
	"sort"
	"time"

	"collabkit/clock"
	"collabkit/wire"
)

// txState is the one open transaction. Access is mediated entirely by
// the document; there is never more than one, and it never outlives the
// entry point that opened it.
type txState struct {
	depth   int
	started bool

	counter  uint64
	snapshot clock.Vector // applied clock at first op, before own advance
	wall     int64
	lamport  uint64

	wallReq    bool
	lamportReq bool
	reqKeys    map[string]struct{}
	used       map[string]struct{}

	ops []wire.Op
}

// Transact runs f inside a transaction. Every Send within f lands in the
// same atomic unit: remote replicas apply all of it or none of it, and
// exactly one Send event carries the whole batch. Nested calls join the
// outermost transaction. A transaction with no ops emits nothing.
func (d *Document) Transact(f func()) {
	if d.tx == nil {
		d.tx = &txState{
			reqKeys: make(map[string]struct{}),
			used:    make(map[string]struct{}),
		}
	}
	d.tx.depth++
	defer func() {
		d.tx.depth--
		if d.tx.depth > 0 {
			return
		}
		tx := d.tx
		d.tx = nil
		if r := recover(); r != nil {
			// A panic out of the outermost transaction discards it.
			// The burned counter is rolled back so the next send does
			// not open a gap that would stall every remote replica;
			// ops already echoed locally were never broadcast, so the
			// application should treat this document as suspect.
			if tx.started {
				d.rollbackCounter(tx.counter)
			}
			panic(r)
		}
		d.commit(tx)
	}()
	f()
}

// rollbackCounter undoes the sender-counter advance of a discarded
// transaction.
func (d *Document) rollbackCounter(counter uint64) {
	if counter <= 1 {
		delete(d.vc, d.replicaID)
		return
	}
	d.vc[d.replicaID] = counter - 1
}

// send records one local op. Outside an explicit Transact it opens an
// auto-transaction that commits as soon as the op is echoed.
func (d *Document) send(n *Node, payload []byte, req MetadataRequest) {
	if d.tx == nil {
		if !d.autoTx {
			panic("collab: send outside a transaction with auto-transactions disabled")
		}
		d.Transact(func() { d.addOp(n, payload, req) })
		return
	}
	d.addOp(n, payload, req)
}

func (d *Document) addOp(n *Node, payload []byte, req MetadataRequest) {
	tx := d.tx
	if !tx.started {
		tx.started = true
		tx.counter = d.vc.Get(d.replicaID) + 1
		tx.snapshot = d.vc.Copy()
		if !d.vc.Advance(d.replicaID, tx.counter) {
			panic("collab: sender counter out of step")
		}
		tx.wall = time.Now().UnixMilli()
		tx.lamport = d.lamport.Tick()
	}

	for _, k := range req.VCKeys {
		tx.reqKeys[k] = struct{}{}
	}
	tx.wallReq = tx.wallReq || req.WallClockTime
	tx.lamportReq = tx.lamportReq || req.Lamport

	tx.ops = append(tx.ops, wire.Op{Path: n.Path(), Payload: payload})

	// Synchronous local echo: the sender observes its own op before Send
	// returns. Vector clock reads through this meta record the key set
	// that goes on the wire.
	meta := &UpdateMeta{
		SenderID:      d.replicaID,
		SenderCounter: tx.counter,
		IsLocalEcho:   true,
		vc:            d.vc,
		used:          tx.used,
	}
	if tx.wallReq {
		meta.WallClockTime = tx.wall
	}
	if tx.lamportReq {
		meta.Lamport = tx.lamport
	}
	if err := n.prim.ReceiveOp(payload, meta); err != nil {
		// A primitive rejecting its own payload is a bug in the
		// primitive, not a recoverable condition.
		panic("collab: local echo rejected: " + err.Error())
	}
}

// commit serializes the finished transaction and emits
// Send → Update → Change.
func (d *Document) commit(tx *txState) {
	if !tx.started {
		return
	}

	keys := make([]string, 0, len(tx.used)+len(tx.reqKeys))
	seen := make(map[string]struct{}, len(tx.used)+len(tx.reqKeys))
	for k := range tx.used {
		seen[k] = struct{}{}
	}
	for k := range tx.reqKeys {
		seen[k] = struct{}{}
	}
	for k := range seen {
		if k != d.replicaID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([]uint64, len(keys))
	for i, k := range keys {
		values[i] = tx.snapshot.Get(k)
	}

	wtx := &wire.Transaction{
		Version:       wire.Version,
		SenderID:      d.replicaID,
		SenderCounter: tx.counter,
		VCKeys:        keys,
		VCValues:      values,
		Ops:           tx.ops,
	}
	if tx.wallReq {
		wtx.WallClockTime = tx.wall
	}
	if tx.lamportReq {
		wtx.Lamport = tx.lamport
	}

	data, err := wire.EncodeTransaction(wtx)
	if err != nil {
		panic("collab: " + err.Error())
	}

	d.emitSend(data)
	d.emitUpdate(UpdateEvent{Kind: UpdateMessage, SenderID: d.replicaID, SenderCounter: tx.counter})
	d.signalChange()
}
