package types_test

import (
	"bytes"
	"testing"
	"time"

	"collabkit/runtime"
	"collabkit/types"
)

// replica bundles a document with captured Send bytes for manual
// exchange between test replicas.
type replica struct {
	doc   *runtime.Document
	sends [][]byte
}

func newReplica(id string) *replica {
	r := &replica{doc: runtime.New(runtime.Options{ReplicaID: id})}
	r.doc.OnSend(func(data []byte) { r.sends = append(r.sends, data) })
	return r
}

func (r *replica) deliverTo(t *testing.T, other *replica) {
	t.Helper()
	for _, data := range r.sends {
		if err := other.doc.Receive(data, "test"); err != nil {
			t.Fatalf("deliver %s → %s: %v", r.doc.ReplicaID(), other.doc.ReplicaID(), err)
		}
	}
}

func TestLWWRegisterConcurrentSet(t *testing.T) {
	a := newReplica("aaa")
	regA := types.NewLWWRegister(a.doc.Root(), "x")
	b := newReplica("bbb")
	regB := types.NewLWWRegister(b.doc.Root(), "x")

	regA.Set("A")
	time.Sleep(5 * time.Millisecond) // force a later wall clock for B
	regB.Set("B")

	a.deliverTo(t, b)
	b.deliverTo(t, a)

	vA, _ := regA.Get()
	vB, _ := regB.Get()
	if vA != vB {
		t.Fatalf("replicas diverged: %q vs %q", vA, vB)
	}
	if vA != "B" {
		t.Fatalf("later wall clock should win, got %q", vA)
	}
}

func TestLWWRegisterSenderTieBreak(t *testing.T) {
	// Back-to-back writes can land on the same millisecond; whatever
	// the clocks did, both replicas must pick the same winner.
	a := newReplica("aaa")
	regA := types.NewLWWRegister(a.doc.Root(), "x")
	b := newReplica("bbb")
	regB := types.NewLWWRegister(b.doc.Root(), "x")

	regA.Set("A")
	regB.Set("B")
	a.deliverTo(t, b)
	b.deliverTo(t, a)

	vA, _ := regA.Get()
	vB, _ := regB.Get()
	if vA != vB {
		t.Fatalf("replicas diverged: %q vs %q", vA, vB)
	}
}

func TestCollabSetAddAndUse(t *testing.T) {
	a := newReplica("aaa")
	setA := types.NewCollabSet(a.doc.Root(), "set", types.CounterPrim)
	b := newReplica("bbb")
	setB := types.NewCollabSet(b.doc.Root(), "set", types.CounterPrim)

	el := setA.Add()
	if el == nil {
		t.Fatal("Add must return the new element synchronously")
	}
	el.Primitive().(*types.Counter).Add(7)

	a.deliverTo(t, b)

	names := setB.Names()
	if len(names) != 1 || names[0] != el.Name() {
		t.Fatalf("B names = %v, want [%s]", names, el.Name())
	}
	elB := setB.Get(el.Name())
	if elB == nil {
		t.Fatal("element missing on B")
	}
	if got := elB.Primitive().(*types.Counter).Value(); got != 7 {
		t.Fatalf("element value on B = %d, want 7", got)
	}
}

func TestCollabSetDeterministicNames(t *testing.T) {
	a := newReplica("aaa")
	setA := types.NewCollabSet(a.doc.Root(), "set", types.CounterPrim)

	var e1, e2 *runtime.Node
	a.doc.Transact(func() {
		e1 = setA.Add()
		e2 = setA.Add()
	})
	if e1.Name() == e2.Name() {
		t.Fatal("two adds in one transaction must get distinct names")
	}

	b := newReplica("bbb")
	setB := types.NewCollabSet(b.doc.Root(), "set", types.CounterPrim)
	a.deliverTo(t, b)

	if setB.Get(e1.Name()) == nil || setB.Get(e2.Name()) == nil {
		t.Fatalf("B derived different names: %v", setB.Names())
	}
}

func TestFrozenChildConvergence(t *testing.T) {
	a := newReplica("aaa")
	setA := types.NewCollabSet(a.doc.Root(), "set", types.CounterPrim)
	b := newReplica("bbb")
	setB := types.NewCollabSet(b.doc.Root(), "set", types.CounterPrim)

	el := setA.Add()
	a.deliverTo(t, b)
	a.sends = nil

	// Concurrently: B writes into the element, A removes it.
	setB.Get(el.Name()).Primitive().(*types.Counter).Add(5)
	setA.Remove(el.Name())

	// Cross-deliver.
	vcBefore := a.doc.VectorClock()
	b.deliverTo(t, a)
	a.deliverTo(t, b)

	// A dropped B's op on the frozen element, but its clock advanced.
	if a.doc.VectorClock()["bbb"] != vcBefore["bbb"]+1 {
		t.Fatalf("A's clock must advance past the dropped op: %v", a.doc.VectorClock())
	}
	if !setA.Get(el.Name()).Frozen() || !setB.Get(el.Name()).Frozen() {
		t.Fatal("element must be frozen on both replicas")
	}
	if len(setA.Names()) != 0 || len(setB.Names()) != 0 {
		t.Fatal("removed element must not be listed")
	}

	saveA, err := a.doc.Save()
	if err != nil {
		t.Fatalf("save A: %v", err)
	}
	saveB, err := b.doc.Save()
	if err != nil {
		t.Fatalf("save B: %v", err)
	}
	if !bytes.Equal(saveA, saveB) {
		t.Fatalf("replicas diverged:\n%s\n%s", saveA, saveB)
	}
}

func TestFrozenChildLocalSendPanics(t *testing.T) {
	a := newReplica("aaa")
	setA := types.NewCollabSet(a.doc.Root(), "set", types.CounterPrim)

	el := setA.Add()
	setA.Remove(el.Name())

	defer func() {
		if recover() == nil {
			t.Fatal("local op on a deleted element must panic")
		}
	}()
	el.Primitive().(*types.Counter).Add(1)
}

func TestRemoveBindsToAddCausally(t *testing.T) {
	a := newReplica("aaa")
	setA := types.NewCollabSet(a.doc.Root(), "set", types.CounterPrim)
	b := newReplica("bbb")
	types.NewCollabSet(b.doc.Root(), "set", types.CounterPrim)
	c := newReplica("ccc")
	setC := types.NewCollabSet(c.doc.Root(), "set", types.CounterPrim)

	el := setA.Add()
	a.deliverTo(t, b)

	setB := b.doc.FromID(runtime.CollabID{"set"}).Primitive().(*types.CollabSet)
	setB.Remove(el.Name())

	// C sees B's remove before A's add: the remove carries A's clock
	// entry (recorded when the set read it during the echo), so it
	// parks until the add arrives.
	b.deliverTo(t, c)
	if c.doc.PendingCount() != 1 {
		t.Fatalf("remove should wait for its add, pending = %d", c.doc.PendingCount())
	}
	a.deliverTo(t, c)
	if c.doc.PendingCount() != 0 {
		t.Fatal("buffer should drain once the add arrives")
	}
	if got := setC.Get(el.Name()); got == nil || !got.Frozen() {
		t.Fatal("element should exist and be frozen on C")
	}
}

func TestCounterLoadKeepsNewerSums(t *testing.T) {
	a := newReplica("aaa")
	cA := types.NewCounter(a.doc.Root(), "counter")
	b := newReplica("bbb")
	cB := types.NewCounter(b.doc.Root(), "counter")

	cA.Add(3)
	a.deliverTo(t, b)
	// B keeps going past the snapshot it will later load.
	cB.Add(2)

	blob, err := a.doc.Save()
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := b.doc.Load(blob, "test"); err != nil {
		t.Fatalf("load: %v", err)
	}

	// The loaded state knows nothing of B's own write; B's newer local
	// sum must survive the merge.
	if cB.Value() != 5 {
		t.Fatalf("value after load = %d, want 5", cB.Value())
	}
}
