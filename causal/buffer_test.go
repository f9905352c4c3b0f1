package causal

import (
	"testing"

	"collabkit/clock"
	"collabkit/wire"
)

func tx(sender string, counter uint64, vc map[string]uint64) *wire.Transaction {
	t := &wire.Transaction{
		Version:       wire.Version,
		SenderID:      sender,
		SenderCounter: counter,
		Ops:           []wire.Op{{Path: []string{"x"}, Payload: []byte("{}")}},
	}
	for k, v := range vc {
		t.VCKeys = append(t.VCKeys, k)
		t.VCValues = append(t.VCValues, v)
	}
	return t
}

func TestReady(t *testing.T) {
	vc := clock.Vector{"aaa": 1}

	if !Ready(tx("aaa", 2, nil), vc) {
		t.Fatal("next counter from a known sender should be ready")
	}
	if Ready(tx("aaa", 3, nil), vc) {
		t.Fatal("a gap in the sender's stream must block delivery")
	}
	if !Ready(tx("bbb", 1, map[string]uint64{"aaa": 1}), vc) {
		t.Fatal("satisfied dependency should be ready")
	}
	if Ready(tx("bbb", 1, map[string]uint64{"aaa": 2}), vc) {
		t.Fatal("unsatisfied dependency must block delivery")
	}
}

func TestPopReadyHoldsUntilPredecessor(t *testing.T) {
	b := NewBuffer()
	vc := clock.New()

	if !b.Add([]byte("t2"), tx("aaa", 2, nil), vc) {
		t.Fatal("add of unseen tx should succeed")
	}
	if e := b.PopReady(vc); e != nil {
		t.Fatal("tx #2 must wait for #1")
	}
	if b.Len() != 1 {
		t.Fatalf("buffer should hold 1 entry, has %d", b.Len())
	}

	b.Add([]byte("t1"), tx("aaa", 1, nil), vc)
	e := b.PopReady(vc)
	if e == nil || e.Tx.SenderCounter != 1 {
		t.Fatal("tx #1 should deliver first")
	}
	vc.Advance("aaa", 1)
	e = b.PopReady(vc)
	if e == nil || e.Tx.SenderCounter != 2 {
		t.Fatal("tx #2 should deliver after #1")
	}
}

func TestPopReadyTieBreak(t *testing.T) {
	b := NewBuffer()
	vc := clock.New()

	b.Add([]byte("b1"), tx("bbb", 1, nil), vc)
	b.Add([]byte("a1"), tx("aaa", 1, nil), vc)

	e := b.PopReady(vc)
	if e == nil || e.Tx.SenderID != "aaa" {
		t.Fatal("ascending sender id should win the tie")
	}
}

func TestAddDropsDuplicates(t *testing.T) {
	b := NewBuffer()
	vc := clock.Vector{"aaa": 2}

	if b.Add([]byte("t1"), tx("aaa", 1, nil), vc) {
		t.Fatal("already-applied tx must be dropped")
	}
	if !b.Add([]byte("t3"), tx("aaa", 3, nil), vc) {
		t.Fatal("future tx should buffer")
	}
	if b.Add([]byte("t3"), tx("aaa", 3, nil), vc) {
		t.Fatal("double-buffered tx must be dropped")
	}
}

func TestPendingOrder(t *testing.T) {
	b := NewBuffer()
	vc := clock.New()

	b.Add([]byte("b2"), tx("bbb", 2, nil), vc)
	b.Add([]byte("a3"), tx("aaa", 3, nil), vc)
	b.Add([]byte("a2"), tx("aaa", 2, nil), vc)

	got := b.Pending()
	want := []string{"a2", "a3", "b2"}
	if len(got) != len(want) {
		t.Fatalf("pending has %d entries, want %d", len(got), len(want))
	}
	for i := range want {
		if string(got[i]) != want[i] {
			t.Fatalf("pending[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}
