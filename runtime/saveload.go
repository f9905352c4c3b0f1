package runtime

import (
	"github.com/pkg/errors"

	"collabkit/clock"
	"collabkit/wire"
)

// Save serializes the full document: applied vector clock, pending
// causal buffer, and the recursive Collab state tree. Collabs in their
// initial state (CanGC) are omitted; Load rehydrates them on demand.
// Two replicas with identical vector clocks produce byte-equal output.
func (d *Document) Save() ([]byte, error) {
	tree, err := saveNode(d.root)
	if err != nil {
		return nil, err
	}
	if tree == nil {
		tree = &wire.SavedStateTree{}
	}
	st := &wire.SavedState{
		Version:       wire.Version,
		VectorClock:   d.vc.Copy(),
		PendingBuffer: d.buffer.Pending(),
		Tree:          tree,
		Lamport:       d.lamport.Now(),
	}
	return wire.EncodeSavedState(st)
}

// saveNode serializes one subtree, nil if the whole subtree may be
// omitted. Frozen placeholders are never saved; their owning collection
// records the deletion in its own state and recreates them at load.
func saveNode(n *Node) (*wire.SavedStateTree, error) {
	if n.frozen {
		return nil, nil
	}

	gc := n.parent != nil
	var self []byte
	if n.prim != nil {
		if !n.prim.CanGC() {
			gc = false
		}
		s, err := n.prim.SaveState()
		if err != nil {
			return nil, errors.Wrapf(err, "save /%s", pathString(n.Path()))
		}
		self = s
	}

	st := &wire.SavedStateTree{Self: self}
	for _, name := range n.childNames() {
		cs, err := saveNode(n.children[name])
		if err != nil {
			return nil, err
		}
		if cs == nil {
			continue
		}
		st.ChildrenKeys = append(st.ChildrenKeys, name)
		st.ChildrenValues = append(st.ChildrenValues, cs)
	}

	if gc && len(st.ChildrenKeys) == 0 {
		return nil, nil
	}
	return st, nil
}

// Load merges a saved state into the live document. Permitted at any
// time and idempotent with respect to already-known causal history: the
// loaded vector clock is folded in element-wise, every Collab resolves
// its own loaded-versus-live conflict through LoadState, and the loaded
// pending buffer is re-run through causal delivery.
func (d *Document) Load(data []byte, caller string) error {
	if d.tx != nil {
		return ErrReceiveInTransaction
	}
	st, err := wire.DecodeSavedState(data)
	if err != nil {
		return err
	}

	var loadErr error
	d.BatchRemoteUpdates(func() {
		localVC := d.vc.Copy()
		remoteVC := clock.Vector(st.VectorClock)
		if remoteVC == nil {
			remoteVC = clock.New()
		}
		d.vc.MergeMax(remoteVC)
		d.lamport.Observe(st.Lamport)

		meta := &LoadMeta{LocalVC: localVC, RemoteVC: remoteVC.Copy()}
		if err := loadNode(d.root, st.Tree, meta); err != nil {
			loadErr = err
			return
		}

		for _, raw := range st.PendingBuffer {
			tx, err := wire.DecodeTransaction(raw)
			if err != nil {
				// A corrupt pending entry is discarded like any other
				// bad bytes; the rest of the load proceeds.
				d.emitError(err)
				continue
			}
			d.buffer.Add(raw, tx, d.vc)
		}

		d.emitUpdate(UpdateEvent{Kind: UpdateSavedState, Caller: caller})
		if err := d.drain(caller); err != nil && loadErr == nil {
			loadErr = err
		}
	})
	return loadErr
}

// loadNode walks the live tree (not the blob): a primitive's LoadState
// runs before its children are visited, so dynamic collections recreate
// missing children in time for the descent. Subtree keys with no live
// counterpart are skipped — that schema no longer exists here.
func loadNode(n *Node, t *wire.SavedStateTree, meta *LoadMeta) error {
	if n.frozen {
		return nil
	}
	if n.prim != nil {
		var self []byte
		if t != nil {
			self = t.Self
		}
		if err := n.prim.LoadState(self, meta); err != nil {
			return errors.Wrapf(err, "load /%s", pathString(n.Path()))
		}
	}
	for _, name := range n.childNames() {
		if err := loadNode(n.children[name], t.Child(name), meta); err != nil {
			return err
		}
	}
	return nil
}
