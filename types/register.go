package types

import (
	"github.com/pkg/errors"

	"collabkit/runtime"
)

// LWWRegister is a last-writer-wins register over string values.
// Conflicting concurrent writes resolve by wall-clock time with the
// lexicographically greater sender ID breaking exact ties, the same rule
// every replica applies, so all converge on one winner.
type LWWRegister struct {
	node *runtime.Node

	value  string
	wall   int64
	sender string
	set    bool
}

type registerOp struct {
	Value string `json:"v"`
}

type registerState struct {
	Value  string `json:"v"`
	Wall   int64  `json:"w"`
	Sender string `json:"s"`
	Set    bool   `json:"x"`
}

// RegisterPrim is a primitive factory for LWWRegister.
func RegisterPrim(n *runtime.Node) runtime.Primitive {
	return &LWWRegister{node: n}
}

// NewLWWRegister registers a register as a named child of parent.
func NewLWWRegister(parent *runtime.Node, name string) *LWWRegister {
	return parent.Register(name, RegisterPrim).Primitive().(*LWWRegister)
}

// Set writes a new value. Wall-clock time rides along on the wire so
// remote replicas can run the same conflict rule.
func (r *LWWRegister) Set(value string) {
	payload, err := stdJSON.Marshal(registerOp{Value: value})
	if err != nil {
		panic("register: " + err.Error())
	}
	r.node.Send(payload, runtime.MetadataRequest{WallClockTime: true})
}

// Get returns the current value and whether it was ever set.
func (r *LWWRegister) Get() (string, bool) {
	return r.value, r.set
}

// Node returns the register's position in the document tree.
func (r *LWWRegister) Node() *runtime.Node { return r.node }

func (r *LWWRegister) ReceiveOp(payload []byte, meta *runtime.UpdateMeta) error {
	var op registerOp
	if err := stdJSON.Unmarshal(payload, &op); err != nil {
		return errors.Wrap(err, "register op")
	}
	r.merge(op.Value, meta.WallClockTime, meta.SenderID)
	return nil
}

// merge applies the LWW rule: later wall-clock wins; equal times fall
// back to sender ID order.
func (r *LWWRegister) merge(value string, wall int64, sender string) {
	if r.set {
		if wall < r.wall {
			return
		}
		if wall == r.wall && sender <= r.sender {
			return
		}
	}
	r.value, r.wall, r.sender, r.set = value, wall, sender, true
}

func (r *LWWRegister) SaveState() ([]byte, error) {
	if !r.set {
		return nil, nil
	}
	return stdJSON.Marshal(registerState{Value: r.value, Wall: r.wall, Sender: r.sender, Set: true})
}

func (r *LWWRegister) LoadState(data []byte, meta *runtime.LoadMeta) error {
	if data == nil {
		return nil
	}
	var st registerState
	if err := stdJSON.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "register state")
	}
	if st.Set {
		r.merge(st.Value, st.Wall, st.Sender)
	}
	return nil
}

func (r *LWWRegister) CanGC() bool {
	return !r.set
}
