// Package types holds reference sub-CRDTs built on the runtime contract:
// a counter (deltas may be negative), a last-writer-wins register, and a dynamic
// collection of child Collabs. They double as the executable
// documentation of what a Primitive must do.
package types

import (
	"github.com/bytedance/sonic"
	"github.com/pkg/errors"

	"collabkit/runtime"
)

// stdJSON sorts map keys so equal states serialize byte-equal.
var stdJSON = sonic.ConfigStd

// Counter is a replicated counter. State is kept as one sum per sender:
// a sender's sum is a pure function of how many of its transactions have
// applied, which is exactly what vector clocks order — so merging at
// load is "take whichever side has seen more of that sender".
type Counter struct {
	node *runtime.Node
	sums map[string]int64
}

type counterOp struct {
	Delta int64 `json:"d"`
}

// CounterPrim is a primitive factory for use with Node.Register and
// dynamic collections.
func CounterPrim(n *runtime.Node) runtime.Primitive {
	return &Counter{node: n, sums: make(map[string]int64)}
}

// NewCounter registers a counter as a named child of parent.
func NewCounter(parent *runtime.Node, name string) *Counter {
	return parent.Register(name, CounterPrim).Primitive().(*Counter)
}

// Add applies a delta locally and sends it to all replicas.
func (c *Counter) Add(delta int64) {
	payload, err := stdJSON.Marshal(counterOp{Delta: delta})
	if err != nil {
		panic("counter: " + err.Error())
	}
	c.node.Send(payload, runtime.MetadataRequest{})
}

// Value returns the current total.
func (c *Counter) Value() int64 {
	var total int64
	for _, s := range c.sums {
		total += s
	}
	return total
}

// Node returns the counter's position in the document tree.
func (c *Counter) Node() *runtime.Node { return c.node }

func (c *Counter) ReceiveOp(payload []byte, meta *runtime.UpdateMeta) error {
	var op counterOp
	if err := stdJSON.Unmarshal(payload, &op); err != nil {
		return errors.Wrap(err, "counter op")
	}
	c.sums[meta.SenderID] += op.Delta
	return nil
}

func (c *Counter) SaveState() ([]byte, error) {
	return stdJSON.Marshal(c.sums)
}

func (c *Counter) LoadState(data []byte, meta *runtime.LoadMeta) error {
	if data == nil {
		return nil
	}
	var loaded map[string]int64
	if err := stdJSON.Unmarshal(data, &loaded); err != nil {
		return errors.Wrap(err, "counter state")
	}
	for sender, sum := range loaded {
		if meta.RemoteVC.Get(sender) > meta.LocalVC.Get(sender) {
			c.sums[sender] = sum
		}
	}
	return nil
}

func (c *Counter) CanGC() bool {
	return len(c.sums) == 0
}
