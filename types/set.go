package types

import (
	"fmt"
	"sort"

	"github.com/pkg/errors"

	"collabkit/runtime"
)

// CollabSet is a dynamic collection of child Collabs. Every replica
// derives the same child name from the creating op's
// (senderID, senderCounter, index-within-transaction), so the children
// line up across replicas without coordination. Removal is terminal: the
// child's node stays addressable as a frozen placeholder and is never
// restored.
type CollabSet struct {
	node    *runtime.Node
	factory func(*runtime.Node) runtime.Primitive

	live   map[string]bool
	dead   map[string]bool
	adders map[string]string // element name → senderID that created it

	// add-op numbering within the transaction currently applying
	curSender  string
	curCounter uint64
	curIndex   int
	lastAdded  string
}

type setOp struct {
	Op   string `json:"op"` // "add" or "del"
	Name string `json:"n,omitempty"`
}

type setState struct {
	Live   []string          `json:"l,omitempty"`
	Dead   []string          `json:"d,omitempty"`
	Adders map[string]string `json:"a,omitempty"`
}

// NewCollabSet registers a dynamic collection under parent. factory
// constructs the primitive for each element.
func NewCollabSet(parent *runtime.Node, name string, factory func(*runtime.Node) runtime.Primitive) *CollabSet {
	return parent.Register(name, func(n *runtime.Node) runtime.Primitive {
		return &CollabSet{
			node:    n,
			factory: factory,
			live:    make(map[string]bool),
			dead:    make(map[string]bool),
			adders:  make(map[string]string),
		}
	}).Primitive().(*CollabSet)
}

// Add creates a new element and returns its node. The element exists
// locally before Add returns (synchronous echo) and on every replica
// once the transaction delivers.
func (s *CollabSet) Add() *runtime.Node {
	payload, err := stdJSON.Marshal(setOp{Op: "add"})
	if err != nil {
		panic("collabset: " + err.Error())
	}
	s.node.Send(payload, runtime.MetadataRequest{})
	return s.node.Child(s.lastAdded)
}

// Remove deletes the named element. Removing an element that was never
// added is a programmer error; removing one already removed is a no-op.
func (s *CollabSet) Remove(name string) {
	if s.dead[name] {
		return
	}
	if !s.live[name] {
		panic(fmt.Sprintf("collabset: remove of unknown element %q", name))
	}
	payload, err := stdJSON.Marshal(setOp{Op: "del", Name: name})
	if err != nil {
		panic("collabset: " + err.Error())
	}
	s.node.Send(payload, runtime.MetadataRequest{})
}

// Get returns the element's node, nil if it never existed. Removed
// elements resolve to their frozen placeholder.
func (s *CollabSet) Get(name string) *runtime.Node {
	return s.node.Child(name)
}

// Names returns the live element names in lexicographic order.
func (s *CollabSet) Names() []string {
	names := make([]string, 0, len(s.live))
	for n := range s.live {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Node returns the set's position in the document tree.
func (s *CollabSet) Node() *runtime.Node { return s.node }

func (s *CollabSet) ReceiveOp(payload []byte, meta *runtime.UpdateMeta) error {
	var op setOp
	if err := stdJSON.Unmarshal(payload, &op); err != nil {
		return errors.Wrap(err, "collabset op")
	}
	switch op.Op {
	case "add":
		s.applyAdd(meta)
		return nil
	case "del":
		if op.Name == "" {
			return errors.New("collabset: del without element name")
		}
		// Reading the adder's clock entry during the local echo records
		// it into the transaction, so receivers hold this delete until
		// the corresponding add has applied.
		if adder, ok := s.adders[op.Name]; ok && meta.IsLocalEcho {
			meta.VC(adder)
		}
		s.applyDel(op.Name)
		return nil
	default:
		return errors.Errorf("collabset: unknown op %q", op.Op)
	}
}

func (s *CollabSet) applyAdd(meta *runtime.UpdateMeta) {
	if meta.SenderID != s.curSender || meta.SenderCounter != s.curCounter {
		s.curSender, s.curCounter, s.curIndex = meta.SenderID, meta.SenderCounter, 0
	}
	name := fmt.Sprintf("e%s-%d-%d", meta.SenderID, meta.SenderCounter, s.curIndex)
	s.curIndex++
	s.lastAdded = name

	s.adders[name] = meta.SenderID
	child := s.node.Register(name, s.factory)
	if s.dead[name] {
		// A delete overtook its add; the element is born frozen.
		child.Freeze()
		return
	}
	s.live[name] = true
}

func (s *CollabSet) applyDel(name string) {
	if s.dead[name] {
		return
	}
	s.dead[name] = true
	delete(s.live, name)
	if child := s.node.Child(name); child != nil {
		child.Freeze()
	}
}

func (s *CollabSet) SaveState() ([]byte, error) {
	st := setState{Adders: s.adders}
	for n := range s.live {
		st.Live = append(st.Live, n)
	}
	for n := range s.dead {
		st.Dead = append(st.Dead, n)
	}
	sort.Strings(st.Live)
	sort.Strings(st.Dead)
	return stdJSON.Marshal(st)
}

func (s *CollabSet) LoadState(data []byte, meta *runtime.LoadMeta) error {
	if data == nil {
		return nil
	}
	var st setState
	if err := stdJSON.Unmarshal(data, &st); err != nil {
		return errors.Wrap(err, "collabset state")
	}
	for name, adder := range st.Adders {
		if _, ok := s.adders[name]; !ok {
			s.adders[name] = adder
		}
	}
	for _, name := range st.Live {
		if s.dead[name] || s.live[name] {
			continue
		}
		s.live[name] = true
		if s.node.Child(name) == nil {
			s.node.Register(name, s.factory)
		}
	}
	// Deletions win over liveness regardless of which side knew first.
	for _, name := range st.Dead {
		if s.dead[name] {
			continue
		}
		s.dead[name] = true
		delete(s.live, name)
		if child := s.node.Child(name); child != nil {
			child.Freeze()
		} else {
			s.node.Register(name, s.factory).Freeze()
		}
	}
	return nil
}

func (s *CollabSet) CanGC() bool {
	return len(s.live) == 0 && len(s.dead) == 0
}
