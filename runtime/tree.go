package runtime

import (
	"fmt"
	"sort"
	"strings"
)

// Primitive is the contract between a sub-CRDT and the runtime. The
// runtime owns causal ordering and routing; the primitive owns its
// payload format and merge semantics.
//
// ReceiveOp must validate its payload before mutating state: a
// transaction that fails mid-apply cannot be rolled back, so an op that
// may be rejected must be rejected before it has side effects.
type Primitive interface {
	// ReceiveOp applies one op. Called exactly once per op per replica,
	// in a causally consistent order, including the synchronous local
	// echo of the primitive's own sends.
	ReceiveOp(payload []byte, meta *UpdateMeta) error

	// SaveState serializes the primitive's own state. Returning nil
	// bytes is allowed (a node can exist purely to route to children).
	SaveState() ([]byte, error)

	// LoadState merges previously saved bytes into the current state.
	// data is nil when the saved document omitted this node (it was in
	// its initial state at save time).
	LoadState(data []byte, meta *LoadMeta) error

	// CanGC reports whether the primitive is in its initial state and
	// may be omitted from saved output. Load rehydrates a fresh initial
	// state for omitted nodes, so GC never changes convergence.
	CanGC() bool
}

// CollabID is the replica-stable address of a node: the sequence of edge
// labels from the document root.
type CollabID []string

// Node is one Collab in the document tree. A node routes ops addressed
// below it to the named child and hands ops addressed to itself to its
// primitive. Identity is the path from the root; nodes never migrate.
type Node struct {
	doc      *Document
	parent   *Node
	name     string
	prim     Primitive
	children map[string]*Node
	frozen   bool
}

// Register creates a named child under n and constructs its primitive.
// Names within a parent are unique; registering a duplicate or empty
// name is a programmer error and panics. Static schema children are
// registered at construction; dynamic collections call this while
// applying their own ops, deriving names from the op's metadata so every
// replica names the new child identically.
func (n *Node) Register(name string, factory func(*Node) Primitive) *Node {
	if name == "" {
		panic("collab: empty child name")
	}
	if n.frozen {
		panic(fmt.Sprintf("collab: register %q under frozen node /%s", name, pathString(n.Path())))
	}
	if n.children == nil {
		n.children = make(map[string]*Node)
	}
	if _, ok := n.children[name]; ok {
		panic(fmt.Sprintf("collab: duplicate child name %q under /%s", name, pathString(n.Path())))
	}
	child := &Node{doc: n.doc, parent: n, name: name}
	child.prim = factory(child)
	n.children[name] = child
	return child
}

// Send records a local op on this node's primitive inside the current
// transaction (opening an auto-transaction if none is open) and echoes
// it back synchronously, so the sender observes its own change before
// Send returns. Sending on a frozen node is a programmer error.
func (n *Node) Send(payload []byte, req MetadataRequest) {
	if n.frozen {
		panic(fmt.Sprintf("collab: send on frozen node /%s", pathString(n.Path())))
	}
	n.doc.send(n, payload, req)
}

// Name returns the edge label from this node's parent, "" for the root.
func (n *Node) Name() string { return n.name }

// Doc returns the owning document.
func (n *Node) Doc() *Document { return n.doc }

// Primitive returns the primitive attached to this node, nil for pure
// routing nodes.
func (n *Node) Primitive() Primitive { return n.prim }

// Child returns the named child, nil if it does not exist.
func (n *Node) Child(name string) *Node {
	return n.children[name]
}

// Frozen reports whether this node is a placeholder for a deleted
// dynamic child. Remote ops addressed to a frozen node are dropped
// silently; local sends panic.
func (n *Node) Frozen() bool { return n.frozen }

// Freeze marks the node and its entire subtree as deleted. Deletion is
// terminal: the node stays addressable so concurrent remote ops resolve,
// but it never applies another op and is omitted from saved output.
func (n *Node) Freeze() {
	n.frozen = true
	for _, c := range n.children {
		c.Freeze()
	}
}

// Path returns the edge labels from the root to this node. The root's
// path is empty.
func (n *Node) Path() []string {
	if n.parent == nil {
		return nil
	}
	return append(n.parent.Path(), n.name)
}

// childNames returns child names in lexicographic order, the iteration
// order used for save output so equal states serialize byte-equal.
func (n *Node) childNames() []string {
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolve walks path from n, returning the target node. A nil return
// means the path never existed or was lost to a schema mismatch.
func (n *Node) resolve(path []string) *Node {
	cur := n
	for _, label := range path {
		cur = cur.children[label]
		if cur == nil {
			return nil
		}
	}
	return cur
}

func pathString(path []string) string {
	return strings.Join(path, "/")
}
