// Package slottree tracks the fork graph of blockchain slots as they move
// through Processed, Confirmed and Finalized commitment, exposing a single
// push operation that reports which slots were promoted to the new root and
// which were pruned as rival forks.
//
// Nodes live in a flat arena (a slice plus a free-list of retired indices)
// addressed by NodeID, rather than as reference-counted objects with weak
// back-references: a child owns its position in its parent's children map,
// the parent link is a plain index with no ownership implied, and pruning or
// root-promotion simply returns an index to the free-list instead of relying
// on a collector to notice a dropped strong reference.
package slottree

import "github.com/bobs4462/wsgateway/internal/wsproto"

// NodeID indexes into the tree's arena. The synthetic bootstrap root is
// allocated first and occupies index 0, and retired indices are handed out
// again to later nodes, so code goes through lookup/root rather than assume
// any fixed index.
type NodeID int

const none NodeID = -1

type node struct {
	slot     wsproto.Slot
	status   wsproto.Commitment
	parent   NodeID
	children map[wsproto.Slot]NodeID
}

// RootedOrPruned is one outcome of a push that promoted a new root: either
// the slot was rooted (it or an ancestor of it), or it was pruned as part of
// an orphaned rival fork.
type RootedOrPruned struct {
	Slot   wsproto.Slot
	Rooted bool
}

// SlotTree is a single-owner, single-goroutine structure: the Buffer actor is
// its only caller, so no synchronization is needed internally.
type SlotTree struct {
	nodes         []node
	free          []NodeID
	lookup        map[wsproto.Slot]NodeID
	root          NodeID
	bootstrapping bool
}

// New returns a tree with a synthetic Finalized root at slot 0, which any
// unknown-parent slot attaches to until the first real Finalized update
// arrives and bootstrapping ends.
func New() *SlotTree {
	t := &SlotTree{lookup: make(map[wsproto.Slot]NodeID), bootstrapping: true}
	root := t.alloc(0, wsproto.Finalized, none)
	t.root = root
	t.lookup[0] = root
	return t
}

// CurrentRoot returns the slot of the tree's single current root.
func (t *SlotTree) CurrentRoot() wsproto.Slot {
	return t.nodes[t.root].slot
}

func (t *SlotTree) alloc(slot wsproto.Slot, status wsproto.Commitment, parent NodeID) NodeID {
	n := node{slot: slot, status: status, parent: parent, children: make(map[wsproto.Slot]NodeID)}
	if len(t.free) > 0 {
		id := t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
		t.nodes[id] = n
		return id
	}
	t.nodes = append(t.nodes, n)
	return NodeID(len(t.nodes) - 1)
}

func (t *SlotTree) retire(id NodeID) {
	t.nodes[id] = node{}
	t.free = append(t.free, id)
}

// Push feeds one slot update into the tree. It returns nil when the update
// caused no root promotion (stale slot, unknown parent, or status below
// Finalized); otherwise it returns every slot that was rooted or pruned as a
// consequence: the newly rooted slot first, then, level by level toward the
// old root, the pruned rival subtrees of that level followed by the ancestor
// rooted at that level.
func (t *SlotTree) Push(raw wsproto.SlotUpdate) []RootedOrPruned {
	if t.bootstrapping {
		return t.bootstrap(raw)
	}
	if raw.Slot <= t.nodes[t.root].slot {
		return nil
	}

	var id NodeID
	if existing, ok := t.lookup[raw.Slot]; ok {
		id = existing
		n := &t.nodes[id]
		newParent, ok := t.lookup[raw.Parent]
		if !ok {
			return nil
		}
		if n.parent != newParent {
			delete(t.nodes[n.parent].children, n.slot)
			t.nodes[newParent].children[n.slot] = id
		}
		n.parent = newParent
		if raw.Status > n.status {
			n.status = raw.Status
		}
	} else {
		parent, ok := t.lookup[raw.Parent]
		if !ok {
			return nil
		}
		id = t.alloc(raw.Slot, raw.Status, parent)
		t.lookup[raw.Slot] = id
		t.nodes[parent].children[raw.Slot] = id
	}

	if t.nodes[id].status != wsproto.Finalized {
		return nil
	}
	return t.promote(id)
}

func (t *SlotTree) bootstrap(raw wsproto.SlotUpdate) []RootedOrPruned {
	parent, ok := t.lookup[raw.Parent]
	if !ok {
		parent = t.root
	} else {
		delete(t.nodes[parent].children, raw.Slot)
	}

	var id NodeID
	if existing, ok := t.lookup[raw.Slot]; ok {
		id = existing
		if raw.Status > t.nodes[id].status {
			t.nodes[id].status = raw.Status
		}
	} else {
		id = t.alloc(raw.Slot, raw.Status, none)
		t.lookup[raw.Slot] = id
	}
	t.nodes[id].parent = parent
	t.nodes[parent].children[raw.Slot] = id

	if t.nodes[id].status != wsproto.Finalized {
		return nil
	}
	result := t.promote(id)
	t.bootstrapping = false
	return result
}

// promote walks from the freshly-rooted id toward the existing root,
// detaching it from each ancestor, pruning rival siblings along the way, and
// retiring every ancestor it passes (the existing root included) since only
// id itself survives as the new root.
func (t *SlotTree) promote(id NodeID) []RootedOrPruned {
	result := []RootedOrPruned{{Slot: t.nodes[id].slot, Rooted: true}}
	parent := t.nodes[id].parent
	child := t.nodes[id].slot

	for {
		siblings := t.nodes[parent].children
		t.nodes[parent].children = make(map[wsproto.Slot]NodeID, len(siblings))
		delete(siblings, child)
		for _, orphan := range siblings {
			for _, slot := range t.pruneSubtree(orphan) {
				result = append(result, RootedOrPruned{Slot: slot, Rooted: false})
			}
		}

		if t.nodes[parent].status == wsproto.Finalized {
			delete(t.lookup, t.nodes[parent].slot)
			t.retire(parent)
			break
		}

		ancestor := t.nodes[parent].slot
		result = append(result, RootedOrPruned{Slot: ancestor, Rooted: true})
		child = ancestor
		next := t.nodes[parent].parent
		t.retire(parent)
		parent = next
	}

	t.root = id
	t.nodes[id].parent = none
	for _, r := range result {
		delete(t.lookup, r.Slot)
	}
	t.lookup[t.nodes[id].slot] = id
	return result
}

// pruneSubtree retires node and every descendant of it, pre-order, returning
// their slots.
func (t *SlotTree) pruneSubtree(id NodeID) []wsproto.Slot {
	pruned := []wsproto.Slot{t.nodes[id].slot}
	stack := make([]NodeID, 0, len(t.nodes[id].children))
	for _, child := range t.nodes[id].children {
		stack = append(stack, child)
	}
	t.retire(id)

	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		pruned = append(pruned, t.nodes[n].slot)
		for _, child := range t.nodes[n].children {
			stack = append(stack, child)
		}
		t.retire(n)
	}
	return pruned
}
