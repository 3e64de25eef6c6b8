package bus

import (
	"github.com/dshills/pathbus/internal/bus/path"
)

// node is one entry in the hierarchical store. One node exists per
// distinct path prefix that has been touched; nodes are created lazily
// on first access and pruned again once nothing references them.
type node struct {
	// path is the full path from the root to this node.
	path path.Path

	parent   *node
	children map[string]*node

	// value is the current cached payload for this exact path.
	value    any
	hasValue bool

	// deltas is the bounded change history, created on first publish.
	deltas *deltaBuffer

	// subscribers holds change callbacks in registration order.
	subscribers []*subscriber

	// providers are attached at this exact node. A provider activates
	// independently for every distinct concrete path subscribed at or
	// beneath this node.
	providers []attachedProvider

	// active tracks provider refcounts, keyed by the canonical string
	// of the concrete subscribed path. Each attached provider gets its
	// own record per path.
	active map[string][]*activation

	// activationErr is the most recent activation failure observed for
	// a path activating through this node, cleared on the next success.
	// It lets late subscribers see that the resource is unhealthy even
	// though they never trigger activation themselves.
	activationErr error
}

func newNode(p path.Path, parent *node) *node {
	return &node{
		path:     p,
		parent:   parent,
		children: make(map[string]*node),
		active:   make(map[string][]*activation),
	}
}

// lookup resolves the node for p starting from n, returning the node
// and the chain of nodes from n to it, inclusive. With create false a
// missing segment yields a nil node and chain, supporting read-only
// peeks without mutating the tree.
func (n *node) lookup(p path.Path, create bool) (*node, []*node) {
	segments := p.Segments()
	chain := make([]*node, 0, len(segments)+1)
	chain = append(chain, n)

	cur := n
	for _, seg := range segments {
		child := cur.children[seg]
		if child == nil {
			if !create {
				return nil, nil
			}
			child = newNode(cur.path.Child(seg), cur)
			cur.children[seg] = child
		}
		chain = append(chain, child)
		cur = child
	}

	return cur, chain
}

// removeSubscriber removes the given subscriber, preserving the
// registration order of the rest.
func (n *node) removeSubscriber(sub *subscriber) bool {
	for i, s := range n.subscribers {
		if s == sub {
			n.subscribers = append(n.subscribers[:i], n.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// attachedProvider pairs a provider with a bus-assigned identity.
// Records are matched by that identity rather than interface equality,
// which would panic on uncomparable implementations like ProviderFunc.
type attachedProvider struct {
	id   uint64
	prov Provider
}

// record returns the activation record for (ap, key), creating it if
// needed.
func (n *node) record(ap attachedProvider, key string) *activation {
	for _, rec := range n.active[key] {
		if rec.providerID == ap.id {
			return rec
		}
	}
	rec := &activation{host: n, provider: ap.prov, providerID: ap.id, key: key}
	n.active[key] = append(n.active[key], rec)
	return rec
}

// dropRecord removes a fully settled activation record.
func (n *node) dropRecord(rec *activation) {
	recs := n.active[rec.key]
	for i, r := range recs {
		if r == rec {
			recs = append(recs[:i], recs[i+1:]...)
			break
		}
	}
	if len(recs) == 0 {
		delete(n.active, rec.key)
	} else {
		n.active[rec.key] = recs
	}
}

// isEmpty reports whether nothing references this node: no value, no
// subscribers, no attached providers, no live activation records, and
// no children.
func (n *node) isEmpty() bool {
	return !n.hasValue &&
		len(n.subscribers) == 0 &&
		len(n.providers) == 0 &&
		len(n.active) == 0 &&
		len(n.children) == 0
}

// walk visits n and every descendant in depth-first order.
func (n *node) walk(visit func(*node)) {
	visit(n)
	for _, child := range n.children {
		child.walk(visit)
	}
}
