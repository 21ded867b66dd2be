// Package cluster describes the cluster membership as seen by this node.
//
// Membership itself is managed elsewhere; this package only holds the current
// view so the protocol layer can fence requests made against an older view and
// tell clients which node owns a partition.
package cluster

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/exp/slices"
)

// View is one version of the cluster membership.
type View struct {
	ID    int64
	Nodes []string
}

type Topology struct {
	mu    sync.RWMutex
	view  View
	local string
}

// NewTopology creates a topology for the node listening on local. The local
// node is added to the view if it is not already part of it.
func NewTopology(local string, view View) *Topology {
	t := &Topology{local: local}
	t.SetView(view)
	return t
}

func (t *Topology) LocalAddr() string {
	return t.local
}

func (t *Topology) ViewID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return t.view.ID
}

func (t *Topology) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return View{ID: t.view.ID, Nodes: slices.Clone(t.view.Nodes)}
}

// SetView installs a new view. Node order does not matter.
func (t *Topology) SetView(view View) {
	nodes := slices.Clone(view.Nodes)
	if t.local != "" && !slices.Contains(nodes, t.local) {
		nodes = append(nodes, t.local)
	}
	slices.Sort(nodes)

	t.mu.Lock()
	t.view = View{ID: view.ID, Nodes: nodes}
	t.mu.Unlock()
}

// Partitioned is true when data is spread over more than one node.
func (t *Topology) Partitioned() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.view.Nodes) > 1
}

// Owner returns the node that owns key in the current view.
func (t *Topology) Owner(key string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.view.Nodes) == 0 {
		return t.local
	}

	return t.view.Nodes[xxhash.Sum64String(key)%uint64(len(t.view.Nodes))]
}

// IsStale reports whether a client that last saw viewID must refresh its
// view. Clients that have not seen a view yet send 0 and are never stale.
func (t *Topology) IsStale(viewID int64) bool {
	if viewID == 0 {
		return false
	}

	return viewID < t.ViewID()
}
