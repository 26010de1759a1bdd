package router

import (
	"fmt"
	"sync"

	"github.com/cuemby/vault/pkg/types"
)

// Network is an in-memory overlay connecting MemRouters, used by tests
// and single-process local clusters. Delivery is synchronous and
// in-order per sender; that is stricter than a real overlay, which the
// pipeline must not rely on, but it keeps tests deterministic.
type Network struct {
	mu    sync.RWMutex
	nodes map[types.PeerID]*MemRouter
}

// NewNetwork creates an empty in-memory overlay.
func NewNetwork() *Network {
	return &Network{nodes: make(map[types.PeerID]*MemRouter)}
}

// Join adds a node to the overlay and returns its router.
func (n *Network) Join(id types.PeerID) *MemRouter {
	n.mu.Lock()
	defer n.mu.Unlock()
	r := &MemRouter{id: id, network: n}
	n.nodes[id] = r
	return r
}

// SetCloseGroup fixes the close group the overlay reports for a node
// and fires its churn callback with the difference from the previous
// view.
func (n *Network) SetCloseGroup(id types.PeerID, group []types.PeerID) {
	n.mu.Lock()
	r, ok := n.nodes[id]
	if !ok {
		n.mu.Unlock()
		return
	}
	old := r.group
	r.group = append([]types.PeerID(nil), group...)
	handler := r.groupChange
	n.mu.Unlock()

	if handler != nil {
		handler(diff(group, old), diff(old, group))
	}
}

func diff(a, b []types.PeerID) []types.PeerID {
	inB := make(map[types.PeerID]bool, len(b))
	for _, p := range b {
		inB[p] = true
	}
	var out []types.PeerID
	for _, p := range a {
		if !inB[p] {
			out = append(out, p)
		}
	}
	return out
}

// MemRouter is one node's handle on the in-memory overlay.
type MemRouter struct {
	id          types.PeerID
	network     *Network
	group       []types.PeerID
	handler     MessageHandler
	groupChange GroupChangeHandler
}

var _ Router = (*MemRouter)(nil)

func (r *MemRouter) Self() types.PeerID {
	return r.id
}

func (r *MemRouter) Send(peer types.PeerID, data []byte) error {
	r.network.mu.RLock()
	target, ok := r.network.nodes[peer]
	var h MessageHandler
	if ok {
		h = target.handler
	}
	r.network.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown peer %s", peer)
	}
	if h != nil {
		h(data)
	}
	return nil
}

func (r *MemRouter) SendGroup(target types.PeerID, data []byte) error {
	r.network.mu.RLock()
	owner, ok := r.network.nodes[target]
	var members []types.PeerID
	if ok {
		members = append(members, owner.group...)
	}
	r.network.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown group target %s", target)
	}
	for _, m := range members {
		if m == r.id {
			continue
		}
		_ = r.Send(m, data)
	}
	return nil
}

func (r *MemRouter) OnMessage(h MessageHandler) {
	r.network.mu.Lock()
	r.handler = h
	r.network.mu.Unlock()
}

func (r *MemRouter) OnCloseGroupChange(h GroupChangeHandler) {
	r.network.mu.Lock()
	r.groupChange = h
	r.network.mu.Unlock()
}

func (r *MemRouter) CloseGroup() []types.PeerID {
	r.network.mu.RLock()
	defer r.network.mu.RUnlock()
	return append([]types.PeerID(nil), r.group...)
}
