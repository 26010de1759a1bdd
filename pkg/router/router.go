package router

import (
	"github.com/cuemby/vault/pkg/types"
)

// MessageHandler receives a routed byte string. The handler owns the
// slice; the router does not touch it afterwards.
type MessageHandler func(data []byte)

// GroupChangeHandler is invoked when the overlay's view of this node's
// close group changes. added and removed are relative to the previous
// view.
type GroupChangeHandler func(added, removed []types.PeerID)

// Router is the overlay the vault consumes. The real transport lives in
// the outer harness; the vault only depends on this surface.
type Router interface {
	// Self returns this node's overlay ID.
	Self() types.PeerID
	// Send delivers bytes to one peer. Fire and forget.
	Send(peer types.PeerID, data []byte) error
	// SendGroup delivers bytes to every member of the close group
	// responsible for target, excluding self.
	SendGroup(target types.PeerID, data []byte) error
	// OnMessage registers the inbound message callback. The router may
	// invoke it from multiple goroutines concurrently.
	OnMessage(h MessageHandler)
	// OnCloseGroupChange registers the churn callback.
	OnCloseGroupChange(h GroupChangeHandler)
	// CloseGroup returns the current close group of this node.
	CloseGroup() []types.PeerID
}
