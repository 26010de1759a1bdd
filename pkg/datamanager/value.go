package datamanager

import (
	"encoding/json"
	"fmt"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cuemby/vault/pkg/types"
)

// Value is one data element's metadata: how big it is, how many clients
// reference it, and which pmid nodes hold replicas. The online and
// offline sets are always disjoint, and a row only exists while
// Subscribers >= 1.
type Value struct {
	DataSize    int64
	Subscribers int64
	Online      mapset.Set[types.PeerID]
	Offline     mapset.Set[types.PeerID]
}

// NewValue creates a row for freshly stored data with one subscriber.
func NewValue(size int64) *Value {
	return &Value{
		DataSize:    size,
		Subscribers: 1,
		Online:      mapset.NewThreadUnsafeSet[types.PeerID](),
		Offline:     mapset.NewThreadUnsafeSet[types.PeerID](),
	}
}

// valueWire is the persisted form. Sets serialize as sorted slices so
// equal values encode byte-identically on every replica.
type valueWire struct {
	DataSize    int64          `json:"data_size"`
	Subscribers int64          `json:"subscribers"`
	Online      []types.PeerID `json:"online"`
	Offline     []types.PeerID `json:"offline"`
}

func sortedSlice(s mapset.Set[types.PeerID]) []types.PeerID {
	out := s.ToSlice()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// MarshalJSON implements deterministic encoding.
func (v *Value) MarshalJSON() ([]byte, error) {
	return json.Marshal(valueWire{
		DataSize:    v.DataSize,
		Subscribers: v.Subscribers,
		Online:      sortedSlice(v.Online),
		Offline:     sortedSlice(v.Offline),
	})
}

// UnmarshalJSON restores a persisted value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.DataSize = w.DataSize
	v.Subscribers = w.Subscribers
	v.Online = mapset.NewThreadUnsafeSet[types.PeerID](w.Online...)
	v.Offline = mapset.NewThreadUnsafeSet[types.PeerID](w.Offline...)
	return nil
}

// MarkHolderDown moves pmid from online to offline and returns how many
// online holders remain. Marking an already-offline holder is a no-op.
func (v *Value) MarkHolderDown(pmid types.PeerID) int {
	if v.Online.Contains(pmid) {
		v.Online.Remove(pmid)
		v.Offline.Add(pmid)
	}
	return v.Online.Cardinality()
}

// MarkHolderUp moves pmid from offline to online. Marking an
// already-online holder is a no-op.
func (v *Value) MarkHolderUp(pmid types.PeerID) {
	if v.Offline.Contains(pmid) {
		v.Offline.Remove(pmid)
		v.Online.Add(pmid)
	}
}

// AddHolder registers a replica holder, assumed online. Duplicate adds
// are no-ops.
func (v *Value) AddHolder(pmid types.PeerID) {
	if !v.Offline.Contains(pmid) {
		v.Online.Add(pmid)
	}
}

// RemoveHolder forgets a holder whether online or offline.
func (v *Value) RemoveHolder(pmid types.PeerID) {
	v.Online.Remove(pmid)
	v.Offline.Remove(pmid)
}

// check validates the disjointness invariant; tests call it after
// every mutation.
func (v *Value) check() error {
	if v.Online.Intersect(v.Offline).Cardinality() != 0 {
		return fmt.Errorf("online and offline holder sets overlap")
	}
	return nil
}
