package maidmanager

import (
	"encoding/json"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cuemby/vault/pkg/types"
)

// HolderTotals is the rollup one maid account keeps per registered pmid
// holder.
type HolderTotals struct {
	StoredCount     int64 `json:"stored_count"`
	StoredTotalSize int64 `json:"stored_total_size"`
	LostCount       int64 `json:"lost_count"`
	LostTotalSize   int64 `json:"lost_total_size"`
}

// Value is one client's storage account: the total it has stored across
// its holders, the pmid nodes registered to hold for it, and per-holder
// totals reported back by the pmid managers.
type Value struct {
	TotalStored       int64
	RegisteredHolders mapset.Set[types.PeerID]
	PerHolder         map[types.PeerID]HolderTotals
}

// NewValue creates an empty account value.
func NewValue() *Value {
	return &Value{
		RegisteredHolders: mapset.NewThreadUnsafeSet[types.PeerID](),
		PerHolder:         make(map[types.PeerID]HolderTotals),
	}
}

type valueWire struct {
	TotalStored       int64                          `json:"total_stored"`
	RegisteredHolders []types.PeerID                 `json:"registered_holders"`
	PerHolder         map[types.PeerID]HolderTotals `json:"per_holder,omitempty"`
}

// MarshalJSON encodes deterministically: the holder set as a sorted
// slice, the per-holder map with encoding/json's sorted keys.
func (v *Value) MarshalJSON() ([]byte, error) {
	holders := v.RegisteredHolders.ToSlice()
	sort.Slice(holders, func(i, j int) bool { return holders[i] < holders[j] })
	return json.Marshal(valueWire{
		TotalStored:       v.TotalStored,
		RegisteredHolders: holders,
		PerHolder:         v.PerHolder,
	})
}

// UnmarshalJSON restores a persisted value.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	v.TotalStored = w.TotalStored
	v.RegisteredHolders = mapset.NewThreadUnsafeSet[types.PeerID](w.RegisteredHolders...)
	v.PerHolder = w.PerHolder
	if v.PerHolder == nil {
		v.PerHolder = make(map[types.PeerID]HolderTotals)
	}
	return nil
}
