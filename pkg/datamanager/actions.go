package datamanager

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// Actions form the data manager's closed algebra. Each decodes from the
// unresolved entry's bytes and applies to the row value; Apply returns
// the new value (nil to delete the row) and an optional reply payload.

type putAction struct {
	Size   int64        `json:"size"`
	Holder types.PeerID `json:"holder,omitempty"`
}

type holderAction struct {
	Pmid types.PeerID `json:"pmid"`
}

type markDownReply struct {
	RemainingOnline int `json:"remaining_online"`
}

// apply mutates value according to kind. value is nil for an absent
// row. The new value is built in a local and only handed back on
// success, so a failed action leaves the row untouched.
func apply(kind types.ActionKind, action []byte, dataName name.Name, value *Value) (*Value, any, error) {
	switch kind {
	case types.ActionPut:
		var a putAction
		if err := json.Unmarshal(action, &a); err != nil {
			return value, nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if value == nil {
			v := NewValue(a.Size)
			if a.Holder != "" {
				v.AddHolder(a.Holder)
			}
			return v, nil, nil
		}
		if dataName.Kind.Unique() {
			return value, nil, types.ErrDuplicateData
		}
		value.Subscribers++
		return value, nil, nil

	case types.ActionDelete:
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		value.Subscribers--
		if value.Subscribers <= 0 {
			// Holder sets go with the row.
			return nil, nil, nil
		}
		return value, nil, nil

	case types.ActionAddHolder:
		var a holderAction
		if err := json.Unmarshal(action, &a); err != nil {
			return value, nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		value.AddHolder(a.Pmid)
		return value, nil, nil

	case types.ActionRemoveHolder:
		var a holderAction
		if err := json.Unmarshal(action, &a); err != nil {
			return value, nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		value.RemoveHolder(a.Pmid)
		return value, nil, nil

	case types.ActionMarkHolderDown:
		var a holderAction
		if err := json.Unmarshal(action, &a); err != nil {
			return value, nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		remaining := value.MarkHolderDown(a.Pmid)
		return value, markDownReply{RemainingOnline: remaining}, nil

	case types.ActionMarkHolderUp:
		var a holderAction
		if err := json.Unmarshal(action, &a); err != nil {
			return value, nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		value.MarkHolderUp(a.Pmid)
		return value, nil, nil

	case types.ActionGet:
		// Pure read, serialized through the pipeline so it observes a
		// committed prefix.
		if value == nil {
			return nil, nil, types.ErrNotFound
		}
		return value, value, nil

	default:
		return value, nil, fmt.Errorf("%w: unknown data manager action %q", types.ErrMalformedMessage, kind)
	}
}
