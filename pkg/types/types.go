package types

import (
	"github.com/google/uuid"
)

// PeerID identifies a node in the routing overlay. IDs are opaque
// fixed-width byte strings assigned by the router; the vault only ever
// compares them for equality and uses them as map keys.
type PeerID string

// MessageID uniquely identifies a request across the network. It is part
// of the unresolved-log key; conflicting proposals under one key are
// settled on their action bytes, and message IDs are not compared.
type MessageID string

// NewMessageID mints an ID for a locally originated message.
func NewMessageID() MessageID {
	return MessageID(uuid.New().String())
}

// Persona is a role a vault plays in a replication group.
type Persona string

const (
	PersonaMaidManager    Persona = "maid-manager"
	PersonaDataManager    Persona = "data-manager"
	PersonaPmidManager    Persona = "pmid-manager"
	PersonaVersionManager Persona = "version-manager"
	PersonaPmidNode       Persona = "pmid-node"
)

// Valid reports whether p is a known persona tag.
func (p Persona) Valid() bool {
	switch p {
	case PersonaMaidManager, PersonaDataManager, PersonaPmidManager,
		PersonaVersionManager, PersonaPmidNode:
		return true
	}
	return false
}

// Sender describes where a routed message came from. A single-source
// message originates at one node; a group-source message is the same
// request relayed independently by every member of a close group, and
// Group carries that group's name.
type Sender struct {
	Peer  PeerID `json:"peer"`
	Group PeerID `json:"group,omitempty"`
}

// IsGroup reports whether the sender is a close group rather than a
// single node.
func (s Sender) IsGroup() bool {
	return s.Group != ""
}

// RequiredCount returns how many distinct senders must be observed
// before a request is admitted: one for a single source, group_size-1
// for a group source (the sending group's majority, excluding self).
func (s Sender) RequiredCount(groupSize int) int {
	if s.IsGroup() {
		return groupSize - 1
	}
	return 1
}

// ActionKind names an action type within a persona's closed action set.
type ActionKind string

const (
	ActionPut               ActionKind = "put"
	ActionDelete            ActionKind = "delete"
	ActionGet               ActionKind = "get"
	ActionRegisterHolder    ActionKind = "register-holder"
	ActionUnregisterHolder  ActionKind = "unregister-holder"
	ActionUpdateHolder      ActionKind = "update-holder"
	ActionAddHolder         ActionKind = "add-holder"
	ActionRemoveHolder      ActionKind = "remove-holder"
	ActionMarkHolderDown    ActionKind = "mark-holder-down"
	ActionMarkHolderUp      ActionKind = "mark-holder-up"
	ActionPutVersion        ActionKind = "put-version"
	ActionGetVersions       ActionKind = "get-versions"
	ActionGetBranch         ActionKind = "get-branch"
	ActionDeleteBranchUntil ActionKind = "delete-branch-until"
)
