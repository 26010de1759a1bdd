package message

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// Operation names what the sender wants done. The dispatcher routes on
// Persona only; persona services switch on Operation.
type Operation string

const (
	OpPut               Operation = "put"
	OpDelete            Operation = "delete"
	OpGet               Operation = "get"
	OpRegisterPmid      Operation = "register-pmid"
	OpUnregisterPmid    Operation = "unregister-pmid"
	OpUpdatePmidTotals  Operation = "update-pmid-totals"
	OpAddHolder         Operation = "add-holder"
	OpRemoveHolder      Operation = "remove-holder"
	OpMarkHolderDown    Operation = "mark-holder-down"
	OpMarkHolderUp      Operation = "mark-holder-up"
	OpPutVersion        Operation = "put-version"
	OpGetVersions       Operation = "get-versions"
	OpGetBranch         Operation = "get-branch"
	OpDeleteBranchUntil Operation = "delete-branch-until"
	OpSync              Operation = "sync"
	OpAccountTransfer   Operation = "account-transfer"
	OpAccountRequest    Operation = "account-request"
	OpAccountAck        Operation = "account-ack"
	OpReply             Operation = "reply"
)

// Message is the routed envelope every vault exchanges. Encoding is
// JSON with struct fields in declaration order and map-free payloads,
// so two honest vaults produce byte-identical encodings for equal
// values.
type Message struct {
	Persona   types.Persona   `json:"persona"`
	Operation Operation       `json:"operation"`
	ID        types.MessageID `json:"id"`
	Name      name.Name       `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Sender    types.Sender    `json:"sender"`
}

// Encode serializes m for the router.
func Encode(m *Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return data, nil
}

// Decode parses a routed byte string. Anything that does not parse as
// an envelope is malformed; callers drop it.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	if m.ID == "" {
		return nil, fmt.Errorf("%w: missing message id", types.ErrMalformedMessage)
	}
	return &m, nil
}

// New builds an envelope with a fresh message ID and the given payload
// marshaled in place.
func New(persona types.Persona, op Operation, n name.Name, payload any, sender types.Sender) (*Message, error) {
	m := &Message{
		Persona:   persona,
		Operation: op,
		ID:        types.NewMessageID(),
		Name:      n,
		Sender:    sender,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		m.Payload = data
	}
	return m, nil
}
