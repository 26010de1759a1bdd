package pmidnode

import (
	"crypto/sha512"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/accumulator"
	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/types"
)

// Config holds pmid node tuning.
type Config struct {
	GroupSize      int
	AccumulatorTTL time.Duration
}

// chunkAccount is the single keyspace holding this node's replicas.
const chunkAccount = storage.AccountID("pmid-node/chunks")

type chunkPayload struct {
	Content []byte `json:"content"`
}

// Service is the pmid node persona: the vault acting as an actual
// replica holder. It keeps no replicated account state of its own; the
// pmid manager group is the authority over what it should hold, so a
// write applies once the accumulator has seen it from enough of that
// group.
type Service struct {
	mu     sync.Mutex
	cfg    Config
	db     *storage.DB
	router router.Router
	acc    *accumulator.Accumulator
	logger zerolog.Logger
}

// New wires a pmid node service.
func New(cfg Config, db *storage.DB, r router.Router) *Service {
	return &Service{
		cfg:    cfg,
		db:     db,
		router: r,
		acc: accumulator.New(accumulator.Config{
			GroupSize: cfg.GroupSize,
			TTL:       cfg.AccumulatorTTL,
		}),
		logger: log.WithPersona(string(types.PersonaPmidNode)),
	}
}

// HandleMessage is the dispatcher entry point. Writes must come from a
// group-source sender; which group sent them is not checked. Reads may
// come from anyone and are answered directly.
func (s *Service) HandleMessage(m *message.Message) error {
	switch m.Operation {
	case message.OpPut, message.OpDelete:
		if !m.Sender.IsGroup() {
			return types.ErrUnauthorizedSender
		}
	case message.OpGet:
	default:
		return fmt.Errorf("%w: pmid node does not serve %q", types.ErrUnroutableMessage, m.Operation)
	}

	s.mu.Lock()
	if s.acc.CheckHandled(m) {
		s.mu.Unlock()
		return types.ErrDuplicateRequest
	}
	switch s.acc.AddPending(m) {
	case accumulator.Success:
		s.acc.SetHandled(m, nil)
	case accumulator.Waiting:
		s.mu.Unlock()
		return nil
	default:
		s.mu.Unlock()
		return types.ErrDuplicateRequest
	}
	s.mu.Unlock()

	switch m.Operation {
	case message.OpPut:
		var p chunkPayload
		if err := json.Unmarshal(m.Payload, &p); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if len(p.Content) == 0 {
			return fmt.Errorf("%w: empty chunk", types.ErrMalformedMessage)
		}
		if !contentMatchesName(m.Name, p.Content) {
			return fmt.Errorf("%w: content does not hash to %s", types.ErrMalformedMessage, m.Name.Identity)
		}
		return s.db.Put(chunkAccount, m.Name, p.Content)

	case message.OpDelete:
		return s.db.Delete(chunkAccount, m.Name)

	case message.OpGet:
		content, err := s.db.Get(chunkAccount, m.Name)
		if err != nil {
			return err
		}
		if !contentMatchesName(m.Name, content) {
			// Disk corruption or tampering: the chunk is unusable, so
			// drop it and let the data manager group re-replicate.
			s.logger.Warn().Str("name", m.Name.Identity.String()).Msg("chunk failed integrity check")
			_ = s.db.Delete(chunkAccount, m.Name)
			return fmt.Errorf("%w: chunk %s failed integrity check", types.ErrNotFound, m.Name.Identity)
		}
		s.reply(m, content)
		return nil
	}
	return nil
}

// contentMatchesName verifies a chunk against its self-authenticating
// name: an immutable chunk's identity is the SHA-512 of its content.
// Other kinds are named independently of their bytes and pass.
func contentMatchesName(n name.Name, content []byte) bool {
	if n.Kind != name.ImmutableData {
		return true
	}
	return name.Identity(sha512.Sum512(content)) == n.Identity
}

func (s *Service) reply(m *message.Message, content []byte) {
	payload, err := json.Marshal(chunkPayload{Content: content})
	if err != nil {
		return
	}
	out := &message.Message{
		Persona:   types.PersonaPmidNode,
		Operation: message.OpReply,
		ID:        m.ID,
		Name:      m.Name,
		Payload:   payload,
		Sender:    types.Sender{Peer: s.router.Self()},
	}
	data, err := message.Encode(out)
	if err != nil {
		return
	}
	if err := s.router.Send(m.Sender.Peer, data); err != nil {
		s.logger.Debug().Err(err).Str("peer", string(m.Sender.Peer)).Msg("chunk reply failed")
	}
}
