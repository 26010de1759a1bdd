package pipeline

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/accumulator"
	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/syncer"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/unresolved"
)

// Applier is a persona's merge policy: it applies one committed entry
// to the account database and returns an optional reply payload.
type Applier func(e *unresolved.Entry) (any, error)

// Pipeline is the per-persona request path shared by every service:
// accumulator gate, local proposal, synchronization, commit. One mutex
// covers the accumulator, the unresolved log, and the serialized stream
// of commits into the account database; router sends happen outside it.
type Pipeline struct {
	mu       sync.Mutex
	persona  types.Persona
	router   router.Router
	acc      *accumulator.Accumulator
	log      *unresolved.Log
	syncer   *syncer.Syncer
	transfer *syncer.Transfer
	apply    Applier
	logger   zerolog.Logger

	// Originators of admitted requests, so commits can answer them.
	// Entries are dropped once replied; a commit whose request was
	// admitted on another vault has no reply target here.
	replyTo map[types.MessageID]types.Sender
}

// New assembles a pipeline.
func New(persona types.Persona, r router.Router, acc *accumulator.Accumulator, ulog *unresolved.Log, sc *syncer.Syncer, transfer *syncer.Transfer, apply Applier, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		persona:  persona,
		router:   r,
		acc:      acc,
		log:      ulog,
		syncer:   sc,
		transfer: transfer,
		apply:    apply,
		logger:   logger,
		replyTo:  make(map[types.MessageID]types.Sender),
	}
}

// Submit runs one decoded request through the quorum gate and, if
// admitted, proposes the action. Duplicate requests replay the cached
// reply when one exists.
func (p *Pipeline) Submit(m *message.Message, kind types.ActionKind, action []byte) error {
	p.mu.Lock()
	if p.acc.CheckHandled(m) {
		reply, ok := p.acc.CachedReply(m)
		p.mu.Unlock()
		metrics.MessagesDropped.WithLabelValues("duplicate").Inc()
		if ok {
			p.sendReply(m.Sender, m.ID, reply)
		}
		return types.ErrDuplicateRequest
	}
	res := p.acc.AddPending(m)
	metrics.AccumulatorResults.WithLabelValues(string(p.persona), res.String()).Inc()
	switch res {
	case accumulator.Success:
	case accumulator.Waiting:
		p.mu.Unlock()
		return nil
	case accumulator.Duplicate:
		p.mu.Unlock()
		return types.ErrDuplicateRequest
	default:
		p.mu.Unlock()
		return types.ErrMalformedMessage
	}
	p.acc.SetHandled(m, nil)
	p.replyTo[m.ID] = m.Sender
	key := unresolved.Key{Name: m.Name, Kind: kind, MessageID: m.ID}
	e := p.log.AddLocal(key, action)
	p.mu.Unlock()

	p.syncer.Kick()
	if e != nil {
		p.commit(m, e)
	}
	return nil
}

// HandleCommon processes the operations every persona shares: sync
// exchange and account transfer. Returns true when the message was one
// of those.
func (p *Pipeline) HandleCommon(m *message.Message) (bool, error) {
	switch m.Operation {
	case message.OpSync:
		committed, err := p.syncer.HandleSync(m)
		if err != nil {
			return true, err
		}
		for _, e := range committed {
			p.commit(nil, e)
		}
		return true, nil
	case message.OpAccountTransfer:
		_, err := p.transfer.HandleTransfer(m)
		return true, err
	case message.OpAccountRequest:
		return true, p.transfer.HandleRequest(m)
	case message.OpAccountAck:
		return true, p.transfer.HandleAck(m)
	case message.OpReply:
		// Replies terminate at the requesting client; a vault receiving
		// one has nothing to do.
		return true, nil
	}
	return false, nil
}

// commit applies a resolved entry through the persona's merge policy
// and answers the originator when this vault admitted the request.
// origin is non-nil only on the synchronous path where commit follows
// straight from Submit.
func (p *Pipeline) commit(origin *message.Message, e *unresolved.Entry) {
	p.mu.Lock()
	reply, err := p.apply(e)
	sender, hasSender := p.replyTo[e.Key.MessageID]
	delete(p.replyTo, e.Key.MessageID)

	var replyBytes []byte
	if err == nil && reply != nil {
		replyBytes, _ = json.Marshal(reply)
	}
	if origin != nil || hasSender {
		cache := origin
		if cache == nil {
			cache = &message.Message{ID: e.Key.MessageID, Sender: sender}
		}
		p.acc.SetHandled(cache, replyBytes)
	}
	p.mu.Unlock()

	if err != nil {
		metrics.MessagesDropped.WithLabelValues("apply-failed").Inc()
		p.logger.Warn().
			Err(err).
			Str("action", string(e.Key.Kind)).
			Str("message_id", string(e.Key.MessageID)).
			Msg("committed action failed to apply")
		if hasSender && shouldSurface(err) {
			p.sendError(sender, e.Key.MessageID, err)
		}
		return
	}
	metrics.ActionsCommitted.WithLabelValues(string(p.persona), string(e.Key.Kind)).Inc()
	if hasSender && replyBytes != nil {
		p.sendReply(sender, e.Key.MessageID, replyBytes)
	}
}

// shouldSurface reports whether a failure is sent back to the
// originator. Local recoverable conditions stay local; persistent
// faults and data errors travel.
func shouldSurface(err error) bool {
	return types.IsStorageFault(err) ||
		errors.Is(err, types.ErrDuplicateData) ||
		errors.Is(err, types.ErrTooManyBranches) ||
		errors.Is(err, types.ErrTooManyVersions) ||
		errors.Is(err, types.ErrNotFound)
}

type errorReply struct {
	Error string `json:"error"`
}

func (p *Pipeline) sendError(to types.Sender, id types.MessageID, err error) {
	data, merr := json.Marshal(errorReply{Error: err.Error()})
	if merr != nil {
		return
	}
	p.sendReply(to, id, data)
}

func (p *Pipeline) sendReply(to types.Sender, id types.MessageID, payload []byte) {
	if to.Peer == "" || to.Peer == p.router.Self() {
		return
	}
	m := &message.Message{
		Persona:   p.persona,
		Operation: message.OpReply,
		ID:        id,
		Payload:   payload,
		Sender:    types.Sender{Peer: p.router.Self()},
	}
	data, err := message.Encode(m)
	if err != nil {
		return
	}
	if err := p.router.Send(to.Peer, data); err != nil {
		p.logger.Debug().Err(err).Str("peer", string(to.Peer)).Msg("reply send failed")
	}
}
