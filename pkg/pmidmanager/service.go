package pmidmanager

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/accumulator"
	"github.com/cuemby/vault/pkg/events"
	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/pipeline"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/syncer"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/unresolved"
)

// Config holds pmid manager tuning.
type Config struct {
	GroupSize      int
	AccumulatorTTL time.Duration
	UnresolvedTTL  time.Duration
	SyncInterval   time.Duration
}

// Value is the rollup a pmid manager group keeps for its pmid node:
// what the node has been given to store, what it has lost, and whether
// it is currently reachable.
type Value struct {
	StoredCount     int64 `json:"stored_count"`
	StoredTotalSize int64 `json:"stored_total_size"`
	LostCount       int64 `json:"lost_count"`
	LostTotalSize   int64 `json:"lost_total_size"`
	Online          bool  `json:"online"`
}

type putAction struct {
	Pmid types.PeerID `json:"pmid"`
	Size int64        `json:"size"`
}

type nodeAction struct {
	Pmid types.PeerID `json:"pmid"`
}

// Service is the pmid manager persona: the close group around one pmid
// node, tracking the chunks assigned to it and relaying its health to
// the data managers of those chunks.
type Service struct {
	cfg      Config
	db       *storage.DB
	router   router.Router
	broker   *events.Broker
	pipeline *pipeline.Pipeline
	syncer   *syncer.Syncer
	transfer *syncer.Transfer
	logger   zerolog.Logger
}

// New wires a pmid manager service.
func New(cfg Config, db *storage.DB, r router.Router, broker *events.Broker) *Service {
	logger := log.WithPersona(string(types.PersonaPmidManager))
	s := &Service{
		cfg:    cfg,
		db:     db,
		router: r,
		broker: broker,
		logger: logger,
	}
	acc := accumulator.New(accumulator.Config{
		GroupSize: cfg.GroupSize,
		TTL:       cfg.AccumulatorTTL,
	})
	ulog := unresolved.NewLog(r.Self(), cfg.GroupSize, cfg.UnresolvedTTL, logger)
	s.syncer = syncer.New(types.PersonaPmidManager, r, ulog, cfg.SyncInterval, logger)
	s.transfer = syncer.NewTransfer(types.PersonaPmidManager, db, r, logger)
	s.pipeline = pipeline.New(types.PersonaPmidManager, r, acc, ulog, s.syncer, s.transfer, s.applyEntry, logger)
	return s
}

// Start launches the sync loop.
func (s *Service) Start() { s.syncer.Start() }

// Stop terminates background work.
func (s *Service) Stop() { s.syncer.Stop() }

// Transfer exposes the churn transfer handler.
func (s *Service) Transfer() *syncer.Transfer { return s.transfer }

// HandleMessage is the dispatcher entry point. Puts arrive from the
// data manager group choosing this pmid as a holder; health
// transitions arrive from the overlay's own connection management,
// relayed as group traffic.
func (s *Service) HandleMessage(m *message.Message) error {
	if done, err := s.pipeline.HandleCommon(m); done {
		return err
	}
	var kind types.ActionKind
	switch m.Operation {
	case message.OpPut:
		kind = types.ActionPut
	case message.OpDelete:
		kind = types.ActionDelete
	case message.OpMarkHolderDown:
		kind = types.ActionMarkHolderDown
	case message.OpMarkHolderUp:
		kind = types.ActionMarkHolderUp
	default:
		return fmt.Errorf("%w: pmid manager does not serve %q", types.ErrUnroutableMessage, m.Operation)
	}
	if !m.Sender.IsGroup() {
		return types.ErrUnauthorizedSender
	}
	return s.pipeline.Submit(m, kind, m.Payload)
}

func accountOf(pmid types.PeerID) storage.AccountID {
	return storage.DeriveAccount(types.PersonaPmidManager, summaryKey(pmid))
}

func summaryKey(pmid types.PeerID) name.Name {
	return name.Name{Kind: name.PublicPmid, Identity: name.MakeIdentity([]byte(pmid))}
}

// applyEntry is the merge policy for committed pmid rollup actions.
func (s *Service) applyEntry(e *unresolved.Entry) (any, error) {
	switch e.Key.Kind {
	case types.ActionPut:
		var a putAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if err := s.db.Put(accountOf(a.Pmid), e.Key.Name, e.Action); err != nil {
			return nil, err
		}
		return nil, s.updateSummary(a.Pmid, func(v *Value) {
			v.StoredCount++
			v.StoredTotalSize += a.Size
		})
	case types.ActionDelete:
		var a putAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		existing, err := s.db.Get(accountOf(a.Pmid), e.Key.Name)
		if err != nil {
			return nil, err
		}
		var stored putAction
		if err := json.Unmarshal(existing, &stored); err != nil {
			return nil, types.NewStorageFault("decode", err)
		}
		if err := s.db.Delete(accountOf(a.Pmid), e.Key.Name); err != nil {
			return nil, err
		}
		return nil, s.updateSummary(a.Pmid, func(v *Value) {
			v.StoredCount--
			v.StoredTotalSize -= stored.Size
		})
	case types.ActionMarkHolderDown:
		var a nodeAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if err := s.updateSummary(a.Pmid, func(v *Value) { v.Online = false }); err != nil {
			return nil, err
		}
		go s.relayHealth(a.Pmid, message.OpMarkHolderDown)
		s.publish(events.EventHolderDown, a.Pmid)
		return nil, nil
	case types.ActionMarkHolderUp:
		var a nodeAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if err := s.updateSummary(a.Pmid, func(v *Value) { v.Online = true }); err != nil {
			return nil, err
		}
		go s.relayHealth(a.Pmid, message.OpMarkHolderUp)
		s.publish(events.EventHolderUp, a.Pmid)
		return nil, nil
	default:
		return nil, fmt.Errorf("%w: unknown pmid manager action %q", types.ErrMalformedMessage, e.Key.Kind)
	}
}

func (s *Service) updateSummary(pmid types.PeerID, mutate func(*Value)) error {
	account := accountOf(pmid)
	key := summaryKey(pmid)
	value := &Value{Online: true}
	existing, err := s.db.Get(account, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, value); err != nil {
			return types.NewStorageFault("decode", err)
		}
	case errors.Is(err, types.ErrNotFound):
	default:
		return err
	}
	mutate(value)
	encoded, err := json.Marshal(value)
	if err != nil {
		return types.NewStorageFault("encode", err)
	}
	return s.db.Put(account, key, encoded)
}

// relayHealth tells the data manager group of every chunk assigned to
// the pmid that its holder changed state, so replica indexes stay
// truthful and re-replication can start.
func (s *Service) relayHealth(pmid types.PeerID, op message.Operation) {
	account := accountOf(pmid)
	skip := summaryKey(pmid)
	payload, _ := json.Marshal(struct {
		Pmid types.PeerID `json:"pmid"`
	}{Pmid: pmid})
	err := s.db.Scan(account, func(key name.Name, _ []byte) error {
		if key == skip {
			return nil
		}
		m := &message.Message{
			Persona:   types.PersonaDataManager,
			Operation: op,
			ID:        types.NewMessageID(),
			Name:      key,
			Payload:   payload,
			Sender:    types.Sender{Peer: s.router.Self(), Group: pmid},
		}
		data, err := message.Encode(m)
		if err != nil {
			return nil
		}
		_ = s.router.SendGroup(types.PeerID(key.Identity[:]), data)
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Str("pmid", string(pmid)).Msg("relaying holder health")
	}
}

func (s *Service) publish(t events.EventType, pmid types.PeerID) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type: t,
		Metadata: map[string]string{
			"persona": string(types.PersonaPmidManager),
			"pmid":    string(pmid),
		},
	})
}
