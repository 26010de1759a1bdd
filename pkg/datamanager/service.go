package datamanager

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
	"github.com/cuemby/vault/pkg/pipeline"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/syncer"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/unresolved"
)

// Config holds data manager tuning.
type Config struct {
	GroupSize      int
	AccumulatorTTL time.Duration
	UnresolvedTTL  time.Duration
	SyncInterval   time.Duration
}

// Service is the data manager persona: it maintains, per data element,
// the replica index and subscriber count, and drives re-replication
// when holders go down. Puts arrive from the maid manager group;
// holder health changes arrive from the pmid manager group.
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

// New wires a data manager service.
func New(cfg Config, db *storage.DB, r router.Router, broker *events.Broker) *Service {
	logger := log.WithPersona(string(types.PersonaDataManager))
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
	s.syncer = syncer.New(types.PersonaDataManager, r, ulog, cfg.SyncInterval, logger)
	s.transfer = syncer.NewTransfer(types.PersonaDataManager, db, r, logger)
	s.pipeline = pipeline.New(types.PersonaDataManager, r, acc, ulog, s.syncer, s.transfer, s.applyEntry, logger)
	return s
}

// Start launches the sync loop.
func (s *Service) Start() {
	s.syncer.Start()
}

// Stop terminates background work.
func (s *Service) Stop() {
	s.syncer.Stop()
}

// Transfer exposes the churn transfer handler for the vault's group
// change logic.
func (s *Service) Transfer() *syncer.Transfer {
	return s.transfer
}

// AccountOf returns the account a data element's row lives in.
func (s *Service) AccountOf(m *message.Message) storage.AccountID {
	return storage.DeriveAccount(types.PersonaDataManager, m.Name)
}

// HandleMessage is the dispatcher entry point.
func (s *Service) HandleMessage(m *message.Message) error {
	if done, err := s.pipeline.HandleCommon(m); done {
		return err
	}
	kind, ok := actionKindFor(m.Operation)
	if !ok {
		return fmt.Errorf("%w: data manager does not serve %q", types.ErrUnroutableMessage, m.Operation)
	}
	if err := s.validateSender(m); err != nil {
		s.logger.Debug().
			Str("operation", string(m.Operation)).
			Str("peer", string(m.Sender.Peer)).
			Msg("rejecting message from unauthorized sender")
		return err
	}
	return s.pipeline.Submit(m, kind, m.Payload)
}

func actionKindFor(op message.Operation) (types.ActionKind, bool) {
	switch op {
	case message.OpPut:
		return types.ActionPut, true
	case message.OpDelete:
		return types.ActionDelete, true
	case message.OpGet:
		return types.ActionGet, true
	case message.OpAddHolder:
		return types.ActionAddHolder, true
	case message.OpRemoveHolder:
		return types.ActionRemoveHolder, true
	case message.OpMarkHolderDown:
		return types.ActionMarkHolderDown, true
	case message.OpMarkHolderUp:
		return types.ActionMarkHolderUp, true
	}
	return "", false
}

// validateSender requires a group-source sender for puts, deletes and
// holder updates; which persona's group sent them is not checked. Reads
// are accepted from any sender.
func (s *Service) validateSender(m *message.Message) error {
	switch m.Operation {
	case message.OpPut, message.OpDelete, message.OpAddHolder, message.OpRemoveHolder,
		message.OpMarkHolderDown, message.OpMarkHolderUp:
		if !m.Sender.IsGroup() {
			return types.ErrUnauthorizedSender
		}
	}
	return nil
}

// applyEntry is the merge policy: the committed action mutates the row
// inside the pipeline's critical section.
func (s *Service) applyEntry(e *unresolved.Entry) (any, error) {
	account := storage.DeriveAccount(types.PersonaDataManager, e.Key.Name)
	var value *Value
	existing, err := s.db.Get(account, e.Key.Name)
	switch {
	case err == nil:
		value = &Value{}
		if err := json.Unmarshal(existing, value); err != nil {
			return nil, types.NewStorageFault("decode", err)
		}
	case errors.Is(err, types.ErrNotFound):
	default:
		return nil, err
	}

	newValue, reply, err := apply(e.Key.Kind, e.Action, e.Key.Name, value)
	if err != nil {
		return nil, err
	}
	if newValue == nil {
		if err := s.db.Delete(account, e.Key.Name); err != nil {
			return nil, err
		}
		s.publish(events.EventAccountDeleted, e)
		return reply, nil
	}
	encoded, err := json.Marshal(newValue)
	if err != nil {
		return nil, types.NewStorageFault("encode", err)
	}
	if err := s.db.Put(account, e.Key.Name, encoded); err != nil {
		return nil, err
	}
	s.afterApply(e, newValue)
	return reply, nil
}

// afterApply emits the events a committed mutation owes: holder.down or
// holder.up on every mark-down or mark-up, whatever the replicas that
// remain, and account.created when a put leaves one subscriber.
func (s *Service) afterApply(e *unresolved.Entry, v *Value) {
	switch e.Key.Kind {
	case types.ActionMarkHolderDown:
		s.publish(events.EventHolderDown, e)
	case types.ActionMarkHolderUp:
		s.publish(events.EventHolderUp, e)
	case types.ActionPut:
		if v.Subscribers == 1 {
			s.publish(events.EventAccountCreated, e)
		}
	}
}

func (s *Service) publish(t events.EventType, e *unresolved.Entry) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:   string(e.Key.MessageID),
		Type: t,
		Metadata: map[string]string{
			"persona": string(types.PersonaDataManager),
			"name":    e.Key.Name.Identity.String(),
			"action":  string(e.Key.Kind),
		},
	})
}
