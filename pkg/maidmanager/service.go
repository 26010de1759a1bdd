package maidmanager

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

// Config holds maid manager tuning.
type Config struct {
	GroupSize      int
	AccumulatorTTL time.Duration
	UnresolvedTTL  time.Duration
	SyncInterval   time.Duration
}

// putAction charges a client's account for stored data. Owner is the
// requesting client, carried in the action because commits can happen
// on replicas that never saw the original request.
type putAction struct {
	Owner types.PeerID `json:"owner"`
	Size  int64        `json:"size"`
}

type deleteAction struct {
	Owner types.PeerID `json:"owner"`
}

type pmidAction struct {
	Owner types.PeerID `json:"owner"`
	Pmid  types.PeerID `json:"pmid"`
}

type totalsAction struct {
	Owner  types.PeerID `json:"owner"`
	Pmid   types.PeerID `json:"pmid"`
	Totals HolderTotals `json:"totals"`
}

// Service is the maid manager persona: the close group around a client
// (MAID) that accounts for what the client stores and which pmid nodes
// it has registered. Admitted puts are charged here and forwarded to
// the data manager group for the data's name.
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

// New wires a maid manager service.
func New(cfg Config, db *storage.DB, r router.Router, broker *events.Broker) *Service {
	logger := log.WithPersona(string(types.PersonaMaidManager))
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
	s.syncer = syncer.New(types.PersonaMaidManager, r, ulog, cfg.SyncInterval, logger)
	s.transfer = syncer.NewTransfer(types.PersonaMaidManager, db, r, logger)
	s.pipeline = pipeline.New(types.PersonaMaidManager, r, acc, ulog, s.syncer, s.transfer, s.applyEntry, logger)
	return s
}

// Start launches the sync loop.
func (s *Service) Start() { s.syncer.Start() }

// Stop terminates background work.
func (s *Service) Stop() { s.syncer.Stop() }

// Transfer exposes the churn transfer handler.
func (s *Service) Transfer() *syncer.Transfer { return s.transfer }

// HandleMessage is the dispatcher entry point. Requests reach the maid
// manager straight from the owning client, so single-source senders
// only, except pmid totals updates, which must come from a group.
func (s *Service) HandleMessage(m *message.Message) error {
	if done, err := s.pipeline.HandleCommon(m); done {
		return err
	}
	if m.Operation == message.OpUpdatePmidTotals {
		// Health rollups come from the pmid manager group, not the
		// client.
		if !m.Sender.IsGroup() {
			return types.ErrUnauthorizedSender
		}
		var a totalsAction
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		action, _ := json.Marshal(a)
		return s.pipeline.Submit(m, types.ActionUpdateHolder, action)
	}
	if m.Sender.IsGroup() {
		return types.ErrUnauthorizedSender
	}
	switch m.Operation {
	case message.OpPut:
		var req struct {
			Size int64 `json:"size"`
		}
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		action, _ := json.Marshal(putAction{Owner: m.Sender.Peer, Size: req.Size})
		return s.pipeline.Submit(m, types.ActionPut, action)
	case message.OpDelete:
		action, _ := json.Marshal(deleteAction{Owner: m.Sender.Peer})
		return s.pipeline.Submit(m, types.ActionDelete, action)
	case message.OpRegisterPmid:
		return s.submitPmid(m, types.ActionRegisterHolder)
	case message.OpUnregisterPmid:
		return s.submitPmid(m, types.ActionUnregisterHolder)
	default:
		return fmt.Errorf("%w: maid manager does not serve %q", types.ErrUnroutableMessage, m.Operation)
	}
}

func (s *Service) submitPmid(m *message.Message, kind types.ActionKind) error {
	var req struct {
		Pmid types.PeerID `json:"pmid"`
	}
	if err := json.Unmarshal(m.Payload, &req); err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
	}
	if req.Pmid == "" {
		return fmt.Errorf("%w: missing pmid", types.ErrMalformedMessage)
	}
	action, _ := json.Marshal(pmidAction{Owner: m.Sender.Peer, Pmid: req.Pmid})
	return s.pipeline.Submit(m, kind, action)
}

// summaryKey is the reserved row holding the account's aggregate value.
func summaryKey(owner types.PeerID) name.Name {
	return name.Name{Kind: name.PublicMaid, Identity: name.MakeIdentity([]byte(owner))}
}

func accountOf(owner types.PeerID) storage.AccountID {
	return storage.DeriveAccount(types.PersonaMaidManager, summaryKey(owner))
}

// applyEntry is the merge policy for committed maid account actions.
func (s *Service) applyEntry(e *unresolved.Entry) (any, error) {
	switch e.Key.Kind {
	case types.ActionPut:
		var a putAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return s.applyPut(e, a)
	case types.ActionDelete:
		var a deleteAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return nil, s.applyDelete(e, a)
	case types.ActionRegisterHolder, types.ActionUnregisterHolder:
		var a pmidAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return nil, s.updateSummary(a.Owner, func(v *Value) error {
			if e.Key.Kind == types.ActionRegisterHolder {
				v.RegisteredHolders.Add(a.Pmid)
			} else {
				v.RegisteredHolders.Remove(a.Pmid)
				delete(v.PerHolder, a.Pmid)
			}
			return nil
		})
	case types.ActionUpdateHolder:
		var a totalsAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return nil, s.updateSummary(a.Owner, func(v *Value) error {
			if !v.RegisteredHolders.Contains(a.Pmid) {
				return types.ErrNotFound
			}
			v.PerHolder[a.Pmid] = a.Totals
			return nil
		})
	default:
		return nil, fmt.Errorf("%w: unknown maid manager action %q", types.ErrMalformedMessage, e.Key.Kind)
	}
}

// applyPut charges the account and forwards the put toward the data
// manager group responsible for the data name.
func (s *Service) applyPut(e *unresolved.Entry, a putAction) (any, error) {
	account := accountOf(a.Owner)
	charge, _ := json.Marshal(putAction{Owner: a.Owner, Size: a.Size})
	_, err := s.db.Get(account, e.Key.Name)
	if err == nil {
		if e.Key.Name.Kind.Unique() {
			return nil, types.ErrDuplicateData
		}
		// Re-put of the same immutable chunk: already charged.
		return nil, nil
	}
	if !errors.Is(err, types.ErrNotFound) {
		return nil, err
	}
	if err := s.db.Put(account, e.Key.Name, charge); err != nil {
		return nil, err
	}
	if err := s.updateSummary(a.Owner, func(v *Value) error {
		v.TotalStored += a.Size
		return nil
	}); err != nil {
		return nil, err
	}
	go s.forwardPut(e, a)
	return nil, nil
}

func (s *Service) applyDelete(e *unresolved.Entry, a deleteAction) error {
	account := accountOf(a.Owner)
	existing, err := s.db.Get(account, e.Key.Name)
	if err != nil {
		return err
	}
	var charge putAction
	if err := json.Unmarshal(existing, &charge); err != nil {
		return types.NewStorageFault("decode", err)
	}
	if err := s.db.Delete(account, e.Key.Name); err != nil {
		return err
	}
	return s.updateSummary(a.Owner, func(v *Value) error {
		v.TotalStored -= charge.Size
		return nil
	})
}

func (s *Service) updateSummary(owner types.PeerID, mutate func(*Value) error) error {
	account := accountOf(owner)
	key := summaryKey(owner)
	value := NewValue()
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
	if err := mutate(value); err != nil {
		return err
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return types.NewStorageFault("encode", err)
	}
	return s.db.Put(account, key, encoded)
}

// forwardPut relays an admitted, committed put to the data manager
// group for the data name. Fire and forget; the data manager group
// accumulates the copies from each maid manager replica.
func (s *Service) forwardPut(e *unresolved.Entry, a putAction) {
	payload := struct {
		Size int64 `json:"size"`
	}{Size: a.Size}
	m := &message.Message{
		Persona:   types.PersonaDataManager,
		Operation: message.OpPut,
		ID:        e.Key.MessageID,
		Name:      e.Key.Name,
		Sender:    types.Sender{Peer: s.router.Self(), Group: a.Owner},
	}
	m.Payload, _ = json.Marshal(payload)
	data, err := message.Encode(m)
	if err != nil {
		return
	}
	if err := s.router.SendGroup(groupTarget(e.Key.Name), data); err != nil {
		s.logger.Debug().Err(err).Msg("forwarding put to data manager group")
	}
}

// groupTarget maps a data name onto the overlay address its close group
// forms around.
func groupTarget(n name.Name) types.PeerID {
	return types.PeerID(n.Identity[:])
}
