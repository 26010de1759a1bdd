package versionmanager

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
	"github.com/cuemby/vault/pkg/versions"
)

// Config holds version manager tuning.
type Config struct {
	GroupSize      int
	AccumulatorTTL time.Duration
	UnresolvedTTL  time.Duration
	SyncInterval   time.Duration
	MaxVersions    int
	MaxBranches    int
}

type putVersionAction struct {
	Old versions.VersionName `json:"old"`
	New versions.VersionName `json:"new"`
}

type branchAction struct {
	Tip versions.VersionName `json:"tip"`
}

// Service is the version manager persona: per mutable data name it
// keeps the structured version graph and serializes every mutation and
// read through the same commit pipeline, so reads always observe a
// committed prefix.
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

// New wires a version manager service.
func New(cfg Config, db *storage.DB, r router.Router, broker *events.Broker) *Service {
	logger := log.WithPersona(string(types.PersonaVersionManager))
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
	s.syncer = syncer.New(types.PersonaVersionManager, r, ulog, cfg.SyncInterval, logger)
	s.transfer = syncer.NewTransfer(types.PersonaVersionManager, db, r, logger)
	s.pipeline = pipeline.New(types.PersonaVersionManager, r, acc, ulog, s.syncer, s.transfer, s.applyEntry, logger)
	return s
}

// Start launches the sync loop.
func (s *Service) Start() { s.syncer.Start() }

// Stop terminates background work.
func (s *Service) Stop() { s.syncer.Stop() }

// Transfer exposes the churn transfer handler.
func (s *Service) Transfer() *syncer.Transfer { return s.transfer }

// HandleMessage is the dispatcher entry point.
func (s *Service) HandleMessage(m *message.Message) error {
	if done, err := s.pipeline.HandleCommon(m); done {
		return err
	}
	var kind types.ActionKind
	switch m.Operation {
	case message.OpPutVersion:
		kind = types.ActionPutVersion
	case message.OpGetVersions:
		kind = types.ActionGetVersions
	case message.OpGetBranch:
		kind = types.ActionGetBranch
	case message.OpDeleteBranchUntil:
		kind = types.ActionDeleteBranchUntil
	default:
		return fmt.Errorf("%w: version manager does not serve %q", types.ErrUnroutableMessage, m.Operation)
	}
	return s.pipeline.Submit(m, kind, m.Payload)
}

// applyEntry is the merge policy for committed version actions.
func (s *Service) applyEntry(e *unresolved.Entry) (any, error) {
	account := storage.DeriveAccount(types.PersonaVersionManager, e.Key.Name)
	var graph *versions.Versions
	existing, err := s.db.Get(account, e.Key.Name)
	switch {
	case err == nil:
		graph, err = versions.Unmarshal(existing)
		if err != nil {
			return nil, types.NewStorageFault("decode", err)
		}
	case errors.Is(err, types.ErrNotFound):
		graph = versions.New(s.cfg.MaxVersions, s.cfg.MaxBranches)
	default:
		return nil, err
	}

	switch e.Key.Kind {
	case types.ActionPutVersion:
		var a putVersionAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		if err := graph.Put(a.Old, a.New); err != nil {
			return nil, err
		}
		if err := s.store(account, e, graph); err != nil {
			return nil, err
		}
		return graph.Tips(), nil

	case types.ActionGetVersions:
		if graph.Len() == 0 {
			return nil, types.ErrNotFound
		}
		return graph.Tips(), nil

	case types.ActionGetBranch:
		var a branchAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		return graph.Branch(a.Tip)

	case types.ActionDeleteBranchUntil:
		var a branchAction
		if err := json.Unmarshal(e.Action, &a); err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrMalformedMessage, err)
		}
		empty, err := graph.DeleteBranchUntilFork(a.Tip)
		if err != nil {
			return nil, err
		}
		if empty {
			// No tips left: the row goes away.
			if err := s.db.Delete(account, e.Key.Name); err != nil {
				return nil, err
			}
			s.publish(events.EventAccountDeleted, e)
			return nil, nil
		}
		if err := s.store(account, e, graph); err != nil {
			return nil, err
		}
		return graph.Tips(), nil

	default:
		return nil, fmt.Errorf("%w: unknown version manager action %q", types.ErrMalformedMessage, e.Key.Kind)
	}
}

func (s *Service) store(account storage.AccountID, e *unresolved.Entry, graph *versions.Versions) error {
	encoded, err := graph.Marshal()
	if err != nil {
		return types.NewStorageFault("encode", err)
	}
	return s.db.Put(account, e.Key.Name, encoded)
}

func (s *Service) publish(t events.EventType, e *unresolved.Entry) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		ID:   string(e.Key.MessageID),
		Type: t,
		Metadata: map[string]string{
			"persona": string(types.PersonaVersionManager),
			"name":    e.Key.Name.Identity.String(),
		},
	})
}
