package syncer

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/metrics"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/types"
	"github.com/cuemby/vault/pkg/unresolved"
)

// Syncer ships one persona's locally proposed unresolved entries to the
// rest of the close group, periodically and on demand after a local
// proposal. Inbound sync messages are fed back into the unresolved log
// by the owning persona service via HandleSync.
type Syncer struct {
	persona  types.Persona
	router   router.Router
	log      *unresolved.Log
	interval time.Duration
	stopCh   chan struct{}
	kickCh   chan struct{}
	logger   zerolog.Logger
}

// New creates a syncer for one persona.
func New(persona types.Persona, r router.Router, log *unresolved.Log, interval time.Duration, logger zerolog.Logger) *Syncer {
	return &Syncer{
		persona:  persona,
		router:   r,
		log:      log,
		interval: interval,
		stopCh:   make(chan struct{}),
		kickCh:   make(chan struct{}, 1),
		logger:   logger,
	}
}

// Start launches the periodic broadcast and TTL sweep loop.
func (s *Syncer) Start() {
	go s.run()
}

// Stop terminates the loop.
func (s *Syncer) Stop() {
	close(s.stopCh)
}

// Kick requests an immediate broadcast, coalescing with any already
// pending. Persona services call this right after AddLocal so proposals
// reach peers without waiting a full interval.
func (s *Syncer) Kick() {
	select {
	case s.kickCh <- struct{}{}:
	default:
	}
}

func (s *Syncer) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if dropped := s.log.Sweep(); dropped > 0 {
				metrics.UnresolvedExpired.WithLabelValues(string(s.persona)).Add(float64(dropped))
			}
			s.Broadcast()
		case <-s.kickCh:
			s.Broadcast()
		case <-s.stopCh:
			return
		}
	}
}

// Broadcast sends every pending local entry to the other members of
// this vault's close group. Sends are fire-and-forget; a missed peer
// catches up on the next interval.
func (s *Syncer) Broadcast() {
	recs := s.log.PendingLocal()
	if len(recs) == 0 {
		return
	}
	m, err := message.New(s.persona, message.OpSync, recs[0].Key.Name, recs, types.Sender{Peer: s.router.Self()})
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding sync message")
		return
	}
	data, err := message.Encode(m)
	if err != nil {
		s.logger.Error().Err(err).Msg("encoding sync message")
		return
	}
	for _, peer := range s.router.CloseGroup() {
		if peer == s.router.Self() {
			continue
		}
		if err := s.router.Send(peer, data); err != nil {
			s.logger.Debug().Err(err).Str("peer", string(peer)).Msg("sync send failed")
		}
	}
	metrics.UnresolvedPending.WithLabelValues(string(s.persona)).Set(float64(s.log.Len()))
}

// HandleSync ingests a peer's sync message and returns any entries the
// merge pushed over the commit threshold.
func (s *Syncer) HandleSync(m *message.Message) ([]*unresolved.Entry, error) {
	var recs []unresolved.Record
	if err := json.Unmarshal(m.Payload, &recs); err != nil {
		return nil, fmt.Errorf("%w: bad sync payload: %v", types.ErrMalformedMessage, err)
	}
	var committed []*unresolved.Entry
	for _, rec := range recs {
		if e := s.log.AddRecord(rec); e != nil {
			committed = append(committed, e)
		}
	}
	return committed, nil
}
