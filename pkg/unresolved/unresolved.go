package unresolved

import (
	"bytes"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/rs/zerolog"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// Key identifies a proposed action. Proposals from different peers merge
// only when all three fields agree.
type Key struct {
	Name      name.Name       `json:"name"`
	Kind      types.ActionKind `json:"kind"`
	MessageID types.MessageID `json:"message_id"`
}

// Entry is one not-yet-committed action with the set of group members
// that have independently proposed it.
type Entry struct {
	Key         Key
	Action      []byte
	Originators mapset.Set[types.PeerID]
	CreatedAt   time.Time
}

// Record is the wire form of an entry carried in sync messages.
type Record struct {
	Key         Key            `json:"key"`
	Action      []byte         `json:"action"`
	Originators []types.PeerID `json:"originators"`
}

// Log holds this vault's locally proposed actions and matching peer
// proposals, and decides when an action is committed: at least
// group_size-1 originators, one of which is this vault. Committed
// entries leave the log; the caller applies them through its persona's
// merge policy.
type Log struct {
	mu        sync.Mutex
	self      types.PeerID
	groupSize int
	ttl       time.Duration
	entries   map[Key]*Entry
	resolved  map[Key]time.Time
	logger    zerolog.Logger

	now func() time.Time
}

// NewLog creates an empty log for one persona.
func NewLog(self types.PeerID, groupSize int, ttl time.Duration, logger zerolog.Logger) *Log {
	return &Log{
		self:      self,
		groupSize: groupSize,
		ttl:       ttl,
		entries:   make(map[Key]*Entry),
		resolved:  make(map[Key]time.Time),
		logger:    logger,
		now:       time.Now,
	}
}

// SetNowFunc replaces the clock. Tests only.
func (l *Log) SetNowFunc(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// AddLocal records this vault's own proposal. Returns the entry if the
// addition crossed the commit threshold, else nil.
func (l *Log) AddLocal(key Key, action []byte) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(key, action, []types.PeerID{l.self})
}

// AddPeer merges a single peer proposal under the same key.
func (l *Log) AddPeer(key Key, action []byte, originator types.PeerID) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(key, action, []types.PeerID{originator})
}

// AddRecord merges a sync record, unioning all its originators.
func (l *Log) AddRecord(rec Record) *Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(rec.Key, rec.Action, rec.Originators)
}

func (l *Log) add(key Key, action []byte, originators []types.PeerID) *Entry {
	if _, ok := l.resolved[key]; ok {
		// Already committed here; late proposals from slower peers must
		// not re-run the action.
		return nil
	}
	e, ok := l.entries[key]
	if !ok {
		e = &Entry{
			Key:         key,
			Action:      action,
			Originators: mapset.NewThreadUnsafeSet[types.PeerID](),
			CreatedAt:   l.now(),
		}
		l.entries[key] = e
	} else if !bytes.Equal(e.Action, action) {
		// Conflicting content under an identical key can only come from
		// a faulty peer. Keep the lexicographically greater bytes so
		// every replica settles on the same action.
		if bytes.Compare(action, e.Action) > 0 {
			e.Action = action
		}
	}
	for _, o := range originators {
		e.Originators.Add(o)
	}
	if e.Originators.Cardinality() >= l.groupSize-1 && e.Originators.Contains(l.self) {
		delete(l.entries, key)
		l.resolved[key] = l.now()
		return e
	}
	return nil
}

// PendingLocal returns wire records for every entry this vault has
// itself proposed, for the synchronizer to ship to the group.
func (l *Log) PendingLocal() []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	var recs []Record
	for _, e := range l.entries {
		if !e.Originators.Contains(l.self) {
			continue
		}
		recs = append(recs, Record{
			Key:         e.Key,
			Action:      bytes.Clone(e.Action),
			Originators: e.Originators.ToSlice(),
		})
	}
	return recs
}

// Sweep discards entries older than the TTL and returns how many were
// dropped. A dropped entry is a request that never reached quorum.
func (l *Log) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	dropped := 0
	for key, e := range l.entries {
		if now.Sub(e.CreatedAt) > l.ttl {
			delete(l.entries, key)
			dropped++
			l.logger.Debug().
				Str("message_id", string(key.MessageID)).
				Str("action", string(key.Kind)).
				Msg("unresolved entry expired before quorum")
		}
	}
	for key, committedAt := range l.resolved {
		if now.Sub(committedAt) > l.ttl {
			delete(l.resolved, key)
		}
	}
	return dropped
}

// Len reports how many entries are pending.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
