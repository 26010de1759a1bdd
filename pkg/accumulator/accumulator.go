package accumulator

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/types"
)

// AddResult is the outcome of offering a message to the accumulator.
type AddResult int

const (
	// Success: the distinct-sender count just reached the required
	// threshold; the request is admitted to the action pipeline.
	Success AddResult = iota
	// Waiting: recorded, but more senders are required.
	Waiting
	// Duplicate: this sender was already counted, or the request was
	// already handled.
	Duplicate
	// Rejected: the message cannot be accumulated.
	Rejected
)

func (r AddResult) String() string {
	switch r {
	case Success:
		return "success"
	case Waiting:
		return "waiting"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return "unknown"
}

type entry struct {
	senders   mapset.Set[types.PeerID]
	handled   bool
	reply     []byte
	createdAt time.Time
}

// Config holds accumulator tuning.
type Config struct {
	GroupSize int
	TTL       time.Duration
	// MaxEntries bounds memory per persona; the least recently used
	// entry is evicted on overflow and treated as never seen.
	MaxEntries int
}

// Accumulator deduplicates inbound requests for one persona and gates
// them on sender quorum: one observation for a single source,
// group_size-1 distinct members for a group source. All state lives
// under one mutex; the critical section is a map lookup and a set
// insert.
type Accumulator struct {
	mu      sync.Mutex
	cfg     Config
	entries *lru.Cache[fingerprint, *entry]

	// now is swappable so tests can advance the clock.
	now func() time.Time
}

// A request is identified by its message ID scoped to the sending
// group, so the same ID relayed by two different groups accumulates
// independently.
type fingerprint struct {
	id    types.MessageID
	group types.PeerID
}

// New creates an accumulator.
func New(cfg Config) *Accumulator {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 4096
	}
	cache, _ := lru.New[fingerprint, *entry](cfg.MaxEntries)
	return &Accumulator{
		cfg:     cfg,
		entries: cache,
		now:     time.Now,
	}
}

// SetNowFunc replaces the clock. Tests only.
func (a *Accumulator) SetNowFunc(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// CheckHandled reports whether the request was already handled. Handled
// state outlives the pending TTL so late retries are still suppressed.
func (a *Accumulator) CheckHandled(m *message.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries.Get(a.fingerprintOf(m))
	return ok && e.handled
}

// AddPending records one sender's copy of the request and reports
// whether quorum was just met. The first call that brings the distinct
// sender count to the required threshold returns Success; earlier calls
// return Waiting, repeats from a counted sender return Duplicate.
func (a *Accumulator) AddPending(m *message.Message) AddResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	fp := a.fingerprintOf(m)
	now := a.now()
	e, ok := a.entries.Get(fp)
	if ok && !e.handled && now.Sub(e.createdAt) > a.cfg.TTL {
		// Expired while still pending: forget it and start over.
		a.entries.Remove(fp)
		ok = false
	}
	if ok && e.handled {
		return Duplicate
	}
	if !ok {
		e = &entry{senders: mapset.NewThreadUnsafeSet[types.PeerID](), createdAt: now}
		a.entries.Add(fp, e)
	}

	if !e.senders.Add(m.Sender.Peer) {
		return Duplicate
	}
	required := m.Sender.RequiredCount(a.cfg.GroupSize)
	switch {
	case e.senders.Cardinality() == required:
		return Success
	case e.senders.Cardinality() < required:
		return Waiting
	default:
		// Past quorum: the action already fired once.
		return Duplicate
	}
}

// SetHandled marks the request handled and optionally caches the reply
// for replay to late duplicates.
func (a *Accumulator) SetHandled(m *message.Message, reply []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()

	fp := a.fingerprintOf(m)
	e, ok := a.entries.Get(fp)
	if !ok {
		e = &entry{senders: mapset.NewThreadUnsafeSet[types.PeerID](), createdAt: a.now()}
		a.entries.Add(fp, e)
	}
	e.handled = true
	e.reply = reply
}

// CachedReply returns the reply recorded for a handled request, if any.
func (a *Accumulator) CachedReply(m *message.Message) ([]byte, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries.Get(a.fingerprintOf(m))
	if !ok || !e.handled || e.reply == nil {
		return nil, false
	}
	return e.reply, true
}

func (a *Accumulator) fingerprintOf(m *message.Message) fingerprint {
	return fingerprint{id: m.ID, group: m.Sender.Group}
}
