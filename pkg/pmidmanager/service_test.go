package pmidmanager

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vault/pkg/log"
	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/router"
	"github.com/cuemby/vault/pkg/storage"
	"github.com/cuemby/vault/pkg/types"
)

// newTestService wires a service with a group size of two, so the
// commit quorum is one and actions apply synchronously, the same
// arrangement the maid manager tests use.
func newTestService(t *testing.T) (*Service, *storage.DB, *router.Network) {
	t.Helper()
	log.Init(log.Config{Level: "error"})
	db, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	network := router.NewNetwork()
	r := network.Join("self")
	network.SetCloseGroup("self", []types.PeerID{"self"})

	svc := New(Config{
		GroupSize:      2,
		AccumulatorTTL: time.Minute,
		UnresolvedTTL:  time.Minute,
		SyncInterval:   time.Hour,
	}, db, r, nil)
	return svc, db, network
}

func chunkName(id string) name.Name {
	return name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte(id))}
}

func rollupMsg(id types.MessageID, op message.Operation, n name.Name, payload any) *message.Message {
	data, _ := json.Marshal(payload)
	return &message.Message{
		Persona:   types.PersonaPmidManager,
		Operation: op,
		ID:        id,
		Name:      n,
		Payload:   data,
		Sender:    types.Sender{Peer: "dm-a", Group: "data-grp"},
	}
}

func summaryOf(t *testing.T, db *storage.DB, pmid types.PeerID) *Value {
	t.Helper()
	raw, err := db.Get(accountOf(pmid), summaryKey(pmid))
	require.NoError(t, err)
	v := &Value{}
	require.NoError(t, json.Unmarshal(raw, v))
	return v
}

func TestPutRollsUpAssignedChunk(t *testing.T) {
	svc, db, _ := newTestService(t)
	n := chunkName("chunk-1")

	require.NoError(t, svc.HandleMessage(rollupMsg("m1", message.OpPut, n, putAction{Pmid: "pmid-1", Size: 64})))

	summary := summaryOf(t, db, "pmid-1")
	assert.Equal(t, int64(1), summary.StoredCount)
	assert.Equal(t, int64(64), summary.StoredTotalSize)
	assert.True(t, summary.Online, "a holder is assumed online until marked down")

	_, err := db.Get(accountOf("pmid-1"), n)
	assert.NoError(t, err, "the chunk assignment row exists")
}

func TestDeleteReversesRollup(t *testing.T) {
	svc, db, _ := newTestService(t)
	n := chunkName("chunk-1")

	require.NoError(t, svc.HandleMessage(rollupMsg("m1", message.OpPut, n, putAction{Pmid: "pmid-1", Size: 64})))
	require.NoError(t, svc.HandleMessage(rollupMsg("m2", message.OpDelete, n, putAction{Pmid: "pmid-1"})))

	summary := summaryOf(t, db, "pmid-1")
	assert.Equal(t, int64(0), summary.StoredCount)
	assert.Equal(t, int64(0), summary.StoredTotalSize)

	_, err := db.Get(accountOf("pmid-1"), n)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestMarkNodeDownThenUpFlipsHealth(t *testing.T) {
	svc, db, _ := newTestService(t)
	n := chunkName("chunk-1")
	require.NoError(t, svc.HandleMessage(rollupMsg("m1", message.OpPut, n, putAction{Pmid: "pmid-1", Size: 1})))

	require.NoError(t, svc.HandleMessage(rollupMsg("m2", message.OpMarkHolderDown, summaryKey("pmid-1"), nodeAction{Pmid: "pmid-1"})))
	assert.False(t, summaryOf(t, db, "pmid-1").Online)

	require.NoError(t, svc.HandleMessage(rollupMsg("m3", message.OpMarkHolderUp, summaryKey("pmid-1"), nodeAction{Pmid: "pmid-1"})))
	assert.True(t, summaryOf(t, db, "pmid-1").Online)
}

// TestMarkNodeDownRelaysToDataManagers checks the fan-out: every chunk
// assigned to the failed holder gets a mark-holder-down sent to that
// chunk's data manager group.
func TestMarkNodeDownRelaysToDataManagers(t *testing.T) {
	svc, _, network := newTestService(t)
	chunks := []name.Name{chunkName("chunk-1"), chunkName("chunk-2")}

	// Stand up an observer as the sole other member of each chunk's
	// data manager close group.
	var mu sync.Mutex
	var relayed []*message.Message
	observer := network.Join("dm-observer")
	observer.OnMessage(func(data []byte) {
		m, err := message.Decode(data)
		if err != nil {
			return
		}
		mu.Lock()
		relayed = append(relayed, m)
		mu.Unlock()
	})
	for _, n := range chunks {
		target := types.PeerID(n.Identity[:])
		network.Join(target)
		network.SetCloseGroup(target, []types.PeerID{target, "dm-observer"})
	}

	for i, n := range chunks {
		require.NoError(t, svc.HandleMessage(rollupMsg(types.MessageID("put-"+n.Identity.String()), message.OpPut, n, putAction{Pmid: "pmid-1", Size: int64(i + 1)})))
	}
	require.NoError(t, svc.HandleMessage(rollupMsg("down", message.OpMarkHolderDown, summaryKey("pmid-1"), nodeAction{Pmid: "pmid-1"})))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(relayed) == len(chunks)
	}, 2*time.Second, 10*time.Millisecond, "one relay per assigned chunk")

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[name.Name]bool)
	for _, m := range relayed {
		assert.Equal(t, types.PersonaDataManager, m.Persona)
		assert.Equal(t, message.OpMarkHolderDown, m.Operation)
		assert.True(t, m.Sender.IsGroup(), "relays arrive as group traffic")
		seen[m.Name] = true
	}
	for _, n := range chunks {
		assert.True(t, seen[n], "chunk %s was relayed", n.Identity)
	}
}

func TestRejectsSingleSourceSenders(t *testing.T) {
	svc, _, _ := newTestService(t)
	m := rollupMsg("m1", message.OpPut, chunkName("chunk-1"), putAction{Pmid: "pmid-1", Size: 1})
	m.Sender = types.Sender{Peer: "lone-node"}
	assert.ErrorIs(t, svc.HandleMessage(m), types.ErrUnauthorizedSender)
}

func TestUnknownOperationIsUnroutable(t *testing.T) {
	svc, _, _ := newTestService(t)
	err := svc.HandleMessage(rollupMsg("m1", message.OpPutVersion, chunkName("chunk-1"), nil))
	assert.ErrorIs(t, err, types.ErrUnroutableMessage)
}
