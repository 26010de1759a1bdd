package accumulator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/vault/pkg/message"
	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

func msgFrom(id types.MessageID, peer types.PeerID, group types.PeerID) *message.Message {
	return &message.Message{
		Persona:   types.PersonaDataManager,
		Operation: message.OpPut,
		ID:        id,
		Name:      name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("data"))},
		Sender:    types.Sender{Peer: peer, Group: group},
	}
}

func TestSingleSourceDedup(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})
	m1 := msgFrom("m1", "client", "")

	assert.Equal(t, Success, acc.AddPending(m1))
	acc.SetHandled(m1, nil)

	// The second copy is a duplicate, not a second action.
	assert.True(t, acc.CheckHandled(m1))
	assert.Equal(t, Duplicate, acc.AddPending(m1))
}

func TestGroupSourceQuorum(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})

	// group_size 4 -> threshold 3: fires exactly on the third distinct
	// sender, the fourth is ignored.
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m2", "peer-a", "grp")))
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m2", "peer-b", "grp")))
	assert.Equal(t, Success, acc.AddPending(msgFrom("m2", "peer-c", "grp")))
	assert.Equal(t, Duplicate, acc.AddPending(msgFrom("m2", "peer-d", "grp")))
}

func TestRepeatedSenderDoesNotAdvanceQuorum(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})

	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m", "peer-a", "grp")))
	assert.Equal(t, Duplicate, acc.AddPending(msgFrom("m", "peer-a", "grp")))
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m", "peer-b", "grp")))
}

func TestSameIDDifferentGroupsAccumulateIndependently(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})

	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m", "peer-a", "grp-1")))
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m", "peer-a", "grp-2")))
}

func TestPendingEntryExpires(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})
	now := time.Now()
	acc.SetNowFunc(func() time.Time { return now })

	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m3", "peer-a", "grp")))

	// Past the TTL the entry is forgotten: the same message counts as a
	// fresh request, not a duplicate of the expired one.
	now = now.Add(2 * time.Minute)
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("m3", "peer-a", "grp")))
}

func TestHandledSurvivesPendingTTL(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})
	now := time.Now()
	acc.SetNowFunc(func() time.Time { return now })

	m := msgFrom("m4", "client", "")
	assert.Equal(t, Success, acc.AddPending(m))
	acc.SetHandled(m, []byte("cached reply"))

	now = now.Add(2 * time.Minute)
	assert.True(t, acc.CheckHandled(m))
	assert.Equal(t, Duplicate, acc.AddPending(m))

	reply, ok := acc.CachedReply(m)
	assert.True(t, ok)
	assert.Equal(t, []byte("cached reply"), reply)
}

// TestHandledNeverReadmits pins the invariant: once CheckHandled
// reports true, no subsequent AddPending returns Success.
func TestHandledNeverReadmits(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute})
	m := msgFrom("m5", "peer-a", "grp")
	acc.SetHandled(m, nil)

	for _, peer := range []types.PeerID{"peer-a", "peer-b", "peer-c", "peer-d"} {
		assert.True(t, acc.CheckHandled(msgFrom("m5", peer, "grp")))
		assert.NotEqual(t, Success, acc.AddPending(msgFrom("m5", peer, "grp")))
	}
}

func TestLRUCapBoundsMemory(t *testing.T) {
	acc := New(Config{GroupSize: 4, TTL: time.Minute, MaxEntries: 2})

	acc.AddPending(msgFrom("old", "peer-a", "grp"))
	acc.AddPending(msgFrom("mid", "peer-a", "grp"))
	acc.AddPending(msgFrom("new", "peer-a", "grp"))

	// The oldest entry was evicted and is treated as never seen: the
	// same sender is Waiting again instead of Duplicate.
	assert.Equal(t, Waiting, acc.AddPending(msgFrom("old", "peer-a", "grp")))
}
