package maidmanager

import (
	"encoding/json"
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
// commit quorum is one and actions apply synchronously. That isolates
// the merge-policy semantics from the replication machinery, which has
// its own tests.
func newTestService(t *testing.T) (*Service, *storage.DB) {
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
	return svc, db
}

func putMsg(id types.MessageID, owner types.PeerID, n name.Name, size int64) *message.Message {
	payload, _ := json.Marshal(struct {
		Size int64 `json:"size"`
	}{Size: size})
	return &message.Message{
		Persona:   types.PersonaMaidManager,
		Operation: message.OpPut,
		ID:        id,
		Name:      n,
		Payload:   payload,
		Sender:    types.Sender{Peer: owner},
	}
}

func summaryOf(t *testing.T, db *storage.DB, owner types.PeerID) *Value {
	t.Helper()
	raw, err := db.Get(accountOf(owner), summaryKey(owner))
	require.NoError(t, err)
	v := NewValue()
	require.NoError(t, json.Unmarshal(raw, v))
	return v
}

func TestPutChargesAccount(t *testing.T) {
	svc, db := newTestService(t)
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}

	require.NoError(t, svc.HandleMessage(putMsg("m1", "client", chunk, 100)))

	assert.Equal(t, int64(100), summaryOf(t, db, "client").TotalStored)
	_, err := db.Get(accountOf("client"), chunk)
	assert.NoError(t, err, "charge row exists")
}

func TestPutOfUniqueDataTwiceLeavesChargeAlone(t *testing.T) {
	svc, db := newTestService(t)
	dir := name.Name{Kind: name.OwnerDirectory, Identity: name.MakeIdentity([]byte("dir"))}

	require.NoError(t, svc.HandleMessage(putMsg("m1", "client", dir, 40)))
	// Distinct message, same unique name: the merge policy refuses the
	// second charge.
	require.NoError(t, svc.HandleMessage(putMsg("m2", "client", dir, 40)))

	assert.Equal(t, int64(40), summaryOf(t, db, "client").TotalStored)
}

func TestDeleteRefundsCharge(t *testing.T) {
	svc, db := newTestService(t)
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}

	require.NoError(t, svc.HandleMessage(putMsg("m1", "client", chunk, 64)))
	require.NoError(t, svc.HandleMessage(&message.Message{
		Persona:   types.PersonaMaidManager,
		Operation: message.OpDelete,
		ID:        "m2",
		Name:      chunk,
		Sender:    types.Sender{Peer: "client"},
	}))

	assert.Equal(t, int64(0), summaryOf(t, db, "client").TotalStored)
	_, err := db.Get(accountOf("client"), chunk)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRegisterAndUnregisterPmid(t *testing.T) {
	svc, db := newTestService(t)
	reg := func(id types.MessageID, op message.Operation) *message.Message {
		payload, _ := json.Marshal(struct {
			Pmid types.PeerID `json:"pmid"`
		}{Pmid: "pmid-1"})
		return &message.Message{
			Persona:   types.PersonaMaidManager,
			Operation: op,
			ID:        id,
			Name:      summaryKey("client"),
			Payload:   payload,
			Sender:    types.Sender{Peer: "client"},
		}
	}

	require.NoError(t, svc.HandleMessage(reg("m1", message.OpRegisterPmid)))
	assert.True(t, summaryOf(t, db, "client").RegisteredHolders.Contains("pmid-1"))

	require.NoError(t, svc.HandleMessage(reg("m2", message.OpUnregisterPmid)))
	assert.False(t, summaryOf(t, db, "client").RegisteredHolders.Contains("pmid-1"))
}

func TestUpdatePmidTotalsRequiresGroupSender(t *testing.T) {
	svc, db := newTestService(t)

	// Register first, from the client.
	payload, _ := json.Marshal(struct {
		Pmid types.PeerID `json:"pmid"`
	}{Pmid: "pmid-1"})
	require.NoError(t, svc.HandleMessage(&message.Message{
		Persona: types.PersonaMaidManager, Operation: message.OpRegisterPmid,
		ID: "m1", Name: summaryKey("client"), Payload: payload,
		Sender: types.Sender{Peer: "client"},
	}))

	totals, _ := json.Marshal(totalsAction{
		Owner:  "client",
		Pmid:   "pmid-1",
		Totals: HolderTotals{StoredCount: 3, StoredTotalSize: 300},
	})
	update := &message.Message{
		Persona: types.PersonaMaidManager, Operation: message.OpUpdatePmidTotals,
		ID: "m2", Name: summaryKey("client"), Payload: totals,
		Sender: types.Sender{Peer: "client"},
	}
	assert.ErrorIs(t, svc.HandleMessage(update), types.ErrUnauthorizedSender)

	update.Sender = types.Sender{Peer: "pm-a", Group: "pmid-grp"}
	require.NoError(t, svc.HandleMessage(update))
	assert.Equal(t, HolderTotals{StoredCount: 3, StoredTotalSize: 300},
		summaryOf(t, db, "client").PerHolder["pmid-1"])
}

func TestClientOperationsRejectGroupSenders(t *testing.T) {
	svc, _ := newTestService(t)
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}

	m := putMsg("m1", "imposter", chunk, 1)
	m.Sender.Group = "some-group"
	assert.ErrorIs(t, svc.HandleMessage(m), types.ErrUnauthorizedSender)
}
