package datamanager

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// TestMarkHolderDownThenUp follows the scripted holder-health scenario.
func TestMarkHolderDownThenUp(t *testing.T) {
	v := NewValue(1024)
	v.AddHolder("A")
	v.AddHolder("B")
	v.AddHolder("C")

	remaining := v.MarkHolderDown("B")
	assert.Equal(t, 2, remaining)
	assert.ElementsMatch(t, []types.PeerID{"A", "C"}, v.Online.ToSlice())
	assert.ElementsMatch(t, []types.PeerID{"B"}, v.Offline.ToSlice())
	require.NoError(t, v.check())

	v.MarkHolderUp("B")
	assert.ElementsMatch(t, []types.PeerID{"A", "B", "C"}, v.Online.ToSlice())
	assert.Empty(t, v.Offline.ToSlice())
	require.NoError(t, v.check())
}

func TestHolderTransitionsAreIdempotent(t *testing.T) {
	v := NewValue(10)
	v.AddHolder("A")

	// Marking an online holder up, or an offline holder down again, is
	// a no-op.
	v.MarkHolderUp("A")
	assert.ElementsMatch(t, []types.PeerID{"A"}, v.Online.ToSlice())

	v.MarkHolderDown("A")
	remaining := v.MarkHolderDown("A")
	assert.Equal(t, 0, remaining)
	assert.ElementsMatch(t, []types.PeerID{"A"}, v.Offline.ToSlice())
	require.NoError(t, v.check())

	// Duplicate adds do not resurrect an offline holder.
	v.AddHolder("A")
	assert.Empty(t, v.Online.ToSlice())
	require.NoError(t, v.check())
}

func TestRemoveHolderForgetsEitherSet(t *testing.T) {
	v := NewValue(10)
	v.AddHolder("up")
	v.AddHolder("down")
	v.MarkHolderDown("down")

	v.RemoveHolder("up")
	v.RemoveHolder("down")
	assert.Empty(t, v.Online.ToSlice())
	assert.Empty(t, v.Offline.ToSlice())
}

func TestValueJSONDeterministicAndRoundTrips(t *testing.T) {
	v := NewValue(2048)
	for _, p := range []types.PeerID{"c", "a", "b"} {
		v.AddHolder(p)
	}
	v.MarkHolderDown("b")

	first, err := json.Marshal(v)
	require.NoError(t, err)
	second, err := json.Marshal(v)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	restored := &Value{}
	require.NoError(t, json.Unmarshal(first, restored))
	assert.Equal(t, v.DataSize, restored.DataSize)
	assert.Equal(t, v.Subscribers, restored.Subscribers)
	assert.True(t, v.Online.Equal(restored.Online))
	assert.True(t, v.Offline.Equal(restored.Offline))
}

func applyKind(t *testing.T, kind types.ActionKind, payload any, n name.Name, v *Value) (*Value, any, error) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return apply(kind, data, n, v)
}

func TestApplyPutCreatesThenCountsSubscribers(t *testing.T) {
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}

	v, _, err := applyKind(t, types.ActionPut, putAction{Size: 64, Holder: "h1"}, chunk, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(64), v.DataSize)
	assert.Equal(t, int64(1), v.Subscribers)
	assert.ElementsMatch(t, []types.PeerID{"h1"}, v.Online.ToSlice())

	// A second put of the same immutable chunk is another subscriber.
	v, _, err = applyKind(t, types.ActionPut, putAction{Size: 64}, chunk, v)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Subscribers)
}

func TestApplyPutRejectsDuplicateUniqueData(t *testing.T) {
	dir := name.Name{Kind: name.OwnerDirectory, Identity: name.MakeIdentity([]byte("dir"))}

	v, _, err := applyKind(t, types.ActionPut, putAction{Size: 10}, dir, nil)
	require.NoError(t, err)

	_, _, err = applyKind(t, types.ActionPut, putAction{Size: 10}, dir, v)
	assert.ErrorIs(t, err, types.ErrDuplicateData)
}

func TestApplyDeleteDropsRowAtZeroSubscribers(t *testing.T) {
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}
	v, _, err := applyKind(t, types.ActionPut, putAction{Size: 1}, chunk, nil)
	require.NoError(t, err)
	v, _, err = applyKind(t, types.ActionPut, putAction{Size: 1}, chunk, v)
	require.NoError(t, err)

	v, _, err = applyKind(t, types.ActionDelete, struct{}{}, chunk, v)
	require.NoError(t, err)
	require.NotNil(t, v, "one subscriber remains")
	assert.Equal(t, int64(1), v.Subscribers)

	v, _, err = applyKind(t, types.ActionDelete, struct{}{}, chunk, v)
	require.NoError(t, err)
	assert.Nil(t, v, "last delete removes the row and its holder sets")
}

func TestApplyMarkDownReportsRemaining(t *testing.T) {
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}
	v, _, err := applyKind(t, types.ActionPut, putAction{Size: 1, Holder: "A"}, chunk, nil)
	require.NoError(t, err)
	v.AddHolder("B")

	_, reply, err := applyKind(t, types.ActionMarkHolderDown, holderAction{Pmid: "A"}, chunk, v)
	require.NoError(t, err)
	assert.Equal(t, markDownReply{RemainingOnline: 1}, reply)
}

func TestApplyOnAbsentRow(t *testing.T) {
	chunk := name.Name{Kind: name.ImmutableData, Identity: name.MakeIdentity([]byte("chunk"))}
	for _, kind := range []types.ActionKind{
		types.ActionDelete, types.ActionAddHolder, types.ActionRemoveHolder,
		types.ActionMarkHolderDown, types.ActionMarkHolderUp, types.ActionGet,
	} {
		_, _, err := applyKind(t, kind, holderAction{Pmid: "A"}, chunk, nil)
		assert.ErrorIs(t, err, types.ErrNotFound, string(kind))
	}
}
