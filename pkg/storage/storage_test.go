package storage

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func testName(kind name.Kind, id string) name.Name {
	return name.Name{Kind: kind, Identity: name.MakeIdentity([]byte(id))}
}

func TestPutGetDelete(t *testing.T) {
	db := openTestDB(t)
	account := AccountID("data-manager/acct")
	key := testName(name.ImmutableData, "chunk-1")

	_, err := db.Get(account, key)
	assert.ErrorIs(t, err, types.ErrNotFound)

	require.NoError(t, db.Put(account, key, []byte("v1")))
	got, err := db.Get(account, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), got)

	// Overwrite semantics.
	require.NoError(t, db.Put(account, key, []byte("v2")))
	got, err = db.Get(account, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)

	require.NoError(t, db.Delete(account, key))
	_, err = db.Get(account, key)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Idempotent delete.
	require.NoError(t, db.Delete(account, key))
}

func TestAccountsAreIsolated(t *testing.T) {
	db := openTestDB(t)
	key := testName(name.ImmutableData, "shared-key")

	require.NoError(t, db.Put(AccountID("a"), key, []byte("for-a")))
	require.NoError(t, db.Put(AccountID("b"), key, []byte("for-b")))

	got, err := db.Get(AccountID("a"), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("for-a"), got)

	require.NoError(t, db.DeleteAccount(AccountID("a")))
	_, err = db.Get(AccountID("a"), key)
	assert.ErrorIs(t, err, types.ErrNotFound)

	got, err = db.Get(AccountID("b"), key)
	require.NoError(t, err)
	assert.Equal(t, []byte("for-b"), got)
}

func TestScanYieldsAscendingUniqueKeys(t *testing.T) {
	db := openTestDB(t)
	account := AccountID("scan")
	for i := 0; i < 20; i++ {
		key := testName(name.ImmutableData, fmt.Sprintf("row-%02d", i))
		require.NoError(t, db.Put(account, key, []byte{byte(i)}))
	}

	var seen []name.Name
	require.NoError(t, db.Scan(account, func(key name.Name, _ []byte) error {
		seen = append(seen, key)
		return nil
	}))
	require.Len(t, seen, 20)
	for i := 1; i < len(seen); i++ {
		assert.Negative(t, name.Compare(seen[i-1], seen[i]), "scan order must be strictly ascending")
	}
}

func TestSnapshotLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	src := AccountID("source")
	for i := 0; i < 10; i++ {
		key := testName(name.MutableData, fmt.Sprintf("row-%d", i))
		require.NoError(t, db.Put(src, key, []byte(fmt.Sprintf("value-%d", i))))
	}

	snap, err := db.Snapshot(src)
	require.NoError(t, err)

	dst := AccountID("target")
	require.NoError(t, db.Load(dst, snap))

	for i := 0; i < 10; i++ {
		key := testName(name.MutableData, fmt.Sprintf("row-%d", i))
		got, err := db.Get(dst, key)
		require.NoError(t, err)
		assert.Equal(t, []byte(fmt.Sprintf("value-%d", i)), got)
	}

	// snapshot -> load -> snapshot is byte-identical.
	again, err := db.Snapshot(dst)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

func TestLoadReplacesExistingContents(t *testing.T) {
	db := openTestDB(t)
	account := AccountID("replace")
	stale := testName(name.ImmutableData, "stale")
	require.NoError(t, db.Put(account, stale, []byte("old")))

	other := AccountID("other")
	fresh := testName(name.ImmutableData, "fresh")
	require.NoError(t, db.Put(other, fresh, []byte("new")))
	snap, err := db.Snapshot(other)
	require.NoError(t, err)

	require.NoError(t, db.Load(account, snap))
	_, err = db.Get(account, stale)
	assert.ErrorIs(t, err, types.ErrNotFound)
	got, err := db.Get(account, fresh)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), got)
}

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	db := openTestDB(t)
	err := db.Load(AccountID("corrupt"), []byte{0xff, 0x01, 0x02})
	assert.True(t, types.IsStorageFault(err))
}

func TestDeriveAccountIsDeterministic(t *testing.T) {
	owner := testName(name.PublicMaid, "client")
	a := DeriveAccount(types.PersonaMaidManager, owner)
	b := DeriveAccount(types.PersonaMaidManager, owner)
	assert.Equal(t, a, b)

	// Distinct personas and owners get distinct accounts.
	assert.NotEqual(t, a, DeriveAccount(types.PersonaDataManager, owner))
	assert.NotEqual(t, a, DeriveAccount(types.PersonaMaidManager, testName(name.PublicMaid, "other")))
}

func TestReopenPreservesState(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	require.NoError(t, err)
	account := AccountID("persist")
	key := testName(name.ImmutableData, "durable")
	require.NoError(t, db.Put(account, key, []byte("survives")))
	require.NoError(t, db.Close())

	// Opening again must not wipe anything.
	db, err = Open(dir)
	require.NoError(t, err)
	defer db.Close()
	got, err := db.Get(account, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("survives"), got)
}
