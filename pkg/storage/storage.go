package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/vault/pkg/name"
	"github.com/cuemby/vault/pkg/types"
)

// AccountID names one logically independent keyspace. IDs are derived
// deterministically from the owning persona and principal so the same
// account maps to the same bucket on every replica and across restarts.
type AccountID string

// DeriveAccount builds the account ID for a persona's view of a
// principal. The principal's full encoded name is used rather than any
// per-process counter, so snapshot transfer lands rows under identical
// keys on the receiving vault.
func DeriveAccount(persona types.Persona, owner name.Name) AccountID {
	return AccountID(string(persona) + "/" + string(name.Encode(owner)))
}

// DB is the vault's single durable store. One bucket per account; keys
// inside a bucket are encoded data names, which bbolt keeps in ascending
// byte order, giving Scan its ordering for free.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the database under rootDir. Existing data is
// never removed; crash recovery is the engine's WAL replay.
func Open(rootDir string) (*DB, error) {
	if err := os.MkdirAll(rootDir, 0o755); err != nil {
		return nil, types.NewStorageFault("open", err)
	}
	db, err := bolt.Open(filepath.Join(rootDir, "vault.db"), 0o600, nil)
	if err != nil {
		return nil, types.NewStorageFault("open", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// Put atomically writes value under key in the given account,
// overwriting any previous value. The account bucket is created on
// first touch.
func (d *DB) Put(account AccountID, key name.Name, value []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(account))
		if err != nil {
			return err
		}
		return b.Put(name.Encode(key), value)
	})
	if err != nil {
		return types.NewStorageFault("put", err)
	}
	return nil
}

// Get returns the value stored under key, or ErrNotFound.
func (d *DB) Get(account AccountID, key name.Name) ([]byte, error) {
	var value []byte
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(account))
		if b == nil {
			return types.ErrNotFound
		}
		v := b.Get(name.Encode(key))
		if v == nil {
			return types.ErrNotFound
		}
		value = bytes.Clone(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, types.NewStorageFault("get", err)
	}
	return value, nil
}

// Delete removes key from the account. Deleting an absent key is a
// no-op.
func (d *DB) Delete(account AccountID, key name.Name) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(account))
		if b == nil {
			return nil
		}
		return b.Delete(name.Encode(key))
	})
	if err != nil {
		return types.NewStorageFault("delete", err)
	}
	return nil
}

// Scan visits every row of the account in ascending key order. The
// callback receives the decoded name and a copy of the value; returning
// an error stops the scan.
func (d *DB) Scan(account AccountID, fn func(key name.Name, value []byte) error) error {
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(account))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			n, err := name.Decode(k)
			if err != nil {
				return err
			}
			return fn(n, bytes.Clone(v))
		})
	})
	if err != nil {
		return types.NewStorageFault("scan", err)
	}
	return nil
}

// Snapshot serializes a point-in-time image of the account: each row as
// a length-prefixed key/value pair in key order. Equal account contents
// produce byte-identical snapshots on every vault, which the churn
// transfer protocol relies on to compare images by hash.
func (d *DB) Snapshot(account AccountID) ([]byte, error) {
	var buf bytes.Buffer
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(account))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			writeChunk(&buf, k)
			writeChunk(&buf, v)
			return nil
		})
	})
	if err != nil {
		return nil, types.NewStorageFault("snapshot", err)
	}
	return buf.Bytes(), nil
}

// Load atomically replaces the account's contents with the given
// snapshot. A partial install is never observable: the old bucket is
// dropped and the new rows written inside one transaction.
func (d *DB) Load(account AccountID, snapshot []byte) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(account)) != nil {
			if err := tx.DeleteBucket([]byte(account)); err != nil {
				return err
			}
		}
		b, err := tx.CreateBucket([]byte(account))
		if err != nil {
			return err
		}
		r := bytes.NewReader(snapshot)
		for r.Len() > 0 {
			k, err := readChunk(r)
			if err != nil {
				return err
			}
			v, err := readChunk(r)
			if err != nil {
				return err
			}
			if err := b.Put(k, v); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return types.NewStorageFault("load", err)
	}
	return nil
}

// DeleteAccount drops the whole account keyspace, used after handing
// responsibility to other vaults. Absent accounts are a no-op.
func (d *DB) DeleteAccount(account AccountID) error {
	err := d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(account)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(account))
	})
	if err != nil {
		return types.NewStorageFault("delete-account", err)
	}
	return nil
}

// Accounts lists every account currently held, in bucket order.
func (d *DB) Accounts() ([]AccountID, error) {
	var accounts []AccountID
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(bname []byte, _ *bolt.Bucket) error {
			accounts = append(accounts, AccountID(bname))
			return nil
		})
	})
	if err != nil {
		return nil, types.NewStorageFault("accounts", err)
	}
	return accounts, nil
}

func writeChunk(buf *bytes.Buffer, p []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(p)))
	buf.Write(lenBuf[:n])
	buf.Write(p)
}

func readChunk(r *bytes.Reader) ([]byte, error) {
	size, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("corrupt snapshot: %w", err)
	}
	if size > uint64(r.Len()) {
		return nil, fmt.Errorf("corrupt snapshot: chunk of %d bytes exceeds remainder", size)
	}
	p := make([]byte, size)
	if _, err := r.Read(p); err != nil {
		return nil, err
	}
	return p, nil
}
