// Package storage implements the vault's account database: a single
// bbolt file holding one bucket per account, where an account is one
// persona's keyspace for one principal.
//
// Guarantees:
//   - Writes are atomic; a failed operation leaves no partial state.
//   - Reads observe the last completed write.
//   - Scan yields rows in strictly ascending encoded-key order.
//   - Snapshot bytes are deterministic for equal contents, and
//     Snapshot -> Load -> Snapshot round-trips byte-identically.
//
// The caller supplies only a root directory; file layout below it is
// this package's concern. Engine errors surface as types.StorageFault.
// Single-writer-per-account discipline is enforced by the owning
// persona service, not here.
package storage
