// Package name defines the tagged data-name variant identifying every
// kind of data the network stores, and its deterministic storage-key
// codec. Decode(Encode(n)) == n for every representable name; the
// encoding is stable across restarts and across vaults, which account
// transfer depends on.
package name
