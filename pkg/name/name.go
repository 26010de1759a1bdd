package name

import (
	"bytes"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/cuemby/vault/pkg/types"
)

// IdentitySize is the width of every identity in the network.
const IdentitySize = 64

// Kind enumerates the data types the network stores. The numeric tag is
// part of the persisted key format and must never be reordered.
type Kind uint32

const (
	ImmutableData Kind = iota
	MutableData
	PublicMaid
	PublicPmid
	Mid
	Smid
	Tmid
	PublicMpid
	OwnerDirectory
	GroupDirectory
	WorldDirectory

	kindCount
)

var kindNames = map[Kind]string{
	ImmutableData:  "immutable-data",
	MutableData:    "mutable-data",
	PublicMaid:     "public-maid",
	PublicPmid:     "public-pmid",
	Mid:            "mid",
	Smid:           "smid",
	Tmid:           "tmid",
	PublicMpid:     "public-mpid",
	OwnerDirectory: "owner-directory",
	GroupDirectory: "group-directory",
	WorldDirectory: "world-directory",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// Valid reports whether k is a known kind tag.
func (k Kind) Valid() bool {
	return k < kindCount
}

// Unique reports whether data of this kind may only be stored once.
// Immutable chunks are content-addressed, so a repeat put of the same
// name is the same data and only bumps the subscriber count; every
// other kind is unique per name.
func (k Kind) Unique() bool {
	return k != ImmutableData
}

// Identity is a fixed-width opaque identifier.
type Identity [IdentitySize]byte

// MakeIdentity builds an Identity from raw bytes, zero padded or
// truncated to IdentitySize. Test helpers rely on this.
func MakeIdentity(raw []byte) Identity {
	var id Identity
	copy(id[:], raw)
	return id
}

func (id Identity) String() string {
	return hex.EncodeToString(id[:8])
}

// MarshalText encodes the identity as lowercase hex so names embedded in
// message envelopes serialize deterministically.
func (id Identity) MarshalText() ([]byte, error) {
	dst := make([]byte, hex.EncodedLen(IdentitySize))
	hex.Encode(dst, id[:])
	return dst, nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	if hex.DecodedLen(len(text)) != IdentitySize {
		return fmt.Errorf("%w: identity must be %d bytes", types.ErrMalformedName, IdentitySize)
	}
	_, err := hex.Decode(id[:], text)
	if err != nil {
		return fmt.Errorf("%w: %v", types.ErrMalformedName, err)
	}
	return nil
}

// Name identifies one piece of data on the network: what kind it is and
// which identity it lives under. Two names are equal iff both fields are
// equal; Name is comparable and used directly as a map key.
type Name struct {
	Kind     Kind     `json:"kind"`
	Identity Identity `json:"identity"`
}

// keyEncoding is unpadded so the identity segment of an encoded key has
// a fixed width (IdentitySize*8/5 rounded up = 103 characters).
var keyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

var identityKeyLen = keyEncoding.EncodedLen(IdentitySize)

// Encode serializes n to its storage-key form:
// base32(identity) followed by the kind tag in decimal. The encoding is
// stable across restarts and across vaults; account transfer depends on
// every replica producing identical keys.
func Encode(n Name) []byte {
	buf := make([]byte, identityKeyLen, identityKeyLen+3)
	keyEncoding.Encode(buf, n.Identity[:])
	return strconv.AppendUint(buf, uint64(n.Kind), 10)
}

// Decode is the inverse of Encode.
func Decode(key []byte) (Name, error) {
	if len(key) <= identityKeyLen {
		return Name{}, fmt.Errorf("%w: key too short (%d bytes)", types.ErrMalformedName, len(key))
	}
	var n Name
	if _, err := keyEncoding.Decode(n.Identity[:], key[:identityKeyLen]); err != nil {
		return Name{}, fmt.Errorf("%w: %v", types.ErrMalformedName, err)
	}
	tag, err := strconv.ParseUint(string(key[identityKeyLen:]), 10, 32)
	if err != nil {
		return Name{}, fmt.Errorf("%w: bad kind tag: %v", types.ErrMalformedName, err)
	}
	n.Kind = Kind(tag)
	if !n.Kind.Valid() {
		return Name{}, fmt.Errorf("%w: unknown kind tag %d", types.ErrMalformedName, tag)
	}
	return n, nil
}

// Compare orders names the way their encoded keys order, so in-memory
// structures and database scans agree.
func Compare(a, b Name) int {
	return bytes.Compare(Encode(a), Encode(b))
}
