// Package ids defines the fixed-size identifiers shared by every okufs
// component, with base58 text forms.
package ids

import (
	"bytes"
	"crypto/ed25519"
	"fmt"

	"github.com/mr-tron/base58"
	"github.com/zeebo/blake3"
)

// Size is the byte length of every identifier.
const Size = 32

// shortLen is the number of characters kept by FmtShort.
const shortLen = 10

// NamespaceID identifies a replica; it is the namespace's ed25519 public key.
type NamespaceID [Size]byte

// AuthorID identifies an entry author; it is the author's ed25519 public key.
type AuthorID [Size]byte

// NodeID identifies a network node; it is the node's ed25519 public key.
type NodeID [Size]byte

// Hash is a blake3 content hash.
type Hash [Size]byte

// HashBytes returns the blake3 hash of data.
func HashBytes(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// EmptyHash is the hash of zero-length content, used by tombstones.
var EmptyHash = HashBytes(nil)

func (id NamespaceID) String() string { return base58.Encode(id[:]) }
func (id NamespaceID) FmtShort() string { return short(id.String()) }
func (id NamespaceID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// MarshalText encodes the id as base58.
func (id NamespaceID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText decodes a base58 id.
func (id *NamespaceID) UnmarshalText(text []byte) error {
	raw, err := decode(string(text))
	if err != nil {
		return fmt.Errorf("namespace id: %w", err)
	}
	*id = raw
	return nil
}

// ParseNamespaceID parses the base58 form of a namespace id.
func ParseNamespaceID(s string) (NamespaceID, error) {
	var id NamespaceID
	err := id.UnmarshalText([]byte(s))
	return id, err
}

func (id AuthorID) String() string { return base58.Encode(id[:]) }
func (id AuthorID) FmtShort() string { return short(id.String()) }
func (id AuthorID) PublicKey() ed25519.PublicKey {
	return ed25519.PublicKey(id[:])
}

// MarshalText encodes the id as base58.
func (id AuthorID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText decodes a base58 id.
func (id *AuthorID) UnmarshalText(text []byte) error {
	raw, err := decode(string(text))
	if err != nil {
		return fmt.Errorf("author id: %w", err)
	}
	*id = raw
	return nil
}

func (id NodeID) String() string { return base58.Encode(id[:]) }
func (id NodeID) FmtShort() string { return short(id.String()) }
func (id NodeID) IsZero() bool { return id == NodeID{} }

// Compare orders node ids bytewise.
func (id NodeID) Compare(other NodeID) int { return compareIDs(id, other) }

// MarshalText encodes the id as base58.
func (id NodeID) MarshalText() ([]byte, error) { return []byte(id.String()), nil }

// UnmarshalText decodes a base58 id.
func (id *NodeID) UnmarshalText(text []byte) error {
	raw, err := decode(string(text))
	if err != nil {
		return fmt.Errorf("node id: %w", err)
	}
	*id = raw
	return nil
}

// NodeIDFromKey returns the node id of an ed25519 public key.
func NodeIDFromKey(pub ed25519.PublicKey) NodeID {
	var id NodeID
	copy(id[:], pub)
	return id
}

func (h Hash) String() string { return base58.Encode(h[:]) }
func (h Hash) FmtShort() string { return short(h.String()) }

// MarshalText encodes the hash as base58.
func (h Hash) MarshalText() ([]byte, error) { return []byte(h.String()), nil }

// UnmarshalText decodes a base58 hash.
func (h *Hash) UnmarshalText(text []byte) error {
	raw, err := decode(string(text))
	if err != nil {
		return fmt.Errorf("hash: %w", err)
	}
	*h = raw
	return nil
}

// ParseHash parses the base58 form of a hash.
func ParseHash(s string) (Hash, error) {
	var h Hash
	err := h.UnmarshalText([]byte(s))
	return h, err
}

// FromBytes copies b into a fixed-size identifier. b must be Size bytes long.
func FromBytes[T ~[Size]byte](b []byte) (T, error) {
	var raw [Size]byte
	if len(b) != Size {
		return T(raw), fmt.Errorf("invalid identifier length: got %d, want %d", len(b), Size)
	}
	copy(raw[:], b)
	return T(raw), nil
}

// decode parses a base58 string of exactly Size bytes.
func decode(s string) ([Size]byte, error) {
	var out [Size]byte

	raw, err := base58.Decode(s)
	if err != nil {
		return out, err
	}

	if len(raw) != Size {
		return out, fmt.Errorf("invalid length: got %d, want %d", len(raw), Size)
	}

	copy(out[:], raw)

	return out, nil
}

// short truncates s to shortLen characters.
func short(s string) string {
	if len(s) <= shortLen {
		return s
	}
	return s[:shortLen]
}

// compareIDs orders two identifiers bytewise.
func compareIDs(a, b [Size]byte) int {
	return bytes.Compare(a[:], b[:])
}
