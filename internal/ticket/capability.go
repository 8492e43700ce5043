// Package ticket implements the capability tickets used to share replicas
// and blobs, and the merge algebra that combines them.
package ticket

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"okufs/internal/ids"
)

// CapabilityKind is the level of access a capability grants.
type CapabilityKind uint8

const (
	// Read grants access to a replica's entries.
	Read CapabilityKind = iota
	// Write additionally allows inserting signed entries.
	Write
)

func (k CapabilityKind) String() string {
	switch k {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("CapabilityKind(%d)", uint8(k))
	}
}

// MarshalText encodes the kind as "read" or "write".
func (k CapabilityKind) MarshalText() ([]byte, error) {
	if k > Write {
		return nil, fmt.Errorf("unknown capability kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

// UnmarshalText decodes "read" or "write".
func (k *CapabilityKind) UnmarshalText(text []byte) error {
	switch string(text) {
	case "read":
		*k = Read
	case "write":
		*k = Write
	default:
		return fmt.Errorf("unknown capability kind %q", text)
	}
	return nil
}

// ShareMode is the access level requested when sharing a replica.
type ShareMode uint8

const (
	ShareRead ShareMode = iota
	ShareWrite
)

func (m ShareMode) String() string {
	if m == ShareWrite {
		return "write"
	}
	return "read"
}

// ParseShareMode parses "read" or "write".
func ParseShareMode(s string) (ShareMode, error) {
	switch s {
	case "", "read":
		return ShareRead, nil
	case "write":
		return ShareWrite, nil
	default:
		return ShareRead, fmt.Errorf("unknown share mode %q", s)
	}
}

// ErrNamespaceMismatch is returned when merging capabilities of different replicas.
var ErrNamespaceMismatch = errors.New("capabilities name different namespaces")

// Capability grants access to one replica. A write capability carries the
// namespace secret key; a read capability only names the namespace.
type Capability struct {
	Kind   CapabilityKind     `json:"kind"`             // Kind is read or write
	ID     ids.NamespaceID    `json:"id"`               // ID is the namespace public key
	Secret ed25519.PrivateKey `json:"secret,omitempty"` // Secret is set for Write only
}

// NewReadCapability returns a read capability for id.
func NewReadCapability(id ids.NamespaceID) Capability {
	return Capability{Kind: Read, ID: id}
}

// NewWriteCapability returns a write capability derived from the namespace secret.
func NewWriteCapability(secret ed25519.PrivateKey) Capability {
	id, _ := ids.FromBytes[ids.NamespaceID](secret.Public().(ed25519.PublicKey))
	return Capability{Kind: Write, ID: id, Secret: secret}
}

// Validate checks that a write capability's secret matches its namespace.
func (c Capability) Validate() error {
	switch c.Kind {
	case Read:
		return nil
	case Write:
		if len(c.Secret) != ed25519.PrivateKeySize {
			return fmt.Errorf("write capability for %s has no secret", c.ID.FmtShort())
		}

		pub := c.Secret.Public().(ed25519.PublicKey)
		if string(pub) != string(c.ID[:]) {
			return fmt.Errorf("write capability secret does not match %s", c.ID.FmtShort())
		}

		return nil
	default:
		return fmt.Errorf("unknown capability kind %d", uint8(c.Kind))
	}
}

// Merge combines c with other. Write absorbs read; both must name the same
// namespace.
func (c Capability) Merge(other Capability) (Capability, error) {
	if c.ID != other.ID {
		return c, fmt.Errorf("merge %s with %s: %w", c.ID.FmtShort(), other.ID.FmtShort(), ErrNamespaceMismatch)
	}

	if c.Kind == Write {
		return c, nil
	}

	if other.Kind == Write {
		return other, nil
	}

	return c, nil
}

// ReadOnly returns the read capability for the same namespace.
func (c Capability) ReadOnly() Capability {
	return NewReadCapability(c.ID)
}

// CanShare reports whether a node holding local may issue a ticket in mode.
func CanShare(local CapabilityKind, mode ShareMode) bool {
	return mode == ShareRead || local == Write
}

// CannotShareWriteableError is returned when a write share is requested for
// a replica held read-only.
type CannotShareWriteableError struct {
	Namespace ids.NamespaceID
}

func (e *CannotShareWriteableError) Error() string {
	return fmt.Sprintf("cannot share replica %s as writeable: only read access is held", e.Namespace)
}
