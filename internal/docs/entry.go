package docs

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/zeebo/blake3"

	"okufs/internal/ids"
	"okufs/internal/types"
)

// maxKeySize bounds entry keys accepted from peers.
const maxKeySize = 4096

// Entry is one signed record of a replica: a key, its content hash and
// length, the author and a timestamp.
type Entry struct {
	Namespace    ids.NamespaceID // Namespace is the replica the entry belongs to
	Key          []byte          // Key is the entry key
	Author       ids.AuthorID    // Author wrote the entry
	Timestamp    uint64          // Timestamp is microseconds since the Unix epoch
	Hash         ids.Hash        // Hash is the blake3 hash of the content
	Len          uint64          // Len is the content length; zero marks a tombstone
	NamespaceSig []byte          // NamespaceSig is the namespace key's signature
	AuthorSig    []byte          // AuthorSig is the author key's signature
}

// IsEmpty reports whether e is a tombstone.
func (e Entry) IsEmpty() bool {
	return e.Len == 0
}

// newerThan orders two entries of the same (key, author) by timestamp, then hash.
func (e Entry) newerThan(o Entry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	return bytes.Compare(e.Hash[:], o.Hash[:]) > 0
}

// laterThan orders entries of the same key by timestamp, then author.
func (e Entry) laterThan(o Entry) bool {
	if e.Timestamp != o.Timestamp {
		return e.Timestamp > o.Timestamp
	}
	return bytes.Compare(e.Author[:], o.Author[:]) > 0
}

// digest is the message both signatures cover.
func (e Entry) digest() [32]byte {
	h := blake3.New()

	var buf [8]byte

	h.Write(e.Namespace[:])
	binary.BigEndian.PutUint32(buf[:4], uint32(len(e.Key)))
	h.Write(buf[:4])
	h.Write(e.Key)
	h.Write(e.Author[:])
	binary.BigEndian.PutUint64(buf[:], e.Timestamp)
	h.Write(buf[:])
	h.Write(e.Hash[:])
	binary.BigEndian.PutUint64(buf[:], e.Len)
	h.Write(buf[:])

	var out [32]byte
	h.Sum(out[:0])

	return out
}

// sign fills both signatures.
func (e *Entry) sign(namespace, author ed25519.PrivateKey) {
	d := e.digest()
	e.NamespaceSig = ed25519.Sign(namespace, d[:])
	e.AuthorSig = ed25519.Sign(author, d[:])
}

// Verify checks both signatures.
func (e Entry) Verify() error {
	d := e.digest()

	if !ed25519.Verify(e.Namespace.PublicKey(), d[:], e.NamespaceSig) {
		return fmt.Errorf("invalid namespace signature")
	}

	if !ed25519.Verify(e.Author.PublicKey(), d[:], e.AuthorSig) {
		return fmt.Errorf("invalid author signature")
	}

	return nil
}

// encodeEntry serializes e as a SignedEntry table.
func encodeEntry(e Entry) []byte {
	builder := flatbuffers.NewBuilder(256 + len(e.Key))

	nsVec := builder.CreateByteVector(e.Namespace[:])
	keyVec := builder.CreateByteVector(e.Key)
	authorVec := builder.CreateByteVector(e.Author[:])
	hashVec := builder.CreateByteVector(e.Hash[:])
	nsSigVec := builder.CreateByteVector(e.NamespaceSig)
	authorSigVec := builder.CreateByteVector(e.AuthorSig)

	types.SignedEntryStart(builder)
	types.SignedEntryAddNamespace(builder, nsVec)
	types.SignedEntryAddKey(builder, keyVec)
	types.SignedEntryAddAuthor(builder, authorVec)
	types.SignedEntryAddTimestamp(builder, e.Timestamp)
	types.SignedEntryAddHash(builder, hashVec)
	types.SignedEntryAddLen(builder, e.Len)
	types.SignedEntryAddNamespaceSig(builder, nsSigVec)
	types.SignedEntryAddAuthorSig(builder, authorSigVec)
	offset := types.SignedEntryEnd(builder)

	builder.Finish(offset)

	return builder.FinishedBytes()
}

// decodeEntry parses a SignedEntry table. Signatures are not checked.
func decodeEntry(data []byte) (e Entry, retErr error) {
	// FlatBuffers panics on malformed data, recover gracefully
	defer func() {
		if r := recover(); r != nil {
			retErr = fmt.Errorf("malformed entry data")
		}
	}()

	if len(data) < 8 {
		return Entry{}, fmt.Errorf("entry data too short")
	}

	se := types.GetRootAsSignedEntry(data, 0)

	ns, err := ids.FromBytes[ids.NamespaceID](se.NamespaceBytes())
	if err != nil {
		return Entry{}, fmt.Errorf("namespace: %w", err)
	}

	author, err := ids.FromBytes[ids.AuthorID](se.AuthorBytes())
	if err != nil {
		return Entry{}, fmt.Errorf("author: %w", err)
	}

	hash, err := ids.FromBytes[ids.Hash](se.HashBytes())
	if err != nil {
		return Entry{}, fmt.Errorf("hash: %w", err)
	}

	if se.KeyLength() > maxKeySize {
		return Entry{}, fmt.Errorf("key too long: %d", se.KeyLength())
	}

	if se.NamespaceSigLength() != ed25519.SignatureSize || se.AuthorSigLength() != ed25519.SignatureSize {
		return Entry{}, fmt.Errorf("invalid signature size")
	}

	return Entry{
		Namespace:    ns,
		Key:          bytes.Clone(se.KeyBytes()),
		Author:       author,
		Timestamp:    se.Timestamp(),
		Hash:         hash,
		Len:          se.Len(),
		NamespaceSig: bytes.Clone(se.NamespaceSigBytes()),
		AuthorSig:    bytes.Clone(se.AuthorSigBytes()),
	}, nil
}
