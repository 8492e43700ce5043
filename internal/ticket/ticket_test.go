package ticket

import (
	"crypto/ed25519"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"okufs/internal/ids"
)

func newWriteCap(t *testing.T) Capability {
	t.Helper()

	_, secret, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	return NewWriteCapability(secret)
}

func addr(b byte, hosts ...string) ids.NodeAddr {
	var id ids.NodeID
	id[0] = b
	return ids.NodeAddr{ID: id, Addrs: hosts}
}

func TestCapabilityMerge(t *testing.T) {
	w := newWriteCap(t)
	r := w.ReadOnly()

	got, err := r.Merge(w)
	require.NoError(t, err)
	require.Equal(t, Write, got.Kind)
	require.Equal(t, w.Secret, got.Secret)

	got, err = w.Merge(r)
	require.NoError(t, err)
	require.Equal(t, Write, got.Kind)

	got, err = r.Merge(r)
	require.NoError(t, err)
	require.Equal(t, Read, got.Kind)

	other := newWriteCap(t)
	_, err = r.Merge(other)
	require.ErrorIs(t, err, ErrNamespaceMismatch)
}

func TestMergeEmpty(t *testing.T) {
	got, err := Merge(nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestMergeSingleIsIdentity(t *testing.T) {
	w := newWriteCap(t)
	in := DocTicket{Capability: w.ReadOnly(), Nodes: []ids.NodeAddr{addr(2, "b"), addr(1, "a")}}

	got, err := Merge([]DocTicket{in})
	require.NoError(t, err)
	require.Equal(t, Read, got.Capability.Kind)
	require.Equal(t, []ids.NodeAddr{addr(1, "a"), addr(2, "b")}, got.Nodes)
}

func TestMergeUpgradesAndDedupes(t *testing.T) {
	w := newWriteCap(t)

	tickets := []DocTicket{
		{Capability: w.ReadOnly(), Nodes: []ids.NodeAddr{addr(3, "c"), addr(1, "a")}},
		{Capability: w, Nodes: []ids.NodeAddr{addr(1, "a"), addr(2, "b")}},
		{Capability: w.ReadOnly(), Nodes: []ids.NodeAddr{addr(3, "c")}},
	}

	got, err := Merge(tickets)
	require.NoError(t, err)
	require.Equal(t, Write, got.Capability.Kind)
	require.Equal(t, []ids.NodeAddr{addr(1, "a"), addr(2, "b"), addr(3, "c")}, got.Nodes)

	// Order of the inputs does not change the result.
	rev := []DocTicket{tickets[2], tickets[1], tickets[0]}
	again, err := Merge(rev)
	require.NoError(t, err)
	require.Equal(t, got, again)
}

func TestMergeDoesNotAliasInput(t *testing.T) {
	w := newWriteCap(t)
	nodes := []ids.NodeAddr{addr(2, "b"), addr(1, "a")}

	_, err := Merge([]DocTicket{{Capability: w, Nodes: nodes}})
	require.NoError(t, err)
	require.Equal(t, addr(2, "b"), nodes[0])
}

func TestMergeNamespaceMismatch(t *testing.T) {
	a := newWriteCap(t)
	b := newWriteCap(t)

	got, err := Merge([]DocTicket{{Capability: a}, {Capability: b.ReadOnly()}})
	require.Nil(t, got)
	require.True(t, errors.Is(err, ErrNamespaceMismatch))
}

func TestCanShare(t *testing.T) {
	require.True(t, CanShare(Read, ShareRead))
	require.True(t, CanShare(Write, ShareRead))
	require.True(t, CanShare(Write, ShareWrite))
	require.False(t, CanShare(Read, ShareWrite))
}

func TestDocTicketText(t *testing.T) {
	w := newWriteCap(t)
	in := DocTicket{Capability: w, Nodes: []ids.NodeAddr{addr(7, "127.0.0.1:4000")}}

	s := in.String()
	require.Regexp(t, "^doc", s)

	out, err := ParseDocTicket(s)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = ParseDocTicket("blob" + s[3:])
	require.Error(t, err)

	_, err = ParseBlobTicket(s)
	require.Error(t, err)
}

func TestParseDocTicketRejectsForgedWrite(t *testing.T) {
	a := newWriteCap(t)
	b := newWriteCap(t)

	forged := DocTicket{Capability: Capability{Kind: Write, ID: a.ID, Secret: b.Secret}}

	_, err := ParseDocTicket(forged.String())
	require.Error(t, err)

	_, err = DecodeDocTicket([]byte(`{"capability":{"kind":"write","id":"` + a.ID.String() + `"}}`))
	require.Error(t, err)
}

func TestBlobTicketText(t *testing.T) {
	in := BlobTicket{Hash: ids.HashBytes([]byte("hello")), Format: FormatRaw, Node: addr(9, "10.0.0.1:1")}

	out, err := ParseBlobTicket(in.String())
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDocTicketRecordRoundTrip(t *testing.T) {
	w := newWriteCap(t)
	in := DocTicket{Capability: w.ReadOnly(), Nodes: []ids.NodeAddr{addr(1, "a:1")}}

	data, err := EncodeDocTicket(in)
	require.NoError(t, err)

	out, err := DecodeDocTicket(data)
	require.NoError(t, err)
	require.Equal(t, in, out)

	_, err = DecodeDocTicket([]byte("not json"))
	require.Error(t, err)
}

func TestCannotShareWriteableError(t *testing.T) {
	w := newWriteCap(t)
	var err error = &CannotShareWriteableError{Namespace: w.ID}

	var target *CannotShareWriteableError
	require.ErrorAs(t, err, &target)
	require.Equal(t, w.ID, target.Namespace)
	require.Contains(t, err.Error(), w.ID.String())
}
