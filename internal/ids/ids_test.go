package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNamespaceIDTextRoundTrip(t *testing.T) {
	var id NamespaceID
	for i := range id {
		id[i] = byte(i)
	}

	parsed, err := ParseNamespaceID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, parsed)
	require.Len(t, id.FmtShort(), shortLen)
}

func TestParseRejectsWrongLength(t *testing.T) {
	_, err := ParseNamespaceID("3mJr7AoUXx2Wqd")
	require.Error(t, err)

	_, err = ParseHash("not-base58-0OIl")
	require.Error(t, err)
}

func TestNodeAddrJSON(t *testing.T) {
	addr := NodeAddr{ID: NodeID{1, 2, 3}, Addrs: []string{"127.0.0.1:4000"}}

	data, err := json.Marshal(addr)
	require.NoError(t, err)

	var back NodeAddr
	require.NoError(t, json.Unmarshal(data, &back))
	require.True(t, addr.Equal(back))
}

func TestSortAddrsDedupes(t *testing.T) {
	a := NodeAddr{ID: NodeID{1}, Addrs: []string{"b:1", "a:1"}}
	b := NodeAddr{ID: NodeID{2}, Addrs: []string{"c:1"}}
	aAgain := NodeAddr{ID: NodeID{1}, Addrs: []string{"a:1", "b:1"}}

	got := SortAddrs([]NodeAddr{b, a, aAgain})

	require.Len(t, got, 2)
	require.Equal(t, NodeID{1}, got[0].ID)
	require.Equal(t, []string{"a:1", "b:1"}, got[0].Addrs)
	require.Equal(t, NodeID{2}, got[1].ID)
}

func TestWithout(t *testing.T) {
	self := NodeID{9}
	addrs := []NodeAddr{{ID: self}, {ID: NodeID{1}}, {Addrs: []string{"x:1"}}}

	got := Without(addrs, self)

	require.Len(t, got, 2)
	for _, a := range got {
		require.NotEqual(t, self, a.ID)
	}
}

func TestFromBytes(t *testing.T) {
	raw := make([]byte, Size)
	raw[0] = 7

	h, err := FromBytes[Hash](raw)
	require.NoError(t, err)
	require.Equal(t, byte(7), h[0])

	_, err = FromBytes[Hash](raw[:5])
	require.Error(t, err)
}

func TestEmptyHash(t *testing.T) {
	require.Equal(t, HashBytes([]byte{}), EmptyHash)
}

func TestParseNodeAddr(t *testing.T) {
	id := NodeID{1, 2, 3}

	a, err := ParseNodeAddr(id.String() + "@10.0.0.1:4433, 10.0.0.2:4433")
	require.NoError(t, err)
	require.Equal(t, id, a.ID)
	require.Equal(t, []string{"10.0.0.1:4433", "10.0.0.2:4433"}, a.Addrs)

	bare, err := ParseNodeAddr("relay.local:4433")
	require.NoError(t, err)
	require.True(t, bare.ID.IsZero())
	require.Equal(t, []string{"relay.local:4433"}, bare.Addrs)

	_, err = ParseNodeAddr(id.String() + "@")
	require.Error(t, err)

	_, err = ParseNodeAddr("short@host:1")
	require.Error(t, err)
}
