package ids

import (
	"fmt"
	"slices"
	"strings"
)

// NodeAddr is everything needed to dial a node: its id and the network
// addresses it was last seen on. A zero ID means "any node at Addrs".
type NodeAddr struct {
	ID    NodeID   `json:"id"`
	Addrs []string `json:"addrs,omitempty"`
}

// Compare orders addresses by id, then by their address lists.
func (a NodeAddr) Compare(b NodeAddr) int {
	if c := a.ID.Compare(b.ID); c != 0 {
		return c
	}

	return slices.Compare(a.Addrs, b.Addrs)
}

// Equal reports whether a and b name the same node with the same addresses.
func (a NodeAddr) Equal(b NodeAddr) bool {
	return a.Compare(b) == 0
}

func (a NodeAddr) String() string {
	if len(a.Addrs) == 0 {
		return a.ID.FmtShort()
	}
	return a.ID.FmtShort() + "@" + strings.Join(a.Addrs, ",")
}

// SortAddrs sorts addrs and removes adjacent duplicates, returning the
// shortened slice. Each NodeAddr's own address list is sorted first so that
// equal sets compare equal.
func SortAddrs(addrs []NodeAddr) []NodeAddr {
	for i := range addrs {
		if !slices.IsSorted(addrs[i].Addrs) {
			addrs[i].Addrs = slices.Clone(addrs[i].Addrs)
			slices.Sort(addrs[i].Addrs)
		}
	}

	slices.SortFunc(addrs, NodeAddr.Compare)

	return slices.CompactFunc(addrs, NodeAddr.Equal)
}

// Without returns addrs minus every entry whose id is self.
func Without(addrs []NodeAddr, self NodeID) []NodeAddr {
	out := make([]NodeAddr, 0, len(addrs))
	for _, a := range addrs {
		if a.ID != self || a.ID.IsZero() {
			out = append(out, a)
		}
	}
	return out
}

// ParseNodeAddr parses "id@host:port[,host:port...]". A bare "host:port"
// list yields a zero id.
func ParseNodeAddr(s string) (NodeAddr, error) {
	var a NodeAddr

	rest := s
	if id, addrs, ok := strings.Cut(s, "@"); ok {
		if err := a.ID.UnmarshalText([]byte(id)); err != nil {
			return NodeAddr{}, err
		}
		rest = addrs
	}

	for _, addr := range strings.Split(rest, ",") {
		if addr = strings.TrimSpace(addr); addr != "" {
			a.Addrs = append(a.Addrs, addr)
		}
	}

	if len(a.Addrs) == 0 {
		return NodeAddr{}, fmt.Errorf("node address %q has no host", s)
	}

	return a, nil
}
