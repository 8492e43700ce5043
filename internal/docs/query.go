package docs

import (
	"bytes"
	"slices"

	"okufs/internal/ids"
)

// Query selects entries of a replica. The zero value matches every entry
// and keeps all authors' versions.
type Query struct {
	latest       bool          // latest collapses to one entry per key
	match        matchKind     // match is how key is compared
	key          []byte        // key is the exact key or prefix
	author       *ids.AuthorID // author restricts results to one author
	includeEmpty bool          // includeEmpty keeps tombstones
}

type matchKind uint8

const (
	matchAll matchKind = iota
	matchExact
	matchPrefix
)

// LatestPerKey returns a query keeping only the newest entry of each key.
func LatestPerKey() Query {
	return Query{latest: true}
}

// AllEntries returns a query keeping every author's entry of each key.
func AllEntries() Query {
	return Query{}
}

// Exact restricts q to key.
func (q Query) Exact(key []byte) Query {
	q.match = matchExact
	q.key = key
	return q
}

// Prefix restricts q to keys starting with prefix.
func (q Query) Prefix(prefix []byte) Query {
	q.match = matchPrefix
	q.key = prefix
	return q
}

// Author restricts q to entries written by a.
func (q Query) Author(a ids.AuthorID) Query {
	q.author = &a
	return q
}

// IncludeEmpty keeps tombstones in the results.
func (q Query) IncludeEmpty() Query {
	q.includeEmpty = true
	return q
}

// scanPrefix is the key prefix to iterate for q.
func (q Query) scanPrefix() []byte {
	if q.match == matchAll {
		return nil
	}
	return q.key
}

// selects reports whether e passes the key and author filters.
func (q Query) selects(e Entry) bool {
	switch q.match {
	case matchExact:
		if !bytes.Equal(e.Key, q.key) {
			return false
		}
	case matchPrefix:
		if !bytes.HasPrefix(e.Key, q.key) {
			return false
		}
	}

	if q.author != nil && e.Author != *q.author {
		return false
	}

	return true
}

// apply reduces candidates per q and returns them ordered by key, then author.
func (q Query) apply(candidates []Entry) []Entry {
	out := candidates[:0]
	for _, e := range candidates {
		if q.selects(e) {
			out = append(out, e)
		}
	}

	if q.latest {
		latest := make(map[string]Entry, len(out))
		for _, e := range out {
			if cur, ok := latest[string(e.Key)]; !ok || e.laterThan(cur) {
				latest[string(e.Key)] = e
			}
		}

		out = out[:0]
		for _, e := range latest {
			out = append(out, e)
		}
	}

	if !q.includeEmpty {
		out = slices.DeleteFunc(out, Entry.IsEmpty)
	}

	slices.SortFunc(out, func(a, b Entry) int {
		if c := bytes.Compare(a.Key, b.Key); c != 0 {
			return c
		}
		return bytes.Compare(a.Author[:], b.Author[:])
	})

	return out
}
