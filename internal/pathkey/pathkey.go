// Package pathkey maps file-system paths onto replica entry keys.
//
// A file key is the normalized path followed by a single NUL byte. A prefix
// key is the normalized path followed by a separator and no NUL, and is only
// used to bound prefix-range queries. Because every file key ends in NUL and a
// prefix key ends in '/', the prefix key for "/docs" never matches the file
// "/docs" nor anything under "/docsx".
package pathkey

import (
	"bytes"
	"errors"
	"fmt"
	"path"
	"unicode/utf8"
)

// Separator is the path separator used inside keys.
const Separator = '/'

// terminator ends every file key.
const terminator = 0x00

// ErrDecode is returned when a key is not a valid file key.
var ErrDecode = errors.New("invalid file key")

// Filter scopes a download policy to a set of keys.
type Filter struct {
	Prefix bool   // Prefix matches every key starting with Key; otherwise exact
	Key    []byte // Key is the exact key or key prefix
}

// Matches reports whether key is selected by the filter.
func (f Filter) Matches(key []byte) bool {
	if f.Prefix {
		return bytes.HasPrefix(key, f.Key)
	}
	return bytes.Equal(key, f.Key)
}

// Normalize returns p as an absolute, lexically cleaned path.
func Normalize(p string) string {
	return path.Clean("/" + p)
}

// ToFileKey returns the entry key of the file at p.
func ToFileKey(p string) []byte {
	n := Normalize(p)

	key := make([]byte, 0, len(n)+1)
	key = append(key, n...)

	return append(key, terminator)
}

// FromFileKey is the inverse of ToFileKey.
func FromFileKey(key []byte) (string, error) {
	if len(key) == 0 || key[len(key)-1] != terminator {
		return "", fmt.Errorf("%w: missing terminator", ErrDecode)
	}

	body := key[:len(key)-1]
	if bytes.IndexByte(body, terminator) >= 0 {
		return "", fmt.Errorf("%w: interior NUL", ErrDecode)
	}

	if !utf8.Valid(body) {
		return "", fmt.Errorf("%w: not UTF-8", ErrDecode)
	}

	return string(body), nil
}

// ToPrefixKey returns the key prefix of every entry under the directory p.
func ToPrefixKey(p string) []byte {
	n := Normalize(p)

	key := make([]byte, 0, len(n)+1)
	key = append(key, n...)

	if n != "/" {
		key = append(key, Separator)
	}

	return key
}

// ScopeFilters returns the filters selecting p itself (as a file) and
// everything below it (as a directory).
func ScopeFilters(p string) []Filter {
	return []Filter{
		{Key: ToFileKey(p)},
		{Prefix: true, Key: ToPrefixKey(p)},
	}
}

// Base returns the last element of the normalized path.
func Base(p string) string {
	return path.Base(Normalize(p))
}

// Join joins elements onto dir and normalizes the result.
func Join(dir string, elem ...string) string {
	return Normalize(path.Join(append([]string{dir}, elem...)...))
}
