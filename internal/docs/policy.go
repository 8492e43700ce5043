package docs

import (
	"encoding/json"
	"fmt"

	"okufs/internal/pathkey"
)

// PolicyMode selects how a download policy's filters are read.
type PolicyMode uint8

const (
	// ModeEverythingExcept downloads every entry not matched by a filter.
	ModeEverythingExcept PolicyMode = iota
	// ModeNothingExcept downloads only entries matched by a filter.
	ModeNothingExcept
)

// DownloadPolicy decides which remote entries a replica accepts during sync.
type DownloadPolicy struct {
	Mode    PolicyMode       `json:"mode"`
	Filters []pathkey.Filter `json:"filters,omitempty"`
}

// EverythingExcept accepts every entry except those matching filters.
func EverythingExcept(filters ...pathkey.Filter) DownloadPolicy {
	return DownloadPolicy{Mode: ModeEverythingExcept, Filters: filters}
}

// NothingExcept accepts only entries matching filters.
func NothingExcept(filters ...pathkey.Filter) DownloadPolicy {
	return DownloadPolicy{Mode: ModeNothingExcept, Filters: filters}
}

// Allows reports whether an entry with key should be downloaded.
func (p DownloadPolicy) Allows(key []byte) bool {
	matched := false
	for _, f := range p.Filters {
		if f.Matches(key) {
			matched = true
			break
		}
	}

	if p.Mode == ModeNothingExcept {
		return matched
	}
	return !matched
}

func (p DownloadPolicy) String() string {
	mode := "everything-except"
	if p.Mode == ModeNothingExcept {
		mode = "nothing-except"
	}
	return fmt.Sprintf("%s(%d filters)", mode, len(p.Filters))
}

func encodePolicy(p DownloadPolicy) ([]byte, error) {
	return json.Marshal(p)
}

func decodePolicy(data []byte) (DownloadPolicy, error) {
	var p DownloadPolicy
	if err := json.Unmarshal(data, &p); err != nil {
		return DownloadPolicy{}, fmt.Errorf("decode download policy:\n%w", err)
	}
	return p, nil
}
