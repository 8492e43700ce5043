package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode/utf8"

	"okufs/internal/ids"
	"okufs/internal/pathkey"
)

const (
	// maxFileSize is the largest file body accepted by PUT.
	maxFileSize = 64 << 20 // 64 MB

	// maxJSONSize bounds JSON request bodies.
	maxJSONSize = 64 << 10
)

// parseNamespace reads the {id} path value.
func parseNamespace(r *http.Request) (ids.NamespaceID, error) {
	raw := r.PathValue("id")
	if raw == "" {
		return ids.NamespaceID{}, fmt.Errorf("missing replica id")
	}

	id, err := ids.ParseNamespaceID(raw)
	if err != nil {
		return ids.NamespaceID{}, fmt.Errorf("invalid replica id: %w", err)
	}

	return id, nil
}

// parsePath reads and normalizes the path query parameter.
func parsePath(r *http.Request, required bool) (string, error) {
	p := r.URL.Query().Get("path")
	if p == "" {
		if required {
			return "", fmt.Errorf("missing path")
		}
		return "", nil
	}

	if err := validatePath(p); err != nil {
		return "", err
	}

	return pathkey.Normalize(p), nil
}

// validatePath rejects paths that cannot round-trip through a file key.
func validatePath(p string) error {
	if !utf8.ValidString(p) {
		return fmt.Errorf("path is not valid UTF-8")
	}

	if strings.ContainsRune(p, 0) {
		return fmt.Errorf("path contains a NUL byte")
	}

	return nil
}

// decodeJSON decodes a bounded JSON body into v.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONSize))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}

	return nil
}

// moveRequest is the body of POST /replicas/{id}/move.
type moveRequest struct {
	From      string           `json:"from"`
	To        string           `json:"to"`
	ToReplica *ids.NamespaceID `json:"to_replica,omitempty"`
	Directory bool             `json:"directory,omitempty"`
}

// validate checks both paths and normalizes them.
func (m *moveRequest) validate() error {
	if m.From == "" || m.To == "" {
		return fmt.Errorf("from and to are required")
	}

	for _, p := range []string{m.From, m.To} {
		if err := validatePath(p); err != nil {
			return err
		}
	}

	m.From = pathkey.Normalize(m.From)
	m.To = pathkey.Normalize(m.To)

	return nil
}
