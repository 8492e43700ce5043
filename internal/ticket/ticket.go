package ticket

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/mr-tron/base58"

	"okufs/internal/ids"
)

const (
	docPrefix  = "doc"
	blobPrefix = "blob"
)

// DocTicket grants access to a replica and lists the nodes to sync it from.
type DocTicket struct {
	Capability Capability     `json:"capability"`      // Capability is the granted access
	Nodes      []ids.NodeAddr `json:"nodes,omitempty"` // Nodes are the peers holding the replica
}

// BlobFormat says how a blob should be interpreted.
type BlobFormat string

const (
	FormatRaw     BlobFormat = "raw"
	FormatHashSeq BlobFormat = "hashseq"
)

// BlobTicket names one blob and a node that serves it.
type BlobTicket struct {
	Hash   ids.Hash     `json:"hash"`
	Format BlobFormat   `json:"format"`
	Node   ids.NodeAddr `json:"node"`
}

// Merge folds tickets into one. Capabilities are merged left to right and the
// node lists are concatenated, sorted and deduplicated. Merging no tickets
// returns nil with no error.
func Merge(tickets []DocTicket) (*DocTicket, error) {
	if len(tickets) == 0 {
		return nil, nil
	}

	out := DocTicket{Capability: tickets[0].Capability}
	out.Nodes = slices.Clone(tickets[0].Nodes)

	for _, t := range tickets[1:] {
		merged, err := out.Capability.Merge(t.Capability)
		if err != nil {
			return nil, fmt.Errorf("merge tickets:\n%w", err)
		}

		out.Capability = merged
		out.Nodes = append(out.Nodes, t.Nodes...)
	}

	out.Nodes = ids.SortAddrs(out.Nodes)

	return &out, nil
}

// String returns the "doc" text form.
func (t DocTicket) String() string {
	return encodeText(docPrefix, t)
}

// ParseDocTicket parses the text form produced by DocTicket.String.
func ParseDocTicket(s string) (DocTicket, error) {
	var t DocTicket
	if err := decodeText(docPrefix, s, &t); err != nil {
		return DocTicket{}, err
	}

	if err := t.Capability.Validate(); err != nil {
		return DocTicket{}, fmt.Errorf("parse doc ticket:\n%w", err)
	}

	return t, nil
}

// EncodeDocTicket encodes t for storage in a DHT record.
func EncodeDocTicket(t DocTicket) ([]byte, error) {
	return json.Marshal(t)
}

// DecodeDocTicket decodes a DHT record payload.
func DecodeDocTicket(data []byte) (DocTicket, error) {
	var t DocTicket
	if err := json.Unmarshal(data, &t); err != nil {
		return DocTicket{}, fmt.Errorf("decode doc ticket:\n%w", err)
	}

	if err := t.Capability.Validate(); err != nil {
		return DocTicket{}, fmt.Errorf("decode doc ticket:\n%w", err)
	}

	return t, nil
}

// String returns the "blob" text form.
func (t BlobTicket) String() string {
	return encodeText(blobPrefix, t)
}

// ParseBlobTicket parses the text form produced by BlobTicket.String.
func ParseBlobTicket(s string) (BlobTicket, error) {
	var t BlobTicket
	if err := decodeText(blobPrefix, s, &t); err != nil {
		return BlobTicket{}, err
	}
	return t, nil
}

// encodeText renders v as prefix + base58(JSON).
func encodeText(prefix string, v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Ticket types only hold marshalable fields.
		panic(fmt.Sprintf("encode %s ticket: %v", prefix, err))
	}
	return prefix + base58.Encode(data)
}

// decodeText reverses encodeText.
func decodeText(prefix, s string, v any) error {
	body, ok := strings.CutPrefix(strings.TrimSpace(s), prefix)
	if !ok {
		return fmt.Errorf("parse ticket: missing %q prefix", prefix)
	}

	data, err := base58.Decode(body)
	if err != nil {
		return fmt.Errorf("parse %s ticket:\n%w", prefix, err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s ticket:\n%w", prefix, err)
	}

	return nil
}
