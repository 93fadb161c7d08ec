package feed

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nimburion/docroute/pkg/dberr"
	"github.com/nimburion/docroute/pkg/partition"
)

const tokenVersion = 1

// Cursor is one resumable piece of query work: a key range inside a physical
// partition and the storage position reached so far.
type Cursor struct {
	Partition partition.ID
	Range     partition.KeyRange
	// Position is the storage continuation, empty at the start of Range.
	Position string
}

type tokenItem struct {
	Partition string `json:"p"`
	Low       uint64 `json:"lo"`
	High      uint64 `json:"hi"`
	Position  string `json:"pos,omitempty"`
}

type token struct {
	Version     int         `json:"v"`
	Fingerprint uint64      `json:"fp"`
	MapVersion  uint64      `json:"mv"`
	Items       []tokenItem `json:"items"`
}

// encodeToken renders the outstanding cursors; no cursors means the sequence
// is exhausted and yields an empty token.
func encodeToken(fingerprint, mapVersion uint64, cursors []Cursor) string {
	if len(cursors) == 0 {
		return ""
	}
	t := token{Version: tokenVersion, Fingerprint: fingerprint, MapVersion: mapVersion}
	for _, c := range cursors {
		t.Items = append(t.Items, tokenItem{
			Partition: string(c.Partition),
			Low:       c.Range.Low,
			High:      c.Range.High,
			Position:  c.Position,
		})
	}
	raw, _ := json.Marshal(t)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodeContinuation parses a continuation returned in a Page or a
// PartialResultsError. It fails with a ConfigurationError when the token is
// malformed or was issued for a query with another fingerprint. The returned
// cursors carry the partition ids of the map version that issued them; the
// caller re-resolves their ranges against its current map.
func DecodeContinuation(continuation string, fingerprint uint64) ([]Cursor, uint64, error) {
	raw, err := base64.RawURLEncoding.DecodeString(continuation)
	if err != nil {
		return nil, 0, dberr.InvalidConfiguration("continuation", "malformed token")
	}
	var t token
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, 0, dberr.InvalidConfiguration("continuation", "malformed token")
	}
	if t.Version != tokenVersion {
		return nil, 0, dberr.InvalidConfiguration("continuation", fmt.Sprintf("unsupported token version %d", t.Version))
	}
	if t.Fingerprint != fingerprint {
		return nil, 0, dberr.InvalidConfiguration("continuation", "token was issued for a different query")
	}
	cursors := make([]Cursor, 0, len(t.Items))
	for _, item := range t.Items {
		if item.Low > item.High {
			return nil, 0, dberr.InvalidConfiguration("continuation", "token holds an inverted range")
		}
		cursors = append(cursors, Cursor{
			Partition: partition.ID(item.Partition),
			Range:     partition.KeyRange{Low: item.Low, High: item.High},
			Position:  item.Position,
		})
	}
	return cursors, t.MapVersion, nil
}
