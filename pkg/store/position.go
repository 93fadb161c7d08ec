package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/nimburion/docroute/pkg/document"
	"github.com/nimburion/docroute/pkg/partition"
)

// Position is a place in the total order (effective key, partition key, id)
// shared by every ordered backend. A position does not depend on partition
// boundaries, so it stays meaningful after a split.
type Position struct {
	EPK uint64 `json:"e"`
	Key string `json:"k"`
	ID  string `json:"i"`
}

// PositionOf returns the position of a stored document.
func PositionOf(doc document.Document) Position {
	return Position{EPK: partition.EffectiveKey(doc.PartitionKey), Key: doc.PartitionKey, ID: doc.ID}
}

// Less orders positions by effective key, then partition key, then id.
func (p Position) Less(other Position) bool {
	if p.EPK != other.EPK {
		return p.EPK < other.EPK
	}
	if p.Key != other.Key {
		return p.Key < other.Key
	}
	return p.ID < other.ID
}

// Encode renders the position as an opaque continuation.
func (p Position) Encode() string {
	raw, _ := json.Marshal(p)
	return base64.RawURLEncoding.EncodeToString(raw)
}

// DecodePosition parses a continuation produced by Encode.
func DecodePosition(token string) (Position, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Position{}, fmt.Errorf("malformed continuation: %w", err)
	}
	var p Position
	if err := json.Unmarshal(raw, &p); err != nil {
		return Position{}, fmt.Errorf("malformed continuation: %w", err)
	}
	return p, nil
}

// EncodeEPK renders an effective key as fixed-width hex, so that lexical order
// of encoded keys is numeric order.
func EncodeEPK(epk uint64) string {
	return fmt.Sprintf("%016x", epk)
}
