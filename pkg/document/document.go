// Package document defines the JSON-like record stored in a partitioned collection.
package document

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Document is a record owned by exactly one logical partition. A document is
// immutable once written: updates replace it with a new value carrying the same
// ID and partition key.
type Document struct {
	ID           string         `json:"id"`
	PartitionKey string         `json:"partitionKey"`
	Body         map[string]any `json:"body,omitempty"`
}

// New builds a document, copying body so later caller mutations are not observed.
func New(id, partitionKey string, body map[string]any) (Document, error) {
	if strings.TrimSpace(id) == "" {
		return Document{}, fmt.Errorf("document id is required")
	}
	return Document{ID: id, PartitionKey: partitionKey, Body: cloneBody(body)}, nil
}

// Size returns the size in bytes of the canonical JSON encoding.
func (d Document) Size() int {
	raw, err := json.Marshal(d)
	if err != nil {
		return 0
	}
	return len(raw)
}

// Field returns the value at a dotted path. "id" and the partition key field
// resolve to the document metadata.
func (d Document) Field(path string) (any, bool) {
	switch path {
	case "id":
		return d.ID, true
	case "", ".":
		return nil, false
	}
	var current any = d.Body
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Project returns a copy carrying only the listed top-level body fields. An
// empty projection returns the document unchanged.
func (d Document) Project(fields []string) Document {
	if len(fields) == 0 {
		return d
	}
	out := Document{ID: d.ID, PartitionKey: d.PartitionKey, Body: make(map[string]any, len(fields))}
	for _, f := range fields {
		if f == "id" {
			continue
		}
		if v, ok := d.Field(f); ok {
			out.Body[f] = v
		}
	}
	return out
}

// Marshal encodes the document as JSON.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Unmarshal decodes a JSON-encoded document.
func Unmarshal(raw []byte) (Document, error) {
	var d Document
	if err := json.Unmarshal(raw, &d); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return d, nil
}

func cloneBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneBody(nested)
			continue
		}
		out[k] = v
	}
	return out
}
