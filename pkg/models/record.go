// Package models defines the canonical data types flowing through the
// ingestion engine: the molecule record, the paged fetch result, and the
// opaque resume cursor shared by every source connector.
package models

import (
	gojson "github.com/goccy/go-json"
)

// Record is the canonical unit produced by source connectors. The engine
// treats SMILES and metadata values as opaque strings; chemical semantics
// live downstream.
type Record struct {
	Source     string            `json:"source"`
	Identifier string            `json:"identifier"`
	SMILES     string            `json:"smiles"`
	Metadata   map[string]string `json:"metadata"`
}

// MarshalLine serializes the record as a single NDJSON line without a
// trailing newline. Map keys are emitted in sorted order, so identical
// records always produce identical bytes.
func (r *Record) MarshalLine() ([]byte, error) {
	return gojson.Marshal(r)
}

// Cursor is an opaque, source-defined resume position. Values must stay
// within the JSON-serializable set (strings, numbers, booleans, nested maps)
// so checkpoints can round-trip through storage.
type Cursor map[string]any

// Int reads an integer cursor field, tolerating the float64 widening that a
// JSON round trip introduces.
func (c Cursor) Int(key string) (int, bool) {
	v, ok := c[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// String reads a string cursor field.
func (c Cursor) String(key string) (string, bool) {
	v, ok := c[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Clone returns a shallow copy so connectors can hand cursors to callers
// without sharing mutable state.
func (c Cursor) Clone() Cursor {
	if c == nil {
		return nil
	}
	out := make(Cursor, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Page is one batch-sized unit of records plus the cursor needed to resume
// after it. NextCursor == nil is the exhaustion sentinel; a non-nil empty
// cursor is a real position and must not be treated as exhaustion.
type Page struct {
	Records    []Record
	NextCursor Cursor
}

// Exhausted reports whether this page is the final one for its source.
func (p *Page) Exhausted() bool {
	return p.NextCursor == nil
}
