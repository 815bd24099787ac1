package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalLineDeterministic(t *testing.T) {
	rec := Record{
		Source:     "pubchem",
		Identifier: "12345",
		SMILES:     "CCO",
		Metadata: map[string]string{
			"zeta":  "last",
			"alpha": "first",
			"mid":   "middle",
		},
	}

	first, err := rec.MarshalLine()
	require.NoError(t, err)
	second, err := rec.MarshalLine()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.NotContains(t, string(first), "\n")
	assert.Contains(t, string(first), `"source":"pubchem"`)
	assert.Contains(t, string(first), `"smiles":"CCO"`)
}

func TestCursorInt(t *testing.T) {
	c := Cursor{
		"as_int":     7,
		"as_int64":   int64(8),
		"as_float64": float64(9),
		"as_string":  "10",
	}

	v, ok := c.Int("as_int")
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = c.Int("as_int64")
	assert.True(t, ok)
	assert.Equal(t, 8, v)

	v, ok = c.Int("as_float64")
	assert.True(t, ok)
	assert.Equal(t, 9, v)

	_, ok = c.Int("as_string")
	assert.False(t, ok)

	_, ok = c.Int("absent")
	assert.False(t, ok)
}

func TestCursorString(t *testing.T) {
	c := Cursor{"name": "Compound_001.sdf.gz", "index": 3}

	s, ok := c.String("name")
	assert.True(t, ok)
	assert.Equal(t, "Compound_001.sdf.gz", s)

	_, ok = c.String("index")
	assert.False(t, ok)
}

func TestCursorClone(t *testing.T) {
	orig := Cursor{"file_index": 2, "record_offset": 500}
	clone := orig.Clone()

	clone["file_index"] = 99
	v, _ := orig.Int("file_index")
	assert.Equal(t, 2, v)

	assert.Nil(t, Cursor(nil).Clone())
}

func TestPageExhausted(t *testing.T) {
	assert.True(t, (&Page{}).Exhausted())

	// An empty but non-nil cursor is a real position, not exhaustion.
	assert.False(t, (&Page{NextCursor: Cursor{}}).Exhausted())
	assert.False(t, (&Page{NextCursor: Cursor{"token": "abc"}}).Exhausted())
}
