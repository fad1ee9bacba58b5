package fingerprint

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateDeterministic(t *testing.T) {
	a := map[string]any{"title": "An Act", "number": float64(42), "chamber": "house"}
	b := map[string]any{"chamber": "house", "number": float64(42), "title": "An Act"}

	assert.Equal(t, Generate(a), Generate(b), "key order must not affect the fingerprint")
}

func TestGenerateFromJSONIgnoresFormatting(t *testing.T) {
	compact := json.RawMessage(`{"title":"An Act","sponsors":["a","b"]}`)
	spaced := json.RawMessage(`{
		"sponsors": [ "a", "b" ],
		"title":    "An Act"
	}`)

	fp1, err := GenerateFromJSON(compact)
	require.NoError(t, err)
	fp2, err := GenerateFromJSON(spaced)
	require.NoError(t, err)

	assert.Equal(t, fp1, fp2)
}

func TestGenerateDetectsContentChange(t *testing.T) {
	base := map[string]any{"title": "An Act", "status": "introduced"}
	changed := map[string]any{"title": "An Act", "status": "passed"}

	assert.NotEqual(t, Generate(base), Generate(changed))
	assert.True(t, HasChanged(Generate(base), Generate(changed)))
	assert.False(t, HasChanged(Generate(base), Generate(base)))
}

func TestGenerateWithExclusions(t *testing.T) {
	exclude := map[string]bool{"fetched_at": true, "provenance": true}

	tests := []struct {
		name  string
		a     map[string]any
		b     map[string]any
		equal bool
	}{
		{
			name:  "excluded top-level field differs",
			a:     map[string]any{"title": "An Act", "fetched_at": "2026-01-01T00:00:00Z"},
			b:     map[string]any{"title": "An Act", "fetched_at": "2026-06-01T00:00:00Z"},
			equal: true,
		},
		{
			name:  "excluded subtree differs",
			a:     map[string]any{"title": "An Act", "provenance": map[string]any{"run": "r1"}},
			b:     map[string]any{"title": "An Act", "provenance": map[string]any{"run": "r2"}},
			equal: true,
		},
		{
			name:  "non-excluded field differs",
			a:     map[string]any{"title": "An Act", "fetched_at": "2026-01-01T00:00:00Z"},
			b:     map[string]any{"title": "Another Act", "fetched_at": "2026-01-01T00:00:00Z"},
			equal: false,
		},
		{
			name:  "prefix does not leak to sibling fields",
			a:     map[string]any{"provenance_note": "x"},
			b:     map[string]any{"provenance_note": "y"},
			equal: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fpA := GenerateWithExclusions(tt.a, exclude)
			fpB := GenerateWithExclusions(tt.b, exclude)
			if tt.equal {
				assert.Equal(t, fpA, fpB)
			} else {
				assert.NotEqual(t, fpA, fpB)
			}
		})
	}
}

func TestGenerateWithNestedExclusionPath(t *testing.T) {
	exclude := map[string]bool{"meta.retrieved_at": true}

	a := map[string]any{"title": "x", "meta": map[string]any{"retrieved_at": "t1", "source": "s"}}
	b := map[string]any{"title": "x", "meta": map[string]any{"retrieved_at": "t2", "source": "s"}}
	c := map[string]any{"title": "x", "meta": map[string]any{"retrieved_at": "t1", "source": "other"}}

	assert.Equal(t, GenerateWithExclusions(a, exclude), GenerateWithExclusions(b, exclude))
	assert.NotEqual(t, GenerateWithExclusions(a, exclude), GenerateWithExclusions(c, exclude))
}

func TestGenerateFromJSONInvalid(t *testing.T) {
	_, err := GenerateFromJSON(json.RawMessage(`not json`))
	assert.Error(t, err)
}

func TestGenerateArrayOrderMatters(t *testing.T) {
	a := map[string]any{"sponsors": []any{"a", "b"}}
	b := map[string]any{"sponsors": []any{"b", "a"}}

	assert.NotEqual(t, Generate(a), Generate(b))
}
