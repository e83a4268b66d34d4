package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string         `json:"name" cbor:"name"`
	Count int            `json:"count" cbor:"count"`
	Extra map[string]any `json:"extra,omitempty" cbor:"extra,omitempty"`
}

func TestCBORDeterministic(t *testing.T) {
	v := sample{Name: "x", Count: 2, Extra: map[string]any{"b": 1, "a": 2, "c": 3}}

	first, err := CBOR{}.Marshal(v)
	require.NoError(t, err)
	for range 10 {
		again, err := CBOR{}.Marshal(v)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCBORDecodesAnyMapsWithStringKeys(t *testing.T) {
	data, err := CBOR{}.Marshal(sample{Name: "x", Extra: map[string]any{"nested": map[string]any{"k": "v"}}})
	require.NoError(t, err)

	var got sample
	require.NoError(t, CBOR{}.Unmarshal(data, &got))
	nested, ok := got.Extra["nested"].(map[string]any)
	require.True(t, ok, "nested map type %T", got.Extra["nested"])
	assert.Equal(t, "v", nested["k"])
}

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "cbor", false},
		{"cbor", "cbor", false},
		{"json", "json", false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ByName(tt.name)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Name())
		})
	}
}

func TestCBORKeepsTimePrecision(t *testing.T) {
	type stamped struct {
		At time.Time `cbor:"at"`
	}
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	data, err := CBOR{}.Marshal(stamped{At: at})
	require.NoError(t, err)

	var got stamped
	require.NoError(t, CBOR{}.Unmarshal(data, &got))
	assert.True(t, at.Equal(got.At), "got %s", got.At)
}
