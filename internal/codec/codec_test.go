package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string         `json:"name"`
	Count int            `json:"count,omitempty"`
	Extra map[string]any `json:"extra,omitempty"`
}

func TestCodec(t *testing.T) {
	t.Run("round trips structs", func(t *testing.T) {
		in := sample{Name: "carotte", Count: 3, Extra: map[string]any{"a": "b"}}
		data, err := Marshal(in)
		require.NoError(t, err)

		var out sample
		require.NoError(t, Unmarshal(data, &out))
		assert.Equal(t, in, out)
	})

	t.Run("numbers decode as float64 into any", func(t *testing.T) {
		var out map[string]any
		require.NoError(t, Unmarshal([]byte(`{"n":4}`), &out))
		assert.Equal(t, float64(4), out["n"])
	})

	t.Run("encode writes a trailing newline", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, Encode(&buf, sample{Name: "x"}))
		assert.Equal(t, "{\"name\":\"x\"}\n", buf.String())
	})

	t.Run("valid rejects garbage", func(t *testing.T) {
		assert.True(t, Valid([]byte(`{"a":1}`)))
		assert.False(t, Valid([]byte(`{a:1`)))
	})
}
