package compression

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

func TestRoundTrip(t *testing.T) {
	original := []byte(strings.Repeat(`{"partition":"Parent0","kind":"data_change","record":{"table":"orders"}}`+"\n", 200))

	for _, alg := range []Algorithm{None, Gzip, Snappy, S2, LZ4, Zstd} {
		for _, level := range []Level{Fastest, Default, Best} {
			t.Run(string(alg), func(t *testing.T) {
				var buf bytes.Buffer
				w, err := NewWriter(&buf, alg, level)
				require.NoError(t, err)
				_, err = w.Write(original)
				require.NoError(t, err)
				require.NoError(t, w.Close())

				if alg != None {
					assert.Less(t, buf.Len(), len(original))
				}

				r, err := NewReader(&buf, alg)
				require.NoError(t, err)
				got, err := io.ReadAll(r)
				require.NoError(t, err)
				require.NoError(t, r.Close())
				assert.Equal(t, original, got)
			})
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Algorithm
		wantErr bool
	}{
		{in: "", want: None},
		{in: "none", want: None},
		{in: " ZSTD ", want: Zstd},
		{in: "lz4", want: LZ4},
		{in: "brotli", wantErr: true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if tt.wantErr {
			require.Error(t, err)
			assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeConfig))
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestFromExtension(t *testing.T) {
	assert.Equal(t, Gzip, FromExtension("feed.jsonl.gz"))
	assert.Equal(t, Zstd, FromExtension("/data/feed.ZST"))
	assert.Equal(t, LZ4, FromExtension("feed.lz4"))
	assert.Equal(t, None, FromExtension("feed.jsonl"))
}

func TestUnsupported(t *testing.T) {
	_, err := NewWriter(io.Discard, "brotli", Default)
	assert.Error(t, err)
	_, err = NewReader(strings.NewReader(""), "brotli")
	assert.Error(t, err)
}

func TestCorruptGzip(t *testing.T) {
	_, err := NewReader(strings.NewReader("not gzip"), Gzip)
	require.Error(t, err)
	assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeValidation))
}
