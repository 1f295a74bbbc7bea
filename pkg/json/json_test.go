package json

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testRecord struct {
	Token string `json:"token"`
	Seq   string `json:"seq"`
	HTML  string `json:"html"`
}

func TestMarshalLine(t *testing.T) {
	var out bytes.Buffer

	require.NoError(t, MarshalLine(&out, testRecord{Token: "p1", Seq: "1", HTML: "<a>"}))
	require.NoError(t, MarshalLine(&out, testRecord{Token: "p2", Seq: "2"}))

	lines := bytes.Split(bytes.TrimRight(out.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	assert.Contains(t, string(lines[0]), `"html":"<a>"`)

	var decoded testRecord
	require.NoError(t, Unmarshal(lines[1], &decoded))
	assert.Equal(t, "p2", decoded.Token)
}

func TestBufferPool(t *testing.T) {
	buf := GetBuffer()
	buf.WriteString("leftover")
	PutBuffer(buf)

	again := GetBuffer()
	assert.Equal(t, 0, again.Len())
}
