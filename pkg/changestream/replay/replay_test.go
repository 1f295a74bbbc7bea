package replay

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func ts(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

const fixture = `{"partition":"Parent0","kind":"PARTITION_START","record":{"start_timestamp":"2024-03-01T12:01:40Z","record_sequence":"1","partition_tokens":["left","right"]}}
{"partition":"Parent0","kind":"PARTITION_END","record":{"end_timestamp":"2024-03-01T12:01:40Z","record_sequence":"2","partition_token":"Parent0"}}

{"partition":"left","error":"connection reset"}
{"partition":"left","kind":"DATA_CHANGE","record":{"commit_timestamp":"2024-03-01T12:02:30Z","record_sequence":"1","partition_token":"left","table":"orders","mod_type":"INSERT"}}
`

func drain(t *testing.T, s changestream.RecordStream) ([]changestream.Record, error) {
	t.Helper()
	var out []changestream.Record
	for {
		rec, err := s.Next(context.Background())
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

func TestDecode(t *testing.T) {
	feed, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)
	assert.Equal(t, []string{"Parent0", "left"}, feed.Partitions())

	s, err := feed.Open(context.Background(), &changestream.Partition{Token: "Parent0"}, changestream.Position{})
	require.NoError(t, err)
	records, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, records, 2)

	start, ok := records[0].(*changestream.PartitionStartRecord)
	require.True(t, ok)
	assert.Equal(t, []string{"left", "right"}, start.PartitionTokens)
	assert.True(t, start.StartTimestamp.Equal(ts(100)))
	assert.Equal(t, changestream.KindPartitionEnd, records[1].Kind())
}

func TestDecodeInvalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not json", input: "{"},
		{name: "missing partition", input: `{"kind":"HEARTBEAT","record":{"timestamp":"2024-03-01T12:00:00Z"}}`},
		{name: "unknown kind", input: `{"partition":"p","kind":"BOGUS","record":{}}`},
		{name: "missing record", input: `{"partition":"p","kind":"HEARTBEAT"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(tt.input))
			assert.Error(t, err)
		})
	}
}

func TestInjectedFailureFiresOnce(t *testing.T) {
	feed, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)
	part := &changestream.Partition{Token: "left"}

	s, err := feed.Open(context.Background(), part, changestream.Position{})
	require.NoError(t, err)
	_, err = s.Next(context.Background())
	require.Error(t, err)
	assert.True(t, cserrors.IsRetryable(err))
	require.NoError(t, s.Close())

	s, err = feed.Open(context.Background(), part, changestream.Position{})
	require.NoError(t, err)
	records, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, records, 1)
	assert.Equal(t, 2, feed.Opens("left"))
}

func TestOpenResumesAfterPosition(t *testing.T) {
	feed := NewFeed()
	require.NoError(t, feed.Add("p",
		&changestream.DataChangeRecord{CommitTimestamp: ts(1), RecordSequence: "1", PartitionToken: "p"},
		&changestream.HeartbeatRecord{Timestamp: ts(2)},
		&changestream.DataChangeRecord{CommitTimestamp: ts(3), RecordSequence: "1", PartitionToken: "p"},
	))

	s, err := feed.Open(context.Background(), &changestream.Partition{Token: "p"},
		changestream.Position{Timestamp: ts(1), Sequence: "1"})
	require.NoError(t, err)
	records, err := drain(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, records, 2)
	assert.Equal(t, changestream.KindHeartbeat, records[0].Kind())
	assert.True(t, records[1].Position().Timestamp.Equal(ts(3)))
}

func TestOpenFailures(t *testing.T) {
	feed := NewFeed()
	require.NoError(t, feed.Add("p", &changestream.HeartbeatRecord{Timestamp: ts(1)}))
	feed.FailOpens("p", 2)

	part := &changestream.Partition{Token: "p"}
	for i := 0; i < 2; i++ {
		_, err := feed.Open(context.Background(), part, changestream.Position{})
		require.Error(t, err)
	}
	_, err := feed.Open(context.Background(), part, changestream.Position{})
	require.NoError(t, err)

	_, err = feed.Open(context.Background(), &changestream.Partition{Token: "missing"}, changestream.Position{})
	assert.True(t, cserrors.IsType(err, cserrors.ErrorTypeNotFound))
}

func TestDecodeRecordReturnsFreshValues(t *testing.T) {
	raw := []byte(`{"timestamp":"2024-03-01T12:00:00Z"}`)
	a, err := DecodeRecord(changestream.KindHeartbeat, raw)
	require.NoError(t, err)
	b, err := DecodeRecord(changestream.KindHeartbeat, raw)
	require.NoError(t, err)

	assert.True(t, a.Equal(b))
	assert.NotSame(t, a, b)
}

func TestEncode(t *testing.T) {
	feed, err := Decode(strings.NewReader(fixture))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, feed.Encode(&out))

	again, err := Decode(&out)
	require.NoError(t, err)
	assert.Equal(t, feed.Partitions(), again.Partitions())
}
