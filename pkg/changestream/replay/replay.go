// Package replay serves change stream partitions from a recorded JSON-lines
// feed. Each line holds one record, or one injected failure, of a partition:
//
//	{"partition":"Parent0","kind":"PARTITION_START","record":{...}}
//	{"partition":"left","error":"connection reset"}
//
// Records of a partition must appear in the order the partition delivers
// them. An injected failure is returned once, the first time a stream reaches
// it.
package replay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

// Entry is one line of a feed.
type Entry struct {
	Partition string                  `json:"partition"`
	Kind      changestream.RecordKind `json:"kind,omitempty"`
	Record    json.RawMessage         `json:"record,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

type item struct {
	kind     changestream.RecordKind
	raw      []byte
	failure  string
	consumed bool
}

// Feed is an in-memory recording of partition streams. It implements
// changestream.Fetcher and is safe for concurrent use.
type Feed struct {
	mu           sync.Mutex
	partitions   map[string][]*item
	openFailures map[string]int
	opens        map[string]int
}

// NewFeed creates an empty feed.
func NewFeed() *Feed {
	return &Feed{
		partitions:   make(map[string][]*item),
		openFailures: make(map[string]int),
		opens:        make(map[string]int),
	}
}

// Decode reads a JSON-lines feed.
func Decode(r io.Reader) (*Feed, error) {
	feed := NewFeed()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}

		var entry Entry
		if err := json.Unmarshal(data, &entry); err != nil {
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeValidation, fmt.Sprintf("line %d: invalid feed entry", line))
		}
		if err := feed.AddEntry(entry); err != nil {
			return nil, cserrors.Wrap(err, cserrors.ErrorTypeValidation, fmt.Sprintf("line %d", line))
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeFile, "failed to read feed")
	}
	return feed, nil
}

// AddEntry appends a decoded line to the feed.
func (f *Feed) AddEntry(entry Entry) error {
	if entry.Partition == "" {
		return cserrors.New(cserrors.ErrorTypeValidation, "feed entry has no partition")
	}

	it := &item{failure: entry.Error}
	if entry.Error == "" {
		if _, err := DecodeRecord(entry.Kind, entry.Record); err != nil {
			return err
		}
		it.kind = entry.Kind
		it.raw = append([]byte(nil), entry.Record...)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions[entry.Partition] = append(f.partitions[entry.Partition], it)
	return nil
}

// Add appends records to a partition's stream.
func (f *Feed) Add(token string, records ...changestream.Record) error {
	for _, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := f.AddEntry(Entry{Partition: token, Kind: rec.Kind(), Record: raw}); err != nil {
			return err
		}
	}
	return nil
}

// InjectError appends a one-shot failure to a partition's stream.
func (f *Feed) InjectError(token, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.partitions[token] = append(f.partitions[token], &item{failure: message})
}

// FailOpens makes the next n opens of token fail.
func (f *Feed) FailOpens(token string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openFailures[token] = n
}

// Opens returns how many times token was opened.
func (f *Feed) Opens(token string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens[token]
}

// Partitions returns the tokens present in the feed.
func (f *Feed) Partitions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens := make([]string, 0, len(f.partitions))
	for token := range f.partitions {
		tokens = append(tokens, token)
	}
	sort.Strings(tokens)
	return tokens
}

// Encode writes the feed as JSON lines, partitions in token order.
func (f *Feed) Encode(w io.Writer) error {
	for _, token := range f.Partitions() {
		f.mu.Lock()
		items := append([]*item(nil), f.partitions[token]...)
		f.mu.Unlock()

		for _, it := range items {
			entry := Entry{Partition: token, Kind: it.kind, Record: it.raw, Error: it.failure}
			if err := json.MarshalLine(w, entry); err != nil {
				return err
			}
		}
	}
	return nil
}

// Open implements changestream.Fetcher.
func (f *Feed) Open(ctx context.Context, partition *changestream.Partition, resume changestream.Position) (changestream.RecordStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	token := partition.Token
	f.opens[token]++
	if f.openFailures[token] > 0 {
		f.openFailures[token]--
		return nil, cserrors.Newf(cserrors.ErrorTypeConnection, "injected open failure for partition %s", token)
	}
	if _, ok := f.partitions[token]; !ok {
		return nil, cserrors.Newf(cserrors.ErrorTypeNotFound, "partition %s is not in the feed", token)
	}
	return &stream{feed: f, token: token, resume: resume}, nil
}

type stream struct {
	feed   *Feed
	token  string
	resume changestream.Position
	next   int
	closed bool
}

// Next implements changestream.RecordStream.
func (s *stream) Next(ctx context.Context) (changestream.Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if s.closed {
			return nil, errors.New("stream closed")
		}

		it, ok := s.feed.item(s.token, s.next)
		if !ok {
			return nil, io.EOF
		}
		s.next++

		if it.failure != "" {
			if s.feed.consume(it) {
				return nil, cserrors.New(cserrors.ErrorTypeConnection, it.failure)
			}
			continue
		}

		rec, err := DecodeRecord(it.kind, it.raw)
		if err != nil {
			return nil, err
		}
		if !s.resume.IsZero() && rec.Kind() != changestream.KindHeartbeat && rec.Position().Compare(s.resume) <= 0 {
			continue
		}
		return rec, nil
	}
}

// Close implements changestream.RecordStream.
func (s *stream) Close() error {
	s.closed = true
	return nil
}

func (f *Feed) item(token string, i int) (*item, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.partitions[token]
	if i >= len(items) {
		return nil, false
	}
	return items[i], true
}

func (f *Feed) consume(it *item) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if it.consumed {
		return false
	}
	it.consumed = true
	return true
}

// DecodeRecord decodes the JSON form of a record of the given kind. Each call
// returns a fresh value.
func DecodeRecord(kind changestream.RecordKind, raw []byte) (changestream.Record, error) {
	var rec changestream.Record
	switch kind {
	case changestream.KindDataChange:
		rec = &changestream.DataChangeRecord{}
	case changestream.KindPartitionStart:
		rec = &changestream.PartitionStartRecord{}
	case changestream.KindPartitionEnd:
		rec = &changestream.PartitionEndRecord{}
	case changestream.KindPartitionEvent:
		rec = &changestream.PartitionEventRecord{}
	case changestream.KindHeartbeat:
		rec = &changestream.HeartbeatRecord{}
	default:
		return nil, changestream.NewMalformedRecordError(kind, "unknown record kind %q", kind)
	}
	if len(raw) == 0 {
		return nil, changestream.NewMalformedRecordError(kind, "%s entry has no record", kind)
	}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, changestream.NewMalformedRecordError(kind, "failed to decode record: %v", err)
	}
	return rec, nil
}
