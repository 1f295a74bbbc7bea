package changestream

import (
	"encoding/binary"
	"hash"
	"hash/fnv"
	"maps"
	"slices"
	"sort"
	"time"
)

// RecordKind identifies a record variant.
type RecordKind string

const (
	KindDataChange     RecordKind = "DATA_CHANGE"
	KindPartitionStart RecordKind = "PARTITION_START"
	KindPartitionEnd   RecordKind = "PARTITION_END"
	KindPartitionEvent RecordKind = "PARTITION_EVENT"
	KindHeartbeat      RecordKind = "HEARTBEAT"
)

// Record is one entry of a partition's change stream. The set of
// implementations is closed: DataChangeRecord, PartitionStartRecord,
// PartitionEndRecord, PartitionEventRecord and HeartbeatRecord.
//
// Equal and Hash ignore the observability metadata.
type Record interface {
	Kind() RecordKind
	Position() Position
	RecordMetadata() *Metadata
	Equal(other Record) bool
	Hash() uint64
	Validate() error

	isRecord()
}

// Metadata carries observability-only attributes of a record.
type Metadata struct {
	PartitionToken          string    `json:"partition_token,omitempty"`
	PartitionStartTimestamp time.Time `json:"partition_start_timestamp,omitempty"`
	PartitionEndTimestamp   time.Time `json:"partition_end_timestamp,omitempty"`
	PartitionCreatedAt      time.Time `json:"partition_created_at,omitempty"`
	PartitionScheduledAt    time.Time `json:"partition_scheduled_at,omitempty"`
	PartitionRunningAt      time.Time `json:"partition_running_at,omitempty"`
	QueryStartedAt          time.Time `json:"query_started_at,omitempty"`
	RecordStreamStartedAt   time.Time `json:"record_stream_started_at,omitempty"`
	RecordStreamEndedAt     time.Time `json:"record_stream_ended_at,omitempty"`
	RecordReadAt            time.Time `json:"record_read_at,omitempty"`
	TotalStreamTimeMillis   int64     `json:"total_stream_time_millis,omitempty"`
	NumberOfRecordsRead     int64     `json:"number_of_records_read,omitempty"`
}

// ModType is the kind of row modification.
type ModType string

const (
	ModTypeInsert ModType = "INSERT"
	ModTypeUpdate ModType = "UPDATE"
	ModTypeDelete ModType = "DELETE"
)

// ValueCaptureType describes which values a data change carries.
type ValueCaptureType string

const (
	ValueCaptureOldAndNew       ValueCaptureType = "OLD_AND_NEW_VALUES"
	ValueCaptureNewValues       ValueCaptureType = "NEW_VALUES"
	ValueCaptureNewRow          ValueCaptureType = "NEW_ROW"
	ValueCaptureNewRowAndOldVal ValueCaptureType = "NEW_ROW_AND_OLD_VALUES"
)

// ColumnType describes one column of a modified table.
type ColumnType struct {
	Name            string `json:"name"`
	Type            string `json:"type"`
	IsPrimaryKey    bool   `json:"is_primary_key"`
	OrdinalPosition int64  `json:"ordinal_position"`
}

// Mod is one modified row. Values are JSON documents kept verbatim.
type Mod struct {
	Keys      string `json:"keys"`
	OldValues string `json:"old_values,omitempty"`
	NewValues string `json:"new_values,omitempty"`
}

// DataChangeRecord is a row-level modification committed in a transaction.
type DataChangeRecord struct {
	CommitTimestamp                      time.Time        `json:"commit_timestamp"`
	RecordSequence                       string           `json:"record_sequence"`
	PartitionToken                       string           `json:"partition_token"`
	ServerTransactionID                  string           `json:"server_transaction_id"`
	IsLastRecordInTransactionInPartition bool             `json:"is_last_record_in_transaction_in_partition"`
	Table                                string           `json:"table"`
	ColumnTypes                          []ColumnType     `json:"column_types,omitempty"`
	Mods                                 []Mod            `json:"mods,omitempty"`
	ModType                              ModType          `json:"mod_type"`
	ValueCaptureType                     ValueCaptureType `json:"value_capture_type,omitempty"`
	NumberOfRecordsInTransaction         int64            `json:"number_of_records_in_transaction"`
	NumberOfPartitionsInTransaction      int64            `json:"number_of_partitions_in_transaction"`
	TransactionTag                       string           `json:"transaction_tag,omitempty"`
	IsSystemTransaction                  bool             `json:"is_system_transaction,omitempty"`
	Metadata                             *Metadata        `json:"metadata,omitempty"`
}

func (*DataChangeRecord) isRecord() {}

// Kind implements Record.
func (*DataChangeRecord) Kind() RecordKind { return KindDataChange }

// Position implements Record.
func (r *DataChangeRecord) Position() Position {
	return Position{Timestamp: r.CommitTimestamp, Sequence: r.RecordSequence}
}

// RecordMetadata implements Record.
func (r *DataChangeRecord) RecordMetadata() *Metadata { return r.Metadata }

// Validate implements Record.
func (r *DataChangeRecord) Validate() error {
	if err := validatePosition(r); err != nil {
		return err
	}
	if r.PartitionToken == "" {
		return NewMalformedRecordError(r.Kind(), "data change record at %s has no partition token", r.Position())
	}
	return nil
}

// Equal implements Record.
func (r *DataChangeRecord) Equal(other Record) bool {
	o, ok := other.(*DataChangeRecord)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.CommitTimestamp.Equal(o.CommitTimestamp) &&
		r.RecordSequence == o.RecordSequence &&
		r.PartitionToken == o.PartitionToken &&
		r.ServerTransactionID == o.ServerTransactionID &&
		r.IsLastRecordInTransactionInPartition == o.IsLastRecordInTransactionInPartition &&
		r.Table == o.Table &&
		slices.Equal(r.ColumnTypes, o.ColumnTypes) &&
		slices.Equal(r.Mods, o.Mods) &&
		r.ModType == o.ModType &&
		r.ValueCaptureType == o.ValueCaptureType &&
		r.NumberOfRecordsInTransaction == o.NumberOfRecordsInTransaction &&
		r.NumberOfPartitionsInTransaction == o.NumberOfPartitionsInTransaction &&
		r.TransactionTag == o.TransactionTag &&
		r.IsSystemTransaction == o.IsSystemTransaction
}

// Hash implements Record.
func (r *DataChangeRecord) Hash() uint64 {
	h := newRecordHasher(r.Kind())
	h.time(r.CommitTimestamp)
	h.strings(r.RecordSequence, r.PartitionToken, r.ServerTransactionID, r.Table,
		string(r.ModType), string(r.ValueCaptureType), r.TransactionTag)
	h.bool(r.IsLastRecordInTransactionInPartition)
	h.bool(r.IsSystemTransaction)
	h.int(r.NumberOfRecordsInTransaction)
	h.int(r.NumberOfPartitionsInTransaction)
	for _, c := range r.ColumnTypes {
		h.strings(c.Name, c.Type)
		h.bool(c.IsPrimaryKey)
		h.int(c.OrdinalPosition)
	}
	for _, m := range r.Mods {
		h.strings(m.Keys, m.OldValues, m.NewValues)
	}
	return h.Sum64()
}

// PartitionStartRecord announces newly created partitions. When emitted by a
// parent it names the children that take over (part of) its key range.
type PartitionStartRecord struct {
	StartTimestamp  time.Time           `json:"start_timestamp"`
	RecordSequence  string              `json:"record_sequence"`
	PartitionTokens []string            `json:"partition_tokens"`
	ChildRanges     map[string]KeyRange `json:"child_ranges,omitempty"`
	Metadata        *Metadata           `json:"metadata,omitempty"`
}

func (*PartitionStartRecord) isRecord() {}

// Kind implements Record.
func (*PartitionStartRecord) Kind() RecordKind { return KindPartitionStart }

// Position implements Record.
func (r *PartitionStartRecord) Position() Position {
	return Position{Timestamp: r.StartTimestamp, Sequence: r.RecordSequence}
}

// RecordMetadata implements Record.
func (r *PartitionStartRecord) RecordMetadata() *Metadata { return r.Metadata }

// Validate implements Record.
func (r *PartitionStartRecord) Validate() error {
	if err := validatePosition(r); err != nil {
		return err
	}
	if len(r.PartitionTokens) == 0 {
		return NewMalformedRecordError(r.Kind(), "partition start record at %s names no partitions", r.Position())
	}
	for _, token := range r.PartitionTokens {
		if token == "" {
			return NewMalformedRecordError(r.Kind(), "partition start record at %s contains an empty token", r.Position())
		}
	}
	return nil
}

// Equal implements Record.
func (r *PartitionStartRecord) Equal(other Record) bool {
	o, ok := other.(*PartitionStartRecord)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.StartTimestamp.Equal(o.StartTimestamp) &&
		r.RecordSequence == o.RecordSequence &&
		slices.Equal(r.PartitionTokens, o.PartitionTokens) &&
		maps.Equal(r.ChildRanges, o.ChildRanges)
}

// Hash implements Record.
func (r *PartitionStartRecord) Hash() uint64 {
	h := newRecordHasher(r.Kind())
	h.time(r.StartTimestamp)
	h.strings(r.RecordSequence)
	h.strings(r.PartitionTokens...)
	keys := make([]string, 0, len(r.ChildRanges))
	for k := range r.ChildRanges {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.strings(k, r.ChildRanges[k].Start, r.ChildRanges[k].End)
	}
	return h.Sum64()
}

// PartitionEndRecord is the last record of a partition.
type PartitionEndRecord struct {
	EndTimestamp   time.Time `json:"end_timestamp"`
	RecordSequence string    `json:"record_sequence"`
	PartitionToken string    `json:"partition_token"`
	Metadata       *Metadata `json:"metadata,omitempty"`
}

func (*PartitionEndRecord) isRecord() {}

// Kind implements Record.
func (*PartitionEndRecord) Kind() RecordKind { return KindPartitionEnd }

// Position implements Record.
func (r *PartitionEndRecord) Position() Position {
	return Position{Timestamp: r.EndTimestamp, Sequence: r.RecordSequence}
}

// RecordMetadata implements Record.
func (r *PartitionEndRecord) RecordMetadata() *Metadata { return r.Metadata }

// Validate implements Record.
func (r *PartitionEndRecord) Validate() error {
	if err := validatePosition(r); err != nil {
		return err
	}
	if r.PartitionToken == "" {
		return NewMalformedRecordError(r.Kind(), "partition end record at %s has no partition token", r.Position())
	}
	return nil
}

// Equal implements Record.
func (r *PartitionEndRecord) Equal(other Record) bool {
	o, ok := other.(*PartitionEndRecord)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.EndTimestamp.Equal(o.EndTimestamp) &&
		r.RecordSequence == o.RecordSequence &&
		r.PartitionToken == o.PartitionToken
}

// Hash implements Record.
func (r *PartitionEndRecord) Hash() uint64 {
	h := newRecordHasher(r.Kind())
	h.time(r.EndTimestamp)
	h.strings(r.RecordSequence, r.PartitionToken)
	return h.Sum64()
}

// MoveInEvent names a partition whose keys move into the emitting partition.
type MoveInEvent struct {
	SourcePartitionToken string `json:"source_partition_token"`
}

// MoveOutEvent names a partition receiving keys from the emitting partition.
type MoveOutEvent struct {
	DestinationPartitionToken string `json:"destination_partition_token"`
}

// PartitionEventRecord signals a split or merge in progress. It updates the
// expected parent/child linkage without changing any partition status.
type PartitionEventRecord struct {
	CommitTimestamp time.Time      `json:"commit_timestamp"`
	RecordSequence  string         `json:"record_sequence"`
	PartitionToken  string         `json:"partition_token"`
	MoveInEvents    []MoveInEvent  `json:"move_in_events,omitempty"`
	MoveOutEvents   []MoveOutEvent `json:"move_out_events,omitempty"`
	Metadata        *Metadata      `json:"metadata,omitempty"`
}

func (*PartitionEventRecord) isRecord() {}

// Kind implements Record.
func (*PartitionEventRecord) Kind() RecordKind { return KindPartitionEvent }

// Position implements Record.
func (r *PartitionEventRecord) Position() Position {
	return Position{Timestamp: r.CommitTimestamp, Sequence: r.RecordSequence}
}

// RecordMetadata implements Record.
func (r *PartitionEventRecord) RecordMetadata() *Metadata { return r.Metadata }

// Validate implements Record.
func (r *PartitionEventRecord) Validate() error {
	if err := validatePosition(r); err != nil {
		return err
	}
	if r.PartitionToken == "" {
		return NewMalformedRecordError(r.Kind(), "partition event record at %s has no partition token", r.Position())
	}
	return nil
}

// Equal implements Record.
func (r *PartitionEventRecord) Equal(other Record) bool {
	o, ok := other.(*PartitionEventRecord)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.CommitTimestamp.Equal(o.CommitTimestamp) &&
		r.RecordSequence == o.RecordSequence &&
		r.PartitionToken == o.PartitionToken &&
		slices.Equal(r.MoveInEvents, o.MoveInEvents) &&
		slices.Equal(r.MoveOutEvents, o.MoveOutEvents)
}

// Hash implements Record.
func (r *PartitionEventRecord) Hash() uint64 {
	h := newRecordHasher(r.Kind())
	h.time(r.CommitTimestamp)
	h.strings(r.RecordSequence, r.PartitionToken)
	for _, e := range r.MoveInEvents {
		h.strings("in", e.SourcePartitionToken)
	}
	for _, e := range r.MoveOutEvents {
		h.strings("out", e.DestinationPartitionToken)
	}
	return h.Sum64()
}

// HeartbeatRecord tells the reader that no change happened in the partition
// up to Timestamp. It only advances the partition's progress.
type HeartbeatRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

func (*HeartbeatRecord) isRecord() {}

// Kind implements Record.
func (*HeartbeatRecord) Kind() RecordKind { return KindHeartbeat }

// Position implements Record.
func (r *HeartbeatRecord) Position() Position { return PositionAt(r.Timestamp) }

// RecordMetadata implements Record.
func (r *HeartbeatRecord) RecordMetadata() *Metadata { return r.Metadata }

// Validate implements Record.
func (r *HeartbeatRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return NewMalformedRecordError(r.Kind(), "heartbeat record has no timestamp")
	}
	return nil
}

// Equal implements Record.
func (r *HeartbeatRecord) Equal(other Record) bool {
	o, ok := other.(*HeartbeatRecord)
	if !ok || r == nil || o == nil {
		return ok && r == o
	}
	return r.Timestamp.Equal(o.Timestamp)
}

// Hash implements Record.
func (r *HeartbeatRecord) Hash() uint64 {
	h := newRecordHasher(r.Kind())
	h.time(r.Timestamp)
	return h.Sum64()
}

func validatePosition(r Record) error {
	pos := r.Position()
	if pos.Timestamp.IsZero() {
		return NewMalformedRecordError(r.Kind(), "record has no commit timestamp")
	}
	if pos.Sequence == "" {
		return NewMalformedRecordError(r.Kind(), "record at %s has no record sequence", pos.Timestamp.UTC())
	}
	return nil
}

// recordHasher feeds length-delimited fields into an FNV-1a hash.
type recordHasher struct {
	hash.Hash64
	scratch [8]byte
}

func newRecordHasher(kind RecordKind) *recordHasher {
	h := &recordHasher{Hash64: fnv.New64a()}
	h.strings(string(kind))
	return h
}

func (h *recordHasher) strings(values ...string) {
	for _, v := range values {
		h.int(int64(len(v)))
		_, _ = h.Write([]byte(v))
	}
}

func (h *recordHasher) int(v int64) {
	binary.LittleEndian.PutUint64(h.scratch[:], uint64(v))
	_, _ = h.Write(h.scratch[:])
}

func (h *recordHasher) time(t time.Time) {
	h.int(t.UnixNano())
}

func (h *recordHasher) bool(b bool) {
	if b {
		h.int(1)
		return
	}
	h.int(0)
}
