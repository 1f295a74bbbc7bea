// Package changestream is the root of a partition-aware change stream
// consumer.
//
// A change stream is served through partitions. Each partition covers a key
// range for a time interval and, when it ends, hands its range to one or
// more children: a split hands one range to several children, a merge
// hands several ranges to one child. Reading the partitions concurrently
// yields records out of global order, and a naive reader loses or repeats
// records when partitions hand over.
//
// The pkg/changestream package tracks the partition graph, reads each
// partition with retries, computes a watermark over all live partitions and
// releases records in commit timestamp order once no partition can still
// produce an earlier one.
//
// # Layout
//
//   - pkg/changestream: records, partitions, registry, merger, watermark, pipeline
//   - pkg/changestream/replay: a Fetcher that serves recorded JSON-lines feeds
//   - pkg/store: metadata store backends (memory, badger, sqlite, postgres)
//   - pkg/sink/kafka: a Kafka sink built on sarama
//   - pkg/config: YAML configuration with environment substitution
//   - pkg/metrics, pkg/metrics/reporter: Prometheus collectors and file reports
//   - pkg/observability, pkg/logger: tracing and structured logging
//   - cmd/changestream: the command line
//
// # Quick Start
//
//	changestream validate changestream.yaml
//	changestream replay --config changestream.yaml --feed orders.jsonl
//	changestream state --config changestream.yaml
package changestream
