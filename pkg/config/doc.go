// Package config loads the configuration of a changestream process.
//
// A single Config groups every section a run needs:
//
//   - Pipeline: root partition, buffering, checkpoint cadence, failure policy
//   - Retry: backoff for reopening partition streams
//   - Store: metadata store backend (memory, badger, sqlite, postgres)
//   - Sink: where released records go (stdout, file, kafka)
//   - Metrics, Tracing, Logging
//
// Files are YAML. Values of the form ${VAR_NAME} are replaced with the
// environment variable before parsing, and ${VAR_NAME:-fallback} supplies a
// fallback for unset variables.
//
//	pipeline:
//	  name: orders
//	  root_key_range: {start: "", end: ""}
//	  start_timestamp: 2024-03-01T12:00:00Z
//	  checkpoint_interval: 5s
//	store:
//	  type: postgres
//	  postgres:
//	    connection_string: ${CHANGESTREAM_PG_DSN}
//	sink:
//	  type: kafka
//	  kafka:
//	    brokers: ["${KAFKA_BROKER:-localhost:9092}"]
//	    topic: orders-changes
//
// LoadConfig starts from NewDefaultConfig, so omitted sections keep their
// defaults.
package config
