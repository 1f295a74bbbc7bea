// Package kafka publishes released change stream records to Kafka topics.
package kafka

import (
	"context"
	"crypto/tls"
	"errors"
	"strings"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

// Config configures the Kafka sink.
type Config struct {
	Brokers []string `yaml:"brokers" json:"brokers"`
	// Topic receives records of tables without an entry in TopicMapping.
	Topic        string            `yaml:"topic" json:"topic"`
	TopicMapping map[string]string `yaml:"topic_mapping" json:"topic_mapping"`
	ClientID     string            `yaml:"client_id" json:"client_id"`

	RequiredAcks      string `yaml:"required_acks" json:"required_acks"` // all, 1, 0
	Retries           int    `yaml:"retries" json:"retries"`
	Compression       string `yaml:"compression" json:"compression"` // none, gzip, snappy, lz4, zstd
	EnableIdempotence bool   `yaml:"enable_idempotence" json:"enable_idempotence"`

	EnableTLS             bool   `yaml:"enable_tls" json:"enable_tls"`
	TLSInsecureSkipVerify bool   `yaml:"tls_insecure_skip_verify" json:"tls_insecure_skip_verify"`
	SASLMechanism         string `yaml:"sasl_mechanism" json:"sasl_mechanism"`
	SASLUsername          string `yaml:"sasl_username" json:"sasl_username"`
	SASLPassword          string `yaml:"sasl_password" json:"sasl_password"`
}

// Validate checks the settings needed to produce.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return cserrors.New(cserrors.ErrorTypeConfig, "kafka sink requires at least one broker")
	}
	if c.Topic == "" && len(c.TopicMapping) == 0 {
		return cserrors.New(cserrors.ErrorTypeConfig, "kafka sink requires a topic or a topic mapping")
	}
	switch c.SASLMechanism {
	case "", "PLAIN", "SCRAM-SHA-256", "SCRAM-SHA-512":
	default:
		return cserrors.Newf(cserrors.ErrorTypeConfig, "unsupported sasl mechanism %q", c.SASLMechanism)
	}
	return nil
}

// SaramaConfig builds the producer configuration.
func (c *Config) SaramaConfig() *sarama.Config {
	config := sarama.NewConfig()
	if c.ClientID != "" {
		config.ClientID = c.ClientID
	}

	switch c.RequiredAcks {
	case "1":
		config.Producer.RequiredAcks = sarama.WaitForLocal
	case "0":
		config.Producer.RequiredAcks = sarama.NoResponse
	default:
		config.Producer.RequiredAcks = sarama.WaitForAll
	}
	if c.Retries > 0 {
		config.Producer.Retry.Max = c.Retries
	}
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	switch c.Compression {
	case "gzip":
		config.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		config.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		config.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		config.Producer.Compression = sarama.CompressionZSTD
		config.Version = sarama.V2_1_0_0
	default:
		config.Producer.Compression = sarama.CompressionNone
	}

	// Idempotent producers keep per-key order across retries.
	if c.EnableIdempotence {
		config.Producer.Idempotent = true
		config.Producer.RequiredAcks = sarama.WaitForAll
		config.Net.MaxOpenRequests = 1
		if !config.Version.IsAtLeast(sarama.V0_11_0_0) {
			config.Version = sarama.V0_11_0_0
		}
	}

	if c.EnableTLS {
		config.Net.TLS.Enable = true
		config.Net.TLS.Config = &tls.Config{
			InsecureSkipVerify: c.TLSInsecureSkipVerify, //nolint:gosec // operator opt-in
		}
	}
	if c.SASLMechanism != "" {
		config.Net.SASL.Enable = true
		config.Net.SASL.User = c.SASLUsername
		config.Net.SASL.Password = c.SASLPassword
		switch c.SASLMechanism {
		case "PLAIN":
			config.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		case "SCRAM-SHA-256":
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA256
		case "SCRAM-SHA-512":
			config.Net.SASL.Mechanism = sarama.SASLTypeSCRAMSHA512
		}
	}
	return config
}

// Sink is a changestream.Sink producing one message per data change record.
// Each batch is sent with a single SendMessages call, so a batch is
// acknowledged before the next one is produced.
type Sink struct {
	config   Config
	producer sarama.SyncProducer
	logger   *zap.Logger
}

var _ changestream.Sink = (*Sink)(nil)

// New connects a sync producer to the configured brokers.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducer(cfg.Brokers, cfg.SaramaConfig())
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeConnection, "failed to create kafka producer")
	}
	s := NewWithProducer(producer, cfg, logger)
	s.logger.Info("connected to kafka", zap.Strings("brokers", cfg.Brokers), zap.String("topic", cfg.Topic))
	return s, nil
}

// NewWithProducer creates a sink around an existing producer.
func NewWithProducer(producer sarama.SyncProducer, cfg Config, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{
		config:   cfg,
		producer: producer,
		logger:   logger.With(zap.String("component", "kafka_sink")),
	}
}

// Emit implements changestream.Sink.
func (s *Sink) Emit(ctx context.Context, records []*changestream.DataChangeRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	messages := make([]*sarama.ProducerMessage, 0, len(records))
	for _, rec := range records {
		msg, err := s.buildMessage(rec)
		if err != nil {
			return err
		}
		messages = append(messages, msg)
	}

	if err := s.producer.SendMessages(messages); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			s.logger.Error("failed to produce records",
				zap.Int("failed", len(perrs)),
				zap.Int("batch", len(messages)),
				zap.Error(perrs[0].Err))
		}
		return cserrors.Wrap(err, cserrors.ErrorTypeConnection, "failed to produce records to kafka")
	}

	s.logger.Debug("produced records", zap.Int("count", len(messages)))
	return nil
}

func (s *Sink) buildMessage(rec *changestream.DataChangeRecord) (*sarama.ProducerMessage, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeInternal, "failed to encode record")
	}

	return &sarama.ProducerMessage{
		Topic: s.TopicFor(rec.Table),
		Key:   sarama.StringEncoder(MessageKey(rec)),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("table"), Value: []byte(rec.Table)},
			{Key: []byte("mod_type"), Value: []byte(rec.ModType)},
			{Key: []byte("partition_token"), Value: []byte(rec.PartitionToken)},
			{Key: []byte("position"), Value: []byte(rec.Position().String())},
			{Key: []byte("server_transaction_id"), Value: []byte(rec.ServerTransactionID)},
		},
		Timestamp: rec.CommitTimestamp,
	}, nil
}

// TopicFor returns the topic receiving records of table.
func (s *Sink) TopicFor(table string) string {
	if topic, ok := s.config.TopicMapping[table]; ok {
		return topic
	}
	return s.config.Topic
}

// MessageKey keys a record by its table and row keys, so changes to one row
// land in one Kafka partition.
func MessageKey(rec *changestream.DataChangeRecord) string {
	var b strings.Builder
	b.WriteString(rec.Table)
	for _, mod := range rec.Mods {
		b.WriteByte('/')
		b.WriteString(mod.Keys)
	}
	return b.String()
}

// Close closes the producer.
func (s *Sink) Close() error {
	if err := s.producer.Close(); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeConnection, "failed to close kafka producer")
	}
	return nil
}
