// Package badgerstore persists partition state in an embedded Badger
// key-value database.
package badgerstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"

	"github.com/ajitpratap0/changestream/pkg/changestream"
	cserrors "github.com/ajitpratap0/changestream/pkg/errors"
	"github.com/ajitpratap0/changestream/pkg/json"
)

const keyPrefix = "changestream/partition/"

// Store is a changestream.MetadataStore backed by Badger. Each partition
// state is one JSON value keyed by token.
type Store struct {
	db     *badger.DB
	logger *zap.Logger
}

var _ changestream.MetadataStore = (*Store)(nil)

// Open opens or creates the database in dir.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, cserrors.New(cserrors.ErrorTypeConfig, "badger store requires a directory")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "badger_store"))

	opts := badger.DefaultOptions(dir)
	opts.Logger = badgerLogger{logger.Sugar()}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to open badger store")
	}
	logger.Info("opened badger store", zap.String("dir", dir))
	return &Store{db: db, logger: logger}, nil
}

func key(token string) []byte {
	return []byte(keyPrefix + token)
}

// Load implements changestream.MetadataStore. States come back in token order.
func (s *Store) Load(ctx context.Context) ([]changestream.PartitionState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var states []changestream.PartitionState
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var state changestream.PartitionState
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &state)
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", item.Key(), err)
			}
			states = append(states, state)
		}
		return nil
	})
	if err != nil {
		return nil, cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to load partition state")
	}
	return states, nil
}

// Save implements changestream.MetadataStore.
func (s *Store) Save(ctx context.Context, state changestream.PartitionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(state)
	if err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to encode partition state")
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(state.Token), data)
	})
	if err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to save partition "+state.Token)
	}
	return nil
}

// Close implements changestream.MetadataStore.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return cserrors.Wrap(err, cserrors.ErrorTypeStorage, "failed to close badger store")
	}
	return nil
}

// badgerLogger routes Badger's logging to zap.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l badgerLogger) Warningf(format string, args ...interface{}) { l.s.Warnf(format, args...) }
func (l badgerLogger) Infof(format string, args ...interface{})    { l.s.Debugf(format, args...) }
func (l badgerLogger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
