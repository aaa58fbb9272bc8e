// Package badger stores outline documents and the replication outbox in an
// embedded BadgerDB.
//
// Key layout:
//
//	t/<thought id>   thought document
//	l/<lexeme key>   lexeme document
//	o/<sequence>     outbox entry, zero padded so keys sort in enqueue order
//	i/<batch id>     parked inbound batch
//	m/schema         schema version of the stored documents
//	m/outbox-seq     outbox sequence lease
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/cybersemics/em-sub013/application/ports"
	"github.com/cybersemics/em-sub013/domain/documents"
	pkgerrors "github.com/cybersemics/em-sub013/pkg/errors"
)

var (
	thoughtPrefix = []byte("t/")
	lexemePrefix  = []byte("l/")
	outboxPrefix  = []byte("o/")
	inboxPrefix   = []byte("i/")
	schemaKey     = []byte("m/schema")
	sequenceKey   = []byte("m/outbox-seq")
)

// Config holds configuration for the Badger store
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool
	// SyncWrites fsyncs every commit
	SyncWrites bool
	// GCInterval is how often value log GC runs. Zero disables it.
	GCInterval time.Duration
	// GCDiscardRatio is the garbage ratio that triggers a rewrite
	GCDiscardRatio float64
}

// DefaultConfig returns production defaults for path
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// zapLogger adapts zap to Badger's logger interface
type zapLogger struct {
	sugar *zap.SugaredLogger
}

func (l *zapLogger) Errorf(format string, args ...interface{})   { l.sugar.Errorf(format, args...) }
func (l *zapLogger) Warningf(format string, args ...interface{}) { l.sugar.Warnf(format, args...) }
func (l *zapLogger) Infof(format string, args ...interface{})    { l.sugar.Debugf(format, args...) }
func (l *zapLogger) Debugf(format string, args ...interface{})   { l.sugar.Debugf(format, args...) }

// Store implements ports.Persister, ports.Outbox and ports.Inbox on BadgerDB
type Store struct {
	db     *badger.DB
	seq    *badger.Sequence
	config Config
	logger *zap.Logger
}

var (
	_ ports.Persister = (*Store)(nil)
	_ ports.Outbox    = (*Store)(nil)
	_ ports.Inbox     = (*Store)(nil)
)

// outboxRecord is the stored form of an outbox entry
type outboxRecord struct {
	Batch       *documents.Batch `json:"batch"`
	Attempts    int              `json:"attempts"`
	LastError   string           `json:"lastError,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	NextAttempt time.Time        `json:"nextAttempt"`
}

// inboxRecord is the stored form of a parked batch. Seq orders records
// since their keys sort by batch id.
type inboxRecord struct {
	Seq      uint64           `json:"seq"`
	Batch    *documents.Batch `json:"batch"`
	ParkedAt time.Time        `json:"parkedAt"`
}

// Open opens or creates the database described by cfg
func Open(cfg Config, logger *zap.Logger) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&zapLogger{sugar: logger.Named("badger").Sugar()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	seq, err := db.GetSequence(sequenceKey, 100)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("lease outbox sequence: %w", err)
	}

	logger.Info("Badger store opened",
		zap.String("path", cfg.Path),
		zap.Bool("inMemory", cfg.InMemory),
	)
	return &Store{db: db, seq: seq, config: cfg, logger: logger}, nil
}

// Close releases the sequence lease and closes the database
func (s *Store) Close() error {
	if err := s.seq.Release(); err != nil {
		s.logger.Warn("Failed to release outbox sequence", zap.Error(err))
	}
	return s.db.Close()
}

// RunGC runs value log GC every GCInterval until ctx is done
func (s *Store) RunGC(ctx context.Context) error {
	if s.config.InMemory || s.config.GCInterval <= 0 {
		<-ctx.Done()
		return nil
	}

	ticker := time.NewTicker(s.config.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			// One call rewrites at most one file; loop until nothing is left.
			for {
				err := s.db.RunValueLogGC(s.config.GCDiscardRatio)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						s.logger.Warn("Value log GC failed", zap.Error(err))
					}
					break
				}
			}
		}
	}
}

func docKey(prefix []byte, id string) []byte {
	return append(append([]byte{}, prefix...), id...)
}

// Persist writes every document of the batch in one transaction. Null
// documents delete their key.
func (s *Store) Persist(ctx context.Context, batch *documents.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := writeDocs(txn, thoughtPrefix, batch.Thoughts); err != nil {
			return err
		}
		return writeDocs(txn, lexemePrefix, batch.Lexemes)
	})
	if err != nil {
		if errors.Is(err, badger.ErrTxnTooBig) {
			return fmt.Errorf("batch %s too large for one transaction: %w", batch.ID, err)
		}
		return pkgerrors.NewStorageUnavailableError("persist", err)
	}
	return nil
}

func writeDocs(txn *badger.Txn, prefix []byte, docs map[string]json.RawMessage) error {
	for id, raw := range docs {
		key := docKey(prefix, id)
		if documents.IsDeletion(raw) {
			if err := txn.Delete(key); err != nil {
				return err
			}
			continue
		}
		if err := txn.Set(key, raw); err != nil {
			return err
		}
	}
	return nil
}

// Load returns every stored document as one batch at the stored schema version
func (s *Store) Load(ctx context.Context) (*documents.Batch, error) {
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return nil, err
	}
	batch := documents.NewBatch("", time.Now().UTC())
	batch.SchemaVersion = version

	err = s.db.View(func(txn *badger.Txn) error {
		if err := readDocs(txn, thoughtPrefix, batch.Thoughts); err != nil {
			return err
		}
		return readDocs(txn, lexemePrefix, batch.Lexemes)
	})
	if err != nil {
		return nil, pkgerrors.NewStorageUnavailableError("load", err)
	}
	return batch, nil
}

func readDocs(txn *badger.Txn, prefix []byte, into map[string]json.RawMessage) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		into[string(item.Key()[len(prefix):])] = raw
	}
	return nil
}

// SchemaVersion returns the version of the stored documents. An empty store
// is at the current version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	version := documents.CurrentSchemaVersion
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(schemaKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			v, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("corrupt schema version %q: %w", val, err)
			}
			version = v
			return nil
		})
	})
	if err != nil {
		return 0, pkgerrors.NewStorageUnavailableError("schema version", err)
	}
	return version, nil
}

// SetSchemaVersion records the version of the stored documents
func (s *Store) SetSchemaVersion(ctx context.Context, version int) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(schemaKey, []byte(strconv.Itoa(version)))
	})
	if err != nil {
		return pkgerrors.NewStorageUnavailableError("set schema version", err)
	}
	return nil
}

// Enqueue appends batch to the outbox
func (s *Store) Enqueue(ctx context.Context, batch *documents.Batch) error {
	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("next outbox sequence: %w", err)
	}
	id := fmt.Sprintf("%020d", n)
	rec := outboxRecord{Batch: batch, CreatedAt: time.Now().UTC()}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal outbox entry: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(docKey(outboxPrefix, id), data)
	})
}

// Pending returns due entries in enqueue order, stopping at the first entry
// still waiting for its retry
func (s *Store) Pending(ctx context.Context, now time.Time, limit int) ([]*ports.OutboxEntry, error) {
	var out []*ports.OutboxEntry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(outboxPrefix); it.ValidForPrefix(outboxPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				return nil
			}
			item := it.Item()
			var rec outboxRecord
			if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("failed to unmarshal outbox entry: %w", err)
			}
			if rec.NextAttempt.After(now) {
				return nil
			}
			out = append(out, &ports.OutboxEntry{
				ID:          string(item.Key()[len(outboxPrefix):]),
				Batch:       rec.Batch,
				Attempts:    rec.Attempts,
				LastError:   rec.LastError,
				CreatedAt:   rec.CreatedAt,
				NextAttempt: rec.NextAttempt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MarkSent removes an entry
func (s *Store) MarkSent(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := docKey(outboxPrefix, id)
		if _, err := txn.Get(key); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("outbox entry not found: %s", id)
			}
			return err
		}
		return txn.Delete(key)
	})
}

// MarkFailed records a failed attempt and the time of the next one
func (s *Store) MarkFailed(ctx context.Context, id string, cause error, next time.Time) error {
	return s.db.Update(func(txn *badger.Txn) error {
		key := docKey(outboxPrefix, id)
		item, err := txn.Get(key)
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("outbox entry not found: %s", id)
			}
			return err
		}
		var rec outboxRecord
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
			return fmt.Errorf("failed to unmarshal outbox entry: %w", err)
		}
		rec.Attempts++
		rec.NextAttempt = next
		if cause != nil {
			rec.LastError = cause.Error()
		}
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(key, data)
	})
}

// Stats summarizes the outbox
func (s *Store) Stats(ctx context.Context) (ports.OutboxStats, error) {
	var stats ports.OutboxStats
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(outboxPrefix); it.ValidForPrefix(outboxPrefix); it.Next() {
			var rec struct {
				Attempts int `json:"attempts"`
			}
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return err
			}
			stats.Pending++
			if rec.Attempts > stats.MaxAttempts {
				stats.MaxAttempts = rec.Attempts
			}
		}
		return nil
	})
	return stats, err
}

// Park stores an inbound batch until it is released
func (s *Store) Park(ctx context.Context, batch *documents.Batch) error {
	key := docKey(inboxPrefix, batch.ID)
	n, err := s.seq.Next()
	if err != nil {
		return pkgerrors.NewStorageUnavailableError("park", err)
	}
	data, err := json.Marshal(inboxRecord{Seq: n, Batch: batch, ParkedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal parked batch: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, data)
	})
	if err != nil {
		return pkgerrors.NewStorageUnavailableError("park", err)
	}
	return nil
}

// Parked returns parked batches in parking order
func (s *Store) Parked(ctx context.Context, limit int) ([]*documents.Batch, error) {
	var records []inboxRecord
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(inboxPrefix); it.ValidForPrefix(inboxPrefix); it.Next() {
			var rec inboxRecord
			if err := it.Item().Value(func(val []byte) error { return json.Unmarshal(val, &rec) }); err != nil {
				return fmt.Errorf("failed to unmarshal parked batch: %w", err)
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, pkgerrors.NewStorageUnavailableError("parked", err)
	}

	sort.Slice(records, func(i, j int) bool { return records[i].Seq < records[j].Seq })
	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}
	out := make([]*documents.Batch, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Batch)
	}
	return out, nil
}

// Release drops a parked batch
func (s *Store) Release(ctx context.Context, batchID string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(docKey(inboxPrefix, batchID))
	})
	if err != nil {
		return pkgerrors.NewStorageUnavailableError("release", err)
	}
	return nil
}

// ParkedCount returns the number of parked batches
func (s *Store) ParkedCount(ctx context.Context) (int, error) {
	n := 0
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(inboxPrefix); it.ValidForPrefix(inboxPrefix); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, pkgerrors.NewStorageUnavailableError("parked count", err)
	}
	return n, nil
}
