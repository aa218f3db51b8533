// Package archive is the cold store for snapshots pruned from an engine's
// in-memory history, backed by BadgerDB.
//
// Keys are "snap/<combined hex>"; values are the snapshot JSON. The first
// snapshot archived under a combined digest wins, matching the engine's
// history index.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/roach88/blockstate/internal/ir"
)

const keyPrefix = "snap/"

// Config configures an Archive.
type Config struct {
	// Path is the directory for BadgerDB files.
	// Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	// Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logging. If nil it is disabled.
	Logger *slog.Logger

	// GCInterval is how often to run value log garbage collection.
	// Zero disables.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64
}

// DefaultConfig returns a durable configuration for path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to badger.Logger.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Archive stores snapshots by combined digest.
//
// Thread-safety: safe for concurrent use (BadgerDB transactions).
type Archive struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	doneGC chan struct{}
}

// Open opens or creates an archive.
func Open(cfg Config) (*Archive, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("archive: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		ratio := cfg.GCDiscardRatio
		if ratio <= 0 || ratio >= 1 {
			ratio = 0.5
		}
		a.stopGC = make(chan struct{})
		a.doneGC = make(chan struct{})
		go a.runGC(cfg.GCInterval, ratio)
	}
	return a, nil
}

func (a *Archive) runGC(interval time.Duration, ratio float64) {
	defer close(a.doneGC)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means no GC was needed.
			if err := a.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.logger.Warn("archive value log GC error", "error", err)
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (a *Archive) Close() error {
	if a.stopGC != nil {
		close(a.stopGC)
		<-a.doneGC
	}
	return a.db.Close()
}

func key(d ir.Digest) []byte {
	return []byte(keyPrefix + d.String())
}

// Put archives s unless a snapshot with the same combined digest exists.
func (a *Archive) Put(ctx context.Context, s ir.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	val, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("archive put: %w", err)
	}
	return a.db.Update(func(txn *badger.Txn) error {
		k := key(s.Combined())
		_, err := txn.Get(k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("archive put %s: %w", s.Combined().Short(), err)
		}
		return txn.Set(k, val)
	})
}

// Get returns the archived snapshot for a combined digest.
func (a *Archive) Get(ctx context.Context, d ir.Digest) (ir.Snapshot, bool, error) {
	if err := ctx.Err(); err != nil {
		return ir.Snapshot{}, false, err
	}
	var (
		s     ir.Snapshot
		found bool
	)
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(d))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &s)
		})
	})
	if err != nil {
		return ir.Snapshot{}, false, fmt.Errorf("archive get %s: %w", d.Short(), err)
	}
	return s, found, nil
}

// Len returns the number of archived snapshots.
func (a *Archive) Len() (int, error) {
	n := 0
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}
