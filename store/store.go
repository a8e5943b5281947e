package store

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/canopy-network/hotshot/lib"
	"github.com/dgraph-io/badger/v4"
)

var (
	proposalPrefix      = []byte("p/") // prefix designated for DA proposals and VID shares
	leafPrefix          = []byte("l/") // prefix designated for committed leaves by height
	lastCommittedPrefix = []byte("a/") // prefix designated for the height of the latest committed leaf

	_ lib.BlockStorage = &Store{} // enforce the block storage interface
	_ lib.Committer    = &Store{} // enforce the committer interface
)

/*
The Store is a thin persistence layer over a single BadgerDB instance with two keyspaces:

1. Block storage: DA proposals (stored under their leader) and VID shares (stored under their
   owner), written before the node votes so a restarted node never votes for a proposal it
   can't serve. Appends are idempotent: the same record under the same key is a no-op and a
   different record under that key is a conflict.

2. Committed leaves: every decided leaf with the certificate that decided it, keyed by height
   and written strictly in chain order.

Each write is a single badger transaction; a transaction that loses a race with a concurrent
write is retried so its check-then-set always sees the winner.
*/

type Store struct {
	db       *badger.DB   // underlying database
	inMemory bool         // the database lives in memory only
	metrics  *lib.Metrics // telemetry
	log      lib.LoggerI  // logger
}

// New() creates a new instance of a Store either in memory or an actual disk DB
func New(config lib.Config, metrics *lib.Metrics, log lib.LoggerI) (*Store, lib.ErrorI) {
	if config.StoreConfig.InMemory {
		return NewStoreInMemory(metrics, log)
	}
	return NewStore(filepath.Join(config.DataDirPath, config.DBName), metrics, log)
}

// NewStore() creates a new instance of a disk DB
func NewStore(path string, metrics *lib.Metrics, log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLoggingLevel(badger.ERROR).WithLogger(newBadgerLogger(log)))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, false, metrics, log), nil
}

// NewStoreInMemory() creates a new instance of a mem DB
func NewStoreInMemory(metrics *lib.Metrics, log lib.LoggerI) (*Store, lib.ErrorI) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR).WithLogger(newBadgerLogger(log)))
	if err != nil {
		return nil, ErrOpenDB(err)
	}
	return NewStoreWithDB(db, true, metrics, log), nil
}

// NewStoreWithDB() wraps an open badger database
func NewStoreWithDB(db *badger.DB, inMemory bool, metrics *lib.Metrics, log lib.LoggerI) *Store {
	if log == nil {
		log = lib.NewNullLogger()
	}
	return &Store{db: db, inMemory: inMemory, metrics: metrics, log: log}
}

// Append() durably records a DA proposal or VID share
func (s *Store) Append(p *lib.ProposalType) lib.ErrorI {
	if err := p.Check(); err != nil {
		return err
	}
	value, err := lib.MarshalJSON(p)
	if err != nil {
		return err
	}
	key := proposalKey(p.Kind, p.View, p.Participant)
	written, err := s.insert(key, value)
	if err != nil {
		if err.Code() == lib.CodeStoreConflict {
			s.metrics.IncStoreConflict()
		}
		return err
	}
	if written {
		s.metrics.IncRecordAppended(p.Kind)
	}
	return nil
}

// Retrieve() loads the record of kind stored for (view, participant)
func (s *Store) Retrieve(kind lib.ProposalKind, view uint64, participant []byte) (*lib.ProposalType, lib.ErrorI) {
	value, err := s.get(proposalKey(kind, view, participant))
	if err != nil {
		return nil, err
	}
	p := new(lib.ProposalType)
	if err = lib.UnmarshalJSON(value, p); err != nil {
		return nil, err
	}
	return p, nil
}

// Records() lists every record of kind stored for view
func (s *Store) Records(kind lib.ProposalKind, view uint64) (records []*lib.ProposalType, e lib.ErrorI) {
	prefix := append(append([]byte{}, proposalPrefix...), fmt.Sprintf("%s/%020d/", kind, view)...)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true, PrefetchSize: 16})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			p := new(lib.ProposalType)
			if er := lib.UnmarshalJSON(value, p); er != nil {
				return er
			}
			records = append(records, p)
		}
		return nil
	})
	if err != nil {
		return nil, ErrStoreGet(err)
	}
	return
}

// Empty() builds a fresh in-memory store with nothing in it
func (s *Store) Empty() (lib.BlockStorage, lib.ErrorI) { return NewStoreInMemory(s.metrics, s.log) }

// InMemory() indicates the store doesn't survive a restart
func (s *Store) InMemory() bool { return s.inMemory }

// Close() closes the underlying database
func (s *Store) Close() lib.ErrorI {
	if err := s.db.Close(); err != nil {
		return ErrCloseDB(err)
	}
	return nil
}

// insert() sets key to value unless the key exists; an existing identical value is a no-op
func (s *Store) insert(key, value []byte) (written bool, e lib.ErrorI) {
	err := retryOnConflict(s.db, func(txn *badger.Txn) error {
		written = false
		item, err := txn.Get(key)
		switch {
		case err == nil:
			existing, er := item.ValueCopy(nil)
			if er != nil {
				return er
			}
			if !bytes.Equal(existing, value) {
				return ErrStoreConflict(key)
			}
			return nil
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		written = true
		return txn.Set(key, value)
	})
	return written, toStoreError(err, ErrStoreSet)
}

// get() reads the value under key
func (s *Store) get(key []byte) (value []byte, e lib.ErrorI) {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrStoreNotFound(key)
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	return value, toStoreError(err, ErrStoreGet)
}

// retryOnConflict() runs op in an update transaction until it doesn't collide with a concurrent write
func retryOnConflict(db *badger.DB, op func(txn *badger.Txn) error) error {
	for {
		err := db.Update(op)
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
}

// toStoreError() passes coded errors through and wraps the rest
func toStoreError(err error, wrap func(error) lib.ErrorI) lib.ErrorI {
	if err == nil {
		return nil
	}
	var e lib.ErrorI
	if errors.As(err, &e) {
		return e
	}
	return wrap(err)
}

// proposalKey() namespaces the record key under the proposal prefix
func proposalKey(kind lib.ProposalKind, view uint64, participant []byte) []byte {
	return append(append([]byte{}, proposalPrefix...), lib.ProposalKey(kind, view, participant)...)
}

// badgerLogger adapts the node logger to badger's logger
type badgerLogger struct{ lib.LoggerI }

func newBadgerLogger(log lib.LoggerI) badgerLogger {
	if log == nil {
		log = lib.NewNullLogger()
	}
	return badgerLogger{log.With("badger")}
}

func (b badgerLogger) Warningf(format string, args ...interface{}) { b.Warnf(format, args...) }
