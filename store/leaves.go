package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/canopy-network/hotshot/lib"
	"github.com/dgraph-io/badger/v4"
)

// CommittedLeaf is a decided leaf with the certificate that decided it
type CommittedLeaf struct {
	Leaf *lib.Leaf              `json:"leaf"`
	QC   *lib.QuorumCertificate `json:"qc"`
}

// CommitLeaf() persists a decided leaf; leaves arrive in chain order, ancestors first
// Re-committing a leaf already stored at its height is a no-op
func (s *Store) CommitLeaf(leaf *lib.Leaf, qc *lib.QuorumCertificate) lib.ErrorI {
	if leaf == nil || qc == nil {
		return lib.ErrEmptyMessage()
	}
	value := lib.CommittedBytes(leaf, qc)
	err := retryOnConflict(s.db, func(txn *badger.Txn) error {
		last, err := lastCommitted(txn)
		if err != nil {
			return err
		}
		if leaf.Height <= last {
			stored, er := getCommitted(txn, leaf.Height)
			if er != nil {
				return er
			}
			if !bytes.Equal(stored.Leaf.Hash(), leaf.Hash()) {
				return ErrStoreConflict(leafKey(leaf.Height))
			}
			return nil
		}
		if leaf.Height != last+1 {
			return ErrCommitOutOfOrder(last+1, leaf.Height)
		}
		if err = txn.Set(leafKey(leaf.Height), value); err != nil {
			return err
		}
		return txn.Set(lastCommittedPrefix, binary.BigEndian.AppendUint64(nil, leaf.Height))
	})
	if e := toStoreError(err, ErrStoreSet); e != nil {
		return e
	}
	s.log.Debugf("Persisted leaf at height %d view %d", leaf.Height, leaf.View)
	return nil
}

// CommittedLeaf() loads the leaf committed at height
func (s *Store) CommittedLeaf(height uint64) (c *CommittedLeaf, e lib.ErrorI) {
	err := s.db.View(func(txn *badger.Txn) (err error) {
		c, err = getCommitted(txn, height)
		return
	})
	return c, toStoreError(err, ErrStoreGet)
}

// LastCommittedHeight() returns the height of the latest persisted leaf, 0 when nothing is
func (s *Store) LastCommittedHeight() (height uint64, e lib.ErrorI) {
	err := s.db.View(func(txn *badger.Txn) (err error) {
		height, err = lastCommitted(txn)
		return
	})
	return height, toStoreError(err, ErrStoreGet)
}

// lastCommitted() reads the latest committed height inside a transaction
func lastCommitted(txn *badger.Txn) (uint64, error) {
	item, err := txn.Get(lastCommittedPrefix)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	bz, err := item.ValueCopy(nil)
	if err != nil {
		return 0, err
	}
	if len(bz) != 8 {
		return 0, fmt.Errorf("corrupt last committed height of %d bytes", len(bz))
	}
	return binary.BigEndian.Uint64(bz), nil
}

// getCommitted() reads the committed leaf at height inside a transaction
func getCommitted(txn *badger.Txn, height uint64) (*CommittedLeaf, error) {
	item, err := txn.Get(leafKey(height))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrStoreNotFound(leafKey(height))
	}
	if err != nil {
		return nil, err
	}
	bz, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	leaf, qc, e := lib.NewCommittedFromBytes(bz)
	if e != nil {
		return nil, e
	}
	return &CommittedLeaf{Leaf: leaf, QC: qc}, nil
}

// leafKey() keys a committed leaf by big endian height so iteration follows the chain
func leafKey(height uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte{}, leafPrefix...), height)
}
