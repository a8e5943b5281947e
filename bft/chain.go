package bft

import (
	"bytes"
	"fmt"

	"github.com/canopy-network/hotshot/lib"
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultLeafCacheSize is how many candidate leaves a node remembers
const DefaultLeafCacheSize = 1024

// Chain is a node's view of the leaf tree: the candidate leaves it has seen, the certificate it's locked on
// and the last committed leaf. It's only touched by the node's event loop
type Chain struct {
	leaves    *lru.Cache[string, *lib.Leaf]
	locked    *lib.QuorumCertificate
	committed *lib.Leaf
	committer lib.Committer
	log       lib.LoggerI
}

// NewChain() creates a chain rooted at genesis
func NewChain(cacheSize int, committer lib.Committer, log lib.LoggerI) (*Chain, lib.ErrorI) {
	if cacheSize <= 0 {
		cacheSize = DefaultLeafCacheSize
	}
	cache, err := lru.New[string, *lib.Leaf](cacheSize)
	if err != nil {
		return nil, lib.ErrInvalidArgument()
	}
	genesis := lib.GenesisLeaf()
	c := &Chain{leaves: cache, locked: lib.GenesisQC(), committed: genesis, committer: committer, log: log}
	c.Add(genesis)
	return c, nil
}

// Add() remembers a candidate leaf
func (c *Chain) Add(leaf *lib.Leaf) { c.leaves.Add(lib.BytesToString(leaf.Hash()), leaf) }

// Get() looks up a leaf by hash
func (c *Chain) Get(hash []byte) (*lib.Leaf, bool) {
	if bytes.Equal(hash, c.committed.Hash()) {
		return c.committed, true
	}
	return c.leaves.Get(lib.BytesToString(hash))
}

// Locked() returns the certificate the node is locked on
func (c *Chain) Locked() *lib.QuorumCertificate { return c.locked }

// Lock() moves the lock forward; it never moves back
func (c *Chain) Lock(qc *lib.QuorumCertificate) {
	if qc.View > c.locked.View {
		c.locked = qc
	}
}

// SafeNode() is the lock rule: a replica only votes for a leaf whose justification is at least as recent as its lock
func (c *Chain) SafeNode(justify *lib.QuorumCertificate) lib.ErrorI {
	if justify.View < c.locked.View {
		return ErrFailedSafeNodePredicate(justify.View, c.locked.View)
	}
	return nil
}

// Committed() returns the last committed leaf
func (c *Chain) Committed() *lib.Leaf { return c.committed }

// Commit() commits a decided leaf and every uncommitted ancestor, ancestors first
// Each ancestor is handed to the committer with the certificate that justified it
func (c *Chain) Commit(leaf *lib.Leaf, qc *lib.QuorumCertificate) (committed []*lib.Leaf, err lib.ErrorI) {
	tip := c.committed.Hash()
	if bytes.Equal(leaf.Hash(), tip) {
		return nil, nil
	}
	// walk back to the committed tip
	var branch []*lib.Leaf
	for cur := leaf; ; {
		if cur.Height <= c.committed.Height {
			return nil, ErrConflictingCommit(leaf, c.committed)
		}
		branch = append(branch, cur)
		if bytes.Equal(cur.ParentHash, tip) {
			break
		}
		parent, ok := c.Get(cur.ParentHash)
		if !ok {
			return nil, lib.ErrLeafNotFound(cur.ParentHash)
		}
		cur = parent
	}
	// commit from the oldest ancestor to the decided leaf
	for i := len(branch) - 1; i >= 0; i-- {
		l, cert := branch[i], qc
		if i > 0 {
			cert = branch[i-1].Justify
		}
		if c.committer != nil {
			if err = c.committer.CommitLeaf(l, cert); err != nil {
				return committed, ErrCommitLeaf(err)
			}
		}
		c.committed = l
		committed = append(committed, l)
		c.log.Infof("Committed leaf %s at height %d (view %d)", lib.BytesToTruncatedString(l.Hash()), l.Height, l.View)
	}
	return committed, nil
}

func ErrConflictingCommit(leaf, committed *lib.Leaf) lib.ErrorI {
	return lib.NewKindError(lib.KindInvariantViolation, lib.CodeCommitLeaf, lib.ConsensusModule,
		fmt.Sprintf("leaf %s at height %d conflicts with committed leaf %s at height %d",
			lib.BytesToTruncatedString(leaf.Hash()), leaf.Height, lib.BytesToTruncatedString(committed.Hash()), committed.Height))
}
