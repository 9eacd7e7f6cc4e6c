// Package writeset models the replicated payload of a transaction: an
// ordered collection of write-sets, each tagged with an apply level and
// carrying the key-set it modifies. Collections serialize to a fixed,
// little-endian wire format which round-trips bit-exact, including
// per-statement timestamps and random seeds.
package writeset

import (
	"bytes"

	"github.com/google/uuid"
)

// Level tags how a write-set is applied by the host database.
type Level uint8

const (
	// LevelData is an opaque row-image buffer, delivered as one apply call.
	LevelData Level = 1
	// LevelStatement is an ordered sequence of queries, each re-executed
	// deterministically with its original timestamp and random seed.
	LevelStatement Level = 2
)

// ConnTrxID marks a collection as an isolated connection write-set
// (eg DDL run in total order isolation) rather than an ordinary transaction.
const ConnTrxID = ^uint64(0)

// Key is an opaque byte string identifying a modified database entity.
type Key []byte

// Query is a single statement of a LevelStatement write-set.
type Query struct {
	Statement []byte
	Timestamp int64  // Original execution time, seconds since epoch.
	RandSeed  uint32 // Seed for deterministic re-execution.
}

// WriteSet is one entry of a replicated Collection.
type WriteSet struct {
	Level   Level
	Keys    []Key
	Queries []Query // Populated iff Level == LevelStatement.
	Data    []byte  // Populated iff Level == LevelData.
}

// Header identifies the transaction a Collection belongs to and bounds its
// certification window.
type Header struct {
	Version  uint8
	Flags    uint32
	Source   uuid.UUID // Originating node.
	ConnID   uint64
	TrxID    uint64 // ConnTrxID for isolated connection write-sets.
	LastSeen int64  // Highest seqno committed locally when replication began.
}

// FlagCommit marks a collection replicated with commit intent.
const FlagCommit uint32 = 1 << 0

// Version is the current wire format version.
const Version uint8 = 1

// Collection is the full replicated payload of a transaction.
type Collection struct {
	Header
	Sets []WriteSet
}

// IsConn returns whether the collection is an isolated connection write-set.
func (c *Collection) IsConn() bool { return c.TrxID == ConnTrxID }

// ModifiedKeys returns the keys modified across all write-sets of the collection.
func (c *Collection) ModifiedKeys() []Key {
	var out []Key
	for i := range c.Sets {
		out = append(out, c.Sets[i].Keys...)
	}
	return out
}

// Equal returns whether two collections are identical, byte for byte.
func (c *Collection) Equal(o *Collection) bool {
	if c.Header != o.Header || len(c.Sets) != len(o.Sets) {
		return false
	}
	for i := range c.Sets {
		var a, b = &c.Sets[i], &o.Sets[i]
		if a.Level != b.Level || len(a.Keys) != len(b.Keys) ||
			len(a.Queries) != len(b.Queries) || !bytes.Equal(a.Data, b.Data) {
			return false
		}
		for j := range a.Keys {
			if !bytes.Equal(a.Keys[j], b.Keys[j]) {
				return false
			}
		}
		for j := range a.Queries {
			if a.Queries[j].Timestamp != b.Queries[j].Timestamp ||
				a.Queries[j].RandSeed != b.Queries[j].RandSeed ||
				!bytes.Equal(a.Queries[j].Statement, b.Queries[j].Statement) {
				return false
			}
		}
	}
	return true
}
