// Package certification maintains the versioned index of modified keys
// against which replicated transactions are certified. The index maps each
// key to the global seqno of the last transaction to commit a change of it.
// A transaction certifies iff no key it modifies was written after the seqno
// it had last seen when it began replicating; on success the index advances
// and the transaction learns the latest predecessor it depends on, enabling
// parallel apply of non-conflicting transactions.
package certification

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"go.repliset.dev/core/writeset"
	"go.repliset.dev/core/wsdb"
)

// SeqnoUndefined is the undefined sequence number.
const SeqnoUndefined int64 = -1

// TestResult is the outcome of a certification test.
type TestResult int

const (
	// TestOK: the transaction is safe to apply.
	TestOK TestResult = iota
	// TestFailed: a key was modified within the certification window.
	TestFailed
)

// String returns the result's name.
func (r TestResult) String() string {
	if r == TestOK {
		return "TEST_OK"
	}
	return "TEST_FAILED"
}

// Index is the certification index. Append is the single serialization point
// of dependency computation and must be invoked while holding the local
// ordering monitor.
type Index struct {
	mu sync.Mutex

	keys       map[string]int64 // Key -> last committing global seqno.
	position   int64            // Highest appended global seqno.
	purgeFloor int64            // Entries at or below are garbage-collected.

	depsSum   int64 // Sum of (g - depends) over committed transactions.
	depsCount int64
}

// NewIndex returns an empty Index positioned at SeqnoUndefined.
func NewIndex() *Index {
	return &Index{
		keys:       make(map[string]int64),
		position:   SeqnoUndefined,
		purgeFloor: SeqnoUndefined,
	}
}

// Append evaluates the certification predicate of |trx| and, on success,
// records its keys at its global seqno and sets its last-depends seqno to
// the latest pre-update version among them, floored at the transaction's
// last-seen seqno. Must be called inside the local
// ordering monitor.
func (x *Index) Append(trx *wsdb.TrxHandle) TestResult {
	x.mu.Lock()
	defer x.mu.Unlock()

	var keys = trx.Collection().ModifiedKeys()
	if x.test(keys, trx.LastSeen(), trx.GlobalSeqno()-1) == TestFailed {
		x.position = trx.GlobalSeqno()
		return TestFailed
	}

	// A transaction whose keys were untouched since it began depends, at
	// most, on what it had already seen.
	var depends = trx.LastSeen()
	for _, k := range keys {
		if prev, ok := x.keys[string(k)]; ok && prev > depends {
			depends = prev
		}
		x.keys[string(k)] = trx.GlobalSeqno()
	}
	trx.SetDepends(depends)
	x.position = trx.GlobalSeqno()
	return TestOK
}

// Test evaluates the certification predicate of |trx| against the explicit
// window (|sMin|, |sMax|] without mutating the index. It is used to
// re-certify a local transaction which was brute-force aborted while
// waiting to apply.
func (x *Index) Test(trx *wsdb.TrxHandle, sMin, sMax int64) TestResult {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.test(trx.Collection().ModifiedKeys(), sMin, sMax)
}

// test reports TestOK iff every key is either absent from the index, or was
// last written at or before |sMin|, or after |sMax| (ordered later and thus
// outside the window).
func (x *Index) test(keys []writeset.Key, sMin, sMax int64) TestResult {
	for _, k := range keys {
		if seqno, ok := x.keys[string(k)]; ok && seqno > sMin && seqno <= sMax {
			return TestFailed
		}
	}
	return TestOK
}

// SetCommitted records that |trx| completed apply, folding its dependency
// distance into the rolling average.
func (x *Index) SetCommitted(trx *wsdb.TrxHandle) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if trx.Depends() != SeqnoUndefined {
		x.depsSum += trx.GlobalSeqno() - trx.Depends()
		x.depsCount++
	}
}

// PurgeUpTo removes index entries recorded at or below |seqno|, invoked by
// commit-cut actions. The purge floor advances monotonically.
func (x *Index) PurgeUpTo(seqno int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if seqno <= x.purgeFloor {
		return
	}
	for k, s := range x.keys {
		if s <= seqno {
			delete(x.keys, k)
		}
	}
	x.purgeFloor = seqno
}

// AssignInitialPosition seats the index at |seqno|, dropping all entries.
// Admissible at startup or after a state transfer.
func (x *Index) AssignInitialPosition(seqno int64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	x.keys = make(map[string]int64)
	x.position = seqno
	x.purgeFloor = seqno
}

// Position returns the highest appended global seqno.
func (x *Index) Position() int64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.position
}

// AvgDepsDistance returns the average distance between a committed
// transaction's global seqno and its last-depends seqno.
func (x *Index) AvgDepsDistance() float64 {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.depsCount == 0 {
		return 0
	}
	return float64(x.depsSum) / float64(x.depsCount)
}

// Size returns the number of indexed keys.
func (x *Index) Size() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.keys)
}

// CreateTrx materializes a remote transaction handle from a serialized
// write-set collection and its assigned seqnos.
func (x *Index) CreateTrx(payload []byte, localSeqno, gSeqno int64) (*wsdb.TrxHandle, error) {
	var c writeset.Collection
	if err := c.Unmarshal(payload); err != nil {
		log.WithFields(log.Fields{"seqno": gSeqno, "err": err}).
			Warn("failed to parse write-set collection")
		return nil, err
	}
	return wsdb.NewRemote(c, localSeqno, gSeqno), nil
}
