package wsdb

import (
	"sync"

	"github.com/google/uuid"

	"go.repliset.dev/core/writeset"
)

type trxKey struct {
	source uuid.UUID
	trxID  uint64
}

type connState struct {
	trx      *TrxHandle
	database []byte // Default execution context, replicated ahead of queries.
}

// DB is the registry of local transaction and connection handles. At most one
// handle exists per (node, trx ID) while local; hosts store opaque references
// resolved through the registry rather than owning handles directly.
type DB struct {
	mu    sync.Mutex
	trxs  map[trxKey]*TrxHandle
	conns map[uint64]*connState
}

// NewDB returns an empty registry.
func NewDB() *DB {
	return &DB{
		trxs:  make(map[trxKey]*TrxHandle),
		conns: make(map[uint64]*connState),
	}
}

// GetTrx returns the handle of (|source|, |trxID|), creating it if |create|.
// The caller receives a reference which it must Unref.
func (db *DB) GetTrx(source uuid.UUID, trxID uint64, create bool) *TrxHandle {
	db.mu.Lock()
	defer db.mu.Unlock()

	var key = trxKey{source: source, trxID: trxID}
	if trx, ok := db.trxs[key]; ok {
		return trx.Ref()
	} else if !create {
		return nil
	}

	var trx = newTrxHandle(source, trxID, 0, true)
	trx.db = db
	db.trxs[key] = trx
	return trx.Ref() // Registry holds the initial reference.
}

// DiscardTrx drops the registry's reference of (|source|, |trxID|).
func (db *DB) DiscardTrx(source uuid.UUID, trxID uint64) {
	db.mu.Lock()
	var key = trxKey{source: source, trxID: trxID}
	var trx, ok = db.trxs[key]
	if ok {
		delete(db.trxs, key)
	}
	db.mu.Unlock()

	if ok {
		trx.Unref()
	}
}

// GetConnTrx returns the isolated write-set handle of connection |connID|,
// creating it if |create|. A created handle carries the connection's default
// context query, if one was set.
func (db *DB) GetConnTrx(source uuid.UUID, connID uint64, create bool) *TrxHandle {
	db.mu.Lock()
	defer db.mu.Unlock()

	var conn, ok = db.conns[connID]
	if !ok {
		if !create {
			return nil
		}
		conn = &connState{}
		db.conns[connID] = conn
	}
	if conn.trx == nil {
		if !create {
			return nil
		}
		conn.trx = newTrxHandle(source, writeset.ConnTrxID, connID, true)
		if conn.database != nil {
			conn.trx.AppendQuery(conn.database, 0, 0)
		}
	}
	return conn.trx.Ref()
}

// SetConnDatabase records the default execution context of connection
// |connID|, replicated ahead of its isolated queries.
func (db *DB) SetConnDatabase(connID uint64, database []byte) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var conn, ok = db.conns[connID]
	if !ok {
		conn = &connState{}
		db.conns[connID] = conn
	}
	conn.database = append([]byte(nil), database...)
}

// DiscardConnQuery drops the in-flight isolated write-set of |connID|,
// keeping the connection's default context.
func (db *DB) DiscardConnQuery(connID uint64) {
	db.mu.Lock()
	var conn, ok = db.conns[connID]
	var trx *TrxHandle
	if ok && conn.trx != nil {
		trx, conn.trx = conn.trx, nil
	}
	db.mu.Unlock()

	if trx != nil {
		trx.Unref()
	}
}

// DiscardConn drops all state of connection |connID|.
func (db *DB) DiscardConn(connID uint64) {
	db.mu.Lock()
	var conn, ok = db.conns[connID]
	if ok {
		delete(db.conns, connID)
	}
	db.mu.Unlock()

	if ok && conn.trx != nil {
		conn.trx.Unref()
	}
}

// forget removes a fully-released handle, if it is still registered.
func (db *DB) forget(trx *TrxHandle) {
	db.mu.Lock()
	defer db.mu.Unlock()

	var key = trxKey{source: trx.source, trxID: trx.trxID}
	if cur, ok := db.trxs[key]; ok && cur == trx {
		delete(db.trxs, key)
	}
}
