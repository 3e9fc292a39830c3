/*
Copyright 2022 The Everflow Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package idl implements the in-process image of a monitored ovsdb database:
// per-table row caches with change tracking, secondary indexes, and a
// transaction surface. Transports (see ovsdb.go) feed row updates into the
// cache; engine nodes consume the tracked deltas and clear them at the end of
// every iteration.
package idl

import (
	"errors"
	"fmt"
	"sync"

	log "github.com/Sirupsen/logrus"
)

// ErrTryAgain is returned by Txn.Commit when the database asked us to retry:
// the caller keeps its in-memory state and retries on the next iteration.
var ErrTryAgain = errors.New("transaction needs retry")

// Row is any schema row held in a Table. UUID must be stable for the row's
// lifetime; Copy must return a deep copy so tracked snapshots do not alias
// live rows.
type Row interface {
	UUID() string
	Copy() Row
}

// ChangeType classifies a tracked row delta.
type ChangeType int

//nolint
const (
	RowNew ChangeType = iota
	RowUpdated
	RowDeleted
)

func (c ChangeType) String() string {
	switch c {
	case RowNew:
		return "new"
	case RowUpdated:
		return "updated"
	case RowDeleted:
		return "deleted"
	}
	return "unknown"
}

// IndexFunc extracts a secondary-index key from a row. Rows for which the
// index does not apply return "".
type IndexFunc func(Row) string

// Table is the cache of one database table plus its tracked deltas since the
// last ClearTracked.
type Table struct {
	name    string
	rows    map[string]Row
	indexes map[string]IndexFunc
	// index name -> key -> row uuids. Non-unique indexes keep every match.
	indexed map[string]map[string]map[string]struct{}

	tracked map[string]*TrackedRow
	seqno   uint64
}

// TrackedRow is one row delta. For deletions Row holds the last seen value.
// Old is populated on updates with the pre-update value.
type TrackedRow struct {
	Change ChangeType
	Row    Row
	Old    Row
}

func NewTable(name string) *Table {
	return &Table{
		name:    name,
		rows:    make(map[string]Row),
		indexes: make(map[string]IndexFunc),
		indexed: make(map[string]map[string]map[string]struct{}),
		tracked: make(map[string]*TrackedRow),
	}
}

func (t *Table) Name() string { return t.name }

// AddIndex registers a named secondary index. Registration happens before the
// transport starts feeding rows.
func (t *Table) AddIndex(name string, fn IndexFunc) {
	t.indexes[name] = fn
	t.indexed[name] = make(map[string]map[string]struct{})
}

func (t *Table) indexInsert(row Row) {
	for name, fn := range t.indexes {
		key := fn(row)
		if key == "" {
			continue
		}
		bucket := t.indexed[name][key]
		if bucket == nil {
			bucket = make(map[string]struct{})
			t.indexed[name][key] = bucket
		}
		bucket[row.UUID()] = struct{}{}
	}
}

func (t *Table) indexRemove(row Row) {
	for name, fn := range t.indexes {
		key := fn(row)
		if key == "" {
			continue
		}
		if bucket := t.indexed[name][key]; bucket != nil {
			delete(bucket, row.UUID())
			if len(bucket) == 0 {
				delete(t.indexed[name], key)
			}
		}
	}
}

// Get returns the cached row by uuid, or nil.
func (t *Table) Get(uuid string) Row { return t.rows[uuid] }

// Len returns the number of cached rows.
func (t *Table) Len() int { return len(t.rows) }

// ForEach iterates all cached rows.
func (t *Table) ForEach(fn func(Row)) {
	for _, row := range t.rows {
		fn(row)
	}
}

// Lookup returns the rows matching key under the named index.
func (t *Table) Lookup(index, key string) []Row {
	bucket := t.indexed[index][key]
	if len(bucket) == 0 {
		return nil
	}
	out := make([]Row, 0, len(bucket))
	for uuid := range bucket {
		out = append(out, t.rows[uuid])
	}
	return out
}

// LookupOne returns an arbitrary single match, for indexes the schema keeps
// unique.
func (t *Table) LookupOne(index, key string) Row {
	for _, row := range t.Lookup(index, key) {
		return row
	}
	return nil
}

// Insert applies a row appearing in the monitor stream.
func (t *Table) Insert(row Row) {
	uuid := row.UUID()
	if _, ok := t.rows[uuid]; ok {
		t.Update(row)
		return
	}
	t.rows[uuid] = row
	t.indexInsert(row)
	t.track(uuid, RowNew, row, nil)
}

// Update applies a modified row from the monitor stream.
func (t *Table) Update(row Row) {
	uuid := row.UUID()
	old, ok := t.rows[uuid]
	if !ok {
		t.Insert(row)
		return
	}
	t.indexRemove(old)
	t.rows[uuid] = row
	t.indexInsert(row)
	t.track(uuid, RowUpdated, row, old)
}

// Delete applies a row removal from the monitor stream.
func (t *Table) Delete(uuid string) {
	old, ok := t.rows[uuid]
	if !ok {
		return
	}
	t.indexRemove(old)
	delete(t.rows, uuid)
	t.track(uuid, RowDeleted, old, nil)
}

func (t *Table) track(uuid string, change ChangeType, row, old Row) {
	t.seqno++
	prev := t.tracked[uuid]
	if prev == nil {
		tr := &TrackedRow{Change: change, Row: row.Copy()}
		if old != nil {
			tr.Old = old.Copy()
		}
		t.tracked[uuid] = tr
		return
	}
	// Collapse multiple deltas within one iteration into their net effect.
	switch {
	case prev.Change == RowNew && change == RowDeleted:
		delete(t.tracked, uuid)
	case prev.Change == RowNew:
		prev.Row = row.Copy()
	case change == RowDeleted:
		prev.Change = RowDeleted
	default:
		prev.Change = RowUpdated
		prev.Row = row.Copy()
	}
}

// ForEachTracked iterates the net deltas accumulated since the last clear.
func (t *Table) ForEachTracked(fn func(*TrackedRow)) {
	for _, tr := range t.tracked {
		fn(tr)
	}
}

// HasTracked reports whether any delta is pending.
func (t *Table) HasTracked() bool { return len(t.tracked) > 0 }

// Seqno increases on every applied change; the engine compares it across
// iterations to decide whether an input moved.
func (t *Table) Seqno() uint64 { return t.seqno }

// ClearTracked drops the accumulated deltas. The engine calls this at the
// end of every iteration.
func (t *Table) ClearTracked() {
	if len(t.tracked) > 0 {
		t.tracked = make(map[string]*TrackedRow)
	}
}

// DB is one monitored database: a set of tables plus connection state.
type DB struct {
	mu     sync.Mutex
	name   string
	tables map[string]*Table

	connSeqno uint64
	readOnly  bool

	commit CommitFunc
}

// CommitFunc ships a built transaction to the server. The in-memory DB
// applies ops locally only after commit reports success, mirroring how the
// monitor stream would echo our own writes back before the next iteration
// reads them.
type CommitFunc func(*Txn) error

func NewDB(name string) *DB {
	return &DB{name: name, tables: make(map[string]*Table)}
}

func (db *DB) Name() string { return db.name }

func (db *DB) AddTable(t *Table) { db.tables[t.Name()] = t }

func (db *DB) Table(name string) *Table {
	t, ok := db.tables[name]
	if !ok {
		log.Fatalf("unknown table %q in database %q", name, db.name)
	}
	return t
}

// ConnSeqno bumps on every reconnect; a change tells the engine its caches
// may be stale and a full recompute is needed.
func (db *DB) ConnSeqno() uint64 { return db.connSeqno }

func (db *DB) BumpConnSeqno() { db.connSeqno++ }

// SetReadOnly marks the database as not currently accepting writes. Claim
// and release processing defers while read-only.
func (db *DB) SetReadOnly(ro bool) { db.readOnly = ro }

func (db *DB) ReadOnly() bool { return db.readOnly }

// SetCommitFunc installs the transport commit path. Without one, commits
// apply locally (the form every test uses).
func (db *DB) SetCommitFunc(fn CommitFunc) { db.commit = fn }

// ClearAllTracked clears tracked deltas on every table.
func (db *DB) ClearAllTracked() {
	for _, t := range db.tables {
		t.ClearTracked()
	}
}

// Op is one mutation inside a transaction.
type Op struct {
	Table  string
	Change ChangeType
	Row    Row    // for insert/update
	UUID   string // for delete
}

// Txn accumulates mutations and applies them atomically on Commit.
type Txn struct {
	db      *DB
	comment string
	ops     []Op
}

func (db *DB) NewTxn(comment string) *Txn {
	return &Txn{db: db, comment: comment}
}

func (x *Txn) Comment() string { return x.comment }

func (x *Txn) Ops() []Op { return x.ops }

func (x *Txn) Empty() bool { return len(x.ops) == 0 }

func (x *Txn) Insert(table string, row Row) {
	x.ops = append(x.ops, Op{Table: table, Change: RowNew, Row: row})
}

func (x *Txn) Update(table string, row Row) {
	x.ops = append(x.ops, Op{Table: table, Change: RowUpdated, Row: row})
}

func (x *Txn) Delete(table string, uuid string) {
	x.ops = append(x.ops, Op{Table: table, Change: RowDeleted, UUID: uuid})
}

// Commit ships the transaction. On ErrTryAgain the caller retries next
// iteration; any other error is a transport failure that also forces a
// recompute.
func (x *Txn) Commit() error {
	if x.Empty() {
		return nil
	}
	if x.db.ReadOnly() {
		return fmt.Errorf("database %s is read-only", x.db.name)
	}
	if x.db.commit != nil {
		if err := x.db.commit(x); err != nil {
			return err
		}
	}
	x.db.mu.Lock()
	defer x.db.mu.Unlock()
	for _, op := range x.ops {
		t := x.db.Table(op.Table)
		switch op.Change {
		case RowNew:
			t.Insert(op.Row)
		case RowUpdated:
			t.Update(op.Row)
		case RowDeleted:
			t.Delete(op.UUID)
		}
	}
	return nil
}
