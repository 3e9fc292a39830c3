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

// Package lflow implements the shared logical-flow table: a hash-keyed
// multiset of flows deduplicated across datapaths, with reference-counted
// lifetime and datapath-group compression. The flow_output node and the
// translator both build into it; sync_to_sb reconciles it against the SB
// Logical_Flow table.
package lflow

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/everflow/everflow/pkg/agent/index"
)

//nolint
const (
	// Stripe count for the parallel-build hash locks. Power of two.
	LockStripes = 1024

	defaultBuckets = 1024
)

// Key identifies a logical flow up to the datapaths it applies to.
type Key struct {
	Stage     string // e.g. "ls_in_acl"
	Pipeline  string // ingress / egress
	TableID   uint8
	Priority  uint16
	Match     string
	Actions   string
	CtrlMeter string
}

func (k *Key) hash() uint64 {
	h := fnv.New64a()
	h.Write([]byte(k.Stage))
	h.Write([]byte{0, k.TableID})
	h.Write([]byte{byte(k.Priority >> 8), byte(k.Priority)})
	h.Write([]byte(k.Match))
	h.Write([]byte{0})
	h.Write([]byte(k.Actions))
	h.Write([]byte{0})
	h.Write([]byte(k.CtrlMeter))
	return h.Sum64()
}

// Entry is one deduplicated logical flow. DpBitmap holds the dense indexes
// of every datapath the flow applies to; the flow appears in the SB table
// iff the bitmap is non-empty.
type Entry struct {
	Key
	IOPort    string // io_port hint, "" when none
	StageHint string // source row uuid, debug only

	DpBitmap index.Bitmap
	dpGroup  *DPGroup

	hash    uint64
	refcnt  int
	sbUUID  string // assigned on first sync
}

// SBUUID returns the SB row uuid once the entry has been synced, or "".
func (e *Entry) SBUUID() string { return e.sbUUID }

// RefCount returns the number of refs owning the entry.
func (e *Entry) RefCount() int { return e.refcnt }

// DPGroup is a deduplicated set of datapath indexes shared by many lflows.
type DPGroup struct {
	Bitmap index.Bitmap
	SBUUID string // assigned on first sync
	refcnt int
}

func (g *DPGroup) RefCount() int { return g.refcnt }

// Ref is a named handle owned by an upstream resource (a port, a load
// balancer, a datapath) over the lflows it generated. Clearing the ref
// reverses the resource's contribution.
type Ref struct {
	name    string
	table   *Table
	entries map[*Entry]struct{}
}

func (r *Ref) Name() string { return r.name }

// Clear detaches every owned entry, freeing entries whose refcount drops to
// zero. Runs only in the serial phase.
func (r *Ref) Clear() {
	for e := range r.entries {
		e.refcnt--
		if e.refcnt == 0 {
			r.table.remove(e)
		}
	}
	r.entries = make(map[*Entry]struct{})
}

// Len returns the number of owned entries.
func (r *Ref) Len() int { return len(r.entries) }

// Table is the shared lflow table. During a parallel build, insertions take
// a stripe lock chosen by hash; no two stripe locks are ever held at once.
// The bucket array is pre-sized before workers start and rebalanced once
// after they finish, so the locked fast path never moves buckets.
type Table struct {
	buckets [][]*Entry
	mask    uint64
	count   int64
	maxSeen int // high-water mark, used to pre-size the next build

	parallel bool
	locks    [LockStripes]sync.Mutex

	dpGroups map[string]*DPGroup

	// defaultRef owns entries added without an explicit ref; cleared when
	// the table is rebuilt from scratch.
	defaultRef *Ref
}

func NewTable() *Table {
	t := &Table{
		buckets:  make([][]*Entry, defaultBuckets),
		mask:     defaultBuckets - 1,
		dpGroups: make(map[string]*DPGroup),
	}
	t.defaultRef = t.NewRef("")
	return t
}

// NewRef creates a named ref bound to this table.
func (t *Table) NewRef(name string) *Ref {
	return &Ref{name: name, table: t, entries: make(map[*Entry]struct{})}
}

// Len returns the number of live entries.
func (t *Table) Len() int { return int(atomic.LoadInt64(&t.count)) }

// BeginBuild prepares the table for a build pass. With parallel true the
// bucket array is pre-sized to the previous high-water mark so the striped
// fast path never needs to grow it.
func (t *Table) BeginBuild(parallel bool) {
	t.parallel = parallel
	if !parallel {
		return
	}
	want := nextPow2(t.maxSeen + t.maxSeen/2)
	if want > len(t.buckets) {
		t.rehash(want)
	}
}

// EndBuild leaves parallel mode and rebalances the bucket array once.
func (t *Table) EndBuild() {
	t.parallel = false
	if t.Len() > t.maxSeen {
		t.maxSeen = t.Len()
	}
	want := nextPow2(t.Len())
	if want > len(t.buckets) {
		t.rehash(want)
	}
}

func nextPow2(n int) int {
	p := defaultBuckets
	for p < n {
		p <<= 1
	}
	return p
}

func (t *Table) rehash(size int) {
	old := t.buckets
	t.buckets = make([][]*Entry, size)
	t.mask = uint64(size - 1)
	for _, bucket := range old {
		for _, e := range bucket {
			slot := e.hash & t.mask
			t.buckets[slot] = append(t.buckets[slot], e)
		}
	}
}

// AddFlow records that key applies to the single datapath index dp. See
// AddFlowToGroup for the bitmap form.
func (t *Table) AddFlow(key Key, ioPort, stageHint string, dp int, ref *Ref) *Entry {
	var bm index.Bitmap
	bm.Set(dp)
	return t.AddFlowToGroup(key, ioPort, stageHint, bm, ref)
}

// AddFlowToGroup records that key applies to every datapath in dps. On a
// hash hit the datapath set is unioned into the existing entry; on a miss a
// new entry is inserted. The ref (the table's own ref when nil) is attached
// unless it already owns the entry.
func (t *Table) AddFlowToGroup(key Key, ioPort, stageHint string, dps index.Bitmap, ref *Ref) *Entry {
	if ref == nil {
		ref = t.defaultRef
	}
	h := key.hash()
	if t.parallel {
		lock := &t.locks[h&(LockStripes-1)]
		lock.Lock()
		defer lock.Unlock()
	}
	e := t.lookupLocked(h, &key)
	if e == nil {
		e = &Entry{Key: key, IOPort: ioPort, StageHint: stageHint, hash: h}
		slot := h & t.mask
		t.buckets[slot] = append(t.buckets[slot], e)
		atomic.AddInt64(&t.count, 1)
	}
	e.DpBitmap.Union(dps)
	if _, owned := ref.entries[e]; !owned {
		ref.entries[e] = struct{}{}
		e.refcnt++
	}
	return e
}

// Lookup finds the live entry for key, or nil.
func (t *Table) Lookup(key *Key) *Entry {
	return t.lookupLocked(key.hash(), key)
}

func (t *Table) lookupLocked(h uint64, key *Key) *Entry {
	for _, e := range t.buckets[h&t.mask] {
		if e.hash == h && e.Key == *key {
			return e
		}
	}
	return nil
}

// ForEach iterates the live entries.
func (t *Table) ForEach(fn func(*Entry)) {
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			fn(e)
		}
	}
}

// Reset drops every entry and group; the next build starts from an empty
// table. The pre-size high-water mark survives.
func (t *Table) Reset() {
	t.buckets = make([][]*Entry, len(t.buckets))
	atomic.StoreInt64(&t.count, 0)
	t.dpGroups = make(map[string]*DPGroup)
	t.defaultRef = t.NewRef("")
}

func (t *Table) remove(e *Entry) {
	slot := e.hash & t.mask
	bucket := t.buckets[slot]
	for i, cur := range bucket {
		if cur == e {
			t.buckets[slot] = append(bucket[:i], bucket[i+1:]...)
			atomic.AddInt64(&t.count, -1)
			break
		}
	}
	t.releaseGroup(e)
}

func (t *Table) releaseGroup(e *Entry) {
	if e.dpGroup == nil {
		return
	}
	e.dpGroup.refcnt--
	if e.dpGroup.refcnt == 0 {
		delete(t.dpGroups, e.dpGroup.Bitmap.Key())
	}
	e.dpGroup = nil
}

// findGroup searches the in-memory dp-group table by (popcount, bitmap).
func (t *Table) findGroup(bm index.Bitmap) *DPGroup {
	return t.dpGroups[bm.Key()]
}

func (t *Table) insertGroup(bm index.Bitmap, sbUUID string) *DPGroup {
	g := &DPGroup{Bitmap: bm.Clone(), SBUUID: sbUUID}
	t.dpGroups[g.Bitmap.Key()] = g
	return g
}

// groupClaimed reports whether any in-memory group already references the
// given SB row.
func (t *Table) groupClaimed(sbUUID string) bool {
	for _, g := range t.dpGroups {
		if g.SBUUID == sbUUID {
			return true
		}
	}
	return false
}
