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

package flowout

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/agent/index"
	"github.com/everflow/everflow/pkg/agent/lflow"
	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
)

// MgrTracked is the lflow_mgr per-iteration delta: SB logical flows whose
// table entries were created or refreshed this round.
type MgrTracked struct {
	Crupdated sets.String
}

func NewMgrTracked() *MgrTracked {
	t := &MgrTracked{}
	t.Clear()
	return t
}

func (t *MgrTracked) Clear() { t.Crupdated = sets.NewString() }

// Mgr is the lflow_mgr node: it owns the shared lflow table, scoped to the
// datapaths local to this chassis, and keeps the SB-row-to-entry mapping the
// translator needs.
type Mgr struct {
	sb *sbdb.DB
	rt *runtime.Data

	table    *lflow.Table
	byUUID   map[string]*lflow.Entry
	refs     map[string]*lflow.Ref // per local datapath
	parallel bool
	Tracked  *MgrTracked

	onChanged func()
}

func NewMgr(sb *sbdb.DB, rt *runtime.Data) *Mgr {
	return &Mgr{
		sb:      sb,
		rt:      rt,
		table:   lflow.NewTable(),
		byUUID:  make(map[string]*lflow.Entry),
		refs:    make(map[string]*lflow.Ref),
		Tracked: NewMgrTracked(),
	}
}

// OnChanged registers the engine-updated callback.
func (m *Mgr) OnChanged(fn func()) { m.onChanged = fn }

func (m *Mgr) markChanged() {
	if m.onChanged != nil {
		m.onChanged()
	}
}

// Table exposes the shared lflow table for sync_to_sb.
func (m *Mgr) Table() *lflow.Table { return m.table }

// SetParallel opts the rebuild into the striped-lock build path.
func (m *Mgr) SetParallel(parallel bool) { m.parallel = parallel }

// Entry resolves the table entry generated from an SB logical flow row.
func (m *Mgr) Entry(uuid string) *lflow.Entry { return m.byUUID[uuid] }

// Run rebuilds the table from every SB logical flow scoped to a local
// datapath.
func (m *Mgr) Run() error {
	m.table.Reset()
	m.byUUID = make(map[string]*lflow.Entry)
	m.refs = make(map[string]*lflow.Ref)
	for dpUUID := range m.rt.Datapaths() {
		m.refs[dpUUID] = m.table.NewRef(dpUUID)
	}

	m.table.BeginBuild(m.parallel)
	m.sb.Table(sbdb.TableLogicalFlow).ForEach(func(r idl.Row) {
		m.addRow(r.(*sbdb.LogicalFlow))
	})
	m.table.EndBuild()
	m.markChanged()
	return nil
}

// localScope returns the dense indexes of the local datapaths a row applies
// to, as (dp uuid, index) pairs.
func (m *Mgr) localScope(row *sbdb.LogicalFlow) map[string]int {
	scope := make(map[string]int)
	add := func(dpUUID string) {
		if idx, ok := m.rt.IndexOf(dpUUID); ok {
			scope[dpUUID] = idx
		}
	}
	if row.LogicalDatapath != "" {
		add(row.LogicalDatapath)
	}
	if row.LogicalDPGroup != "" {
		if g := m.sb.Table(sbdb.TableLogicalDPGroup).Get(row.LogicalDPGroup); g != nil {
			for _, dpUUID := range g.(*sbdb.LogicalDPGroup).Datapaths {
				add(dpUUID)
			}
		}
	}
	return scope
}

func (m *Mgr) addRow(row *sbdb.LogicalFlow) {
	scope := m.localScope(row)
	if len(scope) == 0 {
		return
	}
	key := lflow.Key{
		Stage:     row.ExternalIDs["stage-name"],
		Pipeline:  row.Pipeline,
		TableID:   uint8(row.Table),
		Priority:  uint16(row.Priority),
		Match:     row.Match,
		Actions:   row.Actions,
		CtrlMeter: row.ControllerMeter,
	}
	ioPort := row.ExternalIDs["io-port"]
	var entry *lflow.Entry
	for dpUUID, idx := range scope {
		ref := m.refs[dpUUID]
		if ref == nil {
			ref = m.table.NewRef(dpUUID)
			m.refs[dpUUID] = ref
		}
		entry = m.table.AddFlow(key, ioPort, row.UUID(), idx, ref)
	}
	m.byUUID[row.UUID()] = entry
	m.Tracked.Crupdated.Insert(row.UUID())
}

// DropDatapath reverses every contribution of one datapath's ref; entries
// that lose their last reference vanish from the table.
func (m *Mgr) DropDatapath(dpUUID string) {
	if ref := m.refs[dpUUID]; ref != nil {
		ref.Clear()
		delete(m.refs, dpUUID)
		m.markChanged()
	}
}

// HandleSBChange folds tracked SB logical-flow rows in. Row updates and
// deletions reshape existing entries in ways only a rebuild untangles;
// creations append incrementally.
func (m *Mgr) HandleSBChange() (bool, error) {
	handled := true
	m.sb.Table(sbdb.TableLogicalFlow).ForEachTracked(func(tr *idl.TrackedRow) {
		switch tr.Change {
		case idl.RowNew:
			m.addRow(tr.Row.(*sbdb.LogicalFlow))
			m.markChanged()
		default:
			handled = false
		}
	})
	return handled, nil
}

// HandleRuntimeChange reacts to datapath locality changes: removed
// datapaths drop their ref; added datapaths need their flows picked up,
// which only a rebuild does.
func (m *Mgr) HandleRuntimeChange() (bool, error) {
	tracked := m.rt.Tracked
	if tracked.CreatedDatapaths.Len() > 0 {
		return false, nil
	}
	for _, dpUUID := range tracked.DeletedDatapaths.List() {
		m.DropDatapath(dpUUID)
	}
	return true, nil
}

// LocalBitmap returns a bitmap of every local datapath, for flows that
// apply chassis-wide.
func (m *Mgr) LocalBitmap() index.Bitmap {
	var bm index.Bitmap
	for _, dp := range m.rt.Datapaths() {
		bm.Set(dp.Index)
	}
	return bm
}
