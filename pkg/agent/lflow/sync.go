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

package lflow

import (
	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/uuid"

	"github.com/everflow/everflow/pkg/agent/index"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
)

// DatapathMap translates between dense datapath indexes and SB datapath
// binding uuids. runtime_data owns the authoritative mapping.
type DatapathMap interface {
	UUIDOf(idx int) (string, bool)
	IndexOf(uuid string) (int, bool)
}

// SyncToSB reconciles the in-memory table against the SB Logical_Flow and
// Logical_DP_Group tables, emitting the difference into txn. SB rows with no
// in-memory counterpart are deleted; unseen in-memory entries are inserted.
// An entry whose bitmap has exactly one bit attaches to that datapath
// directly; anything wider goes through a datapath group.
func (t *Table) SyncToSB(sb *sbdb.DB, txn *idl.Txn, dps DatapathMap) {
	seen := make(map[*Entry]bool, t.count)

	lfTable := sb.Table(sbdb.TableLogicalFlow)
	lfTable.ForEach(func(r idl.Row) {
		row := r.(*sbdb.LogicalFlow)
		key := Key{
			Stage:     row.ExternalIDs["stage-name"],
			Pipeline:  row.Pipeline,
			TableID:   uint8(row.Table),
			Priority:  uint16(row.Priority),
			Match:     row.Match,
			Actions:   row.Actions,
			CtrlMeter: row.ControllerMeter,
		}
		e := t.Lookup(&key)
		if e == nil || seen[e] || e.DpBitmap.Empty() {
			txn.Delete(sbdb.TableLogicalFlow, row.UUID())
			return
		}
		seen[e] = true
		e.sbUUID = row.UUID()
		t.syncEntryRow(sb, txn, e, row.Copy().(*sbdb.LogicalFlow), dps)
	})

	t.ForEach(func(e *Entry) {
		if seen[e] || e.DpBitmap.Empty() {
			return
		}
		e.sbUUID = string(uuid.NewUUID())
		row := &sbdb.LogicalFlow{
			UUID_:           e.sbUUID,
			Pipeline:        e.Pipeline,
			Table:           int64(e.TableID),
			Priority:        int64(e.Priority),
			Match:           e.Match,
			Actions:         e.Actions,
			ControllerMeter: e.CtrlMeter,
			ExternalIDs:     map[string]string{"stage-name": e.Stage},
		}
		if e.StageHint != "" {
			row.ExternalIDs["stage-hint"] = e.StageHint
		}
		t.attachDatapaths(sb, txn, e, row, dps)
		txn.Insert(sbdb.TableLogicalFlow, row)
	})

	t.pruneGroups(sb, txn)
}

// syncEntryRow updates an existing SB row in place where its datapath
// attachment, metadata, or hints drifted from the in-memory entry.
func (t *Table) syncEntryRow(sb *sbdb.DB, txn *idl.Txn, e *Entry, row *sbdb.LogicalFlow, dps DatapathMap) {
	dirty := false
	if row.ExternalIDs == nil {
		row.ExternalIDs = make(map[string]string)
	}
	if hint := row.ExternalIDs["stage-hint"]; hint != e.StageHint {
		if e.StageHint == "" {
			delete(row.ExternalIDs, "stage-hint")
		} else {
			row.ExternalIDs["stage-hint"] = e.StageHint
		}
		dirty = true
	}

	if single := e.DpBitmap.Single(); single >= 0 {
		dpUUID, ok := dps.UUIDOf(single)
		if !ok {
			log.Errorf("Logical flow %s references unknown datapath index %d", e.sbUUID, single)
			return
		}
		if row.LogicalDatapath != dpUUID || row.LogicalDPGroup != "" {
			row.LogicalDatapath = dpUUID
			row.LogicalDPGroup = ""
			t.releaseGroup(e)
			dirty = true
		}
	} else {
		g := t.ensureGroup(sb, txn, e, row.LogicalDPGroup, dps)
		if row.LogicalDPGroup != g.SBUUID || row.LogicalDatapath != "" {
			row.LogicalDPGroup = g.SBUUID
			row.LogicalDatapath = ""
			dirty = true
		}
	}
	if dirty {
		txn.Update(sbdb.TableLogicalFlow, row)
	}
}

func (t *Table) attachDatapaths(sb *sbdb.DB, txn *idl.Txn, e *Entry, row *sbdb.LogicalFlow, dps DatapathMap) {
	if single := e.DpBitmap.Single(); single >= 0 {
		if dpUUID, ok := dps.UUIDOf(single); ok {
			row.LogicalDatapath = dpUUID
		}
		return
	}
	g := t.ensureGroup(sb, txn, e, "", dps)
	row.LogicalDPGroup = g.SBUUID
}

// ensureGroup resolves the datapath group for an entry's bitmap:
// reuse an in-memory group with the same (popcount, bitmap); else rewrite
// the SB row the lflow currently references, provided its bitmap differs and
// no other in-memory group has claimed it; else insert a fresh SB row.
func (t *Table) ensureGroup(sb *sbdb.DB, txn *idl.Txn, e *Entry, currentSBGroup string, dps DatapathMap) *DPGroup {
	if e.dpGroup != nil && e.dpGroup.Bitmap.Equal(e.DpBitmap) {
		return e.dpGroup
	}
	t.releaseGroup(e)

	if g := t.findGroup(e.DpBitmap); g != nil {
		g.refcnt++
		e.dpGroup = g
		if g.SBUUID == "" {
			g.SBUUID = string(uuid.NewUUID())
			txn.Insert(sbdb.TableLogicalDPGroup, t.groupRow(g, dps))
		}
		return g
	}

	if currentSBGroup != "" && !t.groupClaimed(currentSBGroup) {
		if row := sb.Table(sbdb.TableLogicalDPGroup).Get(currentSBGroup); row != nil {
			sbBitmap := t.rowBitmap(row.(*sbdb.LogicalDPGroup), dps)
			if !sbBitmap.Equal(e.DpBitmap) {
				g := t.insertGroup(e.DpBitmap, currentSBGroup)
				g.refcnt = 1
				e.dpGroup = g
				txn.Update(sbdb.TableLogicalDPGroup, t.groupRow(g, dps))
				return g
			}
			g := t.insertGroup(e.DpBitmap, currentSBGroup)
			g.refcnt = 1
			e.dpGroup = g
			return g
		}
	}

	g := t.insertGroup(e.DpBitmap, string(uuid.NewUUID()))
	g.refcnt = 1
	e.dpGroup = g
	txn.Insert(sbdb.TableLogicalDPGroup, t.groupRow(g, dps))
	return g
}

func (t *Table) groupRow(g *DPGroup, dps DatapathMap) *sbdb.LogicalDPGroup {
	row := &sbdb.LogicalDPGroup{UUID_: g.SBUUID}
	g.Bitmap.ForEach(func(bit int) {
		if dpUUID, ok := dps.UUIDOf(bit); ok {
			row.Datapaths = append(row.Datapaths, dpUUID)
		}
	})
	return row
}

func (t *Table) rowBitmap(row *sbdb.LogicalDPGroup, dps DatapathMap) index.Bitmap {
	var bm index.Bitmap
	for _, dpUUID := range row.Datapaths {
		if idx, ok := dps.IndexOf(dpUUID); ok {
			bm.Set(idx)
		}
	}
	return bm
}

// pruneGroups deletes SB dp-group rows no in-memory group claims.
func (t *Table) pruneGroups(sb *sbdb.DB, txn *idl.Txn) {
	claimed := make(map[string]bool, len(t.dpGroups))
	for _, g := range t.dpGroups {
		claimed[g.SBUUID] = true
	}
	sb.Table(sbdb.TableLogicalDPGroup).ForEach(func(r idl.Row) {
		if !claimed[r.UUID()] {
			txn.Delete(sbdb.TableLogicalDPGroup, r.UUID())
		}
	})
}
