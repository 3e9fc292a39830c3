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

// Package flowout composes the desired OpenFlow table for the integration
// bridge from the shared lflow table (logical translation) and the physical
// topology (tunnels, patch ports, multicast distribution). Address sets and
// port groups are expanded symbolically, with a reverse index from set name
// to generated flows so a set delta invalidates only what referenced it.
package flowout

import (
	"fmt"

	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/agent/ctzone"
	"github.com/everflow/everflow/pkg/agent/namedset"
	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// Pipeline table layout on the integration bridge.
//nolint
const (
	TableClassify     = 0  // physical input classification
	TableIngressBase  = 8  // + logical stage table
	TableOutputRemote = 32 // remote chassis via tunnel
	TableOutputMcast  = 33 // multicast distribution
	TableCheckLoop    = 34 // loopback suppression
	TableEgressBase   = 40 // + logical stage table
	TablePhyOutput    = 65 // reg15 -> ofport
	TableMacIn        = 66 // neighbor rewrite, to-router direction
	TableMacOut       = 67 // neighbor rewrite, from-router direction
)

// Register allocation: reg13 conntrack zone, reg14 logical inport key,
// reg15 logical outport key; OVS metadata carries the datapath tunnel key.

type cacheEntry struct {
	cookie uint64
	names  sets.String
}

// Data is the flow_output node state.
type Data struct {
	sb         *sbdb.DB
	rt         *runtime.Data
	mgr        *Mgr
	addrSets   *namedset.Sets
	portGroups *namedset.Sets
	zones      *ctzone.Map
	ovs        *vswitchd.DB // nil until SetVswitchDB

	// EncapMetaField is the field carrying the datapath identity on the
	// wire; chosen by the mff_ovn_geneve node.
	EncapMetaField string

	Desired *ofexec.DesiredFlows

	// cache maps SB lflow uuid -> its translation record; nameRefs maps a
	// named set to the lflow uuids whose matches referenced it.
	cache    map[string]*cacheEntry
	nameRefs map[string]sets.String

	// tunnelOfPort resolves a tunnel's local ofport; overridable in tests.
	tunnelOfPort func(*runtime.Tunnel) (int64, bool)

	onChanged func()
}

func New(sb *sbdb.DB, rt *runtime.Data, mgr *Mgr, addrSets, portGroups *namedset.Sets, zones *ctzone.Map) *Data {
	d := &Data{
		sb:             sb,
		rt:             rt,
		mgr:            mgr,
		addrSets:       addrSets,
		portGroups:     portGroups,
		zones:          zones,
		EncapMetaField: "tun_id",
		Desired:        ofexec.NewDesiredFlows(),
		cache:          make(map[string]*cacheEntry),
		nameRefs:       make(map[string]sets.String),
	}
	d.tunnelOfPort = d.lookupTunnelOfPort
	return d
}

// OnChanged registers the engine-updated callback.
func (d *Data) OnChanged(fn func()) { d.onChanged = fn }

func (d *Data) markChanged() {
	if d.onChanged != nil {
		d.onChanged()
	}
}

// Run fully rebuilds the desired flow table: logical translation of every
// lflow table entry plus the physical flows.
func (d *Data) Run() error {
	d.Desired = ofexec.NewDesiredFlows()
	d.cache = make(map[string]*cacheEntry)
	d.nameRefs = make(map[string]sets.String)

	d.runLogical()
	d.runPhysical()
	d.markChanged()
	return nil
}

func (d *Data) runLogical() {
	seen := sets.NewString()
	d.sb.Table(sbdb.TableLogicalFlow).ForEach(func(r idl.Row) {
		row := r.(*sbdb.LogicalFlow)
		if seen.Has(row.UUID()) {
			return
		}
		seen.Insert(row.UUID())
		d.translateLflow(row.UUID())
	})
}

// translateLflow translates one SB logical flow into OpenFlow entries for
// every local datapath it is scoped to.
func (d *Data) translateLflow(uuid string) {
	entry := d.mgr.Entry(uuid)
	if entry == nil {
		return
	}
	cookie := ofexec.CookieOf(uuid)
	rec := &cacheEntry{cookie: cookie, names: sets.NewString()}

	base := uint8(TableIngressBase)
	outputTable := uint8(TableOutputRemote)
	if entry.Pipeline == "egress" {
		base = TableEgressBase
		outputTable = TablePhyOutput
	}
	table := base + entry.TableID

	entry.DpBitmap.ForEach(func(bit int) {
		dpUUID, ok := d.rt.UUIDOf(bit)
		if !ok {
			return
		}
		dp := d.rt.Datapaths()[dpUUID]
		if dp == nil {
			return
		}
		portKey := d.portKeyResolver(dp)

		expr, err := d.translateMatch(entry.Match, portKey)
		if err != nil {
			// Structural violation in input: skip this flow, keep the
			// named-set references for later invalidation.
			log.Debugf("Skipping lflow %s on %s: %v", uuid, dpUUID, err)
			if expr != nil {
				rec.names = rec.names.Union(expr.names)
			}
			return
		}
		rec.names = rec.names.Union(expr.names)

		ctx := &actionContext{
			nextTable:   table + 1,
			outputTable: outputTable,
			portKey:     portKey,
			ctZone:      d.zoneOf(entry.IOPort, dp),
		}
		actions, err := translateActions(entry.Actions, ctx)
		if err != nil {
			log.Debugf("Skipping lflow %s on %s: %v", uuid, dpUUID, err)
			return
		}

		for _, match := range expr.matches {
			d.Desired.Add(&ofexec.Flow{
				Cookie:    cookie,
				Table:     table,
				Priority:  entry.Priority,
				Match:     joinMatch(fmt.Sprintf("metadata=0x%x", dp.TunnelKey), splitTokens(match)),
				Actions:   actions,
				CtrlMeter: entry.CtrlMeter,
			})
		}
	})

	d.cache[uuid] = rec
	for _, name := range rec.names.List() {
		refs := d.nameRefs[name]
		if refs == nil {
			refs = sets.NewString()
			d.nameRefs[name] = refs
		}
		refs.Insert(uuid)
	}
}

func splitTokens(match string) []string {
	if match == "" {
		return nil
	}
	var toks []string
	start := 0
	for i := 0; i <= len(match); i++ {
		if i == len(match) || match[i] == ',' {
			toks = append(toks, match[start:i])
			start = i + 1
		}
	}
	return toks
}

// portKeyResolver resolves logical port names within a datapath (or its
// patch peers) to tunnel keys.
func (d *Data) portKeyResolver(dp *runtime.LocalDatapath) func(string) (int64, bool) {
	return func(name string) (int64, bool) {
		pb := d.sb.PortBindingByName(name)
		if pb == nil {
			return 0, false
		}
		return pb.TunnelKey, true
	}
}

func (d *Data) zoneOf(ioPort string, dp *runtime.LocalDatapath) int {
	if ioPort != "" {
		if z := d.zones.Zone(ioPort); z >= 0 {
			return z
		}
	}
	if dp.IsRouter {
		if z := d.zones.Zone(ctzone.DnatUser(dp.UUID)); z >= 0 {
			return z
		}
	}
	return 0
}

// invalidateName reverses the contribution of every lflow that referenced a
// named set and re-translates it against the current set contents.
func (d *Data) invalidateName(name string) {
	refs := d.nameRefs[name]
	if refs == nil {
		return
	}
	delete(d.nameRefs, name)
	for _, uuid := range refs.List() {
		if rec, ok := d.cache[uuid]; ok {
			d.Desired.RemoveByCookie(rec.cookie)
			delete(d.cache, uuid)
			for _, n := range rec.names.List() {
				if other := d.nameRefs[n]; other != nil {
					other.Delete(uuid)
				}
			}
		}
		d.translateLflow(uuid)
	}
	d.markChanged()
}

// HandleAddressSetChange applies the address-set name deltas by invalidating
// only the flows that referenced each changed name.
func (d *Data) HandleAddressSetChange() (bool, error) {
	return d.handleNamedSetChange(d.addrSets.Tracked)
}

// HandlePortGroupChange mirrors HandleAddressSetChange for port groups.
func (d *Data) HandlePortGroupChange() (bool, error) {
	return d.handleNamedSetChange(d.portGroups.Tracked)
}

func (d *Data) handleNamedSetChange(tracked *namedset.Tracked) (bool, error) {
	for _, name := range tracked.Deleted.List() {
		d.invalidateName(name)
	}
	for _, name := range tracked.Updated.List() {
		d.invalidateName(name)
	}
	for _, name := range tracked.New.List() {
		d.invalidateName(name)
	}
	return true, nil
}

// HandleLflowChange translates lflow table entries created this iteration.
func (d *Data) HandleLflowChange() (bool, error) {
	for _, uuid := range d.mgr.Tracked.Crupdated.List() {
		if _, done := d.cache[uuid]; done {
			continue
		}
		d.translateLflow(uuid)
		d.markChanged()
	}
	return true, nil
}

// HandleRuntimeChange re-runs physical translation for the bindings that
// moved. A port-binding change can in principle also affect logical-flow
// generation; those cases are not handled here and reach the recompute path
// through flow_output's sb_port_binding input, whose handler always declines.
func (d *Data) HandleRuntimeChange() (bool, error) {
	tracked := d.rt.Tracked
	if tracked.CreatedDatapaths.Len() > 0 || tracked.DeletedDatapaths.Len() > 0 {
		return false, nil
	}
	for _, pb := range tracked.DeletedPorts {
		d.Desired.RemoveByCookie(ofexec.CookieOf(pb.UUID()))
		d.markChanged()
	}
	redo := make(map[string]*sbdb.PortBinding)
	for name, pb := range tracked.CreatedPorts {
		redo[name] = pb
	}
	for name, pb := range tracked.UpdatedPorts {
		redo[name] = pb
	}
	for _, pb := range redo {
		d.Desired.RemoveByCookie(ofexec.CookieOf(pb.UUID()))
		d.physicalForBinding(pb)
		d.markChanged()
	}
	return true, nil
}

// HandleMacBindingChange recomputes the neighbor flows of the routers whose
// MAC bindings moved.
func (d *Data) HandleMacBindingChange() (bool, error) {
	d.sb.Table(sbdb.TableMacBinding).ForEachTracked(func(tr *idl.TrackedRow) {
		mb := tr.Row.(*sbdb.MacBinding)
		d.Desired.RemoveByCookie(ofexec.CookieOf(mb.UUID()))
		if tr.Change != idl.RowDeleted {
			d.neighborFlows(mb)
		}
		d.markChanged()
	})
	return true, nil
}

// HandleMulticastChange re-runs physical multicast for the changed groups.
func (d *Data) HandleMulticastChange() (bool, error) {
	d.sb.Table(sbdb.TableMulticastGroup).ForEachTracked(func(tr *idl.TrackedRow) {
		mg := tr.Row.(*sbdb.MulticastGroup)
		d.Desired.RemoveByCookie(ofexec.CookieOf(mg.UUID()))
		if dp := d.rt.Datapaths()[mg.Datapath]; dp != nil {
			delete(d.Desired.Groups, uint32(dp.Index)<<16|uint32(mg.TunnelKey))
		}
		if tr.Change != idl.RowDeleted {
			d.multicastFlows(mg)
		}
		d.markChanged()
	})
	return true, nil
}
