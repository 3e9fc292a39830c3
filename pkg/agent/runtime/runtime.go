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

// Package runtime builds the chassis-local view: which logical datapaths are
// relevant here, which logical ports are bound to local vswitch interfaces,
// and which tunnels are active. Binding claims and releases run through a
// small state machine sequenced against the SB transaction.
package runtime

import (
	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/agent/index"
	"github.com/everflow/everflow/pkg/constants"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// BindingState is the claim state of one local binding.
type BindingState int

//nolint
const (
	Unclaimed BindingState = iota
	ClaimPending
	Claimed
	ReleasePending
	Released
)

func (s BindingState) String() string {
	switch s {
	case Unclaimed:
		return "unclaimed"
	case ClaimPending:
		return "claim-pending"
	case Claimed:
		return "claimed"
	case ReleasePending:
		return "release-pending"
	case Released:
		return "released"
	}
	return "unknown"
}

// LocalBinding associates a vswitch interface, an iface-id, and a SB port
// binding.
type LocalBinding struct {
	IfaceID   string
	IfaceName string
	OfPort    int64
	PB        string // PortBinding uuid
	State     BindingState
}

// LocalDatapath is a logical datapath relevant to this chassis: either a
// port on it is bound here, or it is reachable from such a datapath over
// patch-port hops.
type LocalDatapath struct {
	UUID      string
	TunnelKey int64
	Index     int
	IsRouter  bool

	// Peers maps local patch PB uuid -> remote PB uuid.
	Peers         map[string]string
	LocalnetPort  string // PB uuid, "" when none
	ExternalPorts sets.String
	LocalPorts    sets.String // logical port names bound here
}

// Tunnel is an active encap towards another chassis.
type Tunnel struct {
	ChassisName string
	Type        string
	IP          string
}

// Tracked is the per-iteration delta runtime_data publishes downstream.
type Tracked struct {
	CreatedPorts map[string]*sbdb.PortBinding
	UpdatedPorts map[string]*sbdb.PortBinding
	DeletedPorts map[string]*sbdb.PortBinding

	CreatedDatapaths sets.String
	DeletedDatapaths sets.String

	UpdatedLBs map[string]*LBDelta
	DeletedLBs sets.String
}

// LBDelta carries the VIP-level change of one crupdated load balancer.
type LBDelta struct {
	InsertedVIPs sets.String
	DeletedVIPs  sets.String
}

func NewTracked() *Tracked {
	t := &Tracked{}
	t.Clear()
	return t
}

func (t *Tracked) Clear() {
	t.CreatedPorts = make(map[string]*sbdb.PortBinding)
	t.UpdatedPorts = make(map[string]*sbdb.PortBinding)
	t.DeletedPorts = make(map[string]*sbdb.PortBinding)
	t.CreatedDatapaths = sets.NewString()
	t.DeletedDatapaths = sets.NewString()
	t.UpdatedLBs = make(map[string]*LBDelta)
	t.DeletedLBs = sets.NewString()
}

// Empty reports whether the delta carries nothing.
func (t *Tracked) Empty() bool {
	return len(t.CreatedPorts) == 0 && len(t.UpdatedPorts) == 0 &&
		len(t.DeletedPorts) == 0 && t.CreatedDatapaths.Len() == 0 &&
		t.DeletedDatapaths.Len() == 0 && len(t.UpdatedLBs) == 0 &&
		t.DeletedLBs.Len() == 0
}

// Data is the runtime_data node state.
type Data struct {
	chassisName string
	sb          *sbdb.DB
	ovs         *vswitchd.DB

	alloc     index.Allocator
	dpByUUID  map[string]*LocalDatapath
	dpByIndex map[int]*LocalDatapath
	// prevIndexes keeps surviving datapaths on their dense index across a
	// rebuild, so bitmaps held by downstream nodes stay valid.
	prevIndexes map[string]int

	bindings map[string]*LocalBinding // by iface-id
	tunnels  map[string]*Tunnel       // by chassis name

	transportZones sets.String

	Tracked *Tracked

	onChanged func()
}

func New(chassisName string, sb *sbdb.DB, ovs *vswitchd.DB, transportZones []string) *Data {
	return &Data{
		chassisName:    chassisName,
		sb:             sb,
		ovs:            ovs,
		dpByUUID:       make(map[string]*LocalDatapath),
		dpByIndex:      make(map[int]*LocalDatapath),
		bindings:       make(map[string]*LocalBinding),
		tunnels:        make(map[string]*Tunnel),
		transportZones: sets.NewString(transportZones...),
		Tracked:        NewTracked(),
	}
}

// OnChanged registers the callback used to flag the engine node updated.
func (d *Data) OnChanged(fn func()) { d.onChanged = fn }

func (d *Data) markChanged() {
	if d.onChanged != nil {
		d.onChanged()
	}
}

// ChassisName returns the local chassis identity.
func (d *Data) ChassisName() string { return d.chassisName }

// Datapaths returns the local datapath set keyed by SB uuid.
func (d *Data) Datapaths() map[string]*LocalDatapath { return d.dpByUUID }

// Bindings returns the local bindings keyed by iface-id.
func (d *Data) Bindings() map[string]*LocalBinding { return d.bindings }

// Tunnels returns the active tunnels keyed by remote chassis name.
func (d *Data) Tunnels() map[string]*Tunnel { return d.tunnels }

// UUIDOf implements lflow.DatapathMap.
func (d *Data) UUIDOf(idx int) (string, bool) {
	dp, ok := d.dpByIndex[idx]
	if !ok {
		return "", false
	}
	return dp.UUID, true
}

// IndexOf implements lflow.DatapathMap.
func (d *Data) IndexOf(uuid string) (int, bool) {
	dp, ok := d.dpByUUID[uuid]
	if !ok {
		return 0, false
	}
	return dp.Index, true
}

// LocalPortNames returns every logical port name bound on this chassis.
func (d *Data) LocalPortNames() sets.String {
	names := sets.NewString()
	for _, dp := range d.dpByUUID {
		names = names.Union(dp.LocalPorts)
	}
	return names
}

// LocalRouterIDs returns the datapath uuids of local logical routers, the
// ct-zone allocator's dnat/snat users derive from these.
func (d *Data) LocalRouterIDs() sets.String {
	ids := sets.NewString()
	for _, dp := range d.dpByUUID {
		if dp.IsRouter {
			ids.Insert(dp.UUID)
		}
	}
	return ids
}

// requestableHere decides whether this chassis may claim the binding.
func (d *Data) requestableHere(pb *sbdb.PortBinding) bool {
	switch pb.Type {
	case sbdb.PBTypeVIF, sbdb.PBTypeExternal, sbdb.PBTypeL3Gateway:
	default:
		return false
	}
	requested := pb.RequestedChassis
	if requested == "" {
		requested = pb.Options[constants.PBOptRequestedChs]
	}
	return requested == "" || requested == d.chassisName
}

// Run fully rebuilds the local view from the SB and vswitch caches. The
// claim states of surviving bindings are preserved; everything else is
// recomputed.
func (d *Data) Run() error {
	prevBindings := d.bindings
	prevDatapaths := d.dpByUUID

	d.prevIndexes = make(map[string]int, len(prevDatapaths))
	for uuid, dp := range prevDatapaths {
		d.prevIndexes[uuid] = dp.Index
	}
	d.bindings = make(map[string]*LocalBinding)
	d.dpByUUID = make(map[string]*LocalDatapath)
	d.dpByIndex = make(map[int]*LocalDatapath)

	// Pass 1: local interfaces carrying an iface-id.
	d.ovs.Table(vswitchd.TableInterface).ForEach(func(r idl.Row) {
		iface := r.(*vswitchd.Interface)
		ifaceID := iface.IfaceID()
		if ifaceID == "" || iface.OfPort <= 0 {
			return
		}
		pb := d.sb.PortBindingByName(ifaceID)
		if pb == nil || !d.requestableHere(pb) {
			return
		}
		lb := prevBindings[ifaceID]
		if lb == nil {
			lb = &LocalBinding{IfaceID: ifaceID, State: Unclaimed}
		}
		lb.IfaceName = iface.Name
		lb.OfPort = iface.OfPort
		lb.PB = pb.UUID()
		if lb.State == Unclaimed || lb.State == Released {
			lb.State = ClaimPending
		}
		d.bindings[ifaceID] = lb
	})

	// Bindings whose interface went away move towards release.
	for ifaceID, lb := range prevBindings {
		if _, alive := d.bindings[ifaceID]; alive {
			continue
		}
		if d.sb.Table(sbdb.TablePortBinding).Get(lb.PB) == nil {
			// SB row is gone as well, nothing left to release.
			continue
		}
		if lb.State == Claimed || lb.State == ClaimPending {
			lb.State = ReleasePending
			d.bindings[ifaceID] = lb
		}
	}

	// Pass 2: datapath relevance, bound-here plus patch closure.
	bound := sets.NewString()
	for _, lb := range d.bindings {
		if lb.State == ReleasePending || lb.State == Released {
			continue
		}
		if pb := d.sb.Table(sbdb.TablePortBinding).Get(lb.PB); pb != nil {
			bound.Insert(pb.(*sbdb.PortBinding).Datapath)
		}
	}
	for _, dpUUID := range bound.List() {
		d.addDatapathClosure(dpUUID)
	}

	// Pass 3: per-datapath port roles.
	for _, dp := range d.dpByUUID {
		d.populateDatapath(dp)
	}

	d.rebuildTunnels()

	// Indexes of datapaths that stopped being relevant go back to the
	// arena.
	for uuid, idx := range d.prevIndexes {
		if _, alive := d.dpByUUID[uuid]; !alive {
			d.alloc.Free(idx)
		}
	}
	d.prevIndexes = nil

	d.diffTracked(prevBindings, prevDatapaths)
	d.markChanged()
	return nil
}

// addDatapathClosure makes dpUUID local and walks its patch peers.
func (d *Data) addDatapathClosure(dpUUID string) {
	if _, ok := d.dpByUUID[dpUUID]; ok {
		return
	}
	row := d.sb.Datapath(dpUUID)
	if row == nil {
		log.Errorf("Bound port references unknown datapath %s", dpUUID)
		return
	}
	dp := &LocalDatapath{
		UUID:          dpUUID,
		TunnelKey:     row.TunnelKey,
		IsRouter:      row.IsRouter(),
		Peers:         make(map[string]string),
		ExternalPorts: sets.NewString(),
		LocalPorts:    sets.NewString(),
	}
	if idx, ok := d.prevIndexes[dpUUID]; ok {
		dp.Index = idx
	} else {
		dp.Index = d.alloc.Alloc()
	}
	d.dpByUUID[dpUUID] = dp
	d.dpByIndex[dp.Index] = dp

	for _, pb := range d.sb.PortBindingsByDatapath(dpUUID) {
		if pb.Type != sbdb.PBTypePatch {
			continue
		}
		peerName := pb.Options[constants.PBOptPeer]
		if peerName == "" {
			continue
		}
		peer := d.sb.PortBindingByName(peerName)
		if peer == nil {
			continue
		}
		dp.Peers[pb.UUID()] = peer.UUID()
		d.addDatapathClosure(peer.Datapath)
	}
}

func (d *Data) populateDatapath(dp *LocalDatapath) {
	for _, pb := range d.sb.PortBindingsByDatapath(dp.UUID) {
		switch pb.Type {
		case sbdb.PBTypeLocalnet:
			if dp.LocalnetPort != "" && dp.LocalnetPort != pb.UUID() {
				log.Warnf("Datapath %s has more than one localnet port, keeping %s", dp.UUID, dp.LocalnetPort)
				continue
			}
			dp.LocalnetPort = pb.UUID()
		case sbdb.PBTypeExternal:
			dp.ExternalPorts.Insert(pb.UUID())
		}
		if lb, ok := d.bindings[pb.LogicalPort]; ok && lb.PB == pb.UUID() {
			if lb.State != ReleasePending && lb.State != Released {
				dp.LocalPorts.Insert(pb.LogicalPort)
			}
		}
	}
}

// rebuildTunnels derives the active tunnel set from the other chassis'
// encaps, filtered by shared transport zones.
func (d *Data) rebuildTunnels() {
	d.tunnels = make(map[string]*Tunnel)
	d.sb.Table(sbdb.TableChassis).ForEach(func(r idl.Row) {
		ch := r.(*sbdb.Chassis)
		if ch.Name == d.chassisName {
			return
		}
		if !d.sharesTransportZone(ch) {
			return
		}
		best := d.bestEncap(ch)
		if best == nil {
			return
		}
		d.tunnels[ch.Name] = &Tunnel{ChassisName: ch.Name, Type: best.Type, IP: best.IP}
	})
}

func (d *Data) sharesTransportZone(ch *sbdb.Chassis) bool {
	if d.transportZones.Len() == 0 && len(ch.TransportZones) == 0 {
		return true
	}
	if d.transportZones.Len() == 0 || len(ch.TransportZones) == 0 {
		return true
	}
	return d.transportZones.HasAny(ch.TransportZones...)
}

// bestEncap prefers geneve over anything else.
func (d *Data) bestEncap(ch *sbdb.Chassis) *sbdb.Encap {
	var best *sbdb.Encap
	for _, encapUUID := range ch.Encaps {
		row := d.sb.Table(sbdb.TableEncap).Get(encapUUID)
		if row == nil {
			continue
		}
		encap := row.(*sbdb.Encap)
		if best == nil || (encap.Type == "geneve" && best.Type != "geneve") {
			best = encap
		}
	}
	return best
}

func (d *Data) diffTracked(prevBindings map[string]*LocalBinding, prevDatapaths map[string]*LocalDatapath) {
	for ifaceID, lb := range d.bindings {
		pbRow := d.sb.Table(sbdb.TablePortBinding).Get(lb.PB)
		if pbRow == nil {
			continue
		}
		pb := pbRow.(*sbdb.PortBinding)
		if _, existed := prevBindings[ifaceID]; !existed {
			d.Tracked.CreatedPorts[ifaceID] = pb
		}
	}
	for ifaceID, prev := range prevBindings {
		if _, alive := d.bindings[ifaceID]; !alive {
			if row := d.sb.Table(sbdb.TablePortBinding).Get(prev.PB); row != nil {
				d.Tracked.DeletedPorts[ifaceID] = row.(*sbdb.PortBinding)
			}
		}
	}
	for uuid := range d.dpByUUID {
		if _, existed := prevDatapaths[uuid]; !existed {
			d.Tracked.CreatedDatapaths.Insert(uuid)
		}
	}
	for uuid := range prevDatapaths {
		if _, alive := d.dpByUUID[uuid]; !alive {
			d.Tracked.DeletedDatapaths.Insert(uuid)
		}
	}
}

// HandleInterfaceChange processes tracked vswitch interface deltas
// incrementally. Returns false when the topology moved in a way only a full
// rebuild can absorb (a datapath becoming local or irrelevant).
func (d *Data) HandleInterfaceChange() (bool, error) {
	handled := true
	d.ovs.Table(vswitchd.TableInterface).ForEachTracked(func(tr *idl.TrackedRow) {
		iface := tr.Row.(*vswitchd.Interface)
		ifaceID := iface.IfaceID()
		switch tr.Change {
		case idl.RowNew, idl.RowUpdated:
			if ifaceID == "" || iface.OfPort <= 0 {
				return
			}
			if _, known := d.bindings[ifaceID]; known {
				// ofport movement only; refresh in place.
				d.bindings[ifaceID].IfaceName = iface.Name
				d.bindings[ifaceID].OfPort = iface.OfPort
				d.markChanged()
				return
			}
			// A new binding may pull a datapath local: recompute.
			handled = false
		case idl.RowDeleted:
			if ifaceID == "" {
				return
			}
			lb, known := d.bindings[ifaceID]
			if !known {
				return
			}
			if lb.State == Claimed || lb.State == ClaimPending {
				lb.State = ReleasePending
				d.markChanged()
			}
			// Datapath relevance may have changed with the last port.
			handled = false
		}
	})
	return handled, nil
}

// HandlePortBindingChange processes tracked SB port-binding deltas. Claims
// and revocations affecting this chassis escalate to a rebuild; unrelated
// bindings are ignored.
func (d *Data) HandlePortBindingChange() (bool, error) {
	handled := true
	d.sb.Table(sbdb.TablePortBinding).ForEachTracked(func(tr *idl.TrackedRow) {
		pb := tr.Row.(*sbdb.PortBinding)
		lb := d.bindings[pb.LogicalPort]
		switch tr.Change {
		case idl.RowDeleted:
			if lb == nil {
				return
			}
			// SB delete drops the binding outright.
			lb.State = Released
			d.Tracked.DeletedPorts[pb.LogicalPort] = pb
			d.markChanged()
			handled = false // datapath relevance must be recomputed
		case idl.RowNew:
			if d.requestableHere(pb) {
				handled = false
			}
		case idl.RowUpdated:
			if lb == nil {
				if d.requestableHere(pb) {
					handled = false
				}
				return
			}
			ourUUID := d.chassisUUID()
			if pb.Chassis != "" && pb.Chassis != ourUUID && (lb.State == Claimed || lb.State == ClaimPending) {
				// Another chassis took the binding: revoke.
				lb.State = ReleasePending
				d.markChanged()
				handled = false
				return
			}
			d.Tracked.UpdatedPorts[pb.LogicalPort] = pb
			d.markChanged()
		}
	})
	return handled, nil
}

// HandleLoadBalancerChange publishes VIP-level load-balancer deltas for the
// flow translator.
func (d *Data) HandleLoadBalancerChange() (bool, error) {
	d.sb.Table(sbdb.TableLoadBalancer).ForEachTracked(func(tr *idl.TrackedRow) {
		lb := tr.Row.(*sbdb.LoadBalancer)
		switch tr.Change {
		case idl.RowDeleted:
			d.Tracked.DeletedLBs.Insert(lb.UUID())
		case idl.RowNew, idl.RowUpdated:
			delta := &LBDelta{InsertedVIPs: sets.NewString(), DeletedVIPs: sets.NewString()}
			var oldVIPs map[string]string
			if tr.Old != nil {
				oldVIPs = tr.Old.(*sbdb.LoadBalancer).VIPs
			}
			for vip := range lb.VIPs {
				if _, had := oldVIPs[vip]; !had {
					delta.InsertedVIPs.Insert(vip)
				}
			}
			for vip := range oldVIPs {
				if _, has := lb.VIPs[vip]; !has {
					delta.DeletedVIPs.Insert(vip)
				}
			}
			d.Tracked.UpdatedLBs[lb.UUID()] = delta
		}
		d.markChanged()
	})
	return true, nil
}

func (d *Data) chassisUUID() string {
	ch := d.sb.ChassisByName(d.chassisName)
	if ch == nil {
		return ""
	}
	return ch.UUID()
}

// CommitSB advances the claim state machine and emits the SB writes into
// txn. ofCaughtUp is whether the OpenFlow channel has acknowledged the flows
// of the claiming iteration. With SB read-only nothing is written and no
// state is lost; claim and release both traverse their PENDING state, so a
// same-iteration claim+release pair folds into at most one write.
func (d *Data) CommitSB(txn *idl.Txn, ofCaughtUp bool) {
	if d.sb.ReadOnly() {
		return
	}
	ourUUID := d.chassisUUID()
	if ourUUID == "" {
		// Chassis row not reinstated yet; precondition not met, defer.
		return
	}
	for ifaceID, lb := range d.bindings {
		row := d.sb.Table(sbdb.TablePortBinding).Get(lb.PB)
		if row == nil {
			lb.State = Released
			delete(d.bindings, ifaceID)
			continue
		}
		pb := row.Copy().(*sbdb.PortBinding)
		switch lb.State {
		case ClaimPending:
			if pb.Chassis != ourUUID {
				if pb.Chassis != "" {
					log.Infof("Claiming lport %s from chassis %s", pb.LogicalPort, pb.Chassis)
				}
				pb.Chassis = ourUUID
				pb.Up = false
				txn.Update(sbdb.TablePortBinding, pb)
				continue
			}
			if ofCaughtUp {
				lb.State = Claimed
				if !pb.Up {
					pb.Up = true
					txn.Update(sbdb.TablePortBinding, pb)
				}
				log.Infof("Claimed lport %s on iface %s", pb.LogicalPort, lb.IfaceName)
			}
		case ReleasePending:
			if pb.Chassis == ourUUID {
				pb.Chassis = ""
				pb.Up = false
				txn.Update(sbdb.TablePortBinding, pb)
				continue
			}
			lb.State = Released
			delete(d.bindings, ifaceID)
			log.Infof("Released lport %s", pb.LogicalPort)
		case Released:
			delete(d.bindings, ifaceID)
		}
	}
}
