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
	"fmt"

	log "github.com/Sirupsen/logrus"

	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

//nolint
const (
	PrioPhysical = 100
	PrioTunnel   = 100
	PrioDefault  = 0
)

// runPhysical rebuilds the physical half of the table: classification and
// output for local bindings, tunnel flows per remote chassis, multicast
// groups, and neighbor rewrite flows from MAC bindings.
func (d *Data) runPhysical() {
	for _, lb := range d.rt.Bindings() {
		if lb.State == runtime.ReleasePending || lb.State == runtime.Released {
			continue
		}
		row := d.sb.Table(sbdb.TablePortBinding).Get(lb.PB)
		if row == nil {
			continue
		}
		d.physicalForBinding(row.(*sbdb.PortBinding))
	}

	d.sb.Table(sbdb.TablePortBinding).ForEach(func(r idl.Row) {
		pb := r.(*sbdb.PortBinding)
		if _, local := d.rt.Datapaths()[pb.Datapath]; !local {
			return
		}
		if pb.Chassis == "" || d.isOurChassis(pb.Chassis) {
			return
		}
		d.remoteOutputFlows(pb)
	})

	d.sb.Table(sbdb.TableMulticastGroup).ForEach(func(r idl.Row) {
		mg := r.(*sbdb.MulticastGroup)
		if _, local := d.rt.Datapaths()[mg.Datapath]; local {
			d.multicastFlows(mg)
		}
	})

	d.sb.Table(sbdb.TableMacBinding).ForEach(func(r idl.Row) {
		mb := r.(*sbdb.MacBinding)
		if _, local := d.rt.Datapaths()[mb.Datapath]; local {
			d.neighborFlows(mb)
		}
	})
}

func (d *Data) isOurChassis(chassisUUID string) bool {
	row := d.sb.Table(sbdb.TableChassis).Get(chassisUUID)
	if row == nil {
		return false
	}
	return row.(*sbdb.Chassis).Name == d.rt.ChassisName()
}

// physicalForBinding emits the classification and local-output flows of one
// locally bound port.
func (d *Data) physicalForBinding(pb *sbdb.PortBinding) {
	lb := d.rt.Bindings()[pb.LogicalPort]
	if lb == nil || lb.OfPort <= 0 {
		return
	}
	dp := d.rt.Datapaths()[pb.Datapath]
	if dp == nil {
		return
	}
	cookie := ofexec.CookieOf(pb.UUID())
	zone := d.zones.Zone(pb.LogicalPort)
	if zone < 0 {
		zone = 0
	}

	d.Desired.Add(&ofexec.Flow{
		Cookie:   cookie,
		Table:    TableClassify,
		Priority: PrioPhysical,
		Match:    fmt.Sprintf("in_port=%d", lb.OfPort),
		Actions: fmt.Sprintf("load:0x%x->metadata,load:0x%x->reg14,load:0x%x->reg13,resubmit(,%d)",
			dp.TunnelKey, pb.TunnelKey, zone, TableIngressBase),
	})
	d.Desired.Add(&ofexec.Flow{
		Cookie:   cookie,
		Table:    TablePhyOutput,
		Priority: PrioPhysical,
		Match:    fmt.Sprintf("metadata=0x%x,reg15=0x%x", dp.TunnelKey, pb.TunnelKey),
		Actions:  fmt.Sprintf("output:%d", lb.OfPort),
	})
}

// remoteOutputFlows steers traffic for a port bound on another chassis into
// its tunnel.
func (d *Data) remoteOutputFlows(pb *sbdb.PortBinding) {
	chRow := d.sb.Table(sbdb.TableChassis).Get(pb.Chassis)
	if chRow == nil {
		return
	}
	tun := d.rt.Tunnels()[chRow.(*sbdb.Chassis).Name]
	if tun == nil {
		return
	}
	ofport, ok := d.tunnelOfPort(tun)
	if !ok {
		log.Debugf("No tunnel interface towards %s yet", tun.ChassisName)
		return
	}
	dp := d.rt.Datapaths()[pb.Datapath]
	if dp == nil {
		return
	}
	d.Desired.Add(&ofexec.Flow{
		Cookie:   ofexec.CookieOf(pb.UUID()),
		Table:    TableOutputRemote,
		Priority: PrioTunnel,
		Match:    fmt.Sprintf("metadata=0x%x,reg15=0x%x", dp.TunnelKey, pb.TunnelKey),
		Actions: fmt.Sprintf("load:0x%x->%s,output:%d",
			uint64(dp.TunnelKey)<<16|uint64(pb.TunnelKey), d.EncapMetaField, ofport),
	})
}

// lookupTunnelOfPort finds the vswitch interface realizing a tunnel by
// remote address and encap type.
func (d *Data) lookupTunnelOfPort(tun *runtime.Tunnel) (int64, bool) {
	var ofport int64
	found := false
	d.vswitchForEachInterface(func(iface *vswitchd.Interface) {
		if found || iface.Type != tun.Type {
			return
		}
		if iface.Options["remote_ip"] != tun.IP {
			return
		}
		if iface.OfPort > 0 {
			ofport = iface.OfPort
			found = true
		}
	})
	return ofport, found
}

func (d *Data) vswitchForEachInterface(fn func(*vswitchd.Interface)) {
	if d.ovs == nil {
		return
	}
	d.ovs.Table(vswitchd.TableInterface).ForEach(func(r idl.Row) {
		fn(r.(*vswitchd.Interface))
	})
}

// SetVswitchDB wires the local database the tunnel lookup scans.
func (d *Data) SetVswitchDB(ovs *vswitchd.DB) { d.ovs = ovs }

// multicastFlows emits the group entry and the distribution flow of one
// multicast group.
func (d *Data) multicastFlows(mg *sbdb.MulticastGroup) {
	dp := d.rt.Datapaths()[mg.Datapath]
	if dp == nil {
		return
	}
	groupID := uint32(dp.Index)<<16 | uint32(mg.TunnelKey)
	var buckets []string
	for _, pbUUID := range mg.Ports {
		row := d.sb.Table(sbdb.TablePortBinding).Get(pbUUID)
		if row == nil {
			continue
		}
		pb := row.(*sbdb.PortBinding)
		if _, bound := d.rt.Bindings()[pb.LogicalPort]; !bound {
			continue
		}
		buckets = append(buckets,
			fmt.Sprintf("load:0x%x->reg15,resubmit(,%d)", pb.TunnelKey, TablePhyOutput))
	}
	if len(buckets) == 0 {
		return
	}
	d.Desired.Groups[groupID] = &ofexec.Group{ID: groupID, Type: "all", Buckets: buckets}
	d.Desired.Add(&ofexec.Flow{
		Cookie:   ofexec.CookieOf(mg.UUID()),
		Table:    TableOutputMcast,
		Priority: PrioPhysical,
		Match:    fmt.Sprintf("metadata=0x%x,reg15=0x%x", dp.TunnelKey, mg.TunnelKey),
		Actions:  fmt.Sprintf("group:%d", groupID),
	})
}

// neighborFlows emits the two per-direction rewrite flows of one MAC
// binding; the ager expects exactly this pair under the binding's cookie.
func (d *Data) neighborFlows(mb *sbdb.MacBinding) {
	dp := d.rt.Datapaths()[mb.Datapath]
	if dp == nil {
		return
	}
	cookie := ofexec.CookieOf(mb.UUID())
	d.Desired.Add(&ofexec.Flow{
		Cookie:   cookie,
		Table:    TableMacIn,
		Priority: PrioPhysical,
		Match:    fmt.Sprintf("metadata=0x%x,ip,nw_dst=%s", dp.TunnelKey, mb.IP),
		Actions:  fmt.Sprintf("mod_dl_dst:%s,resubmit(,%d)", mb.MAC, TableMacOut),
	})
	d.Desired.Add(&ofexec.Flow{
		Cookie:   cookie,
		Table:    TableMacOut,
		Priority: PrioPhysical,
		Match:    fmt.Sprintf("metadata=0x%x,ip,nw_src=%s", dp.TunnelKey, mb.IP),
		Actions:  fmt.Sprintf("resubmit(,%d)", TableEgressBase),
	})
}
