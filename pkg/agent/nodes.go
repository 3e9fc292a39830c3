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

package agent

import (
	"github.com/everflow/everflow/pkg/agent/ctzone"
	"github.com/everflow/everflow/pkg/agent/engine"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// Engine node names. The registry below is the table-driven replacement for
// per-table generated node declarations.
//nolint
const (
	NodeSBChassis       = "sb_chassis"
	NodeSBEncap         = "sb_encap"
	NodeSBDatapath      = "sb_datapath_binding"
	NodeSBPortBinding   = "sb_port_binding"
	NodeSBLogicalFlow   = "sb_logical_flow"
	NodeSBMacBinding    = "sb_mac_binding"
	NodeSBMulticast     = "sb_multicast_group"
	NodeSBLoadBalancer  = "sb_load_balancer"
	NodeSBAddressSet    = "sb_address_set"
	NodeSBPortGroup     = "sb_port_group"
	NodeOvsInterface    = "ovs_interface"
	NodeOvsBridge       = "ovs_bridge"
	NodeAddrSets        = "addr_sets"
	NodePortGroups      = "port_groups"
	NodeOfctrlConnected = "ofctrl_is_connected"
	NodeRuntimeData     = "runtime_data"
	NodeCtZones         = "ct_zones"
	NodeMffGeneve       = "mff_ovn_geneve"
	NodeLflowMgr        = "lflow_mgr"
	NodeFlowOutput      = "flow_output"
)

// adapterNode builds an input-less node whose run flags whether the backing
// table moved since the previous iteration.
func (c *Controller) adapterNode(name string, table *idl.Table) engine.NodeSpec {
	var lastSeqno uint64
	return engine.NodeSpec{
		Name: name,
		Run: func() error {
			if seq := table.Seqno(); seq != lastSeqno {
				lastSeqno = seq
				c.engine.MarkChanged(name)
			}
			return nil
		},
	}
}

func (c *Controller) buildEngine() (*engine.Engine, error) {
	mark := func(name string) func() {
		return func() { c.engine.MarkChanged(name) }
	}
	c.rt.OnChanged(mark(NodeRuntimeData))
	c.mgr.OnChanged(mark(NodeLflowMgr))
	c.fo.OnChanged(mark(NodeFlowOutput))
	c.addrSets.OnChanged(mark(NodeAddrSets))
	c.portGroups.OnChanged(mark(NodePortGroups))

	var lastConnected bool
	var lastMetaField string

	specs := []engine.NodeSpec{
		c.adapterNode(NodeSBChassis, c.sb.Table(sbdb.TableChassis)),
		c.adapterNode(NodeSBEncap, c.sb.Table(sbdb.TableEncap)),
		c.adapterNode(NodeSBDatapath, c.sb.Table(sbdb.TableDatapathBinding)),
		c.adapterNode(NodeSBPortBinding, c.sb.Table(sbdb.TablePortBinding)),
		c.adapterNode(NodeSBLogicalFlow, c.sb.Table(sbdb.TableLogicalFlow)),
		c.adapterNode(NodeSBMacBinding, c.sb.Table(sbdb.TableMacBinding)),
		c.adapterNode(NodeSBMulticast, c.sb.Table(sbdb.TableMulticastGroup)),
		c.adapterNode(NodeSBLoadBalancer, c.sb.Table(sbdb.TableLoadBalancer)),
		c.adapterNode(NodeSBAddressSet, c.sb.Table(sbdb.TableAddressSet)),
		c.adapterNode(NodeSBPortGroup, c.sb.Table(sbdb.TablePortGroup)),
		c.adapterNode(NodeOvsInterface, c.ovs.Table(vswitchd.TableInterface)),
		c.adapterNode(NodeOvsBridge, c.ovs.Table(vswitchd.TableBridge)),
		{
			Name: NodeOfctrlConnected,
			Run: func() error {
				if connected := c.channel.Connected(); connected != lastConnected {
					lastConnected = connected
					c.engine.MarkChanged(NodeOfctrlConnected)
				}
				return nil
			},
		},
		{
			Name:    NodeAddrSets,
			Run:     c.addrSets.Run,
			Tracked: c.addrSets.Tracked,
			Inputs: []engine.InputSpec{
				{Source: NodeSBAddressSet, Handler: c.addrSets.HandleChange},
			},
		},
		{
			Name:    NodePortGroups,
			Run:     c.portGroups.Run,
			Tracked: c.portGroups.Tracked,
			Inputs: []engine.InputSpec{
				{Source: NodeSBPortGroup, Handler: c.portGroups.HandleChange},
			},
		},
		{
			Name:    NodeRuntimeData,
			Run:     c.rt.Run,
			Tracked: c.rt.Tracked,
			Inputs: []engine.InputSpec{
				{Source: NodeOvsInterface, Handler: c.rt.HandleInterfaceChange},
				{Source: NodeSBPortBinding, Handler: c.rt.HandlePortBindingChange},
				{Source: NodeSBLoadBalancer, Handler: c.rt.HandleLoadBalancerChange},
				{Source: NodeSBChassis},
				{Source: NodeSBEncap},
				{Source: NodeSBDatapath},
			},
		},
		{
			Name: NodeCtZones,
			Run: func() error {
				desired := c.rt.LocalPortNames()
				for _, lr := range c.rt.LocalRouterIDs().List() {
					desired.Insert(ctzone.DnatUser(lr), ctzone.SnatUser(lr))
				}
				if c.zones.Run(desired) {
					c.engine.MarkChanged(NodeCtZones)
				}
				return nil
			},
			Inputs: []engine.InputSpec{
				{Source: NodeRuntimeData},
				{Source: NodeOvsBridge},
			},
		},
		{
			Name: NodeMffGeneve,
			Run: func() error {
				field := "tun_id"
				for _, tun := range c.rt.Tunnels() {
					if tun.Type == "geneve" {
						field = "tun_metadata0"
						break
					}
				}
				if field != lastMetaField {
					lastMetaField = field
					c.fo.EncapMetaField = field
					c.engine.MarkChanged(NodeMffGeneve)
				}
				return nil
			},
			Inputs: []engine.InputSpec{
				{Source: NodeRuntimeData},
			},
		},
		{
			Name:    NodeLflowMgr,
			Run:     c.mgr.Run,
			Tracked: c.mgr.Tracked,
			Inputs: []engine.InputSpec{
				{Source: NodeSBLogicalFlow, Handler: c.mgr.HandleSBChange},
				{Source: NodeRuntimeData, Handler: c.mgr.HandleRuntimeChange},
			},
		},
		{
			Name: NodeFlowOutput,
			Run:  c.fo.Run,
			Inputs: []engine.InputSpec{
				{Source: NodeLflowMgr, Handler: c.fo.HandleLflowChange},
				{Source: NodeRuntimeData, Handler: c.fo.HandleRuntimeChange},
				// A port-binding row change can affect logical-flow
				// translation through attributes none of the indirect
				// edges track (options, tunnel keys, type); such deltas
				// are never handled incrementally and always fall back to
				// a full run.
				{Source: NodeSBPortBinding, Handler: func() (bool, error) { return false, nil }},
				{Source: NodeAddrSets, Handler: c.fo.HandleAddressSetChange},
				{Source: NodePortGroups, Handler: c.fo.HandlePortGroupChange},
				{Source: NodeSBMacBinding, Handler: c.fo.HandleMacBindingChange},
				{Source: NodeSBMulticast, Handler: c.fo.HandleMulticastChange},
				{Source: NodeCtZones},
				{Source: NodeMffGeneve},
				// Connection state does not change the desired flows.
				{Source: NodeOfctrlConnected, Handler: func() (bool, error) { return true, nil }},
			},
		},
	}
	c.mgr.SetParallel(c.cfg.ParallelLflowBuild)
	return engine.New(NodeFlowOutput, specs)
}
