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

package constants

import "time"

//nolint
const (
	DefaultBridgeName   = "br-int"
	DefaultOvsRunDir    = "/var/run/openvswitch"
	OvsdbDomainSock     = "/var/run/openvswitch/db.sock"
	MgmtSockSuffix      = "mgmt"
	DefaultUnixctlSock  = "everflow-controller.ctl"
	DefaultSBProbe      = 5000 * time.Millisecond
	DefaultOFProbe      = 5 * time.Second
	DefaultLoopInterval = 500 * time.Millisecond
)

//nolint
const (
	// external-ids keys on the open_vswitch table
	OvsCfgSystemID       = "system-id"
	OvsCfgBridge         = "ovn-bridge"
	OvsCfgRemote         = "ovn-remote"
	OvsCfgRemoteProbe    = "ovn-remote-probe-interval"
	OvsCfgOpenflowProbe  = "ovn-openflow-probe-interval"
	OvsCfgMonitorAll     = "ovn-monitor-all"
	OvsCfgTransportZones = "ovn-transport-zones"
	OvsCfgBrDatapathType = "ovn-bridge-datapath-type"
	OvsCfgEncapType      = "ovn-encap-type"
	OvsCfgEncapIP        = "ovn-encap-ip"

	// external-ids keys on the integration bridge
	BridgeCtZonePrefix = "ct-zone-"

	// external-ids keys on vswitch interfaces
	IfaceIDKey = "iface-id"
)

//nolint
const (
	// per port-binding option keys
	PBOptPlugType       = "plug-type"
	PBOptPlugMTURequest = "plug-mtu-request"
	PBOptRequestedChs   = "requested-chassis"
	PBOptPeer           = "peer"

	// NB-propagated option keys on SB rows
	OptMacBindingAgeThreshold = "mac_binding_age_threshold"
	OptMacBindingRemovalLimit = "mac_binding_removal_limit"
)

//nolint
const (
	MaxCtZones  = 65536
	CtZoneMin   = 1 // zone 0 reserved
	ExitSuccess = 0
	ExitFatal   = 1
)
