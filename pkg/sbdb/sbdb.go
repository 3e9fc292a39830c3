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

// Package sbdb holds the Southbound database schema rows and the typed
// accessors the engine nodes read through.
package sbdb

import (
	"fmt"

	"github.com/everflow/everflow/pkg/idl"
)

//nolint
const (
	TableChassis         = "Chassis"
	TableEncap           = "Encap"
	TableDatapathBinding = "Datapath_Binding"
	TablePortBinding     = "Port_Binding"
	TableLogicalFlow     = "Logical_Flow"
	TableLogicalDPGroup  = "Logical_DP_Group"
	TableMulticastGroup  = "Multicast_Group"
	TableMacBinding      = "MAC_Binding"
	TableAddressSet      = "Address_Set"
	TablePortGroup       = "Port_Group"
	TableLoadBalancer    = "Load_Balancer"
	TableSBGlobal        = "SB_Global"
)

//nolint
const (
	IndexName         = "name"
	IndexKey          = "key"
	IndexDatapath     = "datapath"
	IndexNameDatapath = "name-datapath"
	IndexLportIP      = "lport-ip"
	IndexChassis      = "chassis"
)

// Port binding types understood by the binding engine.
//nolint
const (
	PBTypeVIF             = ""
	PBTypePatch           = "patch"
	PBTypeL3Gateway       = "l3gateway"
	PBTypeLocalnet        = "localnet"
	PBTypeChassisRedirect = "chassisredirect"
	PBTypeExternal        = "external"
	PBTypeRemote          = "remote"
)

type Chassis struct {
	UUID_          string
	Name           string
	Hostname       string
	Encaps         []string // Encap row uuids
	NbCfg          int64
	OtherConfig    map[string]string
	TransportZones []string
}

func (c *Chassis) UUID() string { return c.UUID_ }
func (c *Chassis) Copy() idl.Row {
	o := *c
	o.Encaps = append([]string(nil), c.Encaps...)
	o.OtherConfig = copyMap(c.OtherConfig)
	o.TransportZones = append([]string(nil), c.TransportZones...)
	return &o
}

type Encap struct {
	UUID_       string
	Type        string // geneve / vxlan / stt
	IP          string
	ChassisName string
	Options     map[string]string
}

func (e *Encap) UUID() string { return e.UUID_ }
func (e *Encap) Copy() idl.Row {
	o := *e
	o.Options = copyMap(e.Options)
	return &o
}

type DatapathBinding struct {
	UUID_       string
	TunnelKey   int64
	ExternalIDs map[string]string // name, logical-switch / logical-router uuid
}

func (d *DatapathBinding) UUID() string { return d.UUID_ }
func (d *DatapathBinding) Copy() idl.Row {
	o := *d
	o.ExternalIDs = copyMap(d.ExternalIDs)
	return &o
}

// IsRouter reports whether the datapath backs a logical router.
func (d *DatapathBinding) IsRouter() bool {
	_, ok := d.ExternalIDs["logical-router"]
	return ok
}

func (d *DatapathBinding) Name() string { return d.ExternalIDs["name"] }

type PortBinding struct {
	UUID_            string
	LogicalPort      string
	Datapath         string // DatapathBinding uuid
	TunnelKey        int64
	Type             string
	Options          map[string]string
	MAC              []string
	Chassis          string // Chassis uuid, "" when unbound
	RequestedChassis string // Chassis name
	Up               bool
	NatAddresses     []string
	HaChassisGroup   string
	ExternalIDs      map[string]string
}

func (p *PortBinding) UUID() string { return p.UUID_ }
func (p *PortBinding) Copy() idl.Row {
	o := *p
	o.Options = copyMap(p.Options)
	o.MAC = append([]string(nil), p.MAC...)
	o.NatAddresses = append([]string(nil), p.NatAddresses...)
	o.ExternalIDs = copyMap(p.ExternalIDs)
	return &o
}

type LogicalFlow struct {
	UUID_           string
	LogicalDatapath string // DatapathBinding uuid, or ""
	LogicalDPGroup  string // LogicalDPGroup uuid, or ""
	Pipeline        string // ingress / egress
	Table           int64
	Priority        int64
	Match           string
	Actions         string
	ControllerMeter string
	ExternalIDs     map[string]string // stage-name, stage-hint
}

func (f *LogicalFlow) UUID() string { return f.UUID_ }
func (f *LogicalFlow) Copy() idl.Row {
	o := *f
	o.ExternalIDs = copyMap(f.ExternalIDs)
	return &o
}

type LogicalDPGroup struct {
	UUID_     string
	Datapaths []string // DatapathBinding uuids
}

func (g *LogicalDPGroup) UUID() string { return g.UUID_ }
func (g *LogicalDPGroup) Copy() idl.Row {
	o := *g
	o.Datapaths = append([]string(nil), g.Datapaths...)
	return &o
}

type MulticastGroup struct {
	UUID_     string
	Name      string
	Datapath  string
	TunnelKey int64
	Ports     []string // PortBinding uuids
}

func (m *MulticastGroup) UUID() string { return m.UUID_ }
func (m *MulticastGroup) Copy() idl.Row {
	o := *m
	o.Ports = append([]string(nil), m.Ports...)
	return &o
}

type MacBinding struct {
	UUID_       string
	LogicalPort string
	IP          string
	MAC         string
	Datapath    string
	Timestamp   int64
}

func (m *MacBinding) UUID() string { return m.UUID_ }
func (m *MacBinding) Copy() idl.Row {
	o := *m
	return &o
}

type AddressSet struct {
	UUID_     string
	Name      string
	Addresses []string
}

func (a *AddressSet) UUID() string { return a.UUID_ }
func (a *AddressSet) Copy() idl.Row {
	o := *a
	o.Addresses = append([]string(nil), a.Addresses...)
	return &o
}

type PortGroup struct {
	UUID_ string
	Name  string
	Ports []string // logical port names
}

func (p *PortGroup) UUID() string { return p.UUID_ }
func (p *PortGroup) Copy() idl.Row {
	o := *p
	o.Ports = append([]string(nil), p.Ports...)
	return &o
}

type LoadBalancer struct {
	UUID_     string
	Name      string
	VIPs      map[string]string // vip -> backends
	Protocol  string
	Datapaths []string
	Options   map[string]string
}

func (l *LoadBalancer) UUID() string { return l.UUID_ }
func (l *LoadBalancer) Copy() idl.Row {
	o := *l
	o.VIPs = copyMap(l.VIPs)
	o.Datapaths = append([]string(nil), l.Datapaths...)
	o.Options = copyMap(l.Options)
	return &o
}

type SBGlobal struct {
	UUID_   string
	NbCfg   int64
	Options map[string]string
}

func (g *SBGlobal) UUID() string { return g.UUID_ }
func (g *SBGlobal) Copy() idl.Row {
	o := *g
	o.Options = copyMap(g.Options)
	return &o
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	o := make(map[string]string, len(m))
	for k, v := range m {
		o[k] = v
	}
	return o
}

// DB wraps the generic idl database with the SB schema: all tables plus the
// secondary indexes the engine depends on.
type DB struct {
	*idl.DB
}

func NewDB() *DB {
	db := &DB{DB: idl.NewDB("OVN_Southbound")}
	for _, name := range []string{
		TableChassis, TableEncap, TableDatapathBinding, TablePortBinding,
		TableLogicalFlow, TableLogicalDPGroup, TableMulticastGroup,
		TableMacBinding, TableAddressSet, TablePortGroup, TableLoadBalancer,
		TableSBGlobal,
	} {
		db.AddTable(idl.NewTable(name))
	}

	db.Table(TableChassis).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*Chassis).Name
	})
	db.Table(TablePortBinding).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*PortBinding).LogicalPort
	})
	db.Table(TablePortBinding).AddIndex(IndexDatapath, func(r idl.Row) string {
		return r.(*PortBinding).Datapath
	})
	db.Table(TablePortBinding).AddIndex(IndexKey, func(r idl.Row) string {
		p := r.(*PortBinding)
		return fmt.Sprintf("%s/%d", p.Datapath, p.TunnelKey)
	})
	db.Table(TableDatapathBinding).AddIndex(IndexKey, func(r idl.Row) string {
		return fmt.Sprintf("%d", r.(*DatapathBinding).TunnelKey)
	})
	db.Table(TableLogicalFlow).AddIndex(IndexDatapath, func(r idl.Row) string {
		return r.(*LogicalFlow).LogicalDatapath
	})
	db.Table(TableMulticastGroup).AddIndex(IndexNameDatapath, func(r idl.Row) string {
		m := r.(*MulticastGroup)
		return m.Name + "/" + m.Datapath
	})
	db.Table(TableMacBinding).AddIndex(IndexLportIP, func(r idl.Row) string {
		m := r.(*MacBinding)
		return m.LogicalPort + "/" + m.IP
	})
	db.Table(TableMacBinding).AddIndex(IndexDatapath, func(r idl.Row) string {
		return r.(*MacBinding).Datapath
	})
	db.Table(TableAddressSet).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*AddressSet).Name
	})
	db.Table(TablePortGroup).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*PortGroup).Name
	})
	return db
}

// ChassisByName resolves a chassis row by its name, or nil.
func (db *DB) ChassisByName(name string) *Chassis {
	row := db.Table(TableChassis).LookupOne(IndexName, name)
	if row == nil {
		return nil
	}
	return row.(*Chassis)
}

// PortBindingByName resolves a port binding by logical port name, or nil.
func (db *DB) PortBindingByName(lport string) *PortBinding {
	row := db.Table(TablePortBinding).LookupOne(IndexName, lport)
	if row == nil {
		return nil
	}
	return row.(*PortBinding)
}

// PortBindingsByDatapath lists the bindings on one datapath.
func (db *DB) PortBindingsByDatapath(dp string) []*PortBinding {
	rows := db.Table(TablePortBinding).Lookup(IndexDatapath, dp)
	out := make([]*PortBinding, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.(*PortBinding))
	}
	return out
}

// Datapath returns the datapath binding row, or nil.
func (db *DB) Datapath(uuid string) *DatapathBinding {
	row := db.Table(TableDatapathBinding).Get(uuid)
	if row == nil {
		return nil
	}
	return row.(*DatapathBinding)
}

// Global returns the singleton SB_Global row, or nil before it is seen.
func (db *DB) Global() *SBGlobal {
	var g *SBGlobal
	db.Table(TableSBGlobal).ForEach(func(r idl.Row) {
		g = r.(*SBGlobal)
	})
	return g
}
