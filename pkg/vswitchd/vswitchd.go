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

// Package vswitchd holds the local Open_vSwitch database schema rows.
package vswitchd

import (
	"github.com/everflow/everflow/pkg/idl"
)

//nolint
const (
	TableOpenVSwitch = "Open_vSwitch"
	TableBridge      = "Bridge"
	TablePort        = "Port"
	TableInterface   = "Interface"

	IndexName = "name"
)

type OpenVSwitch struct {
	UUID_       string
	ExternalIDs map[string]string
	OtherConfig map[string]string
	CurCfg      int64
}

func (o *OpenVSwitch) UUID() string { return o.UUID_ }
func (o *OpenVSwitch) Copy() idl.Row {
	c := *o
	c.ExternalIDs = copyMap(o.ExternalIDs)
	c.OtherConfig = copyMap(o.OtherConfig)
	return &c
}

type Bridge struct {
	UUID_        string
	Name         string
	DatapathType string
	ExternalIDs  map[string]string
	Ports        []string // Port uuids
}

func (b *Bridge) UUID() string { return b.UUID_ }
func (b *Bridge) Copy() idl.Row {
	c := *b
	c.ExternalIDs = copyMap(b.ExternalIDs)
	c.Ports = append([]string(nil), b.Ports...)
	return &c
}

type Port struct {
	UUID_       string
	Name        string
	Interfaces  []string // Interface uuids
	ExternalIDs map[string]string
}

func (p *Port) UUID() string { return p.UUID_ }
func (p *Port) Copy() idl.Row {
	c := *p
	c.Interfaces = append([]string(nil), p.Interfaces...)
	c.ExternalIDs = copyMap(p.ExternalIDs)
	return &c
}

type Interface struct {
	UUID_       string
	Name        string
	Type        string
	OfPort      int64             // -1 while the port has no ofport assigned
	ExternalIDs map[string]string // iface-id
	Options     map[string]string
	MTURequest  int64
	Error       string
}

func (i *Interface) UUID() string { return i.UUID_ }
func (i *Interface) Copy() idl.Row {
	c := *i
	c.ExternalIDs = copyMap(i.ExternalIDs)
	c.Options = copyMap(i.Options)
	return &c
}

// IfaceID returns the logical port this interface plugs, or "".
func (i *Interface) IfaceID() string { return i.ExternalIDs["iface-id"] }

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

// DB wraps the generic idl database with the local vswitch schema.
type DB struct {
	*idl.DB
}

func NewDB() *DB {
	db := &DB{DB: idl.NewDB("Open_vSwitch")}
	for _, name := range []string{TableOpenVSwitch, TableBridge, TablePort, TableInterface} {
		db.AddTable(idl.NewTable(name))
	}
	db.Table(TableBridge).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*Bridge).Name
	})
	db.Table(TableInterface).AddIndex(IndexName, func(r idl.Row) string {
		return r.(*Interface).Name
	})
	return db
}

// Root returns the singleton Open_vSwitch row, or nil before it is seen.
func (db *DB) Root() *OpenVSwitch {
	var root *OpenVSwitch
	db.Table(TableOpenVSwitch).ForEach(func(r idl.Row) {
		root = r.(*OpenVSwitch)
	})
	return root
}

// BridgeByName resolves a bridge row, or nil.
func (db *DB) BridgeByName(name string) *Bridge {
	row := db.Table(TableBridge).LookupOne(IndexName, name)
	if row == nil {
		return nil
	}
	return row.(*Bridge)
}

// InterfaceByName resolves an interface row, or nil.
func (db *DB) InterfaceByName(name string) *Interface {
	row := db.Table(TableInterface).LookupOne(IndexName, name)
	if row == nil {
		return nil
	}
	return row.(*Interface)
}
