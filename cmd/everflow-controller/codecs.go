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

package main

import (
	ovsdb "github.com/contiv/libovsdb"

	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// Raw ovsdb column helpers. The monitor delivers scalars as interface{},
// sets as OvsSet, maps as OvsMap.

func colString(columns map[string]interface{}, name string) string {
	if v, ok := columns[name].(string); ok {
		return v
	}
	return ""
}

func colInt(columns map[string]interface{}, name string, def int64) int64 {
	switch v := columns[name].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return def
}

func colBool(columns map[string]interface{}, name string) bool {
	if v, ok := columns[name].(bool); ok {
		return v
	}
	return false
}

func colStringSet(columns map[string]interface{}, name string) []string {
	var out []string
	add := func(elem interface{}) {
		switch e := elem.(type) {
		case string:
			out = append(out, e)
		case ovsdb.UUID:
			out = append(out, e.GoUuid)
		}
	}
	switch v := columns[name].(type) {
	case ovsdb.OvsSet:
		for _, elem := range v.GoSet {
			add(elem)
		}
	case string:
		out = append(out, v)
	case ovsdb.UUID:
		out = append(out, v.GoUuid)
	}
	return out
}

func colUUID(columns map[string]interface{}, name string) string {
	set := colStringSet(columns, name)
	if len(set) == 0 {
		return ""
	}
	return set[0]
}

func colStringMap(columns map[string]interface{}, name string) map[string]string {
	out := map[string]string{}
	if v, ok := columns[name].(ovsdb.OvsMap); ok {
		for k, val := range v.GoMap {
			ks, ok1 := k.(string)
			vs, ok2 := val.(string)
			if ok1 && ok2 {
				out[ks] = vs
			}
		}
	}
	return out
}

type codecFunc func(uuid string, columns map[string]interface{}) (idl.Row, error)

type codec struct {
	decode codecFunc
	encode func(idl.Row) map[string]interface{}
}

func (c codec) Decode(uuid string, columns map[string]interface{}) (idl.Row, error) {
	return c.decode(uuid, columns)
}

func (c codec) Encode(row idl.Row) map[string]interface{} {
	if c.encode == nil {
		return map[string]interface{}{}
	}
	return c.encode(row)
}

func toOvsMap(m map[string]string) ovsdb.OvsMap {
	raw := make(map[interface{}]interface{}, len(m))
	for k, v := range m {
		raw[k] = v
	}
	om, _ := ovsdb.NewOvsMap(raw)
	return *om
}

func registerSBCodecs(tr *idl.Transport) {
	tr.RegisterCodec(sbdb.TableChassis, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.Chassis{
			UUID_:          uuid,
			Name:           colString(cols, "name"),
			Hostname:       colString(cols, "hostname"),
			Encaps:         colStringSet(cols, "encaps"),
			NbCfg:          colInt(cols, "nb_cfg", 0),
			OtherConfig:    colStringMap(cols, "other_config"),
			TransportZones: colStringSet(cols, "transport_zones"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		ch := r.(*sbdb.Chassis)
		return map[string]interface{}{"nb_cfg": ch.NbCfg}
	}})

	tr.RegisterCodec(sbdb.TableEncap, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.Encap{
			UUID_:       uuid,
			Type:        colString(cols, "type"),
			IP:          colString(cols, "ip"),
			ChassisName: colString(cols, "chassis_name"),
			Options:     colStringMap(cols, "options"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TableDatapathBinding, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.DatapathBinding{
			UUID_:       uuid,
			TunnelKey:   colInt(cols, "tunnel_key", 0),
			ExternalIDs: colStringMap(cols, "external_ids"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TablePortBinding, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.PortBinding{
			UUID_:            uuid,
			LogicalPort:      colString(cols, "logical_port"),
			Datapath:         colUUID(cols, "datapath"),
			TunnelKey:        colInt(cols, "tunnel_key", 0),
			Type:             colString(cols, "type"),
			Options:          colStringMap(cols, "options"),
			MAC:              colStringSet(cols, "mac"),
			Chassis:          colUUID(cols, "chassis"),
			RequestedChassis: colString(cols, "requested_chassis"),
			Up:               colBool(cols, "up"),
			NatAddresses:     colStringSet(cols, "nat_addresses"),
			HaChassisGroup:   colUUID(cols, "ha_chassis_group"),
			ExternalIDs:      colStringMap(cols, "external_ids"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		pb := r.(*sbdb.PortBinding)
		out := map[string]interface{}{"up": pb.Up}
		if pb.Chassis == "" {
			empty, _ := ovsdb.NewOvsSet([]interface{}{})
			out["chassis"] = *empty
		} else {
			out["chassis"] = ovsdb.UUID{GoUuid: pb.Chassis}
		}
		return out
	}})

	tr.RegisterCodec(sbdb.TableLogicalFlow, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.LogicalFlow{
			UUID_:           uuid,
			LogicalDatapath: colUUID(cols, "logical_datapath"),
			LogicalDPGroup:  colUUID(cols, "logical_dp_group"),
			Pipeline:        colString(cols, "pipeline"),
			Table:           colInt(cols, "table_id", 0),
			Priority:        colInt(cols, "priority", 0),
			Match:           colString(cols, "match"),
			Actions:         colString(cols, "actions"),
			ControllerMeter: colString(cols, "controller_meter"),
			ExternalIDs:     colStringMap(cols, "external_ids"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		lf := r.(*sbdb.LogicalFlow)
		out := map[string]interface{}{
			"pipeline":    lf.Pipeline,
			"table_id":    lf.Table,
			"priority":    lf.Priority,
			"match":       lf.Match,
			"actions":     lf.Actions,
			"external_ids": toOvsMap(lf.ExternalIDs),
		}
		if lf.LogicalDatapath != "" {
			out["logical_datapath"] = ovsdb.UUID{GoUuid: lf.LogicalDatapath}
		}
		if lf.LogicalDPGroup != "" {
			out["logical_dp_group"] = ovsdb.UUID{GoUuid: lf.LogicalDPGroup}
		}
		return out
	}})

	tr.RegisterCodec(sbdb.TableLogicalDPGroup, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.LogicalDPGroup{
			UUID_:     uuid,
			Datapaths: colStringSet(cols, "datapaths"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		g := r.(*sbdb.LogicalDPGroup)
		elems := make([]interface{}, 0, len(g.Datapaths))
		for _, dp := range g.Datapaths {
			elems = append(elems, ovsdb.UUID{GoUuid: dp})
		}
		set, _ := ovsdb.NewOvsSet(elems)
		return map[string]interface{}{"datapaths": *set}
	}})

	tr.RegisterCodec(sbdb.TableMulticastGroup, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.MulticastGroup{
			UUID_:     uuid,
			Name:      colString(cols, "name"),
			Datapath:  colUUID(cols, "datapath"),
			TunnelKey: colInt(cols, "tunnel_key", 0),
			Ports:     colStringSet(cols, "ports"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TableMacBinding, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.MacBinding{
			UUID_:       uuid,
			LogicalPort: colString(cols, "logical_port"),
			IP:          colString(cols, "ip"),
			MAC:         colString(cols, "mac"),
			Datapath:    colUUID(cols, "datapath"),
			Timestamp:   colInt(cols, "timestamp", 0),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TableAddressSet, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.AddressSet{
			UUID_:     uuid,
			Name:      colString(cols, "name"),
			Addresses: colStringSet(cols, "addresses"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TablePortGroup, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.PortGroup{
			UUID_: uuid,
			Name:  colString(cols, "name"),
			Ports: colStringSet(cols, "ports"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TableLoadBalancer, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.LoadBalancer{
			UUID_:     uuid,
			Name:      colString(cols, "name"),
			VIPs:      colStringMap(cols, "vips"),
			Protocol:  colString(cols, "protocol"),
			Datapaths: colStringSet(cols, "datapaths"),
			Options:   colStringMap(cols, "options"),
		}, nil
	}})

	tr.RegisterCodec(sbdb.TableSBGlobal, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &sbdb.SBGlobal{
			UUID_:   uuid,
			NbCfg:   colInt(cols, "nb_cfg", 0),
			Options: colStringMap(cols, "options"),
		}, nil
	}})
}

func registerVswitchCodecs(tr *idl.Transport) {
	tr.RegisterCodec(vswitchd.TableOpenVSwitch, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &vswitchd.OpenVSwitch{
			UUID_:       uuid,
			ExternalIDs: colStringMap(cols, "external_ids"),
			OtherConfig: colStringMap(cols, "other_config"),
			CurCfg:      colInt(cols, "cur_cfg", 0),
		}, nil
	}})

	tr.RegisterCodec(vswitchd.TableBridge, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &vswitchd.Bridge{
			UUID_:        uuid,
			Name:         colString(cols, "name"),
			DatapathType: colString(cols, "datapath_type"),
			ExternalIDs:  colStringMap(cols, "external_ids"),
			Ports:        colStringSet(cols, "ports"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		br := r.(*vswitchd.Bridge)
		return map[string]interface{}{
			"external_ids":  toOvsMap(br.ExternalIDs),
			"datapath_type": br.DatapathType,
		}
	}})

	tr.RegisterCodec(vswitchd.TablePort, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &vswitchd.Port{
			UUID_:       uuid,
			Name:        colString(cols, "name"),
			Interfaces:  colStringSet(cols, "interfaces"),
			ExternalIDs: colStringMap(cols, "external_ids"),
		}, nil
	}})

	tr.RegisterCodec(vswitchd.TableInterface, codec{decode: func(uuid string, cols map[string]interface{}) (idl.Row, error) {
		return &vswitchd.Interface{
			UUID_:       uuid,
			Name:        colString(cols, "name"),
			Type:        colString(cols, "type"),
			OfPort:      colInt(cols, "ofport", -1),
			ExternalIDs: colStringMap(cols, "external_ids"),
			Options:     colStringMap(cols, "options"),
			MTURequest:  colInt(cols, "mtu_request", 0),
			Error:       colString(cols, "error"),
		}, nil
	}, encode: func(r idl.Row) map[string]interface{} {
		iface := r.(*vswitchd.Interface)
		return map[string]interface{}{
			"name":         iface.Name,
			"type":         iface.Type,
			"external_ids": toOvsMap(iface.ExternalIDs),
			"options":      toOvsMap(iface.Options),
		}
	}})
}
