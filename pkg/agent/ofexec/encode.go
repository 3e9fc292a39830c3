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

package ofexec

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/contiv/libOpenflow/openflow13"
)

// nxResubmitInPort is the NX resubmit "keep the original in_port" value.
const nxResubmitInPort uint16 = 0xfff8

// encodeFlowMod turns a canonical-text flow into an OpenFlow 1.3 FlowMod.
// The vocabulary is exactly what flow_output emits; unknown tokens are an
// error the caller logs and skips.
func encodeFlowMod(f *Flow, command int) (*openflow13.FlowMod, error) {
	mod := openflow13.NewFlowMod()
	mod.Command = uint8(command)
	mod.TableId = f.Table
	mod.Priority = f.Priority
	mod.Cookie = f.Cookie
	if command == openflow13.FC_DELETE_STRICT {
		mod.CookieMask = ^uint64(0)
		mod.OutPort = openflow13.P_ANY
		mod.OutGroup = openflow13.OFPG_ANY
	}

	match, err := encodeMatch(f.Match)
	if err != nil {
		return nil, err
	}
	mod.Match = *match

	if command != openflow13.FC_DELETE_STRICT {
		instr := openflow13.NewInstrApplyActions()
		if err := encodeActions(f.Actions, instr); err != nil {
			return nil, err
		}
		if len(instr.Actions) > 0 {
			mod.AddInstruction(instr)
		}
	}
	return mod, nil
}

func encodeMatch(text string) (*openflow13.Match, error) {
	match := openflow13.NewMatch()
	if text == "" {
		return match, nil
	}
	for _, tok := range strings.Split(text, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		key, val := tok, ""
		if i := strings.IndexByte(tok, '='); i >= 0 {
			key, val = tok[:i], tok[i+1:]
		}
		switch {
		case key == "ip":
			match.AddField(*openflow13.NewEthTypeField(0x0800))
		case key == "ip6":
			match.AddField(*openflow13.NewEthTypeField(0x86dd))
		case key == "arp":
			match.AddField(*openflow13.NewEthTypeField(0x0806))
		case key == "in_port":
			port, err := parseUint(val, 32)
			if err != nil {
				return nil, fmt.Errorf("bad in_port %q: %v", val, err)
			}
			match.AddField(*openflow13.NewInPortField(uint32(port)))
		case key == "metadata":
			md, err := parseUint(val, 64)
			if err != nil {
				return nil, fmt.Errorf("bad metadata %q: %v", val, err)
			}
			match.AddField(*openflow13.NewMetadataField(md, nil))
		case key == "tun_id":
			id, err := parseUint(val, 64)
			if err != nil {
				return nil, fmt.Errorf("bad tun_id %q: %v", val, err)
			}
			match.AddField(*openflow13.NewTunnelIdField(id))
		case key == "dl_src", key == "dl_dst":
			mac, err := net.ParseMAC(val)
			if err != nil {
				return nil, fmt.Errorf("bad %s %q: %v", key, val, err)
			}
			if key == "dl_src" {
				match.AddField(*openflow13.NewEthSrcField(mac, nil))
			} else {
				match.AddField(*openflow13.NewEthDstField(mac, nil))
			}
		case key == "nw_src", key == "nw_dst":
			ip, mask, err := parseIPMask(val)
			if err != nil {
				return nil, fmt.Errorf("bad %s %q: %v", key, val, err)
			}
			if key == "nw_src" {
				match.AddField(*openflow13.NewIpv4SrcField(ip, mask))
			} else {
				match.AddField(*openflow13.NewIpv4DstField(ip, mask))
			}
		case key == "nw_proto":
			proto, err := parseUint(val, 8)
			if err != nil {
				return nil, fmt.Errorf("bad nw_proto %q: %v", val, err)
			}
			match.AddField(*openflow13.NewIpProtoField(uint8(proto)))
		case key == "tp_src", key == "tp_dst":
			// flow_output always emits nw_proto ahead of l4 ports; encode
			// as TCP and rely on the preceding proto field to scope it.
			port, err := parseUint(val, 16)
			if err != nil {
				return nil, fmt.Errorf("bad %s %q: %v", key, val, err)
			}
			if key == "tp_src" {
				match.AddField(*openflow13.NewTcpSrcField(uint16(port)))
			} else {
				match.AddField(*openflow13.NewTcpDstField(uint16(port)))
			}
		case strings.HasPrefix(key, "reg"):
			regID, err := strconv.Atoi(strings.TrimPrefix(key, "reg"))
			if err != nil {
				return nil, fmt.Errorf("bad register %q", key)
			}
			data, err := parseUint(val, 32)
			if err != nil {
				return nil, fmt.Errorf("bad register value %q: %v", val, err)
			}
			field, err := openflow13.FindFieldHeaderByName(fmt.Sprintf("NXM_NX_REG%d", regID), false)
			if err != nil {
				return nil, err
			}
			field.Value = &openflow13.Uint32Message{Data: uint32(data)}
			match.AddField(*field)
		default:
			return nil, fmt.Errorf("unknown match token %q", tok)
		}
	}
	return match, nil
}

func encodeActions(text string, instr *openflow13.InstrActions) error {
	if text == "" || text == "drop" {
		return nil
	}
	for _, tok := range splitActions(text) {
		switch {
		case tok == "controller":
			out := openflow13.NewActionOutput(openflow13.P_CONTROLLER)
			out.MaxLen = openflow13.OFPCML_NO_BUFFER
			instr.AddAction(out, false)
		case strings.HasPrefix(tok, "output:"):
			port, err := parseUint(strings.TrimPrefix(tok, "output:"), 32)
			if err != nil {
				return fmt.Errorf("bad output %q: %v", tok, err)
			}
			instr.AddAction(openflow13.NewActionOutput(uint32(port)), false)
		case strings.HasPrefix(tok, "group:"):
			group, err := parseUint(strings.TrimPrefix(tok, "group:"), 32)
			if err != nil {
				return fmt.Errorf("bad group %q: %v", tok, err)
			}
			instr.AddAction(openflow13.NewActionGroup(uint32(group)), false)
		case strings.HasPrefix(tok, "resubmit(,"):
			inner := strings.TrimSuffix(strings.TrimPrefix(tok, "resubmit(,"), ")")
			table, err := parseUint(inner, 8)
			if err != nil {
				return fmt.Errorf("bad resubmit %q: %v", tok, err)
			}
			instr.AddAction(openflow13.NewNXActionResubmitTableAction(nxResubmitInPort, uint8(table)), false)
		case strings.HasPrefix(tok, "load:"):
			// load:0xVAL->regN
			rest := strings.TrimPrefix(tok, "load:")
			parts := strings.SplitN(rest, "->", 2)
			if len(parts) != 2 {
				return fmt.Errorf("bad load %q", tok)
			}
			val, err := parseUint(parts[0], 64)
			if err != nil {
				return fmt.Errorf("bad load value %q: %v", parts[0], err)
			}
			fieldName, err := nxmFieldName(parts[1])
			if err != nil {
				return err
			}
			field, err := openflow13.FindFieldHeaderByName(fieldName, false)
			if err != nil {
				return err
			}
			instr.AddAction(openflow13.NewNXActionRegLoad(openflow13.NewNXRange(0, 31).ToOfsBits(), field, val), false)
		case strings.HasPrefix(tok, "mod_dl_dst:"), strings.HasPrefix(tok, "mod_dl_src:"):
			mac, err := net.ParseMAC(tok[strings.IndexByte(tok, ':')+1:])
			if err != nil {
				return fmt.Errorf("bad mac in %q: %v", tok, err)
			}
			if strings.HasPrefix(tok, "mod_dl_dst:") {
				instr.AddAction(openflow13.NewActionSetField(*openflow13.NewEthDstField(mac, nil)), false)
			} else {
				instr.AddAction(openflow13.NewActionSetField(*openflow13.NewEthSrcField(mac, nil)), false)
			}
		case strings.HasPrefix(tok, "ct("):
			// Conntrack recirculation; zone and target table inside.
			zone, table, commit, err := parseCtAction(tok)
			if err != nil {
				return err
			}
			ct := openflow13.NewNXActionConnTrack()
			if commit {
				ct.Commit()
			}
			ct.Table(table)
			ct.ZoneImm(zone)
			instr.AddAction(ct, false)
		default:
			return fmt.Errorf("unknown action token %q", tok)
		}
	}
	return nil
}

func nxmFieldName(reg string) (string, error) {
	if strings.HasPrefix(reg, "reg") {
		id, err := strconv.Atoi(strings.TrimPrefix(reg, "reg"))
		if err != nil {
			return "", fmt.Errorf("bad load target %q", reg)
		}
		return fmt.Sprintf("NXM_NX_REG%d", id), nil
	}
	switch reg {
	case "metadata":
		return "OXM_OF_METADATA", nil
	case "tun_id":
		return "NXM_NX_TUN_ID", nil
	case "tun_metadata0":
		return "NXM_NX_TUN_METADATA0", nil
	}
	return "", fmt.Errorf("unsupported load target %q", reg)
}

// parseCtAction understands ct(table=N,zone=Z[,commit]).
func parseCtAction(tok string) (zone uint16, table uint8, commit bool, err error) {
	inner := strings.TrimSuffix(strings.TrimPrefix(tok, "ct("), ")")
	for _, part := range strings.Split(inner, ",") {
		part = strings.TrimSpace(part)
		switch {
		case part == "commit":
			commit = true
		case strings.HasPrefix(part, "table="):
			v, e := parseUint(strings.TrimPrefix(part, "table="), 8)
			if e != nil {
				return 0, 0, false, fmt.Errorf("bad ct table in %q: %v", tok, e)
			}
			table = uint8(v)
		case strings.HasPrefix(part, "zone="):
			v, e := parseUint(strings.TrimPrefix(part, "zone="), 16)
			if e != nil {
				return 0, 0, false, fmt.Errorf("bad ct zone in %q: %v", tok, e)
			}
			zone = uint16(v)
		case part == "":
		default:
			return 0, 0, false, fmt.Errorf("unknown ct argument %q", part)
		}
	}
	return zone, table, commit, nil
}

// splitActions splits on commas outside parentheses.
func splitActions(text string) []string {
	var out []string
	depth := 0
	start := 0
	for i := 0; i < len(text); i++ {
		switch text[i] {
		case '(':
			depth++
		case ')':
			depth--
		case ',':
			if depth == 0 {
				out = append(out, strings.TrimSpace(text[start:i]))
				start = i + 1
			}
		}
	}
	if tail := strings.TrimSpace(text[start:]); tail != "" {
		out = append(out, tail)
	}
	return out
}

func parseUint(s string, bits int) (uint64, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") {
		return strconv.ParseUint(s[2:], 16, bits)
	}
	return strconv.ParseUint(s, 10, bits)
}

func parseIPMask(s string) (net.IP, *net.IP, error) {
	if strings.Contains(s, "/") {
		ip, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, nil, err
		}
		mask := net.IP(ipNet.Mask)
		return ip, &mask, nil
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return nil, nil, fmt.Errorf("bad ip %q", s)
	}
	return ip, nil, nil
}

func newGroupMod(id uint32, g *Group, command int) *openflow13.GroupMod {
	mod := openflow13.NewGroupMod()
	mod.GroupId = id
	mod.Command = uint16(command)
	if g == nil {
		return mod
	}
	if g.Type == "select" {
		mod.Type = openflow13.OFPGT_SELECT
	} else {
		mod.Type = openflow13.OFPGT_ALL
	}
	for _, bucket := range g.Buckets {
		b := openflow13.NewBucket()
		instr := openflow13.NewInstrApplyActions()
		if err := encodeActions(bucket, instr); err != nil {
			continue
		}
		for _, act := range instr.Actions {
			b.AddAction(act)
		}
		mod.AddBucket(*b)
	}
	return mod
}

func newMeterMod(id uint32, m *Meter, command int) *openflow13.MeterMod {
	mod := openflow13.NewMeterMod()
	mod.MeterId = id
	mod.Command = uint16(command)
	if m == nil {
		return mod
	}
	mod.Flags = openflow13.OFPMF_KBPS
	band := openflow13.NewMeterBandHeader()
	band.Type = openflow13.OFPMBT_DROP
	band.Rate = uint32(m.Rate)
	band.BurstSize = uint32(m.Burst)
	mod.AddMeterBand(band)
	return mod
}

// parseMicroflow builds a packet-out from a microflow description of the
// form "in_port=N,dl_src=MAC,dl_dst=MAC[,...]"; only the fields needed to
// source a probe packet are honored.
func parseMicroflow(microflow string) (*openflow13.PacketOut, error) {
	pkt := openflow13.NewPacketOut()
	pkt.InPort = openflow13.P_CONTROLLER
	foundPort := false
	for _, tok := range strings.Split(microflow, ",") {
		tok = strings.TrimSpace(tok)
		if strings.HasPrefix(tok, "in_port=") {
			port, err := parseUint(strings.TrimPrefix(tok, "in_port="), 32)
			if err != nil {
				return nil, fmt.Errorf("bad microflow in_port: %v", err)
			}
			pkt.InPort = uint32(port)
			foundPort = true
		}
	}
	if !foundPort {
		return nil, fmt.Errorf("microflow %q carries no in_port", microflow)
	}
	pkt.AddAction(openflow13.NewActionOutput(openflow13.P_TABLE))
	return pkt, nil
}
