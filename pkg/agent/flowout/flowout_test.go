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
	"strings"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everflow/everflow/pkg/agent/ctzone"
	"github.com/everflow/everflow/pkg/agent/namedset"
	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

const chassisName = "hv1"

type fixture struct {
	sb         *sbdb.DB
	ovs        *vswitchd.DB
	rt         *runtime.Data
	mgr        *Mgr
	addrSets   *namedset.Sets
	portGroups *namedset.Sets
	zones      *ctzone.Map
	fo         *Data
}

func newFixture() *fixture {
	sb := sbdb.NewDB()
	ovs := vswitchd.NewDB()
	sb.Table(sbdb.TableChassis).Insert(&sbdb.Chassis{UUID_: "ch-hv1", Name: chassisName})

	f := &fixture{sb: sb, ovs: ovs}
	f.rt = runtime.New(chassisName, sb, ovs, nil)
	f.mgr = NewMgr(sb, f.rt)
	f.addrSets = namedset.New(sb.Table(sbdb.TableAddressSet),
		func(r idl.Row) string { return r.(*sbdb.AddressSet).Name },
		func(r idl.Row) []string { return r.(*sbdb.AddressSet).Addresses })
	f.portGroups = namedset.New(sb.Table(sbdb.TablePortGroup),
		func(r idl.Row) string { return r.(*sbdb.PortGroup).Name },
		func(r idl.Row) []string { return r.(*sbdb.PortGroup).Ports })
	f.zones = ctzone.NewMap()
	f.fo = New(sb, f.rt, f.mgr, f.addrSets, f.portGroups, f.zones)
	f.fo.SetVswitchDB(ovs)
	return f
}

func (f *fixture) addVIF(lport, dpUUID string, dpKey, pbKey, ofport int64) {
	if f.sb.Datapath(dpUUID) == nil {
		f.sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
			UUID_: dpUUID, TunnelKey: dpKey,
			ExternalIDs: map[string]string{"name": "ls-" + dpUUID, "logical-switch": dpUUID},
		})
	}
	f.sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-" + lport, LogicalPort: lport, Datapath: dpUUID,
		TunnelKey: pbKey, Type: sbdb.PBTypeVIF, RequestedChassis: chassisName,
	})
	f.ovs.Table(vswitchd.TableInterface).Insert(&vswitchd.Interface{
		UUID_: "if-" + lport, Name: lport + "-iface", OfPort: ofport,
		ExternalIDs: map[string]string{"iface-id": lport},
	})
}

func (f *fixture) addLflow(uuid, dpUUID, pipeline string, table, prio int64, match, actions string) {
	f.sb.Table(sbdb.TableLogicalFlow).Insert(&sbdb.LogicalFlow{
		UUID_: uuid, LogicalDatapath: dpUUID, Pipeline: pipeline,
		Table: table, Priority: prio, Match: match, Actions: actions,
		ExternalIDs: map[string]string{"stage-name": "ls_in_test"},
	})
}

func (f *fixture) rebuild() {
	ExpectWithOffset(1, f.rt.Run()).Should(Succeed())
	ExpectWithOffset(1, f.addrSets.Run()).Should(Succeed())
	ExpectWithOffset(1, f.portGroups.Run()).Should(Succeed())
	ExpectWithOffset(1, f.mgr.Run()).Should(Succeed())
	ExpectWithOffset(1, f.fo.Run()).Should(Succeed())
}

func flowsByCookie(d *ofexec.DesiredFlows, cookie uint64) []*ofexec.Flow {
	var out []*ofexec.Flow
	d.ForEach(func(fl *ofexec.Flow) {
		if fl.Cookie == cookie {
			out = append(out, fl)
		}
	})
	return out
}

func TestLogicalTranslationBasic(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.addLflow("lf-1", "d1", "ingress", 4, 1000, "inport == \"p1\" && ip", "next;")
	f.rebuild()

	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("lf-1"))
	Expect(flows).Should(HaveLen(1))
	fl := flows[0]
	Expect(fl.Table).Should(Equal(uint8(TableIngressBase + 4)))
	Expect(fl.Priority).Should(Equal(uint16(1000)))
	Expect(fl.Match).Should(ContainSubstring("metadata=0xb"))
	Expect(fl.Match).Should(ContainSubstring("reg14=0x5"))
	Expect(fl.Match).Should(ContainSubstring("ip"))
	Expect(fl.Actions).Should(Equal("resubmit(,13)"))
}

func TestPhysicalFlowsForBinding(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.rebuild()

	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("pb-p1"))
	Expect(flows).Should(HaveLen(2))

	var classify, output *ofexec.Flow
	for _, fl := range flows {
		switch fl.Table {
		case TableClassify:
			classify = fl
		case TablePhyOutput:
			output = fl
		}
	}
	Expect(classify).ShouldNot(BeNil())
	Expect(classify.Match).Should(Equal("in_port=3"))
	Expect(classify.Actions).Should(ContainSubstring("load:0xb->metadata"))
	Expect(classify.Actions).Should(ContainSubstring("load:0x5->reg14"))
	Expect(output).ShouldNot(BeNil())
	Expect(output.Match).Should(Equal("metadata=0xb,reg15=0x5"))
	Expect(output.Actions).Should(Equal("output:3"))
}

func TestAddressSetDelta(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.sb.Table(sbdb.TableAddressSet).Insert(&sbdb.AddressSet{
		UUID_: "as-1", Name: "as1", Addresses: []string{"10.0.0.1", "10.0.0.2"},
	})
	f.addLflow("lf-1", "d1", "ingress", 4, 1000, "ip4.src == $as1", "next;")
	f.addLflow("lf-2", "d1", "ingress", 5, 900, "ip", "drop;")
	f.rebuild()

	cookie1 := ofexec.CookieOf("lf-1")
	cookie2 := ofexec.CookieOf("lf-2")
	Expect(flowsByCookie(f.fo.Desired, cookie1)).Should(HaveLen(2))
	before2 := flowsByCookie(f.fo.Desired, cookie2)
	Expect(before2).Should(HaveLen(1))

	// Update the set: 10.0.0.2 out, 10.0.0.3 in.
	f.sb.ClearAllTracked()
	f.addrSets.Tracked.Clear()
	f.sb.Table(sbdb.TableAddressSet).Update(&sbdb.AddressSet{
		UUID_: "as-1", Name: "as1", Addresses: []string{"10.0.0.1", "10.0.0.3"},
	})
	handled, err := f.addrSets.HandleChange()
	Expect(err).ShouldNot(HaveOccurred())
	Expect(handled).Should(BeTrue())
	Expect(f.addrSets.Tracked.Updated.Has("as1")).Should(BeTrue())

	handled, err = f.fo.HandleAddressSetChange()
	Expect(err).ShouldNot(HaveOccurred())
	Expect(handled).Should(BeTrue())

	// Only lf-1's flows were re-translated.
	after1 := flowsByCookie(f.fo.Desired, cookie1)
	Expect(after1).Should(HaveLen(2))
	matches := []string{after1[0].Match, after1[1].Match}
	Expect(strings.Join(matches, " ")).Should(ContainSubstring("10.0.0.3"))
	Expect(strings.Join(matches, " ")).ShouldNot(ContainSubstring("10.0.0.2"))

	// lf-2 is untouched, down to the same entries.
	after2 := flowsByCookie(f.fo.Desired, cookie2)
	Expect(after2).Should(HaveLen(1))
	Expect(after2[0].Equal(before2[0])).Should(BeTrue())
}

func TestNeighborFlowsComeInPairs(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	// Pull the router datapath local via a patch pair.
	f.sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
		UUID_: "dr", TunnelKey: 12,
		ExternalIDs: map[string]string{"name": "lr-dr", "logical-router": "dr"},
	})
	f.sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-d1-dr", LogicalPort: "d1-dr", Datapath: "d1", TunnelKey: 2,
		Type: sbdb.PBTypePatch, Options: map[string]string{"peer": "dr-d1"},
	})
	f.sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-dr-d1", LogicalPort: "dr-d1", Datapath: "dr", TunnelKey: 1,
		Type: sbdb.PBTypePatch, Options: map[string]string{"peer": "d1-dr"},
	})
	f.sb.Table(sbdb.TableMacBinding).Insert(&sbdb.MacBinding{
		UUID_: "mb-1", LogicalPort: "dr-d1", IP: "10.0.0.9",
		MAC: "aa:bb:cc:dd:ee:ff", Datapath: "dr",
	})
	f.rebuild()

	// Exactly two flows per MAC binding, one per direction, sharing the
	// cookie the ager dumps stats by.
	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("mb-1"))
	Expect(flows).Should(HaveLen(2))
	tables := []uint8{flows[0].Table, flows[1].Table}
	Expect(tables).Should(ConsistOf(uint8(TableMacIn), uint8(TableMacOut)))
}

func TestMulticastGroupFlows(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.addVIF("p2", "d1", 11, 6, 4)
	f.sb.Table(sbdb.TableMulticastGroup).Insert(&sbdb.MulticastGroup{
		UUID_: "mg-1", Name: "_MC_flood", Datapath: "d1", TunnelKey: 32768,
		Ports: []string{"pb-p1", "pb-p2"},
	})
	f.rebuild()

	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("mg-1"))
	Expect(flows).Should(HaveLen(1))
	Expect(flows[0].Table).Should(Equal(uint8(TableOutputMcast)))
	Expect(flows[0].Actions).Should(HavePrefix("group:"))
	Expect(f.fo.Desired.Groups).Should(HaveLen(1))
	for _, g := range f.fo.Desired.Groups {
		Expect(g.Buckets).Should(HaveLen(2))
	}
}

func TestUnsupportedMatchSkipsFlowOnly(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.addLflow("lf-weird", "d1", "ingress", 4, 1000, "icmp6.type == 135", "next;")
	f.addLflow("lf-ok", "d1", "ingress", 4, 900, "ip", "next;")
	f.rebuild()

	Expect(flowsByCookie(f.fo.Desired, ofexec.CookieOf("lf-weird"))).Should(BeEmpty())
	Expect(flowsByCookie(f.fo.Desired, ofexec.CookieOf("lf-ok"))).Should(HaveLen(1))
}

func TestExpressionExpansion(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.addLflow("lf-list", "d1", "ingress", 4, 1000,
		"ip4.dst == {192.168.0.1, 192.168.0.2} && tcp.dst == 80", "drop;")
	f.rebuild()

	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("lf-list"))
	Expect(flows).Should(HaveLen(2))
	for _, fl := range flows {
		Expect(fl.Match).Should(ContainSubstring("nw_proto=6"))
		Expect(fl.Match).Should(ContainSubstring("tp_dst=80"))
		Expect(fl.Actions).Should(Equal("drop"))
	}
}

func TestEgressPipelinePlacement(t *testing.T) {
	RegisterTestingT(t)

	f := newFixture()
	f.addVIF("p1", "d1", 11, 5, 3)
	f.addLflow("lf-e", "d1", "egress", 2, 500, "ip", "output;")
	f.rebuild()

	flows := flowsByCookie(f.fo.Desired, ofexec.CookieOf("lf-e"))
	Expect(flows).Should(HaveLen(1))
	Expect(flows[0].Table).Should(Equal(uint8(TableEgressBase + 2)))
	Expect(flows[0].Actions).Should(Equal("resubmit(,65)"))
}
