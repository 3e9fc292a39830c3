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
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everflow/everflow/pkg/agent/engine"
	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

const chassisName = "hv1"

// fakeChannel is an in-memory flow-install transport.
type fakeChannel struct {
	connected bool
	canPut    bool
	caughtUp  int64
	puts      int
	installed *ofexec.DesiredFlows
	stats     map[uint64][]ofexec.FlowStats
	injected  []string
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		connected: true,
		canPut:    true,
		caughtUp:  -1,
		installed: ofexec.NewDesiredFlows(),
		stats:     map[uint64][]ofexec.FlowStats{},
	}
}

func (f *fakeChannel) Connected() bool     { return f.connected }
func (f *fakeChannel) CanPut() bool        { return f.canPut }
func (f *fakeChannel) CaughtUpCfg() int64  { return f.caughtUp }
func (f *fakeChannel) Put(desired *ofexec.DesiredFlows, nbCfg int64) error {
	f.puts++
	f.installed = desired.Clone()
	f.caughtUp = nbCfg
	return nil
}
func (f *fakeChannel) DumpByCookie(cookie, mask uint64) ([]ofexec.FlowStats, error) {
	return f.stats[cookie], nil
}
func (f *fakeChannel) InjectPacket(microflow string) error {
	f.injected = append(f.injected, microflow)
	return nil
}

type harness struct {
	sb      *sbdb.DB
	ovs     *vswitchd.DB
	channel *fakeChannel
	c       *Controller
	sbOps   *int
}

func newHarness(t *testing.T) *harness {
	sb := sbdb.NewDB()
	ovs := vswitchd.NewDB()
	channel := newFakeChannel()

	sb.Table(sbdb.TableChassis).Insert(&sbdb.Chassis{UUID_: "ch-hv1", Name: chassisName})
	ovs.Table(vswitchd.TableBridge).Insert(&vswitchd.Bridge{
		UUID_: "br-uuid", Name: "br-int", ExternalIDs: map[string]string{},
	})

	sbOps := 0
	sb.SetCommitFunc(func(txn *idl.Txn) error {
		sbOps += len(txn.Ops())
		return nil
	})

	c, err := New(Config{ChassisName: chassisName, BridgeName: "br-int"}, sb, ovs, channel)
	ExpectWithOffset(1, err).ShouldNot(HaveOccurred())
	return &harness{sb: sb, ovs: ovs, channel: channel, c: c, sbOps: &sbOps}
}

func (h *harness) addVIF(lport, dpUUID string, dpKey, pbKey, ofport int64) {
	if h.sb.Datapath(dpUUID) == nil {
		h.sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
			UUID_: dpUUID, TunnelKey: dpKey,
			ExternalIDs: map[string]string{"name": "ls-" + dpUUID, "logical-switch": dpUUID},
		})
	}
	h.sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-" + lport, LogicalPort: lport, Datapath: dpUUID,
		TunnelKey: pbKey, Type: sbdb.PBTypeVIF, RequestedChassis: chassisName,
	})
	h.ovs.Table(vswitchd.TableInterface).Insert(&vswitchd.Interface{
		UUID_: "if-" + lport, Name: lport + "-iface", OfPort: ofport,
		ExternalIDs: map[string]string{"iface-id": lport},
	})
}

func (h *harness) settle(iterations int) {
	for i := 0; i < iterations; i++ {
		h.c.Iterate()
	}
}

func TestClaimVIFEndToEnd(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.addVIF("p1", "d1", 11, 5, 3)
	h.settle(3)

	// The PB is claimed by this chassis and reported up.
	pb := h.sb.PortBindingByName("p1")
	Expect(pb.Chassis).Should(Equal("ch-hv1"))
	Expect(pb.Up).Should(BeTrue())

	// The local datapath exists and its flows reached the switch.
	Expect(h.c.rt.Datapaths()).Should(HaveKey("d1"))
	Expect(h.channel.puts).Should(BeNumerically(">", 0))
	found := false
	h.channel.installed.ForEach(func(fl *ofexec.Flow) {
		if fl.Cookie == ofexec.CookieOf("pb-p1") {
			found = true
		}
	})
	Expect(found).Should(BeTrue())

	// The port got a conntrack zone, persisted on the bridge.
	br := h.ovs.BridgeByName("br-int")
	Expect(br.ExternalIDs).Should(HaveKey("ct-zone-p1"))
}

func TestIdleIterationsWriteNothing(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.addVIF("p1", "d1", 11, 5, 3)
	h.settle(4)

	before := *h.sbOps
	installedBefore := h.channel.installed

	h.settle(2)
	// No input deltas: zero SB writes; any put carries an identical table.
	Expect(*h.sbOps).Should(Equal(before))
	adds, mods, dels := h.channel.installed.Diff(installedBefore)
	Expect(adds).Should(BeEmpty())
	Expect(mods).Should(BeEmpty())
	Expect(dels).Should(BeEmpty())
}

func TestReleaseOnPBDeleteEndToEnd(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.addVIF("p1", "d1", 11, 5, 3)
	h.settle(3)
	cookie := ofexec.CookieOf("pb-p1")

	h.sb.Table(sbdb.TablePortBinding).Delete("pb-p1")
	h.settle(3)

	// The binding and its flows are gone; the datapath is irrelevant.
	Expect(h.c.rt.Bindings()).ShouldNot(HaveKey("p1"))
	Expect(h.c.rt.Datapaths()).ShouldNot(HaveKey("d1"))
	h.channel.installed.ForEach(func(fl *ofexec.Flow) {
		Expect(fl.Cookie).ShouldNot(Equal(cookie))
	})
}

func TestCtZoneRestartRoundTrip(t *testing.T) {
	RegisterTestingT(t)

	// A fresh controller over a bridge that already carries zone
	// assignments must adopt them verbatim: same zones, no churn.
	sb := sbdb.NewDB()
	ovs := vswitchd.NewDB()
	sb.Table(sbdb.TableChassis).Insert(&sbdb.Chassis{UUID_: "ch-hv1", Name: chassisName})
	ovs.Table(vswitchd.TableBridge).Insert(&vswitchd.Bridge{
		UUID_: "br-uuid", Name: "br-int",
		ExternalIDs: map[string]string{
			"ct-zone-p1":       "42",
			"ct-zone-lr7_dnat": "17",
			"ct-zone-lr7_snat": "18",
		},
	})
	// The topology the zones belong to: p1 on d1, d1 patched to lr7.
	sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
		UUID_: "d1", TunnelKey: 11,
		ExternalIDs: map[string]string{"name": "ls-d1", "logical-switch": "d1"},
	})
	sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
		UUID_: "lr7", TunnelKey: 12,
		ExternalIDs: map[string]string{"name": "lr-7", "logical-router": "lr7"},
	})
	sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-p1", LogicalPort: "p1", Datapath: "d1", TunnelKey: 5,
		Type: sbdb.PBTypeVIF, RequestedChassis: chassisName,
	})
	sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-d1-lr7", LogicalPort: "d1-lr7", Datapath: "d1", TunnelKey: 2,
		Type: sbdb.PBTypePatch, Options: map[string]string{"peer": "lr7-d1"},
	})
	sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-lr7-d1", LogicalPort: "lr7-d1", Datapath: "lr7", TunnelKey: 1,
		Type: sbdb.PBTypePatch, Options: map[string]string{"peer": "d1-lr7"},
	})
	ovs.Table(vswitchd.TableInterface).Insert(&vswitchd.Interface{
		UUID_: "if-p1", Name: "p1-iface", OfPort: 3,
		ExternalIDs: map[string]string{"iface-id": "p1"},
	})

	c, err := New(Config{ChassisName: chassisName, BridgeName: "br-int"}, sb, ovs, newFakeChannel())
	Expect(err).ShouldNot(HaveOccurred())

	c.Iterate()
	Expect(c.zones.Zone("p1")).Should(Equal(42))
	Expect(c.zones.Zone("lr7_dnat")).Should(Equal(17))
	Expect(c.zones.Zone("lr7_snat")).Should(Equal(18))
	// No flush or rewrite was queued for the restored users.
	Expect(c.zones.PendingChanges()).Should(HaveLen(0))
	Expect(ovs.BridgeByName("br-int").ExternalIDs).Should(HaveKeyWithValue("ct-zone-p1", "42"))
}

func TestInjectPacketQueue(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.c.InjectPacket("in_port=3")
	h.settle(1)
	Expect(h.channel.injected).Should(ConsistOf("in_port=3"))
}

func TestNbCfgCatchUpPublication(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.sb.Table(sbdb.TableSBGlobal).Insert(&sbdb.SBGlobal{UUID_: "global", NbCfg: 7})
	h.settle(3)

	ch := h.sb.ChassisByName(chassisName)
	Expect(ch.NbCfg).Should(Equal(int64(7)))
}

func TestPortBindingChangeFallsBackToFullRun(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.addVIF("p1", "d1", 11, 5, 3)
	h.settle(4)

	// An option-only port-binding change moves neither chassis ownership
	// nor datapath relevance; the direct edge still declines it and
	// flow_output reruns in the same iteration.
	pb := h.sb.PortBindingByName("p1").Copy().(*sbdb.PortBinding)
	pb.Options = map[string]string{"qos_max_rate": "1000"}
	h.sb.Table(sbdb.TablePortBinding).Update(pb)

	h.c.Iterate()
	Expect(h.c.engine.NodeState(NodeFlowOutput)).Should(Equal(engine.StateUpdated))

	// Quiet follow-up iterations do not keep recomputing.
	h.settle(2)
	Expect(h.c.engine.NodeState(NodeFlowOutput)).Should(Equal(engine.StateValid))
}

func TestDeferredPutWhileChannelBusy(t *testing.T) {
	RegisterTestingT(t)

	h := newHarness(t)
	h.addVIF("p1", "d1", 11, 5, 3)
	h.channel.canPut = false
	h.settle(2)
	Expect(h.channel.puts).Should(Equal(0))

	h.channel.canPut = true
	h.settle(2)
	Expect(h.channel.puts).Should(BeNumerically(">", 0))
}
