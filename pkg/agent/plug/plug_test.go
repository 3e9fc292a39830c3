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

package plug

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// dummyProvider records its calls.
type dummyProvider struct {
	prepared  []string
	finished  []string
	destroyed []string
}

func (p *dummyProvider) Type() string { return "dummy" }

func (p *dummyProvider) MaintainedIfaceOptions() []string { return []string{"plug:dummy"} }

func (p *dummyProvider) PortPrepare(pb *sbdb.PortBinding) (*PortSpec, error) {
	p.prepared = append(p.prepared, pb.LogicalPort)
	return &PortSpec{
		Name:         pb.LogicalPort,
		IfaceOptions: map[string]string{"plug:dummy": "yes"},
	}, nil
}

func (p *dummyProvider) PortFinish(pb *sbdb.PortBinding, spec *PortSpec) error {
	p.finished = append(p.finished, spec.Name)
	return nil
}

func (p *dummyProvider) PortDestroy(spec *PortSpec) error {
	p.destroyed = append(p.destroyed, spec.Name)
	return nil
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	RegisterTestingT(t)

	r := NewRegistry()
	Expect(r.Register(&dummyProvider{})).Should(Succeed())
	Expect(r.Register(&dummyProvider{})).Should(HaveOccurred())
	Expect(r.Get("dummy")).ShouldNot(BeNil())
	Expect(r.Get("missing")).Should(BeNil())
}

func newPlugFixture() (*Run, *dummyProvider, *sbdb.DB, *vswitchd.DB, *runtime.Data) {
	sb := sbdb.NewDB()
	ovs := vswitchd.NewDB()
	sb.Table(sbdb.TableChassis).Insert(&sbdb.Chassis{UUID_: "ch-hv1", Name: "hv1"})
	sb.Table(sbdb.TableDatapathBinding).Insert(&sbdb.DatapathBinding{
		UUID_: "d1", TunnelKey: 11,
		ExternalIDs: map[string]string{"name": "ls-d1", "logical-switch": "d1"},
	})
	sb.Table(sbdb.TablePortBinding).Insert(&sbdb.PortBinding{
		UUID_: "pb-p1", LogicalPort: "p1", Datapath: "d1", TunnelKey: 5,
		Type: sbdb.PBTypeVIF, RequestedChassis: "hv1",
		Options: map[string]string{"plug-type": "dummy"},
	})
	ovs.Table(vswitchd.TableInterface).Insert(&vswitchd.Interface{
		UUID_: "if-p1", Name: "p1", OfPort: 3,
		ExternalIDs: map[string]string{"iface-id": "p1"},
	})

	rt := runtime.New("hv1", sb, ovs, nil)
	provider := &dummyProvider{}
	registry := NewRegistry()
	Expect(registry.Register(provider)).Should(Succeed())
	return NewRun(sb, ovs, rt, registry), provider, sb, ovs, rt
}

func TestFinishOnlyAfterCommit(t *testing.T) {
	RegisterTestingT(t)

	run, provider, _, ovs, rt := newPlugFixture()
	Expect(rt.Run()).Should(Succeed())
	Expect(run.RunNode()).Should(Succeed())
	Expect(provider.prepared).Should(ConsistOf("p1"))
	Expect(provider.finished).Should(BeEmpty())

	txn := ovs.NewTxn("test")
	run.CommitVswitch(txn)
	Expect(provider.finished).Should(BeEmpty())
	Expect(txn.Commit()).Should(Succeed())

	run.OnVswitchCommit(true)
	Expect(provider.finished).Should(ConsistOf("p1"))
	Expect(provider.destroyed).Should(BeEmpty())
}

func TestDestroyOnAbandonedTransaction(t *testing.T) {
	RegisterTestingT(t)

	run, provider, _, ovs, rt := newPlugFixture()
	Expect(rt.Run()).Should(Succeed())
	Expect(run.RunNode()).Should(Succeed())

	txn := ovs.NewTxn("test")
	run.CommitVswitch(txn)
	// The transaction never commits; the provider state is torn down.
	run.OnVswitchCommit(false)
	Expect(provider.finished).Should(BeEmpty())
	Expect(provider.destroyed).Should(ConsistOf("p1"))
}
