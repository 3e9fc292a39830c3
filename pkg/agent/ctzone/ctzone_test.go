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

package ctzone

import (
	"fmt"
	"testing"

	. "github.com/onsi/gomega"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/constants"
)

func TestAllocationAndRelease(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	changed := m.Run(sets.NewString("p1", "p2"))
	Expect(changed).Should(BeTrue())
	Expect(m.Zone("p1")).Should(BeNumerically(">", 0))
	Expect(m.Zone("p2")).Should(BeNumerically(">", 0))
	Expect(m.Zone("p1")).ShouldNot(Equal(m.Zone("p2")))

	// Both allocations are queued for the OF installer first.
	Expect(m.PendingChanges()).Should(HaveLen(2))
	for _, p := range m.PendingChanges() {
		Expect(p.State).Should(Equal(OFQueued))
		Expect(p.Add).Should(BeTrue())
	}

	// Dropping p2 frees its zone and queues a database removal.
	m.MarkOFFlushed()
	m.CommitQueued(map[string]string{})
	m.OnVswitchCommit(true)
	Expect(m.PendingChanges()).Should(HaveLen(0))

	zone2 := m.Zone("p2")
	changed = m.Run(sets.NewString("p1"))
	Expect(changed).Should(BeTrue())
	Expect(m.Zone("p2")).Should(Equal(-1))
	p := m.PendingChanges()["p2"]
	Expect(p).ShouldNot(BeNil())
	Expect(p.State).Should(Equal(DBQueued))
	Expect(p.Add).Should(BeFalse())
	Expect(p.Zone).Should(Equal(zone2))
}

func TestIdempotentRun(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	desired := sets.NewString("p1", "lr7_dnat", "lr7_snat")
	Expect(m.Run(desired)).Should(BeTrue())
	z1 := m.Zone("p1")

	// Re-running with the same desired set changes nothing.
	Expect(m.Run(desired)).Should(BeFalse())
	Expect(m.Zone("p1")).Should(Equal(z1))
}

func TestPendingMachineCommitAndRollback(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	m.Run(sets.NewString("p1"))
	m.MarkOFFlushed()

	extIDs, dirty := m.CommitQueued(map[string]string{"other": "x"})
	Expect(dirty).Should(BeTrue())
	key := constants.BridgeCtZonePrefix + "p1"
	Expect(extIDs).Should(HaveKey(key))
	Expect(extIDs).Should(HaveKey("other"))
	Expect(m.PendingChanges()["p1"].State).Should(Equal(DBSent))

	// Transaction failed: the entry rolls back for retry.
	m.OnVswitchCommit(false)
	Expect(m.PendingChanges()["p1"].State).Should(Equal(DBQueued))

	// Retry succeeds and the entry is done.
	_, dirty = m.CommitQueued(extIDs)
	Expect(dirty).Should(BeTrue())
	m.OnVswitchCommit(true)
	Expect(m.PendingChanges()).Should(HaveLen(0))
}

func TestRestoreFromBridgeExternalIDs(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	m.Restore(map[string]string{
		"ct-zone-p1":       "42",
		"ct-zone-lr7_dnat": "17",
		"ct-zone-lr7_snat": "18",
		"unrelated":        "junk",
	})

	Expect(m.Zones()).Should(HaveLen(3))
	Expect(m.Zone("p1")).Should(Equal(42))
	Expect(m.Zone("lr7_dnat")).Should(Equal(17))
	Expect(m.Zone("lr7_snat")).Should(Equal(18))

	// No OF flush may be queued for restored entries.
	Expect(m.PendingChanges()).Should(HaveLen(0))

	// The restored zones are in the bitmap: a subsequent run keeps them
	// and allocates around them.
	Expect(m.Run(sets.NewString("p1", "lr7_dnat", "lr7_snat", "pnew"))).Should(BeTrue())
	Expect(m.Zone("pnew")).ShouldNot(BeElementOf(17, 18, 42, 0))
}

func TestRestoreIgnoresBadEntries(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	m.Restore(map[string]string{
		"ct-zone-bad":   "not-a-number",
		"ct-zone-zero":  "0",
		"ct-zone-big":   "70000",
		"ct-zone-good":  "7",
	})
	Expect(m.Zones()).Should(HaveLen(1))
	Expect(m.Zone("good")).Should(Equal(7))
}

func TestExhaustionBoundary(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	// Fill every zone but one (zone 0 is reserved).
	users := sets.NewString()
	for i := 1; i < constants.MaxCtZones-1; i++ {
		users.Insert(fmt.Sprintf("u%d", i))
	}
	m.Run(users)
	Expect(m.Zones()).Should(HaveLen(constants.MaxCtZones - 2))

	// Exactly one zone left: the next allocation must succeed.
	users.Insert("last")
	m.Run(users)
	Expect(m.Zone("last")).Should(BeNumerically(">", 0))

	// And the one after must fail, leaving the user unassigned.
	users.Insert("overflow")
	m.Run(users)
	Expect(m.Zone("overflow")).Should(Equal(-1))
}

func TestAllocationScansAboveCursor(t *testing.T) {
	RegisterTestingT(t)

	m := NewMap()
	m.Run(sets.NewString("a"))
	za := m.Zone("a")
	m.Run(sets.NewString("a", "b"))
	zb := m.Zone("b")
	// The scan continues above the last position rather than reusing the
	// lowest hole immediately.
	Expect(zb).Should(BeNumerically(">", za))

	m.Run(sets.NewString("b"))
	m.Run(sets.NewString("b", "c"))
	Expect(m.Zone("c")).Should(BeNumerically(">", zb))
}
