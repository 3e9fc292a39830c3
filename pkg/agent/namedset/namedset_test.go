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

package namedset

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
)

func newSets() (*Sets, *idl.Table) {
	table := idl.NewTable(sbdb.TableAddressSet)
	s := New(table,
		func(r idl.Row) string { return r.(*sbdb.AddressSet).Name },
		func(r idl.Row) []string { return r.(*sbdb.AddressSet).Addresses })
	return s, table
}

func TestRunReportsEverythingNew(t *testing.T) {
	RegisterTestingT(t)

	s, table := newSets()
	table.Insert(&sbdb.AddressSet{UUID_: "u1", Name: "as1", Addresses: []string{"10.0.0.1"}})
	table.Insert(&sbdb.AddressSet{UUID_: "u2", Name: "as2", Addresses: []string{"10.0.0.2"}})

	Expect(s.Run()).Should(Succeed())
	Expect(s.Tracked.New.List()).Should(ConsistOf("as1", "as2"))
	Expect(s.Get("as1").List()).Should(ConsistOf("10.0.0.1"))
}

func TestIncrementalChange(t *testing.T) {
	RegisterTestingT(t)

	s, table := newSets()
	table.Insert(&sbdb.AddressSet{UUID_: "u1", Name: "as1", Addresses: []string{"10.0.0.1"}})
	Expect(s.Run()).Should(Succeed())
	s.Tracked.Clear()
	table.ClearTracked()

	table.Update(&sbdb.AddressSet{UUID_: "u1", Name: "as1", Addresses: []string{"10.0.0.1", "10.0.0.3"}})
	table.Insert(&sbdb.AddressSet{UUID_: "u2", Name: "as2", Addresses: nil})

	handled, err := s.HandleChange()
	Expect(err).ShouldNot(HaveOccurred())
	Expect(handled).Should(BeTrue())
	Expect(s.Tracked.Updated.List()).Should(ConsistOf("as1"))
	Expect(s.Tracked.New.List()).Should(ConsistOf("as2"))
	Expect(s.Get("as1").List()).Should(ConsistOf("10.0.0.1", "10.0.0.3"))

	s.Tracked.Clear()
	table.ClearTracked()
	table.Delete("u2")
	_, err = s.HandleChange()
	Expect(err).ShouldNot(HaveOccurred())
	Expect(s.Tracked.Deleted.List()).Should(ConsistOf("as2"))
	Expect(s.Get("as2")).Should(BeNil())
}

func TestNoOpUpdateStaysQuiet(t *testing.T) {
	RegisterTestingT(t)

	s, table := newSets()
	table.Insert(&sbdb.AddressSet{UUID_: "u1", Name: "as1", Addresses: []string{"10.0.0.1"}})
	Expect(s.Run()).Should(Succeed())
	s.Tracked.Clear()
	table.ClearTracked()

	// Same members, cosmetic row churn: no name delta surfaces.
	table.Update(&sbdb.AddressSet{UUID_: "u1", Name: "as1", Addresses: []string{"10.0.0.1"}})
	_, err := s.HandleChange()
	Expect(err).ShouldNot(HaveOccurred())
	Expect(s.Tracked.Empty()).Should(BeTrue())
}
