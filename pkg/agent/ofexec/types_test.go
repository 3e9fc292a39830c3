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
	"testing"

	. "github.com/onsi/gomega"
)

func TestCookieIsStablePerSource(t *testing.T) {
	RegisterTestingT(t)

	Expect(CookieOf("row-1")).Should(Equal(CookieOf("row-1")))
	Expect(CookieOf("row-1")).ShouldNot(Equal(CookieOf("row-2")))
}

func TestDesiredFlowsDiff(t *testing.T) {
	RegisterTestingT(t)

	installed := NewDesiredFlows()
	installed.Add(&Flow{Cookie: 1, Table: 0, Priority: 100, Match: "in_port=3", Actions: "resubmit(,8)"})
	installed.Add(&Flow{Cookie: 2, Table: 65, Priority: 100, Match: "reg15=0x5", Actions: "output:3"})

	desired := NewDesiredFlows()
	// Unchanged flow.
	desired.Add(&Flow{Cookie: 1, Table: 0, Priority: 100, Match: "in_port=3", Actions: "resubmit(,8)"})
	// Same key, new actions: a modify.
	desired.Add(&Flow{Cookie: 2, Table: 65, Priority: 100, Match: "reg15=0x5", Actions: "output:4"})
	// Brand new flow.
	desired.Add(&Flow{Cookie: 3, Table: 33, Priority: 100, Match: "reg15=0x8000", Actions: "group:1"})

	adds, mods, dels := desired.Diff(installed)
	Expect(adds).Should(HaveLen(1))
	Expect(adds[0].Cookie).Should(Equal(uint64(3)))
	Expect(mods).Should(HaveLen(1))
	Expect(mods[0].Actions).Should(Equal("output:4"))
	Expect(dels).Should(BeEmpty())

	// Dropping a desired flow surfaces as a delete.
	empty := NewDesiredFlows()
	adds, mods, dels = empty.Diff(installed)
	Expect(adds).Should(BeEmpty())
	Expect(mods).Should(BeEmpty())
	Expect(dels).Should(HaveLen(2))
}

func TestRemoveByCookie(t *testing.T) {
	RegisterTestingT(t)

	d := NewDesiredFlows()
	d.Add(&Flow{Cookie: 7, Table: 66, Priority: 100, Match: "nw_dst=10.0.0.9", Actions: "drop"})
	d.Add(&Flow{Cookie: 7, Table: 67, Priority: 100, Match: "nw_src=10.0.0.9", Actions: "drop"})
	d.Add(&Flow{Cookie: 8, Table: 66, Priority: 100, Match: "nw_dst=10.0.0.10", Actions: "drop"})

	Expect(d.RemoveByCookie(7)).Should(Equal(2))
	Expect(d.Len()).Should(Equal(1))
	Expect(d.RemoveByCookie(7)).Should(Equal(0))
}

func TestCloneIsIndependent(t *testing.T) {
	RegisterTestingT(t)

	d := NewDesiredFlows()
	d.Add(&Flow{Cookie: 1, Table: 0, Priority: 1, Match: "ip", Actions: "drop"})
	d.Groups[5] = &Group{ID: 5, Type: "all", Buckets: []string{"output:1"}}

	c := d.Clone()
	c.RemoveByCookie(1)
	c.Groups[5].Buckets[0] = "output:9"

	Expect(d.Len()).Should(Equal(1))
	Expect(d.Groups[5].Buckets[0]).Should(Equal("output:1"))
}
