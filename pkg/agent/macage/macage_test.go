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

package macage

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/everflow/everflow/pkg/sbdb"
)

const thresholdMs = 60000

func cookieOf(uuid string) uint64 { return 0xfeed }

func binding(uuid string) *sbdb.MacBinding {
	return &sbdb.MacBinding{UUID_: uuid, LogicalPort: "lrp1", IP: "10.0.0.9", MAC: "aa:bb:cc:dd:ee:ff"}
}

func statsOf(ages ...int64) StatsFunc {
	return func(cookie uint64) ([]FlowStats, error) {
		out := make([]FlowStats, 0, len(ages))
		for _, age := range ages {
			out = append(out, FlowStats{Cookie: cookie, IdleAge: age})
		}
		return out, nil
	}
}

func TestAgingTakesMinOfTwoDirections(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	rows := []*sbdb.MacBinding{binding("b1")}

	// First sighting only registers the record.
	Expect(a.Run(0, rows, statsOf(), cookieOf, thresholdMs, 0)).Should(BeEmpty())

	// 59s and 61s: min is 59s, below the 60s threshold, no delete.
	deletions := a.Run(thresholdMs, rows, statsOf(59, 61), cookieOf, thresholdMs, 0)
	Expect(deletions).Should(BeEmpty())
	Expect(a.IdleAge("b1")).Should(Equal(int64(59000)))

	// Both directions now 61s: the binding ages out.
	deletions = a.Run(2*thresholdMs, rows, statsOf(61, 61), cookieOf, thresholdMs, 0)
	Expect(deletions).Should(ConsistOf("b1"))
	Expect(a.IdleAge("b1")).Should(Equal(int64(-1)))
}

func TestThresholdZeroDisablesAging(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	rows := []*sbdb.MacBinding{binding("b1")}
	deletions := a.Run(0, rows, statsOf(3600, 3600), cookieOf, 0, 0)
	Expect(deletions).Should(BeEmpty())
	Expect(a.Len()).Should(Equal(0))
}

func TestUnexpectedStatsMultiplicitySkips(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	rows := []*sbdb.MacBinding{binding("b1")}
	a.Run(0, rows, statsOf(), cookieOf, thresholdMs, 0)

	// One stats row only: idle age must not move and nothing is deleted.
	deletions := a.Run(thresholdMs, rows, statsOf(99999), cookieOf, thresholdMs, 0)
	Expect(deletions).Should(BeEmpty())
	Expect(a.IdleAge("b1")).Should(Equal(int64(0)))

	// Three rows: same story.
	deletions = a.Run(2*thresholdMs, rows, statsOf(99999, 99999, 99999), cookieOf, thresholdMs, 0)
	Expect(deletions).Should(BeEmpty())
	Expect(a.IdleAge("b1")).Should(Equal(int64(0)))
}

func TestStaleEntriesDropWithGeneration(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	a.Run(0, []*sbdb.MacBinding{binding("b1"), binding("b2")}, statsOf(1, 1), cookieOf, thresholdMs, 0)
	Expect(a.Len()).Should(Equal(2))

	// b2 no longer local: its record is dropped on the next run.
	a.Run(1000, []*sbdb.MacBinding{binding("b1")}, statsOf(1, 1), cookieOf, thresholdMs, 0)
	Expect(a.Len()).Should(Equal(1))
	Expect(a.IdleAge("b2")).Should(Equal(int64(-1)))
}

func TestRemovalLimitCapsDeletions(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	rows := []*sbdb.MacBinding{binding("b1"), binding("b2"), binding("b3")}
	a.Run(0, rows, statsOf(), cookieOf, thresholdMs, 2)

	deletions := a.Run(thresholdMs, rows, statsOf(100, 100), cookieOf, thresholdMs, 2)
	Expect(deletions).Should(HaveLen(2))

	// The survivor goes on a later run.
	var rest []*sbdb.MacBinding
	for _, r := range rows {
		if a.IdleAge(r.UUID()) >= 0 {
			rest = append(rest, r)
		}
	}
	Expect(rest).Should(HaveLen(1))
	deletions = a.Run(2*thresholdMs, rest, statsOf(100, 100), cookieOf, thresholdMs, 2)
	Expect(deletions).Should(HaveLen(1))
}

func TestFreshBindingWaitsForThresholdWindow(t *testing.T) {
	RegisterTestingT(t)

	a := NewAger()
	rows := []*sbdb.MacBinding{binding("b1")}

	// A record seen just now is not checked yet: the threshold window
	// since last_check has not elapsed.
	called := false
	stats := func(cookie uint64) ([]FlowStats, error) {
		called = true
		return []FlowStats{{IdleAge: 1}, {IdleAge: 1}}, nil
	}
	deletions := a.Run(1000000, rows, stats, cookieOf, thresholdMs, 0)
	Expect(deletions).Should(BeEmpty())
	Expect(called).Should(BeFalse())

	// One threshold later the check happens.
	deletions = a.Run(1000000+thresholdMs, rows, stats, cookieOf, thresholdMs, 0)
	Expect(called).Should(BeTrue())
	Expect(deletions).Should(BeEmpty())
}
