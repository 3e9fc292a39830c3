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

// Package ofexec is the flow-install transport: it keeps the desired
// OpenFlow table produced by flow_output, diffs it against what the switch
// has, and ships the difference over the management channel. Cookies are
// derived from the originating SB row uuid so stats map back to their
// source.
package ofexec

import (
	"fmt"
	"hash/fnv"
	"sort"
)

// Flow is one desired (or installed) OpenFlow entry. Match and Actions are
// kept in canonical text form; the channel adapter encodes them on the way
// out.
type Flow struct {
	Cookie   uint64
	Table    uint8
	Priority uint16
	Match    string
	Actions  string
	Meter    string // flow meter, "" when unmetered
	CtrlMeter string // controller-action rate limiter, "" when none
}

func (f *Flow) key() string {
	return fmt.Sprintf("%d|%d|%s", f.Table, f.Priority, f.Match)
}

// Equal ignores nothing: two flows are the same only when every field is.
func (f *Flow) Equal(other *Flow) bool { return *f == *other }

func (f *Flow) String() string {
	return fmt.Sprintf("cookie=0x%x, table=%d, priority=%d, %s actions=%s",
		f.Cookie, f.Table, f.Priority, f.Match, f.Actions)
}

// Group is one OpenFlow group entry (multicast distribution).
type Group struct {
	ID      uint32
	Type    string // all / select
	Buckets []string
}

// Meter is one OpenFlow meter entry.
type Meter struct {
	ID    uint32
	Rate  uint64 // kbps
	Burst uint64
}

// CookieOf derives the flow cookie from the originating SB row uuid.
func CookieOf(uuid string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(uuid))
	return h.Sum64()
}

// DesiredFlows is the flow table flow_output produces each iteration,
// together with the group and meter extend tables.
type DesiredFlows struct {
	flows  map[string]*Flow
	Groups map[uint32]*Group
	Meters map[uint32]*Meter
}

func NewDesiredFlows() *DesiredFlows {
	return &DesiredFlows{
		flows:  make(map[string]*Flow),
		Groups: make(map[uint32]*Group),
		Meters: make(map[uint32]*Meter),
	}
}

// Add inserts or replaces a flow. A flow with the same (table, priority,
// match) as an existing one replaces it whatever the cookies: last write wins.
func (d *DesiredFlows) Add(f *Flow) {
	d.flows[f.key()] = f
}

// RemoveByCookie drops every flow carrying the cookie; used when a source
// row's contribution is reversed.
func (d *DesiredFlows) RemoveByCookie(cookie uint64) int {
	n := 0
	for key, f := range d.flows {
		if f.Cookie == cookie {
			delete(d.flows, key)
			n++
		}
	}
	return n
}

// Len returns the number of desired flows.
func (d *DesiredFlows) Len() int { return len(d.flows) }

// ForEach iterates flows in a stable order.
func (d *DesiredFlows) ForEach(fn func(*Flow)) {
	keys := make([]string, 0, len(d.flows))
	for k := range d.flows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fn(d.flows[k])
	}
}

// Clone returns an independent copy.
func (d *DesiredFlows) Clone() *DesiredFlows {
	out := NewDesiredFlows()
	for k, f := range d.flows {
		c := *f
		out.flows[k] = &c
	}
	for id, g := range d.Groups {
		c := *g
		c.Buckets = append([]string(nil), g.Buckets...)
		out.Groups[id] = &c
	}
	for id, m := range d.Meters {
		c := *m
		out.Meters[id] = &c
	}
	return out
}

// Diff computes the changes needed to move installed to d.
func (d *DesiredFlows) Diff(installed *DesiredFlows) (adds, mods, dels []*Flow) {
	for key, want := range d.flows {
		have, ok := installed.flows[key]
		switch {
		case !ok:
			adds = append(adds, want)
		case !want.Equal(have):
			mods = append(mods, want)
		}
	}
	for key, have := range installed.flows {
		if _, ok := d.flows[key]; !ok {
			dels = append(dels, have)
		}
	}
	return adds, mods, dels
}
