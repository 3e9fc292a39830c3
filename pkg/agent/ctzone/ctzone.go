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

// Package ctzone allocates conntrack zone ids for local logical ports and
// router NAT, persisting the assignment in the integration bridge
// external-ids so zones survive a controller restart.
package ctzone

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/constants"
)

// PendingState drives one queued zone change towards the databases.
type PendingState int

//nolint
const (
	OFQueued PendingState = iota // flows pending with the OF installer
	DBQueued                     // external-ids write pending
	DBSent                       // write in flight, awaiting commit
)

func (s PendingState) String() string {
	switch s {
	case OFQueued:
		return "of-queued"
	case DBQueued:
		return "db-queued"
	case DBSent:
		return "db-sent"
	}
	return "unknown"
}

// Pending is one queued zone change. Add false means the zone was freed.
type Pending struct {
	State PendingState
	Zone  int
	Add   bool
}

// Map is the ct-zone allocator. Single-threaded, owned by the controller.
type Map struct {
	bitmap  []uint64 // 65536 bits, bit 0 reserved
	zones   map[string]int
	pending map[string]*Pending
	cursor  int // last scanned position, allocation continues above it

	warnThrottle time.Time
}

func NewMap() *Map {
	m := &Map{
		bitmap:  make([]uint64, constants.MaxCtZones/64),
		zones:   make(map[string]int),
		pending: make(map[string]*Pending),
		cursor:  0,
	}
	m.setBit(0) // zone 0 reserved
	return m
}

func (m *Map) setBit(bit int)  { m.bitmap[bit/64] |= 1 << uint(bit%64) }
func (m *Map) clrBit(bit int)  { m.bitmap[bit/64] &^= 1 << uint(bit%64) }
func (m *Map) bit(bit int) bool { return m.bitmap[bit/64]&(1<<uint(bit%64)) != 0 }

// Zones returns the live user -> zone assignment.
func (m *Map) Zones() map[string]int { return m.zones }

// Zone returns the assigned zone for user, or -1.
func (m *Map) Zone(user string) int {
	z, ok := m.zones[user]
	if !ok {
		return -1
	}
	return z
}

// PendingChanges exposes the queued changes; the OF installer consumes OFQueued
// entries when flushing zone flows.
func (m *Map) PendingChanges() map[string]*Pending { return m.pending }

// DnatUser and SnatUser derive the per-router allocator users.
func DnatUser(lrUUID string) string { return lrUUID + "_dnat" }
func SnatUser(lrUUID string) string { return lrUUID + "_snat" }

// Restore repopulates the allocator from the bridge external-ids map; called
// once at startup before any Run. No OF flush is queued for restored
// entries.
func (m *Map) Restore(externalIDs map[string]string) {
	for key, val := range externalIDs {
		if !strings.HasPrefix(key, constants.BridgeCtZonePrefix) {
			continue
		}
		user := strings.TrimPrefix(key, constants.BridgeCtZonePrefix)
		zone, err := strconv.Atoi(val)
		if err != nil || zone <= 0 || zone >= constants.MaxCtZones {
			log.Warnf("Ignoring bad persisted ct-zone %q=%q", key, val)
			continue
		}
		if m.bit(zone) {
			log.Warnf("Persisted ct-zone %q=%d collides, dropping", user, zone)
			continue
		}
		m.zones[user] = zone
		m.setBit(zone)
	}
	log.Infof("Restored %d ct-zone assignments from bridge external-ids", len(m.zones))
}

// Run reconciles the assignment against the desired user set: stale users
// free their zone and queue a database removal; new users allocate the
// lowest free zone above the scan cursor (wrapping once) and queue an OF
// flush followed by a database write.
func (m *Map) Run(desired sets.String) bool {
	changed := false

	for user, zone := range m.zones {
		if desired.Has(user) {
			continue
		}
		m.clrBit(zone)
		delete(m.zones, user)
		m.pending[user] = &Pending{State: DBQueued, Zone: zone, Add: false}
		changed = true
	}

	for _, user := range desired.List() {
		if _, ok := m.zones[user]; ok {
			continue
		}
		zone, ok := m.alloc()
		if !ok {
			m.warnExhausted(user)
			continue
		}
		m.zones[user] = zone
		m.pending[user] = &Pending{State: OFQueued, Zone: zone, Add: true}
		changed = true
	}
	return changed
}

// alloc scans for the lowest free bit above the cursor, wrapping once.
func (m *Map) alloc() (int, bool) {
	start := m.cursor + 1
	if start >= constants.MaxCtZones {
		start = constants.CtZoneMin
	}
	for i := start; i < constants.MaxCtZones; i++ {
		if !m.bit(i) {
			m.setBit(i)
			m.cursor = i
			return i, true
		}
	}
	for i := constants.CtZoneMin; i < start; i++ {
		if !m.bit(i) {
			m.setBit(i)
			m.cursor = i
			return i, true
		}
	}
	return 0, false
}

func (m *Map) warnExhausted(user string) {
	if time.Since(m.warnThrottle) < 10*time.Second {
		return
	}
	m.warnThrottle = time.Now()
	log.Warnf("ct-zones exhausted, cannot allocate a zone for %q", user)
}

// MarkOFFlushed moves OFQueued entries to DBQueued after the installer has
// flushed/installed the zone flows.
func (m *Map) MarkOFFlushed() {
	for _, p := range m.pending {
		if p.State == OFQueued {
			p.State = DBQueued
		}
	}
}

// CommitQueued folds the DBQueued entries into the bridge external-ids map
// and marks them DBSent. Returns the updated map (a copy) and whether any
// write is needed.
func (m *Map) CommitQueued(bridgeExternalIDs map[string]string) (map[string]string, bool) {
	out := make(map[string]string, len(bridgeExternalIDs))
	for k, v := range bridgeExternalIDs {
		out[k] = v
	}
	dirty := false
	for user, p := range m.pending {
		if p.State != DBQueued {
			continue
		}
		key := constants.BridgeCtZonePrefix + user
		if p.Add {
			out[key] = fmt.Sprint(p.Zone)
		} else {
			delete(out, key)
		}
		p.State = DBSent
		dirty = true
	}
	return out, dirty
}

// OnVswitchCommit finishes the pending machine after the vswitch transaction
// resolves: success removes DBSent entries, failure rolls them back to
// DBQueued for retry.
func (m *Map) OnVswitchCommit(ok bool) {
	for user, p := range m.pending {
		if p.State != DBSent {
			continue
		}
		if ok {
			delete(m.pending, user)
		} else {
			p.State = DBQueued
		}
	}
}
