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

// Package macage deletes SB MAC-binding rows whose datapath flows have been
// idle past a configured threshold. Records are keyed by a copy of the row
// uuid with a generation counter, so a deleted and recreated binding never
// aliases a stale record.
package macage

import (
	log "github.com/Sirupsen/logrus"

	"github.com/everflow/everflow/pkg/sbdb"
)

// FlowStats is one flow-stats row from the OpenFlow channel.
type FlowStats struct {
	Cookie  uint64
	IdleAge int64 // seconds
}

// StatsFunc dumps flow stats filtered by (cookie, mask).
type StatsFunc func(cookie uint64) ([]FlowStats, error)

type entry struct {
	lastCheckMs int64
	idleAgeMs   int64
	seq         uint64
}

// Ager is the process-wide aging map.
type Ager struct {
	entries map[string]*entry
	gen     uint64
}

func NewAger() *Ager {
	return &Ager{entries: make(map[string]*entry)}
}

// Len returns the number of tracked bindings.
func (a *Ager) Len() int { return len(a.entries) }

// IdleAge returns the current idle-age estimate for a binding in ms, or -1.
func (a *Ager) IdleAge(uuid string) int64 {
	e, ok := a.entries[uuid]
	if !ok {
		return -1
	}
	return e.idleAgeMs
}

// Run ages the given local MAC bindings and returns the uuids whose rows
// should be deleted. nowMs is wall time in ms; thresholdMs==0 disables aging
// entirely; removalLimit==0 means unlimited. cookieOf derives the OpenFlow
// cookie from a binding uuid.
func (a *Ager) Run(nowMs int64, rows []*sbdb.MacBinding, stats StatsFunc,
	cookieOf func(string) uint64, thresholdMs int64, removalLimit int) []string {
	if thresholdMs == 0 {
		return nil
	}
	a.gen++

	// Generation 1: make every live row current.
	for _, row := range rows {
		e, ok := a.entries[row.UUID()]
		if !ok {
			e = &entry{lastCheckMs: nowMs}
			a.entries[row.UUID()] = e
		}
		e.seq = a.gen
	}
	// Entries the dump no longer covers are not local anymore.
	for uuid, e := range a.entries {
		if e.seq != a.gen {
			delete(a.entries, uuid)
		}
	}

	var deletions []string
	for _, row := range rows {
		e := a.entries[row.UUID()]
		if nowMs-e.lastCheckMs+e.idleAgeMs < thresholdMs {
			continue
		}
		dump, err := stats(cookieOf(row.UUID()))
		if err != nil {
			log.Errorf("Flow stats dump for MAC binding %s failed: %v", row.UUID(), err)
			continue
		}
		// One flow per direction; anything else means the dump raced a
		// flow table change, skip this round.
		if len(dump) != 2 {
			log.Debugf("MAC binding %s: expected 2 stats rows, got %d, skipping", row.UUID(), len(dump))
			continue
		}
		min := dump[0].IdleAge
		if dump[1].IdleAge < min {
			min = dump[1].IdleAge
		}
		e.idleAgeMs = min * 1000
		e.lastCheckMs = nowMs

		if e.idleAgeMs >= thresholdMs {
			if removalLimit > 0 && len(deletions) >= removalLimit {
				log.Infof("MAC binding removal limit %d reached, deferring further deletions", removalLimit)
				break
			}
			deletions = append(deletions, row.UUID())
			delete(a.entries, row.UUID())
		}
	}
	return deletions
}
