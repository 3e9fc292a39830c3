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
	"fmt"
	"sync"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/contiv/libOpenflow/openflow13"
	"github.com/contiv/ofnet/ofctrl"
	cmap "github.com/streamrail/concurrent-map"
)

// FlowStats is one row of a cookie-filtered flow stats dump.
type FlowStats struct {
	Cookie  uint64
	IdleAge int64 // seconds
}

// Channel is the flow-install transport surface the controller drives.
// The production implementation speaks OpenFlow over the bridge management
// socket; tests substitute a fake.
type Channel interface {
	Connected() bool
	// CanPut reports whether a Put may start; false while earlier work is
	// still in flight on the wire.
	CanPut() bool
	// Put installs the difference between the desired table and the
	// switch state. On completion the given configuration sequence number
	// is considered caught up.
	Put(desired *DesiredFlows, nbCfg int64) error
	// CaughtUpCfg returns the nb_cfg of the latest Put whose flow, group and
	// meter messages and closing barrier have all been sent. The barrier
	// reply is not awaited.
	CaughtUpCfg() int64
	// DumpByCookie returns the stats of the flows matching
	// (cookie, mask) exactly.
	DumpByCookie(cookie, mask uint64) ([]FlowStats, error)
	// InjectPacket enqueues a one-shot packet-out described by a
	// microflow string.
	InjectPacket(microflow string) error
}

// Switch is the ofctrl-backed Channel. It registers as the OpenFlow
// application for the integration bridge, mirroring how an SDN agent bridge
// binds to its management socket.
type Switch struct {
	bridgeName string

	mu        sync.Mutex
	ofSwitch  *ofctrl.OFSwitch
	connected bool

	installed   *DesiredFlows
	caughtUpCfg int64
	putInFlight bool

	// statsWaiters routes multipart replies to their dump call, keyed by
	// the hex cookie; written from the ofctrl receive goroutine.
	statsWaiters cmap.ConcurrentMap

	probeInterval time.Duration
}

func NewSwitch(bridgeName string, probeInterval time.Duration) *Switch {
	return &Switch{
		bridgeName:    bridgeName,
		installed:     NewDesiredFlows(),
		statsWaiters:  cmap.New(),
		probeInterval: probeInterval,
		caughtUpCfg:   -1,
	}
}

// Connect dials the bridge management socket and keeps the controller
// running; reconnects are handled by ofctrl and surface through
// SwitchConnected / SwitchDisconnected.
func (s *Switch) Connect(rundir string, controllerID uint16) {
	controller := ofctrl.NewControllerAsOFClient(s, controllerID)
	go controller.Connect(fmt.Sprintf("%s/%s.%s", rundir, s.bridgeName, "mgmt"))
}

// SwitchConnected implements the ofctrl application interface.
func (s *Switch) SwitchConnected(sw *ofctrl.OFSwitch) {
	log.Infof("OpenFlow channel to %s connected", s.bridgeName)
	s.mu.Lock()
	s.ofSwitch = sw
	s.connected = true
	// The switch flow table is unknown after a reconnect; drop the mirror
	// so the next Put reinstalls everything.
	s.installed = NewDesiredFlows()
	s.mu.Unlock()
}

// SwitchDisconnected implements the ofctrl application interface.
func (s *Switch) SwitchDisconnected(sw *ofctrl.OFSwitch) {
	log.Warnf("OpenFlow channel to %s disconnected", s.bridgeName)
	s.mu.Lock()
	s.connected = false
	s.ofSwitch = nil
	s.mu.Unlock()
}

// PacketRcvd implements the ofctrl application interface.
func (s *Switch) PacketRcvd(sw *ofctrl.OFSwitch, pkt *ofctrl.PacketIn) {
}

// MultipartReply implements the ofctrl application interface; flow stats
// replies are routed to their waiting dump call by cookie.
func (s *Switch) MultipartReply(sw *ofctrl.OFSwitch, reply *openflow13.MultipartReply) {
	if reply.Type != openflow13.MultipartType_Flow {
		return
	}
	stats := make([]FlowStats, 0, len(reply.Body))
	var cookie uint64
	for _, body := range reply.Body {
		fs, ok := body.(*openflow13.FlowStats)
		if !ok {
			continue
		}
		cookie = fs.Cookie
		stats = append(stats, FlowStats{Cookie: fs.Cookie, IdleAge: int64(fs.IdleTimeout)})
	}
	key := fmt.Sprintf("%x", cookie)
	if waiter, ok := s.statsWaiters.Get(key); ok {
		s.statsWaiters.Remove(key)
		waiter.(chan []FlowStats) <- stats
	}
}

func (s *Switch) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Switch) CanPut() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected && !s.putInFlight
}

func (s *Switch) CaughtUpCfg() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caughtUpCfg
}

// Put diffs desired against the installed mirror and ships the difference,
// followed by a barrier. The mirror only advances on success.
func (s *Switch) Put(desired *DesiredFlows, nbCfg int64) error {
	s.mu.Lock()
	if !s.connected || s.ofSwitch == nil {
		s.mu.Unlock()
		return fmt.Errorf("openflow channel to %s is down", s.bridgeName)
	}
	if s.putInFlight {
		s.mu.Unlock()
		return fmt.Errorf("flow install already in flight")
	}
	s.putInFlight = true
	sw := s.ofSwitch
	installed := s.installed
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.putInFlight = false
		s.mu.Unlock()
	}()

	adds, mods, dels := desired.Diff(installed)
	for _, f := range dels {
		if err := s.sendFlowMod(sw, f, openflow13.FC_DELETE_STRICT); err != nil {
			return err
		}
	}
	for _, f := range mods {
		if err := s.sendFlowMod(sw, f, openflow13.FC_MODIFY_STRICT); err != nil {
			return err
		}
	}
	for _, f := range adds {
		if err := s.sendFlowMod(sw, f, openflow13.FC_ADD); err != nil {
			return err
		}
	}
	if err := s.syncExtend(sw, desired, installed); err != nil {
		return err
	}

	sw.Send(openflow13.NewBarrierRequest())

	s.mu.Lock()
	s.installed = desired.Clone()
	s.caughtUpCfg = nbCfg
	s.mu.Unlock()
	log.Debugf("Installed %d adds, %d mods, %d dels on %s (nb_cfg %d)",
		len(adds), len(mods), len(dels), s.bridgeName, nbCfg)
	return nil
}

func (s *Switch) sendFlowMod(sw *ofctrl.OFSwitch, f *Flow, command int) error {
	mod, err := encodeFlowMod(f, command)
	if err != nil {
		// Structural violation: log and skip, do not fail the put.
		log.Errorf("Cannot encode flow %s: %v", f, err)
		return nil
	}
	sw.Send(mod)
	return nil
}

func (s *Switch) syncExtend(sw *ofctrl.OFSwitch, desired, installed *DesiredFlows) error {
	for id := range installed.Groups {
		if _, keep := desired.Groups[id]; !keep {
			sw.Send(newGroupMod(id, nil, openflow13.OFPGC_DELETE))
		}
	}
	for id, g := range desired.Groups {
		if have, ok := installed.Groups[id]; ok {
			if groupEqual(have, g) {
				continue
			}
			sw.Send(newGroupMod(id, g, openflow13.OFPGC_MODIFY))
			continue
		}
		sw.Send(newGroupMod(id, g, openflow13.OFPGC_ADD))
	}
	for id := range installed.Meters {
		if _, keep := desired.Meters[id]; !keep {
			sw.Send(newMeterMod(id, nil, openflow13.OFPMC_DELETE))
		}
	}
	for id, m := range desired.Meters {
		if have, ok := installed.Meters[id]; ok {
			if *have == *m {
				continue
			}
			sw.Send(newMeterMod(id, m, openflow13.OFPMC_MODIFY))
			continue
		}
		sw.Send(newMeterMod(id, m, openflow13.OFPMC_ADD))
	}
	return nil
}

func groupEqual(a, b *Group) bool {
	if a.Type != b.Type || len(a.Buckets) != len(b.Buckets) {
		return false
	}
	for i := range a.Buckets {
		if a.Buckets[i] != b.Buckets[i] {
			return false
		}
	}
	return true
}

// DumpByCookie requests a cookie-filtered flow stats dump and waits for the
// reply routed through MultipartReply.
func (s *Switch) DumpByCookie(cookie, mask uint64) ([]FlowStats, error) {
	s.mu.Lock()
	sw := s.ofSwitch
	s.mu.Unlock()
	if sw == nil {
		return nil, fmt.Errorf("openflow channel to %s is down", s.bridgeName)
	}

	waiter := make(chan []FlowStats, 1)
	key := fmt.Sprintf("%x", cookie)
	s.statsWaiters.Set(key, waiter)

	req := openflow13.NewMultipartRequest()
	req.Type = openflow13.MultipartType_Flow
	stats := openflow13.NewFlowStatsRequest()
	stats.TableId = openflow13.OFPTT_ALL
	stats.Cookie = cookie
	stats.CookieMask = mask
	req.Body = stats
	sw.Send(req)

	select {
	case rows := <-waiter:
		return rows, nil
	case <-time.After(5 * time.Second):
		s.statsWaiters.Remove(key)
		return nil, fmt.Errorf("flow stats dump for cookie 0x%x timed out", cookie)
	}
}

// InjectPacket builds a packet-out from the microflow description and sends
// it on the next opportunity.
func (s *Switch) InjectPacket(microflow string) error {
	s.mu.Lock()
	sw := s.ofSwitch
	s.mu.Unlock()
	if sw == nil {
		return fmt.Errorf("openflow channel to %s is down", s.bridgeName)
	}
	pkt, err := parseMicroflow(microflow)
	if err != nil {
		return err
	}
	sw.Send(pkt)
	return nil
}
