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

// Package agent owns the controller main loop: pull deltas from the SB and
// local vswitch databases, run the incremental engine, push the resulting
// flows to the integration bridge and the runtime state back to SB.
package agent

import (
	"fmt"
	"sync/atomic"
	"time"

	log "github.com/Sirupsen/logrus"

	"github.com/everflow/everflow/pkg/agent/ctzone"
	"github.com/everflow/everflow/pkg/agent/engine"
	"github.com/everflow/everflow/pkg/agent/flowout"
	"github.com/everflow/everflow/pkg/agent/macage"
	"github.com/everflow/everflow/pkg/agent/namedset"
	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/agent/plug"
	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/constants"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// Config carries the resolved startup configuration. Runtime knobs continue
// to arrive through the open-vswitch table external-ids.
type Config struct {
	ChassisName    string
	BridgeName     string
	OvsRunDir      string
	TransportZones []string

	SBProbeInterval time.Duration
	OFProbeInterval time.Duration
	MonitorAll      bool

	// ParallelLflowBuild opts into the hash-striped parallel build of the
	// lflow table.
	ParallelLflowBuild bool

	// SyncLflows enables the translator-side sync of the shared lflow
	// table into the SB Logical_Flow table.
	SyncLflows bool
}

// Controller is the whole agent: every subsystem hangs off this value, none
// of them keeps package-level mutable state.
type Controller struct {
	cfg Config

	sb  *sbdb.DB
	ovs *vswitchd.DB

	engine     *engine.Engine
	rt         *runtime.Data
	mgr        *flowout.Mgr
	fo         *flowout.Data
	addrSets   *namedset.Sets
	portGroups *namedset.Sets
	zones      *ctzone.Map
	ager       *macage.Ager
	plugReg    *plug.Registry
	plugRun    *plug.Run

	channel ofexec.Channel

	exitRequested int32 // atomic
	restartMode   bool

	injectQueue []string

	lastSBSeqno  uint64
	lastOvsSeqno uint64
	claimCfg     int64

	zonesRestored bool
}

// New assembles a controller over the given database caches and OpenFlow
// channel. The caller connects the transports.
func New(cfg Config, sb *sbdb.DB, ovs *vswitchd.DB, channel ofexec.Channel) (*Controller, error) {
	if cfg.ChassisName == "" {
		return nil, fmt.Errorf("chassis name (system-id) is required")
	}
	if cfg.BridgeName == "" {
		cfg.BridgeName = constants.DefaultBridgeName
	}

	c := &Controller{
		cfg:      cfg,
		sb:       sb,
		ovs:      ovs,
		channel:  channel,
		zones:    ctzone.NewMap(),
		ager:     macage.NewAger(),
		plugReg:  plug.NewRegistry(),
		claimCfg: -1,
	}
	c.rt = runtime.New(cfg.ChassisName, sb, ovs, cfg.TransportZones)
	c.mgr = flowout.NewMgr(sb, c.rt)
	c.addrSets = namedset.New(sb.Table(sbdb.TableAddressSet),
		func(r idl.Row) string { return r.(*sbdb.AddressSet).Name },
		func(r idl.Row) []string { return r.(*sbdb.AddressSet).Addresses })
	c.portGroups = namedset.New(sb.Table(sbdb.TablePortGroup),
		func(r idl.Row) string { return r.(*sbdb.PortGroup).Name },
		func(r idl.Row) []string { return r.(*sbdb.PortGroup).Ports })
	c.fo = flowout.New(sb, c.rt, c.mgr, c.addrSets, c.portGroups, c.zones)
	c.fo.SetVswitchDB(ovs)
	c.plugRun = plug.NewRun(sb, ovs, c.rt, c.plugReg)

	eng, err := c.buildEngine()
	if err != nil {
		return nil, err
	}
	c.engine = eng
	eng.OnClear(func() {
		c.sb.ClearAllTracked()
		c.ovs.ClearAllTracked()
	})
	return c, nil
}

// PlugRegistry exposes provider registration to main.
func (c *Controller) PlugRegistry() *plug.Registry { return c.plugReg }

// RequestExit asks the loop to stop; restart mode suppresses cleanup of
// persistent SB state.
func (c *Controller) RequestExit(restart bool) {
	c.restartMode = restart
	atomic.StoreInt32(&c.exitRequested, 1)
}

func (c *Controller) exiting() bool {
	return atomic.LoadInt32(&c.exitRequested) != 0
}

// ForceRecompute requests a full engine recompute next iteration.
func (c *Controller) ForceRecompute() { c.engine.ForceRecompute() }

// InjectPacket queues a one-shot packet for the next iteration.
func (c *Controller) InjectPacket(microflow string) {
	c.injectQueue = append(c.injectQueue, microflow)
}

// Run drives the main loop until exit is requested. wakeups are the
// transport change channels to block on between iterations.
func (c *Controller) Run(stopChan <-chan struct{}, wakeups ...<-chan struct{}) {
	ticker := time.NewTicker(constants.DefaultLoopInterval)
	defer ticker.Stop()

	for !c.exiting() {
		c.Iterate()

		select {
		case <-stopChan:
			return
		case <-ticker.C:
		case <-firstOf(wakeups):
		}
	}
	if !c.restartMode {
		c.cleanupSB()
	}
}

// firstOf folds the wakeup channels into one.
func firstOf(chans []<-chan struct{}) <-chan struct{} {
	if len(chans) == 1 {
		return chans[0]
	}
	merged := make(chan struct{}, 1)
	for _, ch := range chans {
		go func(ch <-chan struct{}) {
			for range ch {
				select {
				case merged <- struct{}{}:
				default:
				}
			}
		}(ch)
	}
	return merged
}

// Iterate runs exactly one loop iteration; split out for tests.
func (c *Controller) Iterate() {
	c.restoreZonesOnce()
	c.checkConnSeqnos()

	canPut := c.channel.Connected() && c.channel.CanPut()
	if !canPut {
		// In-flight OpenFlow work: the engine may still run
		// incrementally, but a recompute would invalidate what is on the
		// wire, so it is deferred too.
		if c.engineWantsRecompute() {
			return
		}
	}

	c.engine.Run()
	if c.engine.Aborted() {
		log.Warnf("Engine aborted; a full recompute is scheduled")
		return
	}

	c.putFlows(canPut)
	c.runAger()
	if err := c.plugRun.RunNode(); err != nil {
		log.Errorf("plug_run failed: %v", err)
	}
	c.commitSB()
	c.commitVswitch()
	c.drainInjectQueue()
}

// engineWantsRecompute reports whether the previous engine run aborted. A
// recompute requested by a txn failure, a reconnect, or the operator command
// is not visible here.
func (c *Controller) engineWantsRecompute() bool {
	// The flag is private to the engine; approximate by the abort state
	// of the previous iteration.
	return c.engine.Aborted()
}

func (c *Controller) restoreZonesOnce() {
	if c.zonesRestored {
		return
	}
	br := c.ovs.BridgeByName(c.cfg.BridgeName)
	if br == nil {
		return
	}
	c.zones.Restore(br.ExternalIDs)
	c.zonesRestored = true
}

func (c *Controller) checkConnSeqnos() {
	if seq := c.sb.ConnSeqno(); seq != c.lastSBSeqno {
		c.lastSBSeqno = seq
		log.Infof("SB connection seqno moved to %d, forcing recompute", seq)
		c.engine.ForceRecompute()
	}
	if seq := c.ovs.ConnSeqno(); seq != c.lastOvsSeqno {
		c.lastOvsSeqno = seq
		log.Infof("vswitch connection seqno moved to %d, forcing recompute", seq)
		c.engine.ForceRecompute()
	}
}

func (c *Controller) putFlows(canPut bool) {
	if !canPut {
		log.Debugf("OpenFlow channel busy, deferring flow install")
		return
	}
	nbCfg := int64(0)
	if g := c.sb.Global(); g != nil {
		nbCfg = g.NbCfg
	}
	c.zones.MarkOFFlushed()
	if err := c.channel.Put(c.fo.Desired, nbCfg); err != nil {
		log.Errorf("Flow install failed: %v", err)
		c.engine.ForceRecompute()
		return
	}
	c.claimCfg = nbCfg
}

func (c *Controller) runAger() {
	nowMs := time.Now().UnixNano() / int64(time.Millisecond)
	limit := c.macRemovalLimit()

	for _, dp := range c.rt.Datapaths() {
		if !dp.IsRouter {
			continue
		}
		threshold := dpAgeThreshold(c.sb.Datapath(dp.UUID))
		if threshold == 0 {
			continue
		}
		rows := c.localMacBindings(dp.UUID)
		deletions := c.ager.Run(nowMs, rows, c.dumpStats, ofexec.CookieOf, threshold, limit)
		if len(deletions) == 0 {
			continue
		}
		txn := c.sb.NewTxn("everflow-controller: mac binding aging")
		for _, uuid := range deletions {
			txn.Delete(sbdb.TableMacBinding, uuid)
		}
		if err := txn.Commit(); err != nil {
			log.Errorf("MAC binding aging commit failed: %v", err)
		}
	}
}

func dpAgeThreshold(dp *sbdb.DatapathBinding) int64 {
	if dp == nil {
		return 0
	}
	var ms int64
	fmt.Sscanf(dp.ExternalIDs[constants.OptMacBindingAgeThreshold], "%d", &ms)
	return ms
}

func (c *Controller) macRemovalLimit() int {
	g := c.sb.Global()
	if g == nil {
		return 0
	}
	var limit int
	fmt.Sscanf(g.Options[constants.OptMacBindingRemovalLimit], "%d", &limit)
	return limit
}

func (c *Controller) localMacBindings(dpUUID string) []*sbdb.MacBinding {
	rows := c.sb.Table(sbdb.TableMacBinding).Lookup(sbdb.IndexDatapath, dpUUID)
	out := make([]*sbdb.MacBinding, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.(*sbdb.MacBinding))
	}
	return out
}

func (c *Controller) dumpStats(cookie uint64) ([]macage.FlowStats, error) {
	rows, err := c.channel.DumpByCookie(cookie, ^uint64(0))
	if err != nil {
		return nil, err
	}
	out := make([]macage.FlowStats, 0, len(rows))
	for _, r := range rows {
		out = append(out, macage.FlowStats{Cookie: r.Cookie, IdleAge: r.IdleAge})
	}
	return out, nil
}

// commitSB builds and ships the main SB transaction of this iteration:
// binding claims/releases, nb_cfg catch-up, and (in translator mode) the
// lflow table sync. MAC-binding aging deletions are not part of it; runAger
// commits those in transactions of their own.
func (c *Controller) commitSB() {
	txn := c.sb.NewTxn("everflow-controller")
	ofCaughtUp := c.channel.Connected() && c.channel.CaughtUpCfg() >= c.claimCfg && c.claimCfg >= 0
	c.rt.CommitSB(txn, ofCaughtUp)

	if c.cfg.SyncLflows {
		c.mgr.Table().SyncToSB(c.sb, txn, c.rt)
	}

	if ofCaughtUp {
		if ch := c.sb.ChassisByName(c.cfg.ChassisName); ch != nil && ch.NbCfg != c.claimCfg {
			updated := ch.Copy().(*sbdb.Chassis)
			updated.NbCfg = c.claimCfg
			txn.Update(sbdb.TableChassis, updated)
		}
	}

	if txn.Empty() {
		return
	}
	if err := txn.Commit(); err != nil {
		if err == idl.ErrTryAgain {
			log.Infof("SB transaction asked for retry")
		} else {
			log.Errorf("SB transaction failed: %v", err)
		}
		c.engine.ForceRecompute()
	}
}

// commitVswitch ships the local transaction: ct-zone external-ids and plug
// interface changes; the pending machines advance on the outcome.
func (c *Controller) commitVswitch() {
	txn := c.ovs.NewTxn("everflow-controller")
	br := c.ovs.BridgeByName(c.cfg.BridgeName)
	if br != nil {
		if extIDs, dirty := c.zones.CommitQueued(br.ExternalIDs); dirty {
			updated := br.Copy().(*vswitchd.Bridge)
			updated.ExternalIDs = extIDs
			txn.Update(vswitchd.TableBridge, updated)
		}
	}
	c.plugRun.CommitVswitch(txn)

	if txn.Empty() {
		c.zones.OnVswitchCommit(true)
		c.plugRun.OnVswitchCommit(true)
		return
	}
	err := txn.Commit()
	ok := err == nil
	if !ok {
		log.Errorf("vswitch transaction failed: %v", err)
		c.engine.ForceRecompute()
	}
	c.zones.OnVswitchCommit(ok)
	c.plugRun.OnVswitchCommit(ok)
}

func (c *Controller) drainInjectQueue() {
	if len(c.injectQueue) == 0 {
		return
	}
	queue := c.injectQueue
	c.injectQueue = nil
	for _, microflow := range queue {
		if err := c.channel.InjectPacket(microflow); err != nil {
			log.Errorf("inject-pkt %q failed: %v", microflow, err)
		}
	}
}

// cleanupSB clears this chassis' claims on a clean (non-restart) exit.
func (c *Controller) cleanupSB() {
	ch := c.sb.ChassisByName(c.cfg.ChassisName)
	if ch == nil {
		return
	}
	txn := c.sb.NewTxn("everflow-controller: exiting")
	c.sb.Table(sbdb.TablePortBinding).ForEach(func(r idl.Row) {
		pb := r.(*sbdb.PortBinding)
		if pb.Chassis != ch.UUID() {
			return
		}
		updated := pb.Copy().(*sbdb.PortBinding)
		updated.Chassis = ""
		updated.Up = false
		txn.Update(sbdb.TablePortBinding, updated)
	})
	if err := txn.Commit(); err != nil {
		log.Errorf("SB cleanup on exit failed: %v", err)
	}
}
