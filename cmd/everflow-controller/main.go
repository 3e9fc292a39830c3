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

package main

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	log "github.com/Sirupsen/logrus"
	"github.com/caarlos0/env/v6"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/everflow/everflow/pkg/agent"
	"github.com/everflow/everflow/pkg/agent/ofexec"
	"github.com/everflow/everflow/pkg/agent/plug"
	"github.com/everflow/everflow/pkg/constants"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/unixctl"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// envConfig is the startup environment; everything else comes from the
// open-vswitch table external-ids.
type envConfig struct {
	OvsRunDir          string `env:"OVS_RUNDIR" envDefault:"/var/run/openvswitch"`
	OvsdbSock          string `env:"OVSDB_SOCK" envDefault:"/var/run/openvswitch/db.sock"`
	CtlSock            string `env:"EVERFLOW_CTL_SOCK"`
	ParallelLflowBuild bool   `env:"EVERFLOW_PARALLEL_LFLOW_BUILD"`
	LogLevel           string `env:"EVERFLOW_LOG_LEVEL" envDefault:"info"`
}

func main() {
	root := &cobra.Command{
		Use:   "everflow-controller",
		Short: "hypervisor-resident SDN control agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
		SilenceUsage: true,
	}
	if err := root.Execute(); err != nil {
		log.Errorf("Fatal: %v", err)
		os.Exit(constants.ExitFatal)
	}
}

func run() error {
	var cfg envConfig
	if err := env.Parse(&cfg); err != nil {
		return fmt.Errorf("failed to parse environment: %v", err)
	}
	if level, err := log.ParseLevel(cfg.LogLevel); err == nil {
		log.SetLevel(level)
	}

	stopChan := make(chan struct{})
	handleSignals(stopChan)

	// Local vswitch database first: it carries our configuration.
	ovs := vswitchd.NewDB()
	ovsTransport := idl.NewTransport(ovs.DB, cfg.OvsdbSock)
	registerVswitchCodecs(ovsTransport)
	if err := ovsTransport.Connect(stopChan); err != nil {
		return fmt.Errorf("failed to connect local ovsdb: %v", err)
	}

	var root *vswitchd.OpenVSwitch
	err := wait.PollImmediate(250*time.Millisecond, 30*time.Second, func() (bool, error) {
		root = ovs.Root()
		return root != nil, nil
	})
	if err != nil {
		return fmt.Errorf("open_vswitch table never appeared: %v", err)
	}

	chassisName := root.ExternalIDs[constants.OvsCfgSystemID]
	if chassisName == "" {
		return fmt.Errorf("%s is not set in open-vswitch external-ids", constants.OvsCfgSystemID)
	}
	bridgeName := root.ExternalIDs[constants.OvsCfgBridge]
	if bridgeName == "" {
		bridgeName = constants.DefaultBridgeName
	}
	remote := root.ExternalIDs[constants.OvsCfgRemote]
	if remote == "" {
		return fmt.Errorf("%s is not set in open-vswitch external-ids", constants.OvsCfgRemote)
	}

	sbProbe := constants.DefaultSBProbe
	if ms, err := strconv.Atoi(root.ExternalIDs[constants.OvsCfgRemoteProbe]); err == nil && ms > 0 {
		sbProbe = time.Duration(ms) * time.Millisecond
	}
	ofProbe := constants.DefaultOFProbe
	if s, err := strconv.Atoi(root.ExternalIDs[constants.OvsCfgOpenflowProbe]); err == nil && s > 0 {
		ofProbe = time.Duration(s) * time.Second
	}

	sb := sbdb.NewDB()
	sbTransport := idl.NewTransport(sb.DB, remote)
	registerSBCodecs(sbTransport)
	if err := sbTransport.Connect(stopChan); err != nil {
		return fmt.Errorf("failed to connect SB database: %v", err)
	}

	channel := ofexec.NewSwitch(bridgeName, ofProbe)
	channel.Connect(cfg.OvsRunDir, randomControllerID())

	controller, err := agent.New(agent.Config{
		ChassisName:        chassisName,
		BridgeName:         bridgeName,
		OvsRunDir:          cfg.OvsRunDir,
		TransportZones:     splitNonEmpty(root.ExternalIDs[constants.OvsCfgTransportZones]),
		SBProbeInterval:    sbProbe,
		OFProbeInterval:    ofProbe,
		MonitorAll:         root.ExternalIDs[constants.OvsCfgMonitorAll] == "true",
		ParallelLflowBuild: cfg.ParallelLflowBuild,
	}, sb, ovs, channel)
	if err != nil {
		return err
	}

	if err := controller.PlugRegistry().Register(plug.NewRepresentorProvider()); err != nil {
		return err
	}

	stampBridgeDatapathType(ovs, bridgeName, root.ExternalIDs[constants.OvsCfgBrDatapathType])

	ctlPath := cfg.CtlSock
	if ctlPath == "" {
		ctlPath = filepath.Join(cfg.OvsRunDir, constants.DefaultUnixctlSock)
	}
	server := unixctl.NewServer(ctlPath)
	controller.RegisterCommands(server)
	if err := server.Start(stopChan); err != nil {
		return err
	}

	log.Infof("everflow-controller starting: chassis %s, bridge %s, remote %s",
		chassisName, bridgeName, remote)
	controller.Run(stopChan, sbTransport.Changed(), ovsTransport.Changed())
	log.Infof("everflow-controller exiting")
	return nil
}

// stampBridgeDatapathType applies ovn-bridge-datapath-type to the
// integration bridge when configured.
func stampBridgeDatapathType(ovs *vswitchd.DB, bridgeName, dpType string) {
	if dpType == "" {
		return
	}
	br := ovs.BridgeByName(bridgeName)
	if br == nil || br.DatapathType == dpType {
		return
	}
	updated := br.Copy().(*vswitchd.Bridge)
	updated.DatapathType = dpType
	txn := ovs.NewTxn("everflow-controller: datapath type")
	txn.Update(vswitchd.TableBridge, updated)
	if err := txn.Commit(); err != nil {
		log.Errorf("Failed to set datapath type %q on %s: %v", dpType, bridgeName, err)
	}
}

func handleSignals(stopChan chan struct{}) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		close(stopChan)
	}()
}

func randomControllerID() uint16 {
	var id uint16
	if err := binary.Read(rand.Reader, binary.LittleEndian, &id); err != nil {
		return uint16(os.Getpid())
	}
	return id
}

func splitNonEmpty(s string) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if part := s[start:i]; part != "" {
				out = append(out, part)
			}
			start = i + 1
		}
	}
	return out
}
