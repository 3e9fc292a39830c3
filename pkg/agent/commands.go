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

package agent

import (
	"fmt"
	"sort"
	"strings"

	"github.com/everflow/everflow/pkg/unixctl"
)

// RegisterCommands wires the operator control commands onto the unixctl
// server.
func (c *Controller) RegisterCommands(server *unixctl.Server) {
	server.Register("exit", func(args []string) (string, error) {
		restart := len(args) > 0 && args[0] == "--restart"
		c.RequestExit(restart)
		return "exiting", nil
	})
	server.Register("recompute", func(args []string) (string, error) {
		c.ForceRecompute()
		return "recompute requested", nil
	})
	server.Register("connection-status", func(args []string) (string, error) {
		of := "down"
		if c.channel.Connected() {
			of = "up"
		}
		return fmt.Sprintf("sb: seqno %d\nvswitch: seqno %d\nopenflow: %s",
			c.sb.ConnSeqno(), c.ovs.ConnSeqno(), of), nil
	})
	server.Register("ct-zone-list", func(args []string) (string, error) {
		zones := c.zones.Zones()
		users := make([]string, 0, len(zones))
		for user := range zones {
			users = append(users, user)
		}
		sort.Strings(users)
		var sb strings.Builder
		for _, user := range users {
			fmt.Fprintf(&sb, "%s %d\n", user, zones[user])
		}
		return sb.String(), nil
	})
	server.Register("group-table-list", func(args []string) (string, error) {
		ids := make([]int, 0, len(c.fo.Desired.Groups))
		for id := range c.fo.Desired.Groups {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		var sb strings.Builder
		for _, id := range ids {
			g := c.fo.Desired.Groups[uint32(id)]
			fmt.Fprintf(&sb, "group_id=%d,type=%s,buckets=%d\n", g.ID, g.Type, len(g.Buckets))
		}
		return sb.String(), nil
	})
	server.Register("meter-table-list", func(args []string) (string, error) {
		ids := make([]int, 0, len(c.fo.Desired.Meters))
		for id := range c.fo.Desired.Meters {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		var sb strings.Builder
		for _, id := range ids {
			m := c.fo.Desired.Meters[uint32(id)]
			fmt.Fprintf(&sb, "meter_id=%d,rate=%d,burst=%d\n", m.ID, m.Rate, m.Burst)
		}
		return sb.String(), nil
	})
	server.Register("inject-pkt", func(args []string) (string, error) {
		if len(args) != 1 {
			return "", fmt.Errorf("usage: inject-pkt MICROFLOW")
		}
		c.InjectPacket(args[0])
		return "queued", nil
	})
}
