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

package plug

import (
	"fmt"
	"strconv"

	log "github.com/Sirupsen/logrus"
	"github.com/vishvananda/netlink"

	"github.com/everflow/everflow/pkg/constants"
	"github.com/everflow/everflow/pkg/sbdb"
)

// RepresentorProvider plugs switchdev representor interfaces: the port
// binding names the representor via the plug options, the provider brings
// the link up with the requested MTU.
type RepresentorProvider struct{}

func NewRepresentorProvider() *RepresentorProvider { return &RepresentorProvider{} }

func (p *RepresentorProvider) Type() string { return "representor" }

func (p *RepresentorProvider) MaintainedIfaceOptions() []string {
	return []string{"plug:representor:name"}
}

func (p *RepresentorProvider) PortPrepare(pb *sbdb.PortBinding) (*PortSpec, error) {
	repName := pb.Options["plug:representor:name"]
	if repName == "" {
		return nil, fmt.Errorf("binding %s carries no representor name", pb.LogicalPort)
	}
	link, err := netlink.LinkByName(repName)
	if err != nil {
		// The representor may not exist yet; precondition not met, the
		// engine retries via recompute.
		return nil, fmt.Errorf("representor %s not present: %v", repName, err)
	}

	spec := &PortSpec{
		Name: repName,
		Type: "",
		IfaceOptions: map[string]string{
			"plug:representor:name": repName,
		},
	}
	if mtuStr := pb.Options[constants.PBOptPlugMTURequest]; mtuStr != "" {
		mtu, err := strconv.Atoi(mtuStr)
		if err != nil {
			log.Warnf("Bad %s %q on %s, ignoring", constants.PBOptPlugMTURequest, mtuStr, pb.LogicalPort)
		} else {
			spec.MTURequest = int64(mtu)
			if err := netlink.LinkSetMTU(link, mtu); err != nil {
				return nil, fmt.Errorf("failed to set mtu %d on %s: %v", mtu, repName, err)
			}
		}
	}
	return spec, nil
}

func (p *RepresentorProvider) PortFinish(pb *sbdb.PortBinding, spec *PortSpec) error {
	link, err := netlink.LinkByName(spec.Name)
	if err != nil {
		return fmt.Errorf("representor %s vanished before finish: %v", spec.Name, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring %s up: %v", spec.Name, err)
	}
	log.Infof("Plugged %s for lport %s", spec.Name, pb.LogicalPort)
	return nil
}

func (p *RepresentorProvider) PortDestroy(spec *PortSpec) error {
	link, err := netlink.LinkByName(spec.Name)
	if err != nil {
		// Already gone.
		return nil
	}
	return netlink.LinkSetDown(link)
}
