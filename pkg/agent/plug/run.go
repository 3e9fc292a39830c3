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
	log "github.com/Sirupsen/logrus"
	"k8s.io/apimachinery/pkg/util/uuid"

	"github.com/everflow/everflow/pkg/agent/runtime"
	"github.com/everflow/everflow/pkg/constants"
	"github.com/everflow/everflow/pkg/idl"
	"github.com/everflow/everflow/pkg/sbdb"
	"github.com/everflow/everflow/pkg/vswitchd"
)

// pendingCtxState sequences PortFinish/PortDestroy against the vswitch
// transaction.
type pendingCtxState int

//nolint
const (
	ctxQueued pendingCtxState = iota
	ctxSent
)

type pendingCtx struct {
	state  pendingCtxState
	pb     *sbdb.PortBinding
	spec   *PortSpec
	remove bool
}

// Run is the plug_run node: it creates, updates, and deletes local
// interfaces for VIF port bindings that name a plug provider.
type Run struct {
	sb       *sbdb.DB
	ovs      *vswitchd.DB
	rt       *runtime.Data
	registry *Registry

	pending map[string]*pendingCtx // by logical port
}

func NewRun(sb *sbdb.DB, ovs *vswitchd.DB, rt *runtime.Data, registry *Registry) *Run {
	return &Run{
		sb:       sb,
		ovs:      ovs,
		rt:       rt,
		registry: registry,
		pending:  make(map[string]*pendingCtx),
	}
}

// RunNode walks the local bindings and queues the interface work for ports
// carrying a plug-type. Returns an error only on invariant violations; a
// provider that is not ready leaves the port for the next iteration.
func (p *Run) RunNode() error {
	for _, lb := range p.rt.Bindings() {
		row := p.sb.Table(sbdb.TablePortBinding).Get(lb.PB)
		if row == nil {
			continue
		}
		pb := row.(*sbdb.PortBinding)
		plugType := pb.Options[constants.PBOptPlugType]
		if plugType == "" {
			continue
		}
		provider := p.registry.Get(plugType)
		if provider == nil {
			log.Warnf("No plug provider %q for lport %s", plugType, pb.LogicalPort)
			continue
		}
		if _, busy := p.pending[pb.LogicalPort]; busy {
			continue
		}
		removing := lb.State == runtime.ReleasePending || lb.State == runtime.Released
		if removing {
			p.pending[pb.LogicalPort] = &pendingCtx{pb: pb, remove: true}
			continue
		}
		spec, err := provider.PortPrepare(pb)
		if err != nil {
			log.Infof("Plug prepare for %s deferred: %v", pb.LogicalPort, err)
			continue
		}
		if spec == nil {
			p.pending[pb.LogicalPort] = &pendingCtx{pb: pb, remove: true}
			continue
		}
		p.pending[pb.LogicalPort] = &pendingCtx{pb: pb, spec: spec}
	}
	return nil
}

// CommitVswitch emits the interface creations/removals into the vswitch
// transaction and marks the contexts sent.
func (p *Run) CommitVswitch(txn *idl.Txn) {
	for lport, ctx := range p.pending {
		if ctx.state != ctxQueued {
			continue
		}
		if ctx.remove {
			if iface := p.ovs.InterfaceByName(lport); iface != nil {
				txn.Delete(vswitchd.TableInterface, iface.UUID())
			}
			ctx.state = ctxSent
			continue
		}
		if iface := p.ovs.InterfaceByName(ctx.spec.Name); iface == nil {
			txn.Insert(vswitchd.TableInterface, &vswitchd.Interface{
				UUID_: string(uuid.NewUUID()),
				Name:  ctx.spec.Name,
				Type:  ctx.spec.Type,
				ExternalIDs: map[string]string{
					constants.IfaceIDKey: ctx.pb.LogicalPort,
				},
				Options:    ctx.spec.IfaceOptions,
				MTURequest: ctx.spec.MTURequest,
				OfPort:     -1,
			})
		}
		ctx.state = ctxSent
	}
}

// OnVswitchCommit finishes or destroys the sent contexts depending on the
// transaction outcome. Finish only ever runs after a successful commit;
// destroy runs after finish, or when the transaction was abandoned.
func (p *Run) OnVswitchCommit(ok bool) {
	for lport, ctx := range p.pending {
		if ctx.state != ctxSent {
			continue
		}
		delete(p.pending, lport)
		provider := p.registry.Get(ctx.pb.Options[constants.PBOptPlugType])
		if provider == nil {
			continue
		}
		if !ok {
			if ctx.spec != nil {
				if err := provider.PortDestroy(ctx.spec); err != nil {
					log.Errorf("Plug destroy for %s failed: %v", lport, err)
				}
			}
			continue
		}
		if ctx.remove {
			if err := provider.PortDestroy(&PortSpec{Name: lport}); err != nil {
				log.Errorf("Plug destroy for %s failed: %v", lport, err)
			}
			continue
		}
		if err := provider.PortFinish(ctx.pb, ctx.spec); err != nil {
			log.Errorf("Plug finish for %s failed: %v", lport, err)
		}
	}
}
