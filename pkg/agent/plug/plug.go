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

// Package plug materializes local interfaces for VIF port bindings that
// carry a plug-type option. Providers are looked up by type name in a
// registry; PortFinish runs strictly after the vswitch transaction commits,
// PortDestroy after finish or when the transaction is abandoned.
package plug

import (
	"fmt"
	"sync"

	log "github.com/Sirupsen/logrus"

	"github.com/everflow/everflow/pkg/sbdb"
)

// PortSpec describes the interface a provider wants on the bridge.
type PortSpec struct {
	Name         string
	Type         string
	IfaceOptions map[string]string
	MTURequest   int64
}

// Provider is the class-only plug provider interface.
type Provider interface {
	// Type is the plug-type option value the provider serves.
	Type() string
	// MaintainedIfaceOptions lists the interface option keys the provider
	// owns; the binding engine leaves other options alone.
	MaintainedIfaceOptions() []string
	// PortPrepare returns the interface spec for a create/update; a nil
	// spec means the port should be removed.
	PortPrepare(pb *sbdb.PortBinding) (*PortSpec, error)
	// PortFinish completes the plug after the vswitch commit.
	PortFinish(pb *sbdb.PortBinding, spec *PortSpec) error
	// PortDestroy tears down provider state for an abandoned or removed
	// port.
	PortDestroy(spec *PortSpec) error
}

// Registry is the mutex-guarded provider lookup; registration normally
// happens once at startup.
type Registry struct {
	mu        sync.Mutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

func (r *Registry) Register(p Provider) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.providers[p.Type()]; dup {
		return fmt.Errorf("plug provider %q already registered", p.Type())
	}
	r.providers[p.Type()] = p
	log.Infof("Registered plug provider %q", p.Type())
	return nil
}

func (r *Registry) Get(plugType string) Provider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.providers[plugType]
}

func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.providers))
	for t := range r.providers {
		types = append(types, t)
	}
	return types
}
