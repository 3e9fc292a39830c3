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

// Package engine implements the incremental processing engine: a DAG of
// computation nodes whose inputs are change-tracked tables. Each iteration
// either propagates deltas through per-edge change handlers or falls back to
// a full recompute of the affected node. The result of the incremental path
// is indistinguishable from a recompute, tracked-data annotations aside.
package engine

import (
	"fmt"

	log "github.com/Sirupsen/logrus"
)

// State of a node within one engine iteration.
type State int

//nolint
const (
	StateStale State = iota // not yet processed this iteration
	StateValid              // processed, inputs did not move
	StateUnchanged          // processed, inputs moved but output did not
	StateUpdated            // output changed (incrementally or via run)
	StateAborted            // node failed; engine aborts
)

func (s State) String() string {
	switch s {
	case StateStale:
		return "stale"
	case StateValid:
		return "valid"
	case StateUnchanged:
		return "unchanged"
	case StateUpdated:
		return "updated"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

// TrackedData is the per-iteration delta a node publishes for its consumers.
// The engine clears every node's tracked data at the end of each iteration.
type TrackedData interface {
	Clear()
}

// Handler consumes the producing node's tracked data. It returns false when
// the change cannot be handled incrementally, which escalates the consuming
// node to a full run().
type Handler func() (handled bool, err error)

// NodeSpec declares one node for the registry.
type NodeSpec struct {
	Name    string
	Run     func() error
	Tracked TrackedData
	Inputs  []InputSpec
}

// InputSpec declares one input edge, wired by producer name. A nil Handler
// means any producer update forces a recompute of this node.
type InputSpec struct {
	Source  string
	Handler Handler
}

type edge struct {
	source  *node
	handler Handler
}

type node struct {
	name    string
	run     func() error
	tracked TrackedData
	inputs  []edge

	state   State
	changed bool
	seq     uint64
}

// Engine owns the node graph. Not safe for concurrent use; the single main
// loop drives it.
type Engine struct {
	root  *node
	nodes map[string]*node
	order []*node

	runSeq         uint64
	forceRecompute bool
	aborted        bool

	// clearFns run after every iteration, after node tracked data is
	// cleared; the IDL change-tracking reset hangs here.
	clearFns []func()
}

// New wires the declared nodes into a DAG rooted at rootName. Inputs
// reference producers by name; order of declaration is the evaluation order.
func New(rootName string, specs []NodeSpec) (*Engine, error) {
	e := &Engine{nodes: make(map[string]*node)}
	for _, spec := range specs {
		if _, dup := e.nodes[spec.Name]; dup {
			return nil, fmt.Errorf("duplicate engine node %q", spec.Name)
		}
		n := &node{name: spec.Name, run: spec.Run, tracked: spec.Tracked}
		e.nodes[spec.Name] = n
		e.order = append(e.order, n)
	}
	for i, spec := range specs {
		n := e.order[i]
		for _, in := range spec.Inputs {
			src, ok := e.nodes[in.Source]
			if !ok {
				return nil, fmt.Errorf("node %q references unknown input %q", spec.Name, in.Source)
			}
			n.inputs = append(n.inputs, edge{source: src, handler: in.Handler})
		}
	}
	root, ok := e.nodes[rootName]
	if !ok {
		return nil, fmt.Errorf("unknown root node %q", rootName)
	}
	e.root = root
	return e, nil
}

// OnClear registers a hook run at the end of every iteration.
func (e *Engine) OnClear(fn func()) {
	e.clearFns = append(e.clearFns, fn)
}

// ForceRecompute requests that the next iteration run every node from
// scratch. Set on IDL reconnect, transaction failure, or operator command.
func (e *Engine) ForceRecompute() {
	e.forceRecompute = true
}

// Aborted reports whether the last iteration aborted.
func (e *Engine) Aborted() bool { return e.aborted }

// NodeState returns the state a node finished the last iteration in.
func (e *Engine) NodeState(name string) State {
	n, ok := e.nodes[name]
	if !ok {
		return StateStale
	}
	return n.state
}

// MarkChanged is called by node implementations (from run or handlers) when
// their output moved, so consumers see the node as updated.
func (e *Engine) MarkChanged(name string) {
	if n, ok := e.nodes[name]; ok {
		n.changed = true
	}
}

// Run executes one engine iteration: depth-first from the root, inputs in
// declaration order, handlers where possible, recompute where not. Tracked
// data on every node and the IDL change state are cleared before returning.
func (e *Engine) Run() {
	e.runSeq++
	force := e.forceRecompute
	e.forceRecompute = false
	e.aborted = false

	metricIterations.Inc()
	if force {
		metricRecomputes.Inc()
	}

	e.process(e.root, force)

	for _, n := range e.order {
		if n.tracked != nil {
			n.tracked.Clear()
		}
		n.changed = false
	}
	for _, fn := range e.clearFns {
		fn()
	}

	if e.aborted {
		// The outer loop consumes this as a force-recompute request.
		e.forceRecompute = true
		metricAborts.Inc()
	}
}

func (e *Engine) process(n *node, force bool) {
	if n.seq == e.runSeq {
		return
	}
	n.seq = e.runSeq
	n.state = StateStale
	n.changed = false

	// Input-less nodes are the IDL adapters: their run is a cheap seqno
	// check that decides whether the table moved, so it runs every
	// iteration.
	needRecompute := force || len(n.inputs) == 0
	inputMoved := false

	for _, in := range n.inputs {
		e.process(in.source, force)
		if e.aborted {
			n.state = StateAborted
			return
		}
		if in.source.state != StateUpdated {
			continue
		}
		inputMoved = true
		if needRecompute {
			// Already committed to a recompute; skip handler work that
			// run() will redo anyway.
			continue
		}
		if in.handler == nil {
			needRecompute = true
			continue
		}
		handled, err := in.handler()
		if err != nil {
			log.Errorf("Engine node %s: handler for input %s failed: %v", n.name, in.source.name, err)
			e.abort(n)
			return
		}
		if !handled {
			log.Debugf("Engine node %s: input %s change not handled, falling back to recompute", n.name, in.source.name)
			needRecompute = true
		}
	}

	if needRecompute {
		if n.run != nil {
			if err := n.run(); err != nil {
				log.Errorf("Engine node %s: run failed: %v", n.name, err)
				e.abort(n)
				return
			}
		}
		// Node implementations flag whether the rebuild moved their
		// output; adapters stay quiet when the table seqno did not.
		if n.changed || len(n.inputs) > 0 {
			n.state = StateUpdated
		} else {
			n.state = StateValid
		}
		return
	}

	switch {
	case n.changed:
		n.state = StateUpdated
	case inputMoved:
		n.state = StateUnchanged
	default:
		n.state = StateValid
	}
}

func (e *Engine) abort(n *node) {
	n.state = StateAborted
	e.aborted = true
}
