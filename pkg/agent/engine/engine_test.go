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

package engine

import (
	"errors"
	"testing"

	. "github.com/onsi/gomega"
)

type countingTracked struct {
	clears int
}

func (t *countingTracked) Clear() { t.clears++ }

func TestEngineIncrementalPath(t *testing.T) {
	RegisterTestingT(t)

	var leafMoved bool
	var handlerCalls, runCalls int

	var e *Engine
	specs := []NodeSpec{
		{
			Name: "leaf",
			Run: func() error {
				if leafMoved {
					e.MarkChanged("leaf")
				}
				return nil
			},
		},
		{
			Name: "root",
			Run: func() error {
				runCalls++
				e.MarkChanged("root")
				return nil
			},
			Inputs: []InputSpec{
				{Source: "leaf", Handler: func() (bool, error) {
					handlerCalls++
					e.MarkChanged("root")
					return true, nil
				}},
			},
		},
	}
	var err error
	e, err = New("root", specs)
	Expect(err).ShouldNot(HaveOccurred())

	// No input movement: nothing runs but the leaf check.
	e.Run()
	Expect(handlerCalls).Should(Equal(0))
	Expect(runCalls).Should(Equal(0))
	Expect(e.NodeState("root")).Should(Equal(StateValid))

	// Input moved and the handler absorbs it.
	leafMoved = true
	e.Run()
	Expect(handlerCalls).Should(Equal(1))
	Expect(runCalls).Should(Equal(0))
	Expect(e.NodeState("root")).Should(Equal(StateUpdated))
}

func TestEngineHandlerEscalatesToRecompute(t *testing.T) {
	RegisterTestingT(t)

	var runCalls int
	var e *Engine
	specs := []NodeSpec{
		{
			Name: "sb_port_binding",
			Run: func() error {
				e.MarkChanged("sb_port_binding")
				return nil
			},
		},
		{
			Name: "flow_output",
			Run: func() error {
				runCalls++
				e.MarkChanged("flow_output")
				return nil
			},
			Inputs: []InputSpec{
				{Source: "sb_port_binding", Handler: func() (bool, error) {
					return false, nil
				}},
			},
		},
	}
	var err error
	e, err = New("flow_output", specs)
	Expect(err).ShouldNot(HaveOccurred())

	// The handler declines, so run() fires in the same iteration and the
	// node finishes updated.
	e.Run()
	Expect(runCalls).Should(Equal(1))
	Expect(e.NodeState("flow_output")).Should(Equal(StateUpdated))
	Expect(e.Aborted()).Should(BeFalse())

	// The fallback consumed the change; no force-recompute lingers.
	e.Run()
	Expect(runCalls).Should(Equal(2)) // leaf still reports movement each run
}

func TestEngineNilHandlerForcesRecompute(t *testing.T) {
	RegisterTestingT(t)

	var runCalls int
	var e *Engine
	specs := []NodeSpec{
		{Name: "leaf", Run: func() error { e.MarkChanged("leaf"); return nil }},
		{
			Name: "root",
			Run:  func() error { runCalls++; e.MarkChanged("root"); return nil },
			Inputs: []InputSpec{
				{Source: "leaf"},
			},
		},
	}
	var err error
	e, err = New("root", specs)
	Expect(err).ShouldNot(HaveOccurred())

	e.Run()
	Expect(runCalls).Should(Equal(1))
}

func TestEngineAbortSchedulesRecompute(t *testing.T) {
	RegisterTestingT(t)

	fail := true
	var runCalls int
	var e *Engine
	specs := []NodeSpec{
		{Name: "leaf", Run: func() error { e.MarkChanged("leaf"); return nil }},
		{
			Name: "root",
			Run: func() error {
				runCalls++
				if fail {
					return errors.New("node blew up")
				}
				e.MarkChanged("root")
				return nil
			},
			Inputs: []InputSpec{{Source: "leaf"}},
		},
	}
	var err error
	e, err = New("root", specs)
	Expect(err).ShouldNot(HaveOccurred())

	e.Run()
	Expect(e.Aborted()).Should(BeTrue())
	Expect(e.NodeState("root")).Should(Equal(StateAborted))

	// The abort latched a force-recompute; the next run recovers.
	fail = false
	e.Run()
	Expect(e.Aborted()).Should(BeFalse())
	Expect(e.NodeState("root")).Should(Equal(StateUpdated))
	Expect(runCalls).Should(Equal(2))
}

func TestEngineClearsTrackedData(t *testing.T) {
	RegisterTestingT(t)

	tracked := &countingTracked{}
	var cleared int
	var e *Engine
	specs := []NodeSpec{
		{Name: "leaf", Run: func() error { return nil }, Tracked: tracked},
		{Name: "root", Inputs: []InputSpec{{Source: "leaf"}}},
	}
	var err error
	e, err = New("root", specs)
	Expect(err).ShouldNot(HaveOccurred())
	e.OnClear(func() { cleared++ })

	e.Run()
	e.Run()
	Expect(tracked.clears).Should(Equal(2))
	Expect(cleared).Should(Equal(2))
}

func TestEngineForceRecompute(t *testing.T) {
	RegisterTestingT(t)

	var runCalls int
	var e *Engine
	specs := []NodeSpec{
		{Name: "leaf", Run: func() error { return nil }},
		{
			Name:   "root",
			Run:    func() error { runCalls++; e.MarkChanged("root"); return nil },
			Inputs: []InputSpec{{Source: "leaf"}},
		},
	}
	var err error
	e, err = New("root", specs)
	Expect(err).ShouldNot(HaveOccurred())

	e.Run()
	Expect(runCalls).Should(Equal(0))

	e.ForceRecompute()
	e.Run()
	Expect(runCalls).Should(Equal(1))

	// Consumed: the following run is incremental again.
	e.Run()
	Expect(runCalls).Should(Equal(1))
}

func TestEngineRejectsBadGraph(t *testing.T) {
	RegisterTestingT(t)

	_, err := New("missing", []NodeSpec{{Name: "a"}})
	Expect(err).Should(HaveOccurred())

	_, err = New("a", []NodeSpec{{Name: "a", Inputs: []InputSpec{{Source: "ghost"}}}})
	Expect(err).Should(HaveOccurred())

	_, err = New("a", []NodeSpec{{Name: "a"}, {Name: "a"}})
	Expect(err).Should(HaveOccurred())
}
