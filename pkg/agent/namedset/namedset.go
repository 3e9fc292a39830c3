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

// Package namedset maintains the named sets logical-flow matches reference
// symbolically: address sets and port groups. The tracked output is the
// (new, updated, deleted) name sets flow_output uses to invalidate only the
// flows that referenced a changed name.
package namedset

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/everflow/everflow/pkg/idl"
)

// Tracked carries the per-iteration name deltas.
type Tracked struct {
	New     sets.String
	Updated sets.String
	Deleted sets.String
}

func NewTracked() *Tracked {
	t := &Tracked{}
	t.Clear()
	return t
}

func (t *Tracked) Clear() {
	t.New = sets.NewString()
	t.Updated = sets.NewString()
	t.Deleted = sets.NewString()
}

// Empty reports whether no name moved this iteration.
func (t *Tracked) Empty() bool {
	return t.New.Len() == 0 && t.Updated.Len() == 0 && t.Deleted.Len() == 0
}

// Sets is the node data for one named-set family (address sets or port
// groups): name -> member set.
type Sets struct {
	table   *idl.Table
	nameOf  func(idl.Row) string
	valueOf func(idl.Row) []string

	byName  map[string]sets.String
	Tracked *Tracked

	onChanged func()
}

func New(table *idl.Table, nameOf func(idl.Row) string, valueOf func(idl.Row) []string) *Sets {
	return &Sets{
		table:   table,
		nameOf:  nameOf,
		valueOf: valueOf,
		byName:  make(map[string]sets.String),
		Tracked: NewTracked(),
	}
}

// OnChanged registers the callback flagging the engine node updated.
func (s *Sets) OnChanged(fn func()) { s.onChanged = fn }

func (s *Sets) markChanged() {
	if s.onChanged != nil {
		s.onChanged()
	}
}

// Get returns the member set for name, or nil.
func (s *Sets) Get(name string) sets.String { return s.byName[name] }

// Names returns every known set name.
func (s *Sets) Names() sets.String {
	names := sets.NewString()
	for name := range s.byName {
		names.Insert(name)
	}
	return names
}

// Run rebuilds all sets from the table. Names not known before are reported
// as new, surviving names as updated, and vanished names as deleted.
func (s *Sets) Run() error {
	old := s.byName
	s.byName = make(map[string]sets.String)
	s.table.ForEach(func(r idl.Row) {
		s.byName[s.nameOf(r)] = sets.NewString(s.valueOf(r)...)
	})
	for name := range s.byName {
		if _, existed := old[name]; existed {
			s.Tracked.Updated.Insert(name)
		} else {
			s.Tracked.New.Insert(name)
		}
	}
	for name := range old {
		if _, alive := s.byName[name]; !alive {
			s.Tracked.Deleted.Insert(name)
		}
	}
	s.markChanged()
	return nil
}

// HandleChange folds the table's tracked rows into the sets incrementally.
func (s *Sets) HandleChange() (bool, error) {
	s.table.ForEachTracked(func(tr *idl.TrackedRow) {
		name := s.nameOf(tr.Row)
		switch tr.Change {
		case idl.RowNew:
			s.byName[name] = sets.NewString(s.valueOf(tr.Row)...)
			s.Tracked.New.Insert(name)
		case idl.RowUpdated:
			if tr.Old != nil {
				if oldName := s.nameOf(tr.Old); oldName != name {
					delete(s.byName, oldName)
					s.Tracked.Deleted.Insert(oldName)
				}
			}
			next := sets.NewString(s.valueOf(tr.Row)...)
			if prev, ok := s.byName[name]; ok && prev.Equal(next) {
				return
			}
			s.byName[name] = next
			s.Tracked.Updated.Insert(name)
		case idl.RowDeleted:
			delete(s.byName, name)
			s.Tracked.Deleted.Insert(name)
		}
	})
	if !s.Tracked.Empty() {
		s.markChanged()
	}
	return true, nil
}
