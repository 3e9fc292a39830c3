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

package flowout

import (
	"fmt"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// exprResult is one translated match expression: the OpenFlow match texts it
// expands to (one per element of any referenced set) and the named sets it
// referenced symbolically.
type exprResult struct {
	matches []string
	names   sets.String
}

// conjunct is one `field op value` term after parsing; values holds every
// alternative the term expands to (set members, value lists).
type conjunct struct {
	tokens []string // preset tokens, e.g. "ip" for a bare protocol term
	field  string   // of match key, "" for bare protocol terms
	values []string
}

// translateMatch parses a logical-flow match expression into OpenFlow match
// texts. portKey resolves a logical port name to its tunnel key within the
// flow's datapath. Unsupported syntax returns an error; the caller logs and
// skips the flow without failing the run.
func (d *Data) translateMatch(expr string, portKey func(string) (int64, bool)) (*exprResult, error) {
	res := &exprResult{names: sets.NewString()}
	conjuncts := make([]conjunct, 0, 4)

	for _, term := range strings.Split(expr, "&&") {
		term = strings.TrimSpace(term)
		if term == "" || term == "1" {
			continue
		}
		c, err := d.parseConjunct(term, portKey, res.names)
		if err != nil {
			// The named-set references gathered so far still matter: they
			// drive re-translation when a missing set appears later.
			return res, err
		}
		conjuncts = append(conjuncts, c)
	}

	// Cross-product expansion over every multi-valued conjunct.
	matches := []string{""}
	for _, c := range conjuncts {
		var next []string
		alternatives := c.values
		if len(alternatives) == 0 {
			alternatives = []string{""}
		}
		for _, prefix := range matches {
			for _, val := range alternatives {
				tokens := append([]string(nil), c.tokens...)
				if c.field != "" {
					tokens = append(tokens, c.field+"="+val)
				}
				next = append(next, joinMatch(prefix, tokens))
			}
		}
		matches = next
	}
	res.matches = matches
	return res, nil
}

func (d *Data) parseConjunct(term string, portKey func(string) (int64, bool), names sets.String) (conjunct, error) {
	switch term {
	case "ip", "ip4":
		return conjunct{tokens: []string{"ip"}}, nil
	case "ip6":
		return conjunct{tokens: []string{"ip6"}}, nil
	case "arp":
		return conjunct{tokens: []string{"arp"}}, nil
	case "tcp":
		return conjunct{tokens: []string{"ip", "nw_proto=6"}}, nil
	case "udp":
		return conjunct{tokens: []string{"ip", "nw_proto=17"}}, nil
	}

	i := strings.Index(term, "==")
	if i < 0 {
		return conjunct{}, fmt.Errorf("unsupported match term %q", term)
	}
	lhs := strings.TrimSpace(term[:i])
	rhs := strings.TrimSpace(term[i+2:])

	values, err := d.expandValues(rhs, names)
	if err != nil {
		return conjunct{}, err
	}

	switch lhs {
	case "inport", "outport":
		reg := "reg14"
		if lhs == "outport" {
			reg = "reg15"
		}
		keys := make([]string, 0, len(values))
		for _, name := range values {
			key, ok := portKey(name)
			if !ok {
				return conjunct{}, fmt.Errorf("match references unknown port %q", name)
			}
			keys = append(keys, fmt.Sprintf("0x%x", key))
		}
		return conjunct{field: reg, values: keys}, nil
	case "eth.src":
		return conjunct{field: "dl_src", values: values}, nil
	case "eth.dst":
		return conjunct{field: "dl_dst", values: values}, nil
	case "ip4.src":
		return conjunct{tokens: []string{"ip"}, field: "nw_src", values: values}, nil
	case "ip4.dst":
		return conjunct{tokens: []string{"ip"}, field: "nw_dst", values: values}, nil
	case "tcp.src":
		return conjunct{tokens: []string{"ip", "nw_proto=6"}, field: "tp_src", values: values}, nil
	case "tcp.dst":
		return conjunct{tokens: []string{"ip", "nw_proto=6"}, field: "tp_dst", values: values}, nil
	case "udp.src":
		return conjunct{tokens: []string{"ip", "nw_proto=17"}, field: "tp_src", values: values}, nil
	case "udp.dst":
		return conjunct{tokens: []string{"ip", "nw_proto=17"}, field: "tp_dst", values: values}, nil
	}
	return conjunct{}, fmt.Errorf("unsupported match field %q", lhs)
}

// expandValues resolves the right-hand side of a comparison: a literal, a
// quoted string, a {v1, v2} list, or a $named-set reference.
func (d *Data) expandValues(rhs string, names sets.String) ([]string, error) {
	switch {
	case strings.HasPrefix(rhs, "$"):
		name := rhs[1:]
		names.Insert(name)
		set := d.addrSets.Get(name)
		if set == nil {
			set = d.portGroups.Get(name)
		}
		if set == nil {
			// Referencing a set that does not exist yet matches nothing;
			// the reference is still recorded for invalidation.
			return nil, fmt.Errorf("unknown named set %q", name)
		}
		return set.List(), nil
	case strings.HasPrefix(rhs, "{"):
		inner := strings.TrimSuffix(strings.TrimPrefix(rhs, "{"), "}")
		var vals []string
		for _, v := range strings.Split(inner, ",") {
			v = strings.TrimSpace(v)
			if v != "" {
				vals = append(vals, unquote(v))
			}
		}
		if len(vals) == 0 {
			return nil, fmt.Errorf("empty value list %q", rhs)
		}
		return vals, nil
	default:
		return []string{unquote(rhs)}, nil
	}
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}

// joinMatch appends tokens to a comma-joined match, dropping duplicates
// (repeated protocol prerequisites fold together).
func joinMatch(prefix string, tokens []string) string {
	have := sets.NewString()
	var parts []string
	if prefix != "" {
		parts = strings.Split(prefix, ",")
		have.Insert(parts...)
	}
	for _, tok := range tokens {
		if have.Has(tok) {
			continue
		}
		have.Insert(tok)
		parts = append(parts, tok)
	}
	return strings.Join(parts, ",")
}
