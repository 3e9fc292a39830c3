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
)

// actionContext carries what the action translator needs from the flow being
// translated: the table the pipeline continues in, where the output stage
// lives, and how to resolve ports and conntrack zones.
type actionContext struct {
	nextTable   uint8
	outputTable uint8
	portKey     func(string) (int64, bool)
	ctZone      int // zone for ct actions, resolved from the io port
}

// translateActions turns a logical-flow action sequence into OpenFlow action
// text. Statements are semicolon-separated; unsupported statements fail the
// translation and the caller skips the flow.
func translateActions(src string, ctx *actionContext) (string, error) {
	var out []string
	for _, stmt := range strings.Split(src, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		switch {
		case stmt == "next":
			out = append(out, fmt.Sprintf("resubmit(,%d)", ctx.nextTable))
		case stmt == "drop":
			return "drop", nil
		case stmt == "output":
			out = append(out, fmt.Sprintf("resubmit(,%d)", ctx.outputTable))
		case stmt == "ct_next":
			out = append(out, fmt.Sprintf("ct(table=%d,zone=%d)", ctx.nextTable, ctx.ctZone))
		case stmt == "ct_commit":
			out = append(out, fmt.Sprintf("ct(commit,table=%d,zone=%d)", ctx.nextTable, ctx.ctZone))
		case stmt == "handle_to_controller":
			out = append(out, "controller")
		case strings.HasPrefix(stmt, "outport = "):
			name := unquote(strings.TrimPrefix(stmt, "outport = "))
			key, ok := ctx.portKey(name)
			if !ok {
				return "", fmt.Errorf("action references unknown port %q", name)
			}
			out = append(out, fmt.Sprintf("load:0x%x->reg15", key))
		case strings.HasPrefix(stmt, "eth.dst = "):
			mac := strings.TrimSpace(strings.TrimPrefix(stmt, "eth.dst = "))
			out = append(out, "mod_dl_dst:"+mac)
		case strings.HasPrefix(stmt, "eth.src = "):
			mac := strings.TrimSpace(strings.TrimPrefix(stmt, "eth.src = "))
			out = append(out, "mod_dl_src:"+mac)
		default:
			return "", fmt.Errorf("unsupported action %q", stmt)
		}
	}
	if len(out) == 0 {
		return "drop", nil
	}
	return strings.Join(out, ","), nil
}
