package orchestrate

import (
	"fmt"
	"strings"
	"time"

	"github.com/edgedesk/edgedesk/internal/registry"
)

// DeviceContext renders the live registry state as prompt text so the model
// only proposes device ids and capability names that actually exist.
func (e *Executor) DeviceContext() string {
	devices := e.Registry.List()
	if len(devices) == 0 {
		return ""
	}

	var lines []string
	for _, dev := range devices {
		lines = append(lines, "Device ID: "+dev.ID)
		if name := dev.DisplayName(); name != "" {
			lines = append(lines, "  Friendly name: "+name)
		}
		role := "standard"
		if dev.IsAgent() {
			role = "agent (accepts free-text instructions via the " +
				"agent_instruction capability)"
		}
		lines = append(lines, "  Role: "+role)
		if len(dev.Meta) > 0 {
			lines = append(lines, "  Meta: "+toJSON(dev.Meta))
		}
		lines = append(lines,
			"  Registered at: "+dev.RegisteredAt.Format(time.DateTime),
			"  Last seen: "+dev.LastSeen.Format(time.DateTime),
			fmt.Sprintf("  Queue depth: %d", e.Queue.Depth(dev.ID)),
		)

		if len(dev.Capabilities) == 0 {
			lines = append(lines, "  Capabilities: none declared")
		} else {
			lines = append(lines, "  Capabilities:")
			for _, c := range dev.Capabilities {
				lines = append(lines, "    - "+c.Name+": "+c.Description+" | params: "+describeParams(c.Params))
			}
		}

		if last := e.Queue.LastResult(dev.ID); last != nil {
			summary := map[string]any{
				"job_id":       last.JobID,
				"ok":           last.OK,
				"return_value": last.ReturnValue,
			}
			lines = append(lines, "  Most recent result: "+toJSON(summary))
		}
		lines = append(lines, "")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

func describeParams(params []registry.Param) string {
	if len(params) == 0 {
		return "no parameters"
	}
	parts := make([]string, 0, len(params))
	for _, p := range params {
		desc := p.Name
		if p.Type != "" {
			desc += " (" + p.Type + ")"
		}
		if p.Default != nil {
			desc += " default=" + toJSON(p.Default)
		}
		parts = append(parts, desc)
	}
	return strings.Join(parts, ", ")
}

