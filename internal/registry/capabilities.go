package registry

import "strings"

// NormalizeCapabilities converts a raw, loosely-typed capability manifest (as
// decoded from a registration payload) into the cleaned form stored by the
// registry. Firmware manifests are messy in practice, so the rules are
// deliberately forgiving: non-object entries and entries without a usable name
// are dropped, names/types/descriptions are whitespace-trimmed, the required
// flag accepts truthy values like "yes", and defaults pass through unchanged.
func NormalizeCapabilities(raw []any) []Capability {
	caps := make([]Capability, 0, len(raw))
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(asString(m["name"]))
		if name == "" {
			continue
		}
		c := Capability{
			Name:        name,
			Description: strings.TrimSpace(asString(m["description"])),
		}
		if params, ok := m["params"].([]any); ok {
			c.Params = normalizeParams(params)
		}
		caps = append(caps, c)
	}
	return caps
}

func normalizeParams(raw []any) []Param {
	var params []Param
	for _, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		name := strings.TrimSpace(asString(m["name"]))
		if name == "" {
			continue
		}
		p := Param{
			Name:        name,
			Type:        strings.TrimSpace(asString(m["type"])),
			Required:    truthy(m["required"]),
			Description: strings.TrimSpace(asString(m["description"])),
		}
		if d, ok := m["default"]; ok && d != nil {
			p.Default = d
		}
		params = append(params, p)
	}
	return params
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// truthy mirrors loose boolean coercion: false, zero, empty string and nil are
// false, everything else is true.
func truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case string:
		return strings.TrimSpace(val) != ""
	case float64:
		return val != 0
	case int:
		return val != 0
	default:
		return true
	}
}
