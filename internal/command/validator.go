// Package command validates LLM-proposed device commands against registry
// state before they are admitted for dispatch.
package command

import (
	"fmt"
	"strings"

	"github.com/edgedesk/edgedesk/internal/registry"
)

// Command is a validated, dispatch-ready device command.
type Command struct {
	DeviceID string         `json:"device_id"`
	Name     string         `json:"name"`
	Args     map[string]any `json:"args"`
}

// Validation failures are descriptive Japanese messages surfaced directly in
// the chat reply; they are data for the user, never raised as errors.
const (
	msgNotObject   = "コマンドの形式が正しくありません。"
	msgNoDevices   = "デバイスが登録されていないため、コマンドを実行できません。"
	msgAmbiguous   = "複数のデバイスが登録されています。device_id を指定してください。"
	msgMissingName = "コマンド名が指定されていません。"
	msgBadArgs     = "args はオブジェクト形式で指定してください。"
)

// Validator checks proposed commands against the device registry.
type Validator struct {
	reg *registry.Store
}

// NewValidator creates a validator bound to a registry.
func NewValidator(reg *registry.Store) *Validator {
	return &Validator{reg: reg}
}

// Validate admits or rejects a single raw command object. On rejection the
// returned message names the problem; the zero Command is returned with it.
func (v *Validator) Validate(raw any) (Command, string) {
	m, ok := raw.(map[string]any)
	if !ok {
		return Command{}, msgNotObject
	}

	deviceID := strings.TrimSpace(asString(m["device_id"]))
	if deviceID == "" {
		switch v.reg.Count() {
		case 0:
			return Command{}, msgNoDevices
		case 1:
			deviceID, _ = v.reg.SoleID()
		default:
			return Command{}, msgAmbiguous
		}
	}

	dev, err := v.reg.Get(deviceID)
	if err != nil {
		return Command{}, fmt.Sprintf("デバイス %q は登録されていません。", deviceID)
	}

	name := strings.TrimSpace(asString(m["name"]))
	if name == "" {
		return Command{}, msgMissingName
	}

	args := map[string]any{}
	if rawArgs, ok := m["args"]; ok && rawArgs != nil {
		args, ok = rawArgs.(map[string]any)
		if !ok {
			return Command{}, msgBadArgs
		}
	}

	// Devices that declare capabilities are restricted to them; an empty
	// declaration means freeform dispatch (agent-style devices).
	if names := dev.CapabilityNames(); len(names) > 0 && !contains(names, name) {
		return Command{}, fmt.Sprintf(
			"デバイス %s はコマンド %q に対応していません。対応コマンド: %s",
			dev.Label(), name, strings.Join(names, ", "))
	}

	return Command{DeviceID: deviceID, Name: name, Args: args}, ""
}

// ValidateSequence admits an ordered batch of raw commands. The input may be
// nil (no commands), a single object, or a list of objects. Errors are
// per-step messages prefixed with the 1-based step number; the caller treats
// any error as aborting the whole batch before execution.
func (v *Validator) ValidateSequence(raw any) ([]Command, []string) {
	switch val := raw.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		cmd, msg := v.Validate(val)
		if msg != "" {
			return nil, []string{msg}
		}
		return []Command{cmd}, nil
	case []any:
		var cmds []Command
		var errs []string
		for i, entry := range val {
			cmd, msg := v.Validate(entry)
			if msg != "" {
				errs = append(errs, fmt.Sprintf("ステップ%d: %s", i+1, msg))
				continue
			}
			cmds = append(cmds, cmd)
		}
		return cmds, errs
	default:
		return nil, []string{msgNotObject}
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
