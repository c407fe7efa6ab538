package orchestrate

import (
	"strings"
	"testing"

	"github.com/edgedesk/edgedesk/internal/jobs"
	"github.com/edgedesk/edgedesk/internal/registry"
)

func TestDeviceContextEmpty(t *testing.T) {
	exec, _, _ := newTestExecutor(t, nil)
	if got := exec.DeviceContext(); got != "" {
		t.Errorf("empty registry should yield empty context, got %q", got)
	}
}

func TestDeviceContextContents(t *testing.T) {
	exec, reg, queue := newTestExecutor(t, nil)

	caps := []registry.Capability{{
		Name:        "toggle_led",
		Description: "Toggle the LED",
		Params:      []registry.Param{{Name: "state", Type: "string", Required: true}},
	}}
	if _, _, err := reg.Register("pi-1", caps, map[string]any{"display_name": "Porch"}, true); err != nil {
		t.Fatal(err)
	}
	if _, _, err := reg.Register("helper", nil, map[string]any{"role": "agent"}, true); err != nil {
		t.Fatal(err)
	}

	jobID, err := queue.Enqueue("pi-1", jobs.Command{Name: "toggle_led"})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := queue.PostResult("pi-1", jobID, &jobs.Result{OK: true, ReturnValue: "led on"}); err != nil {
		t.Fatal(err)
	}

	ctx := exec.DeviceContext()
	for _, want := range []string{
		"pi-1",
		"Porch",
		"toggle_led",
		"Toggle the LED",
		"state",
		"helper",
		"agent",
		"led on",
	} {
		if !strings.Contains(ctx, want) {
			t.Errorf("device context missing %q:\n%s", want, ctx)
		}
	}
}
