package registry

import (
	"errors"
	"testing"
)

func TestRegisterRequiresApproval(t *testing.T) {
	s := NewStore()

	_, _, err := s.Register("dev-1", nil, nil, false)
	if !errors.Is(err, ErrNotApproved) {
		t.Fatalf("expected ErrNotApproved for first-time unapproved registration, got %v", err)
	}
	if s.Exists("dev-1") {
		t.Error("rejected device must not be stored")
	}

	dev, created, err := s.Register("dev-1", nil, nil, true)
	if err != nil {
		t.Fatalf("approved registration failed: %v", err)
	}
	if !created {
		t.Error("expected created=true on first registration")
	}
	if !dev.Approved {
		t.Error("expected device to be approved")
	}
}

func TestUpdateKeepsApproval(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Register("dev-1", nil, nil, true); err != nil {
		t.Fatal(err)
	}

	// Self-reports after approval must not demote the device.
	dev, created, err := s.Register("dev-1", nil, nil, false)
	if err != nil {
		t.Fatalf("update of approved device failed: %v", err)
	}
	if created {
		t.Error("expected created=false on update")
	}
	if !dev.Approved {
		t.Error("approval must survive unapproved updates")
	}
}

func TestMetaMerge(t *testing.T) {
	s := NewStore()
	meta := map[string]any{"display_name": "  Living Room  ", "location": "home"}
	if _, _, err := s.Register("dev-1", nil, meta, true); err != nil {
		t.Fatal(err)
	}

	dev, _ := s.Get("dev-1")
	if got := dev.DisplayName(); got != "Living Room" {
		t.Errorf("expected trimmed display name, got %q", got)
	}

	// Per-key merge: untouched keys survive, empty display_name clears.
	update := map[string]any{"display_name": "", "firmware": "1.2"}
	if _, _, err := s.Register("dev-1", nil, update, false); err != nil {
		t.Fatal(err)
	}
	dev, _ = s.Get("dev-1")
	if dev.DisplayName() != "" {
		t.Errorf("expected cleared display name, got %q", dev.DisplayName())
	}
	if dev.Meta["location"] != "home" {
		t.Error("expected untouched meta key to survive merge")
	}
	if dev.Meta["firmware"] != "1.2" {
		t.Error("expected new meta key to be merged in")
	}
}

func TestListSortedSnapshots(t *testing.T) {
	s := NewStore()
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if _, _, err := s.Register(id, nil, nil, true); err != nil {
			t.Fatal(err)
		}
	}

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 devices, got %d", len(list))
	}
	want := []string{"alpha", "mid", "zeta"}
	for i, dev := range list {
		if dev.ID != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], dev.ID)
		}
	}

	// Snapshots must not alias store state.
	list[0].Meta["injected"] = true
	dev, _ := s.Get("alpha")
	if _, ok := dev.Meta["injected"]; ok {
		t.Error("List must return copies, not live pointers")
	}
}

func TestRename(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Register("dev-1", nil, nil, true); err != nil {
		t.Fatal(err)
	}

	dev, err := s.Rename("dev-1", "  Kitchen  ")
	if err != nil {
		t.Fatal(err)
	}
	if dev.DisplayName() != "Kitchen" {
		t.Errorf("expected trimmed name, got %q", dev.DisplayName())
	}

	dev, err = s.Rename("dev-1", "   ")
	if err != nil {
		t.Fatal(err)
	}
	if dev.DisplayName() != "" {
		t.Errorf("blank rename should clear the name, got %q", dev.DisplayName())
	}

	if _, err := s.Rename("ghost", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Register("dev-1", nil, nil, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("dev-1"); err != nil {
		t.Fatal(err)
	}
	if s.Exists("dev-1") {
		t.Error("device should be gone after delete")
	}
	if err := s.Delete("dev-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestSoleID(t *testing.T) {
	s := NewStore()
	if _, ok := s.SoleID(); ok {
		t.Error("empty store must not report a sole device")
	}

	if _, _, err := s.Register("only", nil, nil, true); err != nil {
		t.Fatal(err)
	}
	id, ok := s.SoleID()
	if !ok || id != "only" {
		t.Errorf("expected sole device 'only', got %q (ok=%v)", id, ok)
	}

	if _, _, err := s.Register("second", nil, nil, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.SoleID(); ok {
		t.Error("two devices must not report a sole device")
	}
}

func TestIsAgent(t *testing.T) {
	s := NewStore()

	if _, _, err := s.Register("by-role", nil, map[string]any{"role": "agent"}, true); err != nil {
		t.Fatal(err)
	}
	dev, _ := s.Get("by-role")
	if !dev.IsAgent() {
		t.Error("meta role 'agent' should mark the device as agent")
	}

	caps := []Capability{{Name: AgentCapabilityName}}
	if _, _, err := s.Register("by-cap", caps, nil, true); err != nil {
		t.Fatal(err)
	}
	dev, _ = s.Get("by-cap")
	if !dev.IsAgent() {
		t.Error("agent_instruction capability should mark the device as agent")
	}

	if _, _, err := s.Register("plain", nil, nil, true); err != nil {
		t.Fatal(err)
	}
	dev, _ = s.Get("plain")
	if dev.IsAgent() {
		t.Error("plain device must not be an agent")
	}
}

func TestLabel(t *testing.T) {
	s := NewStore()
	if _, _, err := s.Register("dev-1", nil, map[string]any{"display_name": "Porch"}, true); err != nil {
		t.Fatal(err)
	}
	dev, _ := s.Get("dev-1")
	if got := dev.Label(); got != "Porch (ID: dev-1)" {
		t.Errorf("unexpected label: %q", got)
	}

	if _, _, err := s.Register("dev-2", nil, nil, true); err != nil {
		t.Fatal(err)
	}
	dev, _ = s.Get("dev-2")
	if got := dev.Label(); got != "dev-2" {
		t.Errorf("unnamed device label should be the id, got %q", got)
	}
}
