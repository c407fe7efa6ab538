// Package main implements the reference edge device agent. It registers with
// the dashboard backend, polls the job queue, executes builtin actions and
// reports results back.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"gopkg.in/yaml.v3"
)

const (
	defaultPollInterval = 2 * time.Second
	registerRetryDelay  = 30 * time.Second
	httpTimeout         = 30 * time.Second

	maxRetries     = 5
	initialBackoff = 1 * time.Second
	maxBackoff     = 30 * time.Second
)

// Manifest is the optional YAML device description loaded with -config.
type Manifest struct {
	DisplayName  string           `yaml:"display_name"`
	Role         string           `yaml:"role"`
	Capabilities []CapabilityDecl `yaml:"capabilities"`
}

// CapabilityDecl declares one action the device advertises.
type CapabilityDecl struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description"`
	Params      []ParamDecl `yaml:"params"`
}

// ParamDecl declares one parameter of a capability.
type ParamDecl struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
}

// Job is the wire shape delivered by GET /jobs/next.
type Job struct {
	ID      string `json:"job_id"`
	Command struct {
		Name string         `json:"name"`
		Args map[string]any `json:"args"`
	} `json:"command"`
}

// Result is the wire shape posted to POST /jobs/result.
type Result struct {
	DeviceID    string  `json:"device_id"`
	JobID       string  `json:"job_id"`
	OK          bool    `json:"ok"`
	ReturnValue any     `json:"return_value,omitempty"`
	Stdout      string  `json:"stdout,omitempty"`
	Stderr      string  `json:"stderr,omitempty"`
	Error       string  `json:"error,omitempty"`
	TS          float64 `json:"ts"`
}

// Agent polls the backend for jobs and executes them.
type Agent struct {
	serverURL string
	deviceID  string
	manifest  Manifest
	interval  time.Duration
	client    *http.Client
	actions   map[string]actionFunc
}

type actionFunc func(args map[string]any) (value any, stdout string, err error)

func main() {
	var (
		serverURL  = flag.String("server", "http://localhost:5006", "Dashboard backend URL")
		deviceID   = flag.String("device-id", "", "Device identifier (default: hostname)")
		name       = flag.String("name", "", "Friendly device name")
		configPath = flag.String("config", "", "Path to YAML device manifest")
		interval   = flag.Duration("interval", defaultPollInterval, "Job poll interval")
		once       = flag.Bool("once", false, "Poll and execute at most one job, then exit")
	)
	flag.Parse()

	agent, err := newAgent(*serverURL, *deviceID, *name, *configPath, *interval)
	if err != nil {
		log.Fatalf("[ERROR] %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := agent.registerUntilApproved(ctx); err != nil {
		log.Fatalf("[ERROR] Registration failed: %v", err)
	}

	if *once {
		if err := agent.pollOnce(ctx); err != nil {
			log.Fatalf("[ERROR] %v", err)
		}
		return
	}
	agent.run(ctx)
}

func newAgent(serverURL, deviceID, name, configPath string, interval time.Duration) (*Agent, error) {
	manifest := Manifest{}
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read manifest %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, &manifest); err != nil {
			return nil, fmt.Errorf("parse manifest %s: %w", configPath, err)
		}
	}
	if name != "" {
		manifest.DisplayName = name
	}

	if deviceID == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("no -device-id and hostname lookup failed: %w", err)
		}
		deviceID = hostname
	}

	a := &Agent{
		serverURL: strings.TrimRight(serverURL, "/"),
		deviceID:  deviceID,
		manifest:  manifest,
		interval:  interval,
		client:    &http.Client{Timeout: httpTimeout},
	}
	a.actions = map[string]actionFunc{
		"echo":                  actionEcho,
		"get_current_time":      actionCurrentTime,
		"sleep":                 actionSleep,
		"system_info":           actionSystemInfo,
		"multi_action_sequence": a.actionMultiSequence,
		"agent_instruction":     actionInstruction,
	}

	if len(a.manifest.Capabilities) == 0 {
		for name := range a.actions {
			a.manifest.Capabilities = append(a.manifest.Capabilities, CapabilityDecl{Name: name})
		}
	}
	return a, nil
}

// registerUntilApproved announces the device. A 403 means the device exists
// but an operator has not approved it yet; keep knocking.
func (a *Agent) registerUntilApproved(ctx context.Context) error {
	for {
		status, err := a.register(ctx)
		switch {
		case err != nil:
			log.Printf("[WARN] Registration attempt failed: %v", err)
		case status == http.StatusForbidden:
			log.Printf("[INFO] Waiting for approval on the dashboard (device %s)", a.deviceID)
		case status == http.StatusOK:
			log.Printf("[INFO] Registered as %s with %s", a.deviceID, a.serverURL)
			return nil
		default:
			log.Printf("[WARN] Unexpected registration status %d", status)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(registerRetryDelay):
		}
	}
}

func (a *Agent) register(ctx context.Context) (int, error) {
	caps := make([]map[string]any, 0, len(a.manifest.Capabilities))
	for _, c := range a.manifest.Capabilities {
		entry := map[string]any{"name": c.Name}
		if c.Description != "" {
			entry["description"] = c.Description
		}
		if len(c.Params) > 0 {
			params := make([]map[string]any, 0, len(c.Params))
			for _, p := range c.Params {
				pm := map[string]any{"name": p.Name, "required": p.Required}
				if p.Type != "" {
					pm["type"] = p.Type
				}
				if p.Default != nil {
					pm["default"] = p.Default
				}
				if p.Description != "" {
					pm["description"] = p.Description
				}
				params = append(params, pm)
			}
			entry["params"] = params
		}
		caps = append(caps, entry)
	}

	meta := map[string]any{}
	if a.manifest.DisplayName != "" {
		meta["display_name"] = a.manifest.DisplayName
	}
	if a.manifest.Role != "" {
		meta["role"] = a.manifest.Role
	}

	body := map[string]any{
		"device_id":    a.deviceID,
		"capabilities": caps,
		"meta":         meta,
	}
	resp, err := a.postJSON(ctx, a.serverURL+"/register", body)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body) //nolint:errcheck // drain for keepalive
	return resp.StatusCode, nil
}

func (a *Agent) run(ctx context.Context) {
	log.Printf("[INFO] Polling for jobs every %s", a.interval)
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Print("[INFO] Shutting down")
			return
		case <-ticker.C:
			if err := a.pollOnce(ctx); err != nil {
				log.Printf("[WARN] Poll failed: %v", err)
			}
		}
	}
}

// pollOnce fetches the next job, if any, executes it and reports the result.
func (a *Agent) pollOnce(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/jobs/next?device_id=%s", a.serverURL, a.deviceID), nil)
	if err != nil {
		return err
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent:
		return nil
	case http.StatusNotFound:
		// Registration was lost server-side; re-register on the next cycle.
		return errors.New("device no longer registered")
	case http.StatusOK:
	default:
		return fmt.Errorf("unexpected status %d from /jobs/next", resp.StatusCode)
	}

	var job Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return fmt.Errorf("decode job: %w", err)
	}

	log.Printf("[INFO] Executing job %s: %s", job.ID, job.Command.Name)
	result := a.execute(&job)

	err = retry.Do(func() error {
		return a.postResult(ctx, result)
	}, retry.Attempts(maxRetries), retry.Delay(initialBackoff), retry.MaxDelay(maxBackoff))
	if err != nil {
		return fmt.Errorf("post result for job %s: %w", job.ID, err)
	}
	return nil
}

func (a *Agent) execute(job *Job) *Result {
	result := &Result{
		DeviceID: a.deviceID,
		JobID:    job.ID,
		TS:       float64(time.Now().UnixMilli()) / 1000,
	}

	action, ok := a.actions[job.Command.Name]
	if !ok {
		result.Error = fmt.Sprintf("unknown command: %s", job.Command.Name)
		return result
	}

	value, stdout, err := action(job.Command.Args)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.OK = true
	result.ReturnValue = value
	result.Stdout = stdout
	return result
}

func (a *Agent) postResult(ctx context.Context, result *Result) error {
	resp, err := a.postJSON(ctx, a.serverURL+"/jobs/result", result)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (a *Agent) postJSON(ctx context.Context, url string, body any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return a.client.Do(req)
}

// --- builtin actions ---

func actionEcho(args map[string]any) (any, string, error) {
	text, _ := args["text"].(string)
	if text == "" {
		if msg, ok := args["message"].(string); ok {
			text = msg
		}
	}
	return text, text, nil
}

func actionCurrentTime(_ map[string]any) (any, string, error) {
	now := time.Now().Format(time.RFC3339)
	return now, "", nil
}

func actionSleep(args map[string]any) (any, string, error) {
	secs := 1.0
	switch v := args["seconds"].(type) {
	case float64:
		secs = v
	case string:
		fmt.Sscanf(v, "%f", &secs) //nolint:errcheck // keep the default on bad input
	}
	if secs < 0 || secs > 300 {
		return nil, "", fmt.Errorf("seconds out of range: %g", secs)
	}
	time.Sleep(time.Duration(secs * float64(time.Second)))
	return fmt.Sprintf("slept %gs", secs), "", nil
}

func actionSystemInfo(_ map[string]any) (any, string, error) {
	info := map[string]any{}

	if hostInfo, err := host.Info(); err == nil {
		info["hostname"] = hostInfo.Hostname
		info["os"] = hostInfo.OS
		info["platform"] = hostInfo.Platform
		info["uptime_seconds"] = hostInfo.Uptime
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info["memory_total"] = vm.Total
		info["memory_used_percent"] = vm.UsedPercent
	}
	if counts, err := cpu.Counts(true); err == nil {
		info["cpu_count"] = counts
	}
	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		info["cpu_percent"] = percents[0]
	}

	if len(info) == 0 {
		return nil, "", errors.New("no system information available")
	}
	return info, "", nil
}

// actionInstruction handles free-form instructions dispatched to agent-role
// devices. The reference agent only acknowledges; a real deployment replaces
// this with its own automation.
func actionInstruction(args map[string]any) (any, string, error) {
	instruction, _ := args["instruction"].(string)
	if strings.TrimSpace(instruction) == "" {
		return nil, "", errors.New("instruction is required")
	}
	return map[string]any{"instruction": instruction, "accepted": true},
		"instruction accepted: " + instruction, nil
}

// actionMultiSequence runs a list of named actions in order and reports a
// structured per-step outcome.
func (a *Agent) actionMultiSequence(args map[string]any) (any, string, error) {
	rawActions, ok := args["actions"].([]any)
	if !ok || len(rawActions) == 0 {
		return nil, "", errors.New("actions must be a non-empty list")
	}

	steps := make([]map[string]any, 0, len(rawActions))
	failures := 0
	for i, raw := range rawActions {
		name, _ := raw.(string)
		step := map[string]any{"step": i + 1, "action": name, "ok": false}

		action, known := a.actions[name]
		if name == "multi_action_sequence" || !known {
			step["error"] = "unknown action"
			failures++
			steps = append(steps, step)
			continue
		}

		value, _, err := action(map[string]any{})
		if err != nil {
			step["error"] = err.Error()
			failures++
		} else {
			step["ok"] = true
			step["value"] = value
		}
		steps = append(steps, step)
	}

	message := fmt.Sprintf("%d/%d actions succeeded", len(steps)-failures, len(steps))
	payload := map[string]any{
		"message": message,
		"result":  map[string]any{"steps": steps},
	}
	if failures > 0 {
		return payload, "", nil
	}
	return payload, message, nil
}
