package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgedesk/edgedesk/internal/config"
	"github.com/edgedesk/edgedesk/internal/jobs"
	"github.com/edgedesk/edgedesk/internal/llm"
)

// scriptedChat answers every completion with a fixed string.
type scriptedChat struct {
	reply string
	err   error
}

func (s *scriptedChat) Name() string { return "scripted" }

func (s *scriptedChat) Health(context.Context) *llm.Health {
	return &llm.Health{Ok: true, Provider: "scripted"}
}

func (s *scriptedChat) Chat(context.Context, []llm.Message) (string, error) {
	return s.reply, s.err
}

func newTestServer(t *testing.T, chat llm.Provider) (*Server, *httptest.Server) {
	t.Helper()
	cfg := &config.Config{Addr: ":0", ResultTimeoutSecs: 1}
	srv := newServer(cfg, chat)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)
	return srv, ts
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&decoded)
	}
	return resp, decoded
}

func TestRegisterApprovalFlow(t *testing.T) {
	_, ts := newTestServer(t, nil)

	// Self-registration of a new device is rejected until approved.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"device_id":    "pi-1",
		"capabilities": []any{map[string]any{"name": "echo"}},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "device not approved", body["error"])

	// The dashboard can register it pre-approved.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/devices/register", map[string]any{
		"device_id":    "pi-1",
		"capabilities": []any{map[string]any{"name": "echo"}},
		"approved":     true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "registered", body["status"])

	// Now the self-report path works as an update.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"device_id":    "pi-1",
		"capabilities": []any{map[string]any{"name": "echo"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "updated", body["status"])

	// The approval flag on the self-report path is ignored.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"device_id":    "pi-2",
		"capabilities": []any{},
		"approved":     true,
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestRegisterValidation(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"device_id": "pi-1",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "capabilities must be a list", body["error"])

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"capabilities": []any{},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestJobWireFlow(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	_, _, err := srv.registry.Register("pi-1", nil, nil, true)
	require.NoError(t, err)

	// Empty queue polls as 204.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/jobs/next?device_id=pi-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	jobID, err := srv.queue.Enqueue("pi-1", jobs.Command{Name: "echo", Args: map[string]any{"text": "hi"}})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/jobs/next?device_id=pi-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, jobID, body["job_id"])
	command, ok := body["command"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "echo", command["name"])

	// Delivery is at most once.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/jobs/next?device_id=pi-1", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/jobs/result", map[string]any{
		"device_id": "pi-1",
		"job_id":    jobID,
		"ok":        true,
		"stdout":    "hi",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ack", body["status"])

	last := srv.queue.LastResult("pi-1")
	require.NotNil(t, last)
	assert.Equal(t, "hi", last.Stdout)
}

func TestPostResultDeviceIDSources(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	_, _, err := srv.registry.Register("pi-1", nil, nil, true)
	require.NoError(t, err)

	// The path segment alone is enough.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/jobs/result/pi-1", map[string]any{"ok": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ack", body["status"])

	// Conflicting sources are ambiguous.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs/result/pi-1?device_id=other", map[string]any{"ok": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// No hint at all.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/jobs/result", map[string]any{"ok": true})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Sole-device fallback acknowledges with a warning.
	resp, body = doJSON(t, http.MethodPost, ts.URL+"/jobs/result", map[string]any{
		"device_id": "mistyped",
		"ok":        true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body["warning"], "mistyped")
}

func TestDeviceListAndLifecycle(t *testing.T) {
	srv, ts := newTestServer(t, nil)
	_, _, err := srv.registry.Register("pi-1", nil, map[string]any{"role": "agent"}, true)
	require.NoError(t, err)
	_, err = srv.queue.Enqueue("pi-1", jobs.Command{Name: "x"})
	require.NoError(t, err)

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices, ok := body["devices"].([]any)
	require.True(t, ok)
	require.Len(t, devices, 1)
	view := devices[0].(map[string]any)
	assert.Equal(t, "pi-1", view["device_id"])
	assert.Equal(t, "agent", view["role"])
	assert.Equal(t, float64(1), view["queue_depth"])

	// Rename, then clear with null.
	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/devices/pi-1/name", map[string]any{"display_name": "Porch"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dev, err := srv.registry.Get("pi-1")
	require.NoError(t, err)
	assert.Equal(t, "Porch", dev.DisplayName())

	resp, _ = doJSON(t, http.MethodPatch, ts.URL+"/api/devices/pi-1/name", map[string]any{"display_name": nil})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	dev, err = srv.registry.Get("pi-1")
	require.NoError(t, err)
	assert.Equal(t, "", dev.DisplayName())

	// Delete cascades into the queue.
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/devices/pi-1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, srv.registry.Exists("pi-1"))
	assert.Equal(t, 0, srv.queue.Depth("pi-1"))

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/devices/pi-1", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChatEndpoint(t *testing.T) {
	chat := &scriptedChat{reply: `{"reply": "こんにちは！", "device_commands": null}`}
	_, ts := newTestServer(t, chat)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hello"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "こんにちは！", body["reply"])
}

func TestChatRequiresTrailingUserMessage(t *testing.T) {
	_, ts := newTestServer(t, &scriptedChat{reply: "x"})

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "assistant", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{"messages": []any{}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Unknown roles are dropped before the check.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "tool", "content": "hi"}},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChatValidationErrorsBecomeNotice(t *testing.T) {
	chat := &scriptedChat{reply: `{"reply": "実行します。", "device_commands": [{"name": "x"}]}`}
	_, ts := newTestServer(t, chat)

	// No devices registered: the command cannot run, but the turn succeeds
	// with an explanatory notice instead of an error status.
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "run it"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	reply, _ := body["reply"].(string)
	assert.Contains(t, reply, "実行します。")
	assert.Contains(t, reply, "デバイスが登録されていないため")
}

func TestChatProviderUnavailable(t *testing.T) {
	_, ts := newTestServer(t, nil)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/chat", map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hello"}},
	})
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "chat provider is not configured", body["error"])
}

func TestSessionGate(t *testing.T) {
	cfg := &config.Config{Addr: ":0", ResultTimeoutSecs: 1, DashboardPassword: "secret"}
	srv := newServer(cfg, nil)
	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	// Dashboard routes are locked.
	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/devices", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Device wire routes stay open.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/register", map[string]any{
		"device_id":    "pi-1",
		"capabilities": []any{},
	})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode) // approval gate, not auth

	// Wrong password.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/login", map[string]any{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Correct password yields a session cookie that unlocks the dashboard.
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/login", map[string]any{"password": "secret"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cookies := resp.Cookies()
	require.NotEmpty(t, cookies)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/devices", nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	authed, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer authed.Body.Close()
	assert.Equal(t, http.StatusOK, authed.StatusCode)
}

func TestHealthz(t *testing.T) {
	_, ts := newTestServer(t, nil)
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])
}
