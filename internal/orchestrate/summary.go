package orchestrate

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/edgedesk/edgedesk/internal/jobs"
)

// ManualResultReply renders the guaranteed, deterministic Japanese summary of
// a device result. It needs no model call and is the fallback whenever LLM
// enrichment fails or returns nothing.
func ManualResultReply(label, commandName string, res *jobs.Result) string {
	status := "失敗"
	if res.OK {
		status = "成功"
	}
	lines := []string{
		fmt.Sprintf("%s でコマンド『%s』を実行しました。", label, commandName),
		"結果: " + status,
	}
	return strings.Join(appendResultDetails(lines, res), "\n")
}

// manualAgentReply is the agent-device variant: the dispatched unit is an
// instruction sentence rather than a capability name.
func manualAgentReply(label, instruction string, res *jobs.Result) string {
	status := "失敗"
	if res.OK {
		status = "成功"
	}
	lines := []string{
		fmt.Sprintf("%s に指示『%s』を実行させました。", label, instruction),
		"結果: " + status,
	}
	return strings.Join(appendResultDetails(lines, res), "\n")
}

func appendResultDetails(lines []string, res *jobs.Result) []string {
	if res.JobID != "" {
		lines = append(lines, "ジョブID: "+res.JobID)
	}
	if res.ReturnValue != nil {
		lines = append(lines, "戻り値: "+FormatReturnValue(res.ReturnValue))
	}
	if out := strings.TrimSpace(res.Stdout); out != "" {
		lines = append(lines, "標準出力: "+out)
	}
	if errOut := strings.TrimSpace(res.Stderr); errOut != "" {
		lines = append(lines, "標準エラー: "+errOut)
	}
	if msg := strings.TrimSpace(res.Error); msg != "" {
		lines = append(lines, "エラー: "+msg)
	}
	return lines
}

// FormatReturnValue renders an arbitrary structured return value for the
// user. Scalars pass through, structured multi-step payloads (a result with a
// steps array) become numbered per-step lines, and anything else falls back
// to JSON.
func FormatReturnValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "値は返されませんでした。"
	case string:
		return v
	case bool, int, int64, float64:
		return fmt.Sprint(v)
	case map[string]any:
		if formatted, ok := formatMultiStepValue(v); ok {
			return formatted
		}
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Sprint(value)
	}
	return string(encoded)
}

// formatMultiStepValue handles the structured payload agents report for
// multi-action sequences: {message, result: {steps: [{step, action, ok,
// error}, ...]}}.
func formatMultiStepValue(m map[string]any) (string, bool) {
	result, ok := m["result"].(map[string]any)
	if !ok {
		return "", false
	}
	steps, ok := result["steps"].([]any)
	if !ok || len(steps) == 0 {
		return "", false
	}

	var lines []string
	for i, entry := range steps {
		sm, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		num := i + 1
		if n, ok := sm["step"].(float64); ok {
			num = int(n)
		}
		action, _ := sm["action"].(string)
		status := "失敗"
		if ok, _ := sm["ok"].(bool); ok {
			status = "成功"
		}
		line := fmt.Sprintf("%d. %s: %s", num, action, status)
		if errText, _ := sm["error"].(string); strings.TrimSpace(errText) != "" {
			line += "（" + strings.TrimSpace(errText) + "）"
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return "", false
	}
	if msg, _ := m["message"].(string); strings.TrimSpace(msg) != "" {
		lines = append(lines, "メッセージ: "+strings.TrimSpace(msg))
	}
	return strings.Join(lines, "\n"), true
}

// timeoutReply tells the user the device did not respond in time and how to
// proceed. The job itself stays live; only the wait ended.
func timeoutReply(label, what string, timeout time.Duration) string {
	return fmt.Sprintf(
		"%s にコマンド『%s』を送信しましたが、%s以内に結果を受信できませんでした。\n"+
			"デバイスの状態を確認してから、もう一度お試しください。",
		label, what, formatSeconds(timeout))
}

func formatSeconds(d time.Duration) string {
	secs := d.Seconds()
	if secs >= 1 {
		return fmt.Sprintf("%d秒", int(secs))
	}
	return fmt.Sprintf("%g秒", secs)
}
