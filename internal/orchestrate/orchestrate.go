// Package orchestrate executes validated device commands for a chat turn: it
// bridges the synchronous HTTP request with the asynchronous device via the
// job queue's dispatch-and-wait cycle, and sequences multi-step command lists
// while threading summaries between steps.
package orchestrate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/edgedesk/edgedesk/internal/command"
	"github.com/edgedesk/edgedesk/internal/jobs"
	"github.com/edgedesk/edgedesk/internal/llm"
	"github.com/edgedesk/edgedesk/internal/registry"
)

// DefaultResultTimeout bounds how long one dispatched command waits for its
// device to report back.
const DefaultResultTimeout = 90 * time.Second

// Executor runs validated command sequences against the registry and queue.
type Executor struct {
	Registry      *registry.Store
	Queue         *jobs.Queue
	Chat          llm.Provider
	ResultTimeout time.Duration
}

// NewExecutor creates an executor with the default result timeout.
func NewExecutor(reg *registry.Store, queue *jobs.Queue, chat llm.Provider) *Executor {
	return &Executor{
		Registry:      reg,
		Queue:         queue,
		Chat:          chat,
		ResultTimeout: DefaultResultTimeout,
	}
}

// StepOutcome records one executed step of a command sequence.
type StepOutcome struct {
	DeviceID    string
	Label       string
	CommandName string
	Instruction string
	Args        map[string]any
	Result      *jobs.Result
	Reply       string
	IsAgent     bool

	// DispatchFailed is set when the command never reached the queue
	// (device vanished between validation and dispatch). Non-fatal.
	DispatchFailed bool

	// Status is non-zero only for hard failures: the dispatch mechanism
	// itself broke, as opposed to a device reporting ok=false.
	Status int
	Err    string
}

// ExecuteSequence runs an ordered command list. Each step's human-readable
// summary is threaded forward as contextual "initial reply" input to the next
// step. A hard failure aborts the remaining steps; the response carries the
// failing status and the summaries produced so far plus the failure message.
// Otherwise the aggregate reply is the single step's summary, or for
// multi-step runs one LLM-composed paragraph per step with a join of the
// manual summaries as fallback.
func (e *Executor) ExecuteSequence(ctx context.Context, history []llm.Message, initialReply string, cmds []command.Command) (string, int) {
	prev := initialReply
	var outcomes []StepOutcome

	for _, cmd := range cmds {
		dev, err := e.Registry.Get(cmd.DeviceID)
		var out StepOutcome
		switch {
		case err != nil:
			// Device vanished between validation and dispatch.
			out = StepOutcome{
				DeviceID:       cmd.DeviceID,
				Label:          cmd.DeviceID,
				CommandName:    cmd.Name,
				Args:           cmd.Args,
				Reply:          dispatchFailureNotice(cmd.DeviceID),
				DispatchFailed: true,
			}
		case dev.IsAgent():
			out = e.executeAgent(ctx, history, prev, cmd, dev)
		default:
			out = e.executeStandard(ctx, history, prev, cmd, dev)
		}

		// A first-step dispatch failure keeps whatever conversational
		// reply preceded it; later steps already carry prior summaries.
		if out.DispatchFailed && len(outcomes) == 0 && initialReply != "" {
			out.Reply = initialReply + "\n" + out.Reply
		}

		if out.Status != 0 {
			parts := make([]string, 0, len(outcomes)+1)
			for _, prior := range outcomes {
				parts = append(parts, prior.Reply)
			}
			parts = append(parts, out.Reply)
			return strings.Join(parts, "\n\n"), out.Status
		}

		outcomes = append(outcomes, out)
		prev = out.Reply
	}

	switch len(outcomes) {
	case 0:
		return initialReply, http.StatusOK
	case 1:
		return outcomes[0].Reply, http.StatusOK
	}

	if agg := e.aggregateReplies(ctx, outcomes); agg != "" {
		return agg, http.StatusOK
	}
	parts := make([]string, len(outcomes))
	for i, out := range outcomes {
		parts[i] = out.Reply
	}
	return strings.Join(parts, "\n\n"), http.StatusOK
}

// executeStandard dispatches one fixed-capability command: enqueue, wait for
// the result, summarize. Enqueue failure and result timeout are normal
// outcomes folded into the reply text.
func (e *Executor) executeStandard(ctx context.Context, history []llm.Message, prevReply string, cmd command.Command, dev *registry.Device) StepOutcome {
	out := StepOutcome{
		DeviceID:    cmd.DeviceID,
		Label:       dev.Label(),
		CommandName: cmd.Name,
		Args:        cmd.Args,
	}

	jobID, err := e.Queue.Enqueue(cmd.DeviceID, jobs.Command{Name: cmd.Name, Args: cmd.Args})
	if err != nil {
		out.Reply = dispatchFailureNotice(out.Label)
		out.DispatchFailed = true
		return out
	}

	result := e.Queue.Await(ctx, cmd.DeviceID, jobID, e.ResultTimeout)
	if result == nil {
		out.Reply = timeoutReply(out.Label, cmd.Name, e.ResultTimeout)
		return out
	}

	out.Result = result
	out.Reply = ManualResultReply(out.Label, cmd.Name, result)
	if enriched := e.finalizeWithChat(ctx, history, prevReply, out); enriched != "" {
		out.Reply = enriched
	}
	return out
}

// executeAgent dispatches a free-text instruction to an agent device. When the
// proposed command carries no ready instruction, one is synthesized from the
// chat context; a failure there is a hard failure since nothing was dispatched
// and the mechanism itself broke.
func (e *Executor) executeAgent(ctx context.Context, history []llm.Message, prevReply string, cmd command.Command, dev *registry.Device) StepOutcome {
	out := StepOutcome{
		DeviceID:    cmd.DeviceID,
		Label:       dev.Label(),
		CommandName: registry.AgentCapabilityName,
		Args:        cmd.Args,
		IsAgent:     true,
	}

	instruction := strings.TrimSpace(asString(cmd.Args["instruction"]))
	if instruction == "" {
		var err error
		instruction, err = e.translateInstruction(ctx, history, prevReply)
		if err != nil {
			out.Status = http.StatusInternalServerError
			out.Err = err.Error()
			out.Reply = fmt.Sprintf("%s への指示を生成できませんでした: %v", out.Label, err)
			return out
		}
	}
	out.Instruction = instruction

	jobID, err := e.Queue.Enqueue(cmd.DeviceID, jobs.Command{
		Name: registry.AgentCapabilityName,
		Args: map[string]any{"instruction": instruction},
	})
	if err != nil {
		out.Reply = dispatchFailureNotice(out.Label)
		out.DispatchFailed = true
		return out
	}

	result := e.Queue.Await(ctx, cmd.DeviceID, jobID, e.ResultTimeout)
	if result == nil {
		out.Reply = timeoutReply(out.Label, instruction, e.ResultTimeout)
		return out
	}

	out.Result = result
	out.Reply = manualAgentReply(out.Label, instruction, result)
	if enriched := e.finalizeWithChat(ctx, history, prevReply, out); enriched != "" {
		out.Reply = enriched
	}
	return out
}

// translateInstruction asks the model to compress the chat context into one
// short imperative instruction sentence for the agent device.
func (e *Executor) translateInstruction(ctx context.Context, history []llm.Message, prevReply string) (string, error) {
	if e.Chat == nil {
		return "", fmt.Errorf("chat provider is not configured")
	}

	messages := append([]llm.Message(nil), history...)
	if prevReply != "" {
		messages = append(messages, llm.Message{Role: "assistant", Content: prevReply})
	}
	messages = append(messages, llm.Message{
		Role: "system",
		Content: "Based on the conversation so far, write exactly one short " +
			"imperative Japanese sentence instructing the agent device what to do. " +
			"Output only that sentence, with no JSON and no commentary.",
	})

	raw, err := e.Chat.Chat(ctx, messages)
	if err != nil {
		return "", fmt.Errorf("instruction translation failed: %w", err)
	}
	instruction := strings.TrimSpace(raw)
	if instruction == "" {
		return "", fmt.Errorf("instruction translation returned empty text")
	}
	return instruction, nil
}

// finalizeWithChat asks the model for a conversational Japanese summary of a
// completed step. The deterministic manual summary stays in place unless the
// call succeeds with non-empty text.
func (e *Executor) finalizeWithChat(ctx context.Context, history []llm.Message, prevReply string, out StepOutcome) string {
	if e.Chat == nil {
		return ""
	}

	what := "Command: " + out.CommandName
	if out.IsAgent {
		what = "Instruction: " + out.Instruction
	}
	instruction := fmt.Sprintf(
		"The previous device command has completed.\nDevice: %s\n%s\nArguments: %s\nResult JSON: %s\n"+
			"Provide a concise Japanese reply for the user that summarises this outcome. "+
			"Do not create a new device command unless the user explicitly asked for more actions.",
		out.Label, what, toJSON(out.Args), toJSON(out.Result))

	messages := append([]llm.Message(nil), history...)
	if prevReply != "" {
		messages = append(messages, llm.Message{Role: "assistant", Content: prevReply})
	}
	messages = append(messages, llm.Message{Role: "system", Content: instruction})

	raw, err := e.Chat.Chat(ctx, messages)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(llm.ParseAssistantTurn(raw).Reply)
}

// aggregateReplies asks the model for one Japanese paragraph per executed
// step, in order. Returns "" when the model is unavailable or unhelpful; the
// caller falls back to joining the manual summaries.
func (e *Executor) aggregateReplies(ctx context.Context, outcomes []StepOutcome) string {
	if e.Chat == nil {
		return ""
	}

	var b strings.Builder
	b.WriteString("All device commands in this turn have completed. Summarise the outcome " +
		"for the user as one Japanese paragraph per step, in order, with no JSON.\n")
	for i, out := range outcomes {
		what := "command " + out.CommandName
		if out.IsAgent {
			what = "instruction " + out.Instruction
		}
		fmt.Fprintf(&b, "Step %d: device %s, %s, arguments %s, result %s\n",
			i+1, out.Label, what, toJSON(out.Args), toJSON(out.Result))
	}

	raw, err := e.Chat.Chat(ctx, []llm.Message{{Role: "system", Content: b.String()}})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(llm.ParseAssistantTurn(raw).Reply)
}

func dispatchFailureNotice(label string) string {
	return fmt.Sprintf("（注意: %s にコマンドを送信できませんでした。）", label)
}

func toJSON(v any) string {
	encoded, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(encoded)
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}
