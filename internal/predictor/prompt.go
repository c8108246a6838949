// File: internal/predictor/prompt.go
package predictor

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/phonepilot/api/schemas"
	"github.com/xkilldash9x/phonepilot/internal/llmutil"
)

// systemPrompt describes the output contract and action space to the model.
// Coordinates are normalized so the model never needs the device resolution.
const systemPrompt = `You operate an Android phone to complete the user's task. Each turn you get the task,
the recent action history and the current screenshot. Reply with exactly one next action.

Output format:
<thinking>
Reasoning about the current screen and why the chosen action moves the task forward.
</thinking>
<tool_call>
{"name": "mobile_use", "arguments": <action object>}
</tool_call>

All coordinates are [x, y] fractions of the screen width and height, in the range 0 to 1.

Actions:
{"action": "tap", "coordinate": [x, y]}
{"action": "long_press", "coordinate": [x, y], "duration": milliseconds (optional)}
{"action": "double_click", "coordinate": [x, y]}
{"action": "swipe", "start": [x1, y1], "end": [x2, y2], "duration": milliseconds (optional)}
{"action": "swipe", "direction": "up|down|left|right", "coordinate": [x, y] (optional)}
{"action": "type", "text": "..."}   (focus the input field first)
{"action": "system_button", "button": "back|home|recent"}
{"action": "open", "app_ref": "app name or package"}
{"action": "wait", "duration": seconds}
{"action": "note", "text": "progress notes for yourself"}
{"action": "ask_user", "question": "..."}   (only when the task cannot continue without the user)
{"action": "answer", "text": "..."}   (report an answer the task asked for)
{"action": "finish", "reason": "...", "status": "success|fail"}

Rules:
- Interact with exactly the target the user named, never a look-alike.
- Check the previous action took effect before moving on; if the screen did not change, try something different.
- Dismiss unrelated popups, grant permissions the task needs.
- Finish with status "success" only after verifying the task is fully done. Use "fail" when it cannot be done.`

const toolSection = `
External tools are also available. Call one with {"name": "<tool name>", "arguments": {...}} inside <tool_call>:
`

// SystemPrompt returns the system prompt, including the tool catalogue when tools are registered.
func SystemPrompt(tools []schemas.ToolSpec) string {
	if len(tools) == 0 {
		return systemPrompt
	}
	var b strings.Builder
	b.WriteString(systemPrompt)
	b.WriteString("\n")
	b.WriteString(toolSection)
	for _, t := range tools {
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
	}
	return b.String()
}

// UserPrompt renders the textual part of a turn. The screenshot travels separately.
func UserPrompt(req schemas.PredictRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", req.Instruction)
	fmt.Fprintf(&b, "Step %d of %d.\n", req.Observation.StepCount, req.Observation.MaxSteps)

	if len(req.History) > 0 {
		b.WriteString("\nPrevious actions (oldest first):\n")
		for _, s := range req.History {
			fmt.Fprintf(&b, "%d. %s", s.Index, schemas.DescribeAction(s.Action))
			if s.DispatchResult != nil && !s.DispatchResult.Success {
				fmt.Fprintf(&b, " -> failed: %s", s.DispatchResult.Error)
			}
			if s.Rationale != "" {
				fmt.Fprintf(&b, "\n   thought: %s", llmutil.TruncateString(oneLine(s.Rationale), 200))
			}
			b.WriteString("\n")
		}
	}

	obs := req.Observation
	if obs.ToolResult != nil {
		tr := obs.ToolResult
		if tr.Success {
			fmt.Fprintf(&b, "\nResult of %s: %v\n", tr.ToolName, tr.Payload)
		} else {
			fmt.Fprintf(&b, "\n%s failed: %s\n", tr.ToolName, tr.Error)
		}
	}
	if obs.LastDispatchError != "" {
		fmt.Fprintf(&b, "\nThe last action could not be executed: %s\n", obs.LastDispatchError)
	}
	if obs.ScreenUnchanged {
		b.WriteString("\nThe screen did not change after the last action.\n")
	}
	if req.Feedback != "" {
		fmt.Fprintf(&b, "\nYour previous reply for this screen was rejected: %s\nReply again using the required format.\n", req.Feedback)
	}
	return b.String()
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
