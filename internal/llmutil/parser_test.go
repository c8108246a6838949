package llmutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/phonepilot/internal/llmutil"
)

func TestExtractTagged(t *testing.T) {
	t.Parallel()
	resp := "<thinking>\nThe button is centred.\n</thinking>\n<tool_call>\n{\"name\":\"mobile_use\"}\n</tool_call>"

	thinking, ok := llmutil.ExtractTagged(resp, "thinking")
	require.True(t, ok)
	assert.Equal(t, "The button is centred.", thinking)

	call, ok := llmutil.ExtractTagged(resp, "tool_call")
	require.True(t, ok)
	assert.Equal(t, `{"name":"mobile_use"}`, call)

	_, ok = llmutil.ExtractTagged(resp, "answer")
	assert.False(t, ok)

	truncated, ok := llmutil.ExtractTagged("<tool_call>{\"a\":1}", "tool_call")
	require.True(t, ok)
	assert.Equal(t, `{"a":1}`, truncated)
}

func TestStripTagged(t *testing.T) {
	t.Parallel()
	out := llmutil.StripTagged("<thinking>x</thinking> rest <tool_call>{}</tool_call>", "thinking", "tool_call")
	assert.Equal(t, "rest", out)
}

func TestExtractJSONObject(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name string
		in   string
		want string
		ok   bool
	}{
		{"bare", `{"action":"home"}`, `{"action":"home"}`, true},
		{"fenced", "```json\n{\"action\":\"home\"}\n```", `{"action":"home"}`, true},
		{"conversational", `Sure! {"action":"back"} hope that helps`, `{"action":"back"}`, true},
		{"none", "no json here", "", false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := llmutil.ExtractJSONObject(tc.in)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseJSONResponse(t *testing.T) {
	t.Parallel()
	type payload struct {
		Action string `json:"action"`
	}
	p, err := llmutil.ParseJSONResponse[payload]("```json\n{\"action\":\"tap\"}\n```", false)
	require.NoError(t, err)
	assert.Equal(t, "tap", p.Action)

	_, err = llmutil.ParseJSONResponse[payload]("{not json}", false)
	assert.Error(t, err)
}

func TestParseJSONResponse_Repair(t *testing.T) {
	t.Parallel()
	broken := `{"action": "tap", "coordinate": [0.5, 0.5],}`

	_, err := llmutil.ParseJSONResponse[map[string]any](broken, false)
	require.Error(t, err, "trailing comma is rejected without repair")

	p, err := llmutil.ParseJSONResponse[map[string]any](broken, true)
	require.NoError(t, err)
	assert.Equal(t, "tap", (*p)["action"])
}

func TestRepairJSON(t *testing.T) {
	t.Parallel()
	fixed, err := llmutil.RepairJSON(`{"action": "home", }`)
	require.NoError(t, err)
	p, err := llmutil.ParseJSONResponse[map[string]any](fixed, false)
	require.NoError(t, err)
	assert.Equal(t, "home", (*p)["action"])
}

func TestTruncateString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "abc", llmutil.TruncateString("abc", 5))
	assert.Equal(t, "ab...", llmutil.TruncateString("abcdef", 2))
	assert.Equal(t, "", llmutil.TruncateString("abc", 0))
}
