package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
)

func TestDecide_SendsReportAndTools(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.tick(t)

	require.Equal(t, 1, f.oracle.requestCount())
	req := f.oracle.requests[0]
	assert.Equal(t, systemPrompt, req.System)
	assert.Len(t, req.Tools, 6)
	require.Len(t, req.Turns, 1)
	assert.Equal(t, llm.RoleUser, req.Turns[0].Role)
	assert.True(t, strings.HasPrefix(req.Turns[0].Content, "Tick #1 "))

	hist := f.sched.engine.History()
	require.Len(t, hist, 2)
	assert.Equal(t, llm.RoleAssistant, hist[1].Role)
	assert.Equal(t, `[called no_action {"reason":"nothing to do"}]`, hist[1].Content)
}

func TestDecide_NilReplyKeepsOnlyReport(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.queue(nil)

	f.tick(t)
	hist := f.sched.engine.History()
	require.Len(t, hist, 1)
	assert.Equal(t, llm.RoleUser, hist[0].Role)
	assert.Empty(t, f.activities(t, models.ActivityDecision))
	assert.Equal(t, 0, f.sched.Status().ConsecutiveFailures)
}

func TestDecide_RunsCallsInOrder(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.queue(&llm.Reply{ToolCalls: []llm.ToolCall{
		call(llm.ToolSendMessage, `{"message":"first"}`),
		call(llm.ToolSendTask, `{"workerId":"ghost","message":"x"}`),
		call(llm.ToolSendMessage, `{"message":"second"}`),
	}})

	f.tick(t)

	var tools []string
	for _, a := range f.activities(t, models.ActivityToolResult) {
		p := a.Payload.(models.ToolResultPayload)
		tools = append(tools, p.Tool)
	}
	assert.Equal(t, []string{llm.ToolSendMessage, llm.ToolSendTask, llm.ToolSendMessage}, tools)
	assert.Equal(t, 0, f.sched.Status().ConsecutiveFailures, "a failed tool does not fail the tick")
}

func TestDecide_ReasoningIsTruncated(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.oracle.queue(&llm.Reply{Text: strings.Repeat("r", 2000)})

	f.tick(t)
	d := f.activities(t, models.ActivityDecision)
	require.Len(t, d, 1)
	assert.Len(t, d[0].Payload.(models.DecisionPayload).Reasoning, maxReasoningLen+3)
}

func TestHistoryIsBounded(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	for i := 0; i < 30; i++ {
		f.tick(t)
		assert.LessOrEqual(t, len(f.sched.engine.History()), maxHistory)
	}
	hist := f.sched.engine.History()
	assert.Len(t, hist, maxHistory)
	assert.Equal(t, llm.RoleUser, hist[0].Role)
	assert.True(t, strings.HasPrefix(hist[len(hist)-2].Content, "Tick #30 "))

	last := f.oracle.requests[len(f.oracle.requests)-1]
	assert.LessOrEqual(t, len(last.Turns), maxHistory)
}
