package orchestrator

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderReport(t *testing.T) {
	longQuestion := strings.Repeat("x", 150) + " Should I continue?"
	tc := &TickContext{
		TickNumber:     7,
		Timestamp:      epoch,
		UnreadMessages: 1,
		Messages:       []MessagePreview{{Content: "ship auth first"}},
		Agents: []AgentStatus{
			{WorkerID: "auth", Branch: "worker/auth", State: AgentWorking, HasSession: true},
			{WorkerID: "docs", Branch: "worker/docs", State: AgentIdle},
		},
		DeadSessions: []string{"api"},
		Completions:  []WorkerSignal{{WorkerID: "auth", Text: "Task complete"}},
		Questions:    []WorkerSignal{{WorkerID: "docs", Text: longQuestion}},
	}

	out := RenderReport(tc)
	assert.True(t, strings.HasPrefix(out, "Tick #7 at 2026-03-01T09:00:00Z"))
	assert.Contains(t, out, "Unread operator messages: 1")
	assert.Contains(t, out, `"ship auth first"`)
	assert.Contains(t, out, "worker/auth (auth): WORKING, session active")
	assert.Contains(t, out, "worker/docs (docs): IDLE, no session")
	assert.Contains(t, out, "Dead sessions: api")
	assert.Contains(t, out, "auth: Task complete")
	assert.Contains(t, out, "docs: ..."+longQuestion[len(longQuestion)-100:])
	assert.NotContains(t, out, "Errors:")
	assert.True(t, strings.HasSuffix(out, "What actions should be taken?"))
}

func TestRenderReport_Empty(t *testing.T) {
	out := RenderReport(&TickContext{TickNumber: 1, Timestamp: epoch})
	assert.Contains(t, out, "Workers (0):\n  (none)")
	assert.Contains(t, out, "Dead sessions: none")
}

func TestTailText(t *testing.T) {
	assert.Equal(t, "short", tailText("  short \n"))
	long := strings.Repeat("a", 50) + strings.Repeat("b", 100)
	assert.Equal(t, "..."+strings.Repeat("b", 100), tailText(long))
}
