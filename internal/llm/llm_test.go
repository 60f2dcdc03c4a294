package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joescharf/overseer/internal/models"
)

func TestOrchestratorTools(t *testing.T) {
	tools := OrchestratorTools()
	require.Len(t, tools, 6)

	byName := map[string][]string{}
	for _, tool := range tools {
		_, required := toolSchema(tool)
		byName[tool.Name] = required
		assert.NotEmpty(t, tool.Description, tool.Name)
	}

	assert.ElementsMatch(t, []string{"name", "task"}, byName[ToolCreateWorker])
	assert.ElementsMatch(t, []string{"workerId", "message"}, byName[ToolSendTask])
	assert.ElementsMatch(t, []string{"workerId"}, byName[ToolMergeWorker])
	assert.ElementsMatch(t, []string{"message"}, byName[ToolSendMessage])
	assert.Empty(t, byName[ToolCheckStatus])
	assert.ElementsMatch(t, []string{"reason"}, byName[ToolNoAction])
}

func TestReplySummary(t *testing.T) {
	r := &Reply{
		Text: "Worker auth is done. ",
		ToolCalls: []ToolCall{
			{Name: ToolMergeWorker, Arguments: json.RawMessage(`{ "workerId": "auth" }`)},
			{Name: ToolNoAction},
		},
	}
	assert.Equal(t, "Worker auth is done.\n[called merge_worker {\"workerId\":\"auth\"}]\n[called no_action {}]", r.Summary())
}

func TestNewProvider(t *testing.T) {
	p, err := NewProvider(Config{Provider: models.ProviderHosted, APIKey: "k"})
	require.NoError(t, err)
	assert.IsType(t, &AnthropicProvider{}, p)

	p, err = NewProvider(Config{Provider: models.ProviderLocal})
	require.NoError(t, err)
	local, ok := p.(*OpenAIProvider)
	require.True(t, ok)
	assert.Equal(t, DefaultLocalBaseURL, local.baseURL)
	assert.Equal(t, DefaultModels[models.ProviderLocal], local.model)

	_, err = NewProvider(Config{Provider: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestAnthropicMessages_MergesAndDropsLeadingAssistant(t *testing.T) {
	msgs := anthropicMessages([]Turn{
		{Role: RoleAssistant, Content: "stale"},
		{Role: RoleUser, Content: "tick 1"},
		{Role: RoleUser, Content: "tick 2"},
		{Role: RoleAssistant, Content: "ok"},
	})
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", string(msgs[0].Role))
	assert.Equal(t, "assistant", string(msgs[1].Role))
}

func TestAnthropicProvider_Complete(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "msg_1",
			"type": "message",
			"role": "assistant",
			"model": "claude-test",
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5},
			"content": [
				{"type": "text", "text": "Nothing is happening."},
				{"type": "tool_use", "id": "tu_1", "name": "no_action", "input": {"reason": "all idle"}}
			]
		}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(Config{APIKey: "test-key", BaseURL: srv.URL + "/", Model: "claude-test"})
	reply, err := p.Complete(context.Background(), Request{
		System: "you orchestrate",
		Turns:  []Turn{{Role: RoleUser, Content: "Tick #1"}},
		Tools:  OrchestratorTools(),
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "Nothing is happening.", reply.Text)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "tu_1", reply.ToolCalls[0].ID)
	assert.Equal(t, ToolNoAction, reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"reason":"all idle"}`, string(reply.ToolCalls[0].Arguments))

	assert.Equal(t, "claude-test", captured["model"])
	toolChoice, _ := captured["tool_choice"].(map[string]any)
	assert.Equal(t, "auto", toolChoice["type"])
	tools, _ := captured["tools"].([]any)
	assert.Len(t, tools, 6)
}

func TestAnthropicProvider_EmptyContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"msg_2","type":"message","role":"assistant","model":"m","content":[],"usage":{"input_tokens":1,"output_tokens":0}}`))
	}))
	defer srv.Close()

	p := NewAnthropicProvider(Config{APIKey: "k", BaseURL: srv.URL + "/", Model: "m"})
	reply, err := p.Complete(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Nil(t, reply)
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var captured openaiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"choices": [{
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": "Starting a worker.",
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "create_worker", "arguments": "{\"name\":\"auth\",\"task\":\"fix login\"}"}
					}]
				}
			}]
		}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{BaseURL: srv.URL + "/v1/", Model: "qwen", APIKey: "secret"})
	reply, err := p.Complete(context.Background(), Request{
		System: "you orchestrate",
		Turns:  []Turn{{Role: RoleUser, Content: "Tick #1"}, {Role: RoleAssistant, Content: "ok"}, {Role: RoleUser, Content: "Tick #2"}},
		Tools:  OrchestratorTools(),
	})
	require.NoError(t, err)
	require.NotNil(t, reply)
	assert.Equal(t, "Starting a worker.", reply.Text)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, ToolCreateWorker, reply.ToolCalls[0].Name)
	assert.JSONEq(t, `{"name":"auth","task":"fix login"}`, string(reply.ToolCalls[0].Arguments))

	assert.Equal(t, "qwen", captured.Model)
	assert.Equal(t, "auto", captured.ToolChoice)
	require.Len(t, captured.Messages, 4)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.Equal(t, "assistant", captured.Messages[2].Role)
	require.Len(t, captured.Tools, 6)
	assert.Equal(t, "function", captured.Tools[0].Type)
	assert.Equal(t, "object", captured.Tools[0].Function.Parameters["type"])
}

func TestOpenAIProvider_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{BaseURL: srv.URL, Model: "qwen"})
	_, err := p.Complete(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestOpenAIProvider_NoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := NewOpenAIProvider(Config{BaseURL: srv.URL, Model: "qwen"})
	reply, err := p.Complete(context.Background(), Request{Turns: []Turn{{Role: RoleUser, Content: "hi"}}})
	require.NoError(t, err)
	assert.Nil(t, reply)
}
