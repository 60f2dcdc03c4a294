package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joescharf/overseer/internal/llm"
	"github.com/joescharf/overseer/internal/models"
)

const (
	// maxHistory bounds the oracle conversation.
	maxHistory = 40
	// maxReasoningLen bounds the reasoning stored in a decision activity.
	maxReasoningLen = 500
	maxReplyTokens  = 2048
)

// DecisionEngine turns tick contexts into tool calls through the oracle.
type DecisionEngine struct {
	mu       sync.Mutex // guards provider and timeout
	provider llm.Provider
	timeout  time.Duration

	executor *ToolExecutor
	recorder *ActivityRecorder
	logger   *slog.Logger
	tracer   trace.Tracer
	history  []llm.Turn
}

func newDecisionEngine(provider llm.Provider, executor *ToolExecutor, recorder *ActivityRecorder, deps *Deps, timeout time.Duration) *DecisionEngine {
	return &DecisionEngine{
		provider: provider,
		executor: executor,
		recorder: recorder,
		logger:   deps.Logger,
		tracer:   deps.Tracer,
		timeout:  timeout,
	}
}

// History returns a copy of the conversation history.
func (d *DecisionEngine) History() []llm.Turn {
	return append([]llm.Turn(nil), d.history...)
}

func (d *DecisionEngine) reconfigure(p llm.Provider, timeout time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p != nil {
		d.provider = p
	}
	d.timeout = timeout
}

func (d *DecisionEngine) appendTurn(role llm.Role, content string) {
	d.history = append(d.history, llm.Turn{Role: role, Content: content})
	if n := len(d.history); n > maxHistory {
		d.history = append([]llm.Turn(nil), d.history[n-maxHistory:]...)
	}
}

// Decide asks the oracle about tc and runs the requested tools in order. It
// reports whether the oracle replied. Only an oracle timeout is returned as an
// error.
func (d *DecisionEngine) Decide(ctx context.Context, tc *TickContext) (bool, error) {
	d.appendTurn(llm.RoleUser, RenderReport(tc))

	reply, err := d.complete(ctx)
	if err != nil {
		if errors.Is(err, ErrOracleTimeout) {
			return false, err
		}
		d.logger.Warn("oracle call failed", "tick", tc.TickNumber, "error", err)
		d.recorder.Record(ctx, "oracle call failed", models.ErrorPayload{Scope: "oracle", Message: err.Error()})
		return false, nil
	}
	if reply == nil {
		d.logger.Warn("oracle returned no reply", "tick", tc.TickNumber)
		return false, nil
	}

	d.appendTurn(llm.RoleAssistant, reply.Summary())

	reasoning := strings.TrimSpace(reply.Text)
	d.recorder.Record(ctx, fmt.Sprintf("decision: %d tool call(s)", len(reply.ToolCalls)), models.DecisionPayload{
		TickNumber: tc.TickNumber,
		Reasoning:  head(reasoning, maxReasoningLen),
		ToolCalls:  len(reply.ToolCalls),
	})

	for _, call := range reply.ToolCalls {
		d.executor.Execute(ctx, call, tc)
	}
	return true, nil
}

func (d *DecisionEngine) complete(ctx context.Context) (*llm.Reply, error) {
	d.mu.Lock()
	provider, timeout := d.provider, d.timeout
	d.mu.Unlock()

	ctx, span := d.tracer.Start(ctx, "orchestrator.oracle")
	defer span.End()
	span.SetAttributes(
		attribute.String("oracle.provider", provider.Name()),
		attribute.Int("oracle.history", len(d.history)),
	)

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := provider.Complete(callCtx, llm.Request{
		System:    systemPrompt,
		Turns:     d.History(),
		Tools:     llm.OrchestratorTools(),
		MaxTokens: maxReplyTokens,
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", ErrOracleTimeout, timeout)
		}
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if reply != nil {
		span.SetAttributes(attribute.Int("oracle.tool_calls", len(reply.ToolCalls)))
	}
	return reply, nil
}
