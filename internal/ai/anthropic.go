package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/neboloop/lens/internal/logging"
)

const (
	defaultPlannerModel     = "claude-haiku-4-5"
	defaultSynthesizerModel = "claude-sonnet-4-5"

	plannerMaxTokens     = 1024
	synthesizerMaxTokens = 4096

	// The planner may explore with tools before deciding, bounded hard.
	maxPlannerToolCalls = 6

	llmRetries = 2
)

// AnthropicClient implements PlannerClient and SynthesizerClient on the
// official SDK. One client serves both roles with different models.
type AnthropicClient struct {
	client           anthropic.Client
	plannerModel     string
	synthesizerModel string
	perToolBudget    time.Duration
}

// NewAnthropicClient creates a client from the API key. Model ids may be
// empty to use the defaults.
func NewAnthropicClient(apiKey, plannerModel, synthesizerModel string) *AnthropicClient {
	if plannerModel == "" {
		plannerModel = defaultPlannerModel
	}
	if synthesizerModel == "" {
		synthesizerModel = defaultSynthesizerModel
	}
	return &AnthropicClient{
		client:           anthropic.NewClient(option.WithAPIKey(apiKey)),
		plannerModel:     plannerModel,
		synthesizerModel: synthesizerModel,
		perToolBudget:    5 * time.Second,
	}
}

const plannerSystemPrompt = `You are the planning brain of a smart-glasses assistant. The user speaks a query; their desktop may run local work for them through a terminal agent.

Classify the query into exactly ONE of:
- "direct_response": you can answer from the conversation and the query tools alone.
- "clarifying_question": the query is ambiguous and needs one short follow-up.
- "spawn_agent": the query needs action on the user's desktop (files, local apps, code, system state).

You may call the provided read-only tools first to inspect recent tasks, running agents, daemon connectivity, and the conversation.

Respond with ONLY a JSON object, no prose around it:
{"type":"direct_response","glassesDisplay":"...","webviewContent":"..."}
{"type":"clarifying_question","glassesDisplay":"...","webviewContent":"..."}
{"type":"spawn_agent","goal":"...","workingDirectory":"...","rationale":"..."}

glassesDisplay is plain text for a heads-up display: at most 100 characters, no newlines, no markdown. webviewContent is markdown and may be long.`

// Decide runs the bounded tool loop and parses the final JSON decision.
func (c *AnthropicClient) Decide(ctx context.Context, in PlannerInput) (*Decision, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.plannerModel),
		MaxTokens: plannerMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: plannerSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(formatPlannerUserPrompt(in))),
		},
	}
	if in.Tools != nil {
		params.Tools = buildToolParams(in.Tools.Definitions())
	}

	toolCalls := 0
	for {
		msg, err := c.newMessageWithRetry(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("planner call: %w", err)
		}

		var text strings.Builder
		var toolUses []anthropic.ToolUseBlock
		for _, block := range msg.Content {
			switch b := block.AsAny().(type) {
			case anthropic.TextBlock:
				text.WriteString(b.Text)
			case anthropic.ToolUseBlock:
				toolUses = append(toolUses, b)
			}
		}

		if string(msg.StopReason) == "tool_use" && len(toolUses) > 0 && in.Tools != nil {
			if toolCalls+len(toolUses) > maxPlannerToolCalls {
				logging.Warnf("[Planner] Tool budget exhausted (%d), forcing decision", maxPlannerToolCalls)
				return parseDecision(text.String())
			}
			params.Messages = append(params.Messages, msg.ToParam())
			var results []anthropic.ContentBlockParamUnion
			for _, tu := range toolUses {
				toolCalls++
				toolCtx, cancel := context.WithTimeout(ctx, c.perToolBudget)
				content, isErr := in.Tools.Execute(toolCtx, tu.Name, json.RawMessage(tu.JSON.Input.Raw()))
				cancel()
				results = append(results, anthropic.NewToolResultBlock(tu.ID, content, isErr))
			}
			params.Messages = append(params.Messages, anthropic.NewUserMessage(results...))
			continue
		}

		return parseDecision(text.String())
	}
}

const synthesizerSystemPrompt = `You summarize the outcome of a desktop terminal agent for a smart-glasses user.

Produce ONLY a JSON object:
{"glassesDisplay":"...","webviewContent":"..."}

glassesDisplay: plain text, at most 100 characters, no newlines, no markdown; the single most useful sentence for a heads-up display.
webviewContent: full markdown for the companion webview; embed the agent's conclusive output verbatim (code blocks where appropriate). If the agent failed, explain what happened and what the user can try.`

// Synthesize turns an agent outcome into the dual-surface answer.
func (c *AnthropicClient) Synthesize(ctx context.Context, in SynthesisInput) (*Surfaces, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.synthesizerModel),
		MaxTokens: synthesizerMaxTokens,
		System:    []anthropic.TextBlockParam{{Text: synthesizerSystemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(formatSynthesisPrompt(in))),
		},
	}
	msg, err := c.newMessageWithRetry(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("synthesis call: %w", err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if b, ok := block.AsAny().(anthropic.TextBlock); ok {
			text.WriteString(b.Text)
		}
	}
	var out Surfaces
	if err := json.Unmarshal([]byte(extractJSON(text.String())), &out); err != nil {
		return nil, fmt.Errorf("synthesis output is not valid JSON: %w", err)
	}
	if out.GlassesDisplay == "" || out.WebviewContent == "" {
		return nil, fmt.Errorf("synthesis output missing a surface")
	}
	return &out, nil
}

// newMessageWithRetry retries transient failures a bounded number of times.
func (c *AnthropicClient) newMessageWithRetry(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
	var lastErr error
	for attempt := 0; attempt <= llmRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		msg, err := c.client.Messages.New(ctx, params)
		if err == nil {
			return msg, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		logging.Warnf("[Anthropic] Request failed (attempt %d/%d): %v", attempt+1, llmRetries+1, err)
	}
	return nil, lastErr
}

func buildToolParams(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		var schema map[string]any
		if err := json.Unmarshal(def.InputSchema, &schema); err != nil {
			logging.Warnf("[Anthropic] Bad tool schema for %s: %v", def.Name, err)
			continue
		}
		toolParam := anthropic.ToolParam{
			Name:        def.Name,
			Description: anthropic.String(def.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: schema["properties"],
			},
		}
		if required, ok := schema["required"].([]any); ok {
			reqStrings := make([]string, 0, len(required))
			for _, r := range required {
				if s, ok := r.(string); ok {
					reqStrings = append(reqStrings, s)
				}
			}
			toolParam.InputSchema.Required = reqStrings
		}
		tools = append(tools, anthropic.ToolUnionParam{OfTool: &toolParam})
	}
	return tools
}

func formatPlannerUserPrompt(in PlannerInput) string {
	var sb strings.Builder
	if in.History != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(in.History)
		sb.WriteString("\n\n")
	}
	sb.WriteString("New user query: ")
	sb.WriteString(in.Query)
	return sb.String()
}

func formatSynthesisPrompt(in SynthesisInput) string {
	var sb strings.Builder
	if in.History != "" {
		sb.WriteString("Conversation so far:\n")
		sb.WriteString(in.History)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "User query: %s\n", in.Query)
	fmt.Fprintf(&sb, "Agent goal: %s\n", in.Goal)
	if in.AgentResult != "" {
		fmt.Fprintf(&sb, "\nAgent result:\n%s\n", in.AgentResult)
	}
	if in.AgentError != "" {
		fmt.Fprintf(&sb, "\nAgent error: %s\n", in.AgentError)
	}
	if in.LastObservation != "" {
		fmt.Fprintf(&sb, "\nLast observation: %s\n", in.LastObservation)
	}
	return sb.String()
}

// parseDecision decodes the planner's JSON output.
func parseDecision(text string) (*Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(extractJSON(text)), &d); err != nil {
		return nil, fmt.Errorf("planner output is not valid JSON: %w", err)
	}
	switch d.Type {
	case DecisionDirectResponse, DecisionClarifyingQuestion:
		if d.GlassesDisplay == "" {
			return nil, fmt.Errorf("planner %s decision missing glassesDisplay", d.Type)
		}
	case DecisionSpawnAgent:
		if d.Goal == "" {
			return nil, fmt.Errorf("planner spawn_agent decision missing goal")
		}
	default:
		return nil, fmt.Errorf("planner emitted unknown decision type %q", d.Type)
	}
	return &d, nil
}

// extractJSON strips any prose or code fences around the first JSON object.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
