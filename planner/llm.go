package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"mealplanagent"
	"mealplanagent/tools"
)

const (
	// defaultModelID is an inference profile ID, not the foundation model's ID.
	// See https://docs.aws.amazon.com/bedrock/latest/userguide/inference-profiles.html.
	defaultModelID = "us.anthropic.claude-3-7-sonnet-20250219-v1:0"

	// Step selection replies are short: one tool call or a one-line JSON summary.
	defaultMaxTokens = 1024

	// Low temperature and top_p keep tool selection consistent.
	defaultTemperature = 0.2
	defaultTopP        = 0.9
)

type bedrockRuntimeClient interface {
	Converse(context.Context, *bedrockruntime.ConverseInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

type LLMOptions struct {
	ModelID     string
	MaxTokens   int32
	Temperature float32
	TopP        float32
}

// LLMOptionsFrom converts the env-decoded model settings.
func LLMOptionsFrom(c mealplanagent.ModelConfig) LLMOptions {
	return LLMOptions{ModelID: c.ModelID, MaxTokens: c.MaxTokens, Temperature: c.Temperature, TopP: c.TopP}
}

// LLMClient is the Bedrock Converse step-selection policy.
type LLMClient struct {
	brc  bedrockRuntimeClient
	opts LLMOptions
}

func NewLLMClient(brc bedrockRuntimeClient, opts LLMOptions) *LLMClient {
	if opts.ModelID == "" {
		opts.ModelID = defaultModelID
	}
	if opts.MaxTokens == 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.TopP == 0 {
		opts.TopP = defaultTopP
	}
	return &LLMClient{brc: brc, opts: opts}
}

func (c *LLMClient) Invoke(ctx context.Context, prompt Prompt) (Response, error) {
	slog.Info("LLM_CLIENT: Invoked", "messages_len", len(prompt.Messages))

	var sys []types.SystemContentBlock
	var msgs []types.Message
	for _, m := range prompt.Messages {
		if m.Role == "system" {
			sys = append(sys, &types.SystemContentBlockMemberText{Value: m.Content.Join()})
			continue
		}
		msg := types.Message{Role: types.ConversationRole(m.Role)}
		for _, part := range m.Content {
			switch part.Type {
			case "text":
				msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: part.Text})

			case "tool_use":
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
					ToolUseId: aws.String(part.ToolUseID),
					Name:      aws.String(part.ToolName),
					Input:     document.NewLazyDocument(plainJSON(part.Data)),
				}})

			case "tool_result":
				status := types.ToolResultStatusSuccess
				if ok, _ := part.Data["ok"].(bool); !ok {
					status = types.ToolResultStatusError
				}
				msg.Content = append(msg.Content, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
					ToolUseId: aws.String(part.ToolUseID),
					Status:    status,
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberJson{Value: document.NewLazyDocument(plainJSON(part.Data))},
					},
				}})
			}
		}
		msgs = append(msgs, msg)
	}

	var specs []types.Tool
	for _, t := range prompt.Tools {
		spec, err := buildToolSpec(t)
		if err != nil {
			slog.Error("LLM_CLIENT: Failed to build tool spec", "tool", t.Name, "error", err)
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{Value: spec})
	}

	in := &bedrockruntime.ConverseInput{
		ModelId:  &c.opts.ModelID,
		System:   sys,
		Messages: msgs,
		InferenceConfig: &types.InferenceConfiguration{
			MaxTokens:   aws.Int32(c.opts.MaxTokens),
			Temperature: aws.Float32(c.opts.Temperature),
			TopP:        aws.Float32(c.opts.TopP),
		},
	}
	if len(specs) > 0 {
		in.ToolConfig = &types.ToolConfiguration{Tools: specs, ToolChoice: &types.ToolChoiceMemberAuto{}}
	}

	out, err := c.brc.Converse(ctx, in)
	if err != nil {
		slog.Error("LLM_CLIENT: Bedrock invoke failed", "error", err)
		return Response{}, mealplanagent.Wrap(mealplanagent.KindTransient, "invoke policy", err)
	}

	var latency int64
	if out.Metrics != nil {
		latency = aws.ToInt64(out.Metrics.LatencyMs)
	}
	var inTok, outTok int32
	if out.Usage != nil {
		inTok, outTok = aws.ToInt32(out.Usage.InputTokens), aws.ToInt32(out.Usage.OutputTokens)
	}
	slog.Info("LLM_CLIENT: Bedrock invoke succeeded", "stop_reason", out.StopReason, "latency_ms", latency, "input_tokens", inTok, "output_tokens", outTok)

	switch out.StopReason {
	case types.StopReasonToolUse:
		calls := toolCallsFromOutput(out)
		return Response{Content: textFromOutput(out), ToolCalls: calls}, nil

	case types.StopReasonEndTurn, types.StopReasonStopSequence:
		return Response{Content: textFromOutput(out)}, nil

	case types.StopReasonMaxTokens:
		return Response{}, fmt.Errorf("model hit MaxTokens limit")

	case types.StopReasonGuardrailIntervened, types.StopReasonContentFiltered:
		return Response{}, fmt.Errorf("model response blocked by Bedrock safety filters")

	default:
		return Response{Content: textFromOutput(out), ToolCalls: toolCallsFromOutput(out)}, nil
	}
}

// plainJSON round-trips v through JSON so the document encoder only sees
// maps, slices and scalars.
func plainJSON(v map[string]any) map[string]any {
	out := map[string]any{}
	b, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(b, &out)
	return out
}

func buildToolSpec(t ToolSpec) (types.ToolSpecification, error) {
	// The schema must go through its own MarshalJSON before the document encoder sees it.
	schemaJSON, err := json.Marshal(t.InputSchema)
	if err != nil {
		return types.ToolSpecification{}, fmt.Errorf("marshal tool schema for %s: %w", t.Name, err)
	}
	var schemaMap map[string]any
	if err := json.Unmarshal(schemaJSON, &schemaMap); err != nil {
		return types.ToolSpecification{}, fmt.Errorf("unmarshal tool schema for %s: %w", t.Name, err)
	}
	return types.ToolSpecification{
		Name:        aws.String(t.Name),
		Description: aws.String(t.Description),
		InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(schemaMap)},
	}, nil
}

// textFromOutput prefers the last text block that looks like a JSON object,
// otherwise it joins all text blocks.
func textFromOutput(out *bedrockruntime.ConverseOutput) string {
	if out == nil || out.Output == nil {
		return ""
	}
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return ""
	}
	var texts []string
	for _, cb := range msg.Value.Content {
		if t, ok := cb.(*types.ContentBlockMemberText); ok && t.Value != "" {
			texts = append(texts, t.Value)
		}
	}
	for i := len(texts) - 1; i >= 0; i-- {
		s := strings.TrimSpace(texts[i])
		if len(s) > 1 && s[0] == '{' && s[len(s)-1] == '}' {
			return s
		}
	}
	return strings.Join(texts, "\n")
}

func toolCallsFromOutput(out *bedrockruntime.ConverseOutput) []tools.Call {
	var calls []tools.Call
	msg, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok || msg == nil {
		return calls
	}
	for _, cb := range msg.Value.Content {
		tu, ok := cb.(*types.ContentBlockMemberToolUse)
		if !ok {
			continue
		}
		var input map[string]any
		if tu.Value.Input == nil || tu.Value.Input.UnmarshalSmithyDocument(&input) != nil || input == nil {
			input = map[string]any{}
		}
		calls = append(calls, tools.Call{
			Name:      aws.ToString(tu.Value.Name),
			Input:     normalizeInput(input).(map[string]any),
			ToolUseID: aws.ToString(tu.Value.ToolUseId),
		})
	}
	return calls
}

// normalizeInput decodes stringified JSON arrays and objects some models emit
// for structured arguments.
func normalizeInput(val any) any {
	switch v := val.(type) {
	case string:
		t := strings.TrimSpace(v)
		if len(t) > 1 && (t[0] == '[' || t[0] == '{') {
			var decoded any
			if json.Unmarshal([]byte(t), &decoded) == nil {
				return normalizeInput(decoded)
			}
		}
		return v
	case []any:
		for i := range v {
			v[i] = normalizeInput(v[i])
		}
		return v
	case map[string]any:
		for k, x := range v {
			v[k] = normalizeInput(x)
		}
		return v
	default:
		return v
	}
}
