package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gyaneshwarpardhi/campaignwatch/internal/detection"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/pattern"
	"github.com/gyaneshwarpardhi/campaignwatch/internal/tools"
)

// ChatConfig configures a ChatBackend.
type ChatConfig struct {
	URL          string // full /v1/chat/completions endpoint
	Model        string
	APIKey       string
	MaxToolTurns int
	MaxTokens    int
	Timeout      time.Duration // per HTTP request
}

// ChatBackend talks to an OpenAI-compatible chat-completions endpoint and
// executes the tool calls the model asks for.
type ChatBackend struct {
	conf   ChatConfig
	client *http.Client
	logger *slog.Logger
}

// NewChatBackend creates a ChatBackend with defaults applied.
func NewChatBackend(conf ChatConfig, logger *slog.Logger) *ChatBackend {
	if conf.MaxToolTurns <= 0 {
		conf.MaxToolTurns = 8
	}
	if conf.MaxTokens <= 0 {
		conf.MaxTokens = 1500
	}
	if conf.Timeout <= 0 {
		conf.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatBackend{
		conf:   conf,
		client: &http.Client{Timeout: conf.Timeout},
		logger: logger,
	}
}

const systemPrompt = `You are an autonomous fraud monitor for a marketplace. You receive new seller lifecycle events
grouped by seller, plus any known multi-step attack-pattern progress. Use the tools to gather evidence
before concluding. Reply with ONLY a JSON object, no markdown fences:
{"detections":[{"sellerId":"...","type":"...","severity":"LOW|MEDIUM|HIGH|CRITICAL","matchScore":0.0,
"patternId":"optional","stepsCompleted":0,"totalSteps":0,"description":"one sentence of evidence"}]}
Return {"detections":[]} when nothing is suspicious.`

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// toolSchema converts registry specs into function-calling tool definitions.
func toolSchema(reg *tools.Registry) []chatTool {
	if reg == nil {
		return nil
	}
	specs := reg.Specs()
	out := make([]chatTool, 0, len(specs))
	for _, s := range specs {
		props := make(map[string]any, len(s.Params))
		required := []string{}
		for _, p := range s.Params {
			props[p.Name] = map[string]any{"type": p.Type, "description": p.Description}
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out = append(out, chatTool{
			Type: "function",
			Function: toolFunction{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  map[string]any{"type": "object", "properties": props, "required": required},
			},
		})
	}
	return out
}

func (b *ChatBackend) Reason(ctx context.Context, in *ScanInput, reg *tools.Registry) (detection.RawResult, error) {
	input, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode scan input: %w", err)
	}
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt + "\nMonitor role: " + in.Role},
		{Role: "user", Content: string(input)},
	}
	defs := toolSchema(reg)

	for turn := 0; turn <= b.conf.MaxToolTurns; turn++ {
		msg, err := b.complete(ctx, messages, defs)
		if err != nil {
			return nil, err
		}
		if len(msg.ToolCalls) == 0 {
			return parseObject(msg.Content)
		}
		messages = append(messages, msg)
		for _, call := range msg.ToolCalls {
			messages = append(messages, chatMessage{
				Role:       "tool",
				ToolCallID: call.ID,
				Content:    b.runTool(ctx, reg, call),
			})
		}
	}
	return nil, fmt.Errorf("reasoning: no answer after %d tool turns", b.conf.MaxToolTurns)
}

func (b *ChatBackend) runTool(ctx context.Context, reg *tools.Registry, call toolCall) string {
	var res tools.Result
	params := map[string]any{}
	switch {
	case reg == nil:
		res = tools.Fail("no tools available")
	case call.Function.Arguments != "" && json.Unmarshal([]byte(call.Function.Arguments), &params) != nil:
		res = tools.Fail("arguments for %s are not a JSON object", call.Function.Name)
	default:
		res = reg.Call(ctx, call.Function.Name, params)
	}
	if !res.Success {
		b.logger.Debug("tool call failed", "tool", call.Function.Name, "err", res.Error)
	}
	out, err := json.Marshal(res)
	if err != nil {
		return `{"success":false,"error":"result not serializable"}`
	}
	return string(out)
}

// RefinePrediction asks the model for a confidence that the predicted step
// happens next. It implements pattern.Refiner.
func (b *ChatBackend) RefinePrediction(ctx context.Context, m pattern.TimelineMatch, p pattern.Prediction) (float64, error) {
	body, err := json.Marshal(map[string]any{"match": m, "prediction": p})
	if err != nil {
		return 0, err
	}
	msg, err := b.complete(ctx, []chatMessage{
		{Role: "system", Content: `Estimate the probability that the predicted step is the seller's next action. Reply with ONLY {"confidence": <number between 0 and 1>}.`},
		{Role: "user", Content: string(body)},
	}, nil)
	if err != nil {
		return 0, err
	}
	obj, err := parseObject(msg.Content)
	if err != nil {
		return 0, err
	}
	c, ok := obj["confidence"].(float64)
	if !ok {
		return 0, fmt.Errorf("%w: missing confidence", ErrUnparsable)
	}
	return c, nil
}

func (b *ChatBackend) complete(ctx context.Context, messages []chatMessage, defs []chatTool) (chatMessage, error) {
	body, err := json.Marshal(chatRequest{
		Model:       b.conf.Model,
		Messages:    messages,
		Tools:       defs,
		MaxTokens:   b.conf.MaxTokens,
		Temperature: 0,
	})
	if err != nil {
		return chatMessage{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.conf.URL, bytes.NewReader(body))
	if err != nil {
		return chatMessage{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if b.conf.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.conf.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return chatMessage{}, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if resp.StatusCode != http.StatusOK {
		return chatMessage{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil || len(out.Choices) == 0 {
		return chatMessage{}, fmt.Errorf("%w: empty response", ErrUnparsable)
	}
	return out.Choices[0].Message, nil
}

// parseObject decodes a JSON object, tolerating markdown code fences.
func parseObject(content string) (map[string]any, error) {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)
	if s == "" || s == "null" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s), &obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	return obj, nil
}
