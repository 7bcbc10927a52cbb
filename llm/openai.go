package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// OpenAILLMClient is a client for the OpenAI Chat Completion API.
type OpenAILLMClient struct {
	client *openai.Client
	model  string
}

// NewOpenAILLMClient creates a new OpenAILLMClient. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAILLMClient(ctx context.Context, modelName string) (*OpenAILLMClient, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	return &OpenAILLMClient{client: &c, model: modelName}, nil
}

// ChatStream sends a streaming chat request to OpenAI and decodes the chunks
// into StreamEvents. OpenAI fragments tool call arguments across chunks keyed
// by tool call index; a fresh index (carrying the id and function name) maps
// to tool_call_start, subsequent argument fragments to tool_call_delta.
func (o *OpenAILLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error) {
	defer close(events)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(messages),
		Tools:    convertToolsToOpenAITools(availableTools),
	}

	stream := o.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}
	currentToolIndex := int64(-1)

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta

		if delta.Content != "" {
			events <- StreamEvent{Type: EventText, Text: delta.Content}
		}
		for _, tc := range delta.ToolCalls {
			if tc.Index != currentToolIndex {
				if currentToolIndex >= 0 {
					events <- StreamEvent{Type: EventToolCallEnd, Partial: &PartialToolCall{}}
				}
				currentToolIndex = tc.Index
				events <- StreamEvent{Type: EventToolCallStart, Partial: &PartialToolCall{ID: tc.ID, Name: tc.Function.Name}}
			}
			if tc.Function.Arguments != "" {
				events <- StreamEvent{Type: EventToolCallDelta, Partial: &PartialToolCall{ArgsDelta: tc.Function.Arguments}}
			}
		}
	}
	if currentToolIndex >= 0 {
		events <- StreamEvent{Type: EventToolCallEnd, Partial: &PartialToolCall{}}
	}

	if err := stream.Err(); err != nil {
		protoErr := errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "OpenAI stream failed"))
		events <- StreamEvent{Type: EventError, Err: protoErr}
		return nil, protoErr
	}

	result := turnResultFromOpenaiCompletion(&acc.ChatCompletion)
	events <- StreamEvent{Type: EventDone, Done: result}
	return result, nil
}

// turnResultFromOpenaiCompletion converts the accumulated completion into the
// stream's final result.
func turnResultFromOpenaiCompletion(resp *openai.ChatCompletion) *TurnResult {
	result := &TurnResult{
		Usage: Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}
	if len(resp.Choices) == 0 {
		return result
	}

	choice := resp.Choices[0].Message
	result.Content = choice.Content

	for _, tc := range resp.Choices[0].Message.ToolCalls {
		var toolArgs map[string]interface{}
		raw := tc.Function.Arguments
		if err := json.Unmarshal([]byte(raw), &toolArgs); err != nil {
			toolArgs = nil
		}
		result.ToolCalls = append(result.ToolCalls, session.ToolCall{
			ToolCallID: tc.ID,
			Name:       tc.Function.Name,
			Args:       toolArgs,
			RawArgs:    raw,
			Status:     session.StatusPending,
		})
	}
	return result
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case "system":
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Content))
		case "assistant":
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					raw := tc.RawArgs
					if raw == "" {
						argsBytes, err := json.Marshal(tc.Args)
						if err != nil {
							continue
						}
						raw = string(argsBytes)
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ToolCallID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: raw,
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case "tool":
			// A "tool" role message corresponds to a "tool" role message in the OpenAI API.
			if len(msg.ToolCalls) != 1 {
				continue
			}
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCalls[0].ToolCallID))
		case "user":
			fallthrough
		default:
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

// convertToolsToOpenAITools converts our Tool interface to the OpenAI Tool format.
func convertToolsToOpenAITools(ts []tools.Tool) []openai.ChatCompletionToolUnionParam {
	if len(ts) == 0 {
		return nil
	}
	var openAITools []openai.ChatCompletionToolUnionParam
	for _, t := range ts {
		// We define a generic object schema and let the model infer the arguments.
		params := openai.FunctionParameters{
			"type":       "object",
			"properties": map[string]any{},
		}

		toolParam := openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        t.Name(),
			Description: openai.String(t.Description()),
			Parameters:  params,
		})
		openAITools = append(openAITools, toolParam)
	}
	return openAITools
}
