package llm

import (
	"context"
	"encoding/json"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

// AnthropicLLMClient is a client for the Anthropic API.
type AnthropicLLMClient struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicLLMClient creates a new AnthropicLLMClient.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicLLMClient(ctx context.Context, modelName string) (*AnthropicLLMClient, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicLLMClient{
		client: &client,
		model:  modelName,
	}, nil
}

// ChatStream sends a streaming chat request to the Anthropic API and decodes
// the SSE events into StreamEvents. Tool call arguments arrive as JSON
// fragments (input_json deltas) which are forwarded verbatim; assembling and
// parsing them is the stream parser's job.
func (a *AnthropicLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error) {
	defer close(events)

	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)
	anthropicTools := convertToolsToAnthropicTools(availableTools)

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	params.Tools = make([]anthropic.ToolUnionParam, len(anthropicTools))
	for i, toolParam := range anthropicTools {
		params.Tools[i] = anthropic.ToolUnionParam{OfTool: &toolParam}
	}

	stream := a.client.Messages.NewStreaming(ctx, params)
	message := anthropic.Message{}
	// Block index -> kind, so content_block_stop can be attributed.
	blockKinds := make(map[int64]string)

	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			protoErr := errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "failed to accumulate Anthropic stream event"))
			events <- StreamEvent{Type: EventError, Err: protoErr}
			return nil, protoErr
		}

		switch ev := event.AsAny().(type) {
		case anthropic.ContentBlockStartEvent:
			switch block := ev.ContentBlock.AsAny().(type) {
			case anthropic.ToolUseBlock:
				blockKinds[ev.Index] = "tool_use"
				events <- StreamEvent{Type: EventToolCallStart, Partial: &PartialToolCall{ID: block.ID, Name: block.Name}}
			case anthropic.ThinkingBlock:
				blockKinds[ev.Index] = "thinking"
			default:
				blockKinds[ev.Index] = "text"
			}
		case anthropic.ContentBlockDeltaEvent:
			switch delta := ev.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				events <- StreamEvent{Type: EventText, Text: delta.Text}
			case anthropic.InputJSONDelta:
				events <- StreamEvent{Type: EventToolCallDelta, Partial: &PartialToolCall{ArgsDelta: delta.PartialJSON}}
			case anthropic.ThinkingDelta:
				events <- StreamEvent{Type: EventReasoning, Text: delta.Thinking}
			}
		case anthropic.ContentBlockStopEvent:
			if blockKinds[ev.Index] == "tool_use" {
				events <- StreamEvent{Type: EventToolCallEnd, Partial: &PartialToolCall{}}
			}
		}
	}

	if err := stream.Err(); err != nil {
		protoErr := errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "Anthropic stream failed"))
		events <- StreamEvent{Type: EventError, Err: protoErr}
		return nil, protoErr
	}

	result, err := turnResultFromAnthropicMessage(&message)
	if err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return nil, err
	}
	events <- StreamEvent{Type: EventDone, Done: result}
	return result, nil
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(
				anthropic.NewTextBlock(msg.Content),
			))
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var contentItems []anthropic.ContentBlockParamUnion
				if msg.Content != "" {
					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfText: &anthropic.TextBlockParam{Text: msg.Content},
					})
				}
				for _, tc := range msg.ToolCalls {
					argsBytes := []byte(tc.RawArgs)
					if len(argsBytes) == 0 {
						var err error
						argsBytes, err = json.Marshal(tc.Args)
						if err != nil {
							continue
						}
					}
					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							Type:  "tool_use",
							ID:    tc.ToolCallID,
							Name:  tc.Name,
							Input: json.RawMessage(argsBytes),
						}})
				}

				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleAssistant,
					Content: []anthropic.ContentBlockParamUnion{{
						OfText: &anthropic.TextBlockParam{
							Text: msg.Content,
						},
					}},
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role: anthropic.MessageParamRoleUser,
					Content: []anthropic.ContentBlockParamUnion{{
						OfToolResult: &anthropic.ToolResultBlockParam{
							ToolUseID: msg.ToolCalls[0].ToolCallID,
							Content: []anthropic.ToolResultBlockParamContentUnion{{
								OfText: &anthropic.TextBlockParam{
									Text: msg.Content,
								},
							}},
						},
					},
					}})
			}
		case "system":
			// Take the last one as the system prompt.
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// convertToolsToAnthropicTools converts our Tool interface to Anthropic's tool format.
func convertToolsToAnthropicTools(ts []tools.Tool) []anthropic.ToolParam {
	if len(ts) == 0 {
		return nil
	}

	var anthropicTools []anthropic.ToolParam
	for _, t := range ts {
		anthropicTools = append(anthropicTools, anthropic.ToolParam{
			Name:        t.Name(),
			Description: anthropic.String(t.Description()),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: map[string]interface{}{},
			},
		})
	}
	return anthropicTools
}

// turnResultFromAnthropicMessage converts the accumulated message into the
// stream's final result.
func turnResultFromAnthropicMessage(resp *anthropic.Message) (*TurnResult, error) {
	result := &TurnResult{
		Usage: Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
		},
	}

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			result.Content += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			raw := string(c.Input)
			if err := json.Unmarshal(c.Input, &args); err != nil {
				// Keep the raw payload; the parser reports it as a call with
				// a parse-error payload rather than dropping it.
				args = nil
			}
			result.ToolCalls = append(result.ToolCalls, session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
				RawArgs:    raw,
				Status:     session.StatusPending,
			})
		}
	}

	return result, nil
}
