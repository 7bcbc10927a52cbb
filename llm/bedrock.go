package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
)

// BedrockLLMClient is a client for the Anthropic models on AWS Bedrock.
type BedrockLLMClient struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockLLMClient creates a new BedrockLLMClient.
// It requires AWS credentials to be configured in the environment.
func NewBedrockLLMClient(ctx context.Context, modelID string) (*BedrockLLMClient, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	return &BedrockLLMClient{
		client:  bedrockruntime.NewFromConfig(cfg),
		modelID: modelID,
	}, nil
}

// ChatStream sends a chat request to an Anthropic model via AWS Bedrock's
// InvokeModel API. The response arrives whole, so the adapter emits the full
// text, one tool_call event per tool_use block, and a single done event.
func (b *BedrockLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error) {
	defer close(events)

	anthropicMessages, systemPrompt := convertMessagesToBedrockFormat(messages)
	requestBody, err := createBedrockAnthropicRequest(anthropicMessages, systemPrompt, availableTools)
	if err != nil {
		wrapped := errors.Wrapf(err, "failed to create Anthropic request")
		events <- StreamEvent{Type: EventError, Err: wrapped}
		return nil, wrapped
	}

	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        requestBody,
	})
	if err != nil {
		protoErr := errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "failed to invoke Bedrock model"))
		events <- StreamEvent{Type: EventError, Err: protoErr}
		return nil, protoErr
	}

	result, err := turnResultFromBedrockResponse(resp.Body)
	if err != nil {
		events <- StreamEvent{Type: EventError, Err: err}
		return nil, err
	}

	if result.Content != "" {
		events <- StreamEvent{Type: EventText, Text: result.Content}
	}
	for i := range result.ToolCalls {
		tc := result.ToolCalls[i]
		events <- StreamEvent{Type: EventToolCall, ToolCall: &tc}
	}
	events <- StreamEvent{Type: EventDone, Done: result}
	return result, nil
}

// convertMessagesToBedrockFormat converts our internal message format to the
// Anthropic-on-Bedrock request shape.
func convertMessagesToBedrockFormat(messages []session.Message) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case "user":
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type": "text",
						"text": msg.Content,
					},
				},
			})
		case "assistant":
			if len(msg.ToolCalls) > 0 {
				var blocks []map[string]interface{}
				if msg.Content != "" {
					blocks = append(blocks, map[string]interface{}{
						"type": "text",
						"text": msg.Content,
					})
				}
				for _, tc := range msg.ToolCalls {
					blocks = append(blocks, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ToolCallID,
						"name":  tc.Name,
						"input": tc.Args,
					})
				}
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": blocks,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "assistant",
					"content": []map[string]interface{}{
						{
							"type": "text",
							"text": msg.Content,
						},
					},
				})
			}
		case "tool":
			if len(msg.ToolCalls) > 0 {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "user",
					"content": []map[string]interface{}{
						{
							"type":        "tool_result",
							"tool_use_id": msg.ToolCalls[0].ToolCallID,
							"content":     msg.Content,
						},
					},
				})
			}
		case "system":
			systemPrompt = msg.Content
		}
	}

	return anthropicMessages, systemPrompt
}

// createBedrockAnthropicRequest creates the request body for Anthropic models on Bedrock.
func createBedrockAnthropicRequest(messages []map[string]interface{}, systemPrompt string, availableTools []tools.Tool) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if len(availableTools) > 0 {
		var toolSpecs []map[string]interface{}
		for _, tool := range availableTools {
			toolSpecs = append(toolSpecs, map[string]interface{}{
				"name":        tool.Name(),
				"description": tool.Description(),
				"input_schema": map[string]interface{}{
					"type":       "object",
					"properties": map[string]interface{}{},
				},
			})
		}
		request["tools"] = toolSpecs
	}

	return json.Marshal(request)
}

// turnResultFromBedrockResponse converts a Bedrock API response body into the
// stream's final result.
func turnResultFromBedrockResponse(body []byte) (*TurnResult, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "failed to unmarshal Bedrock response"))
	}

	if errMsg, ok := response["error"]; ok {
		return nil, errors.WithKind(errors.KindProtocol, errors.New("Bedrock API error: %v", errMsg))
	}

	result := &TurnResult{}
	if usage, ok := response["usage"].(map[string]interface{}); ok {
		if v, ok := usage["input_tokens"].(float64); ok {
			result.Usage.InputTokens = int(v)
		}
		if v, ok := usage["output_tokens"].(float64); ok {
			result.Usage.OutputTokens = int(v)
		}
	}

	content, ok := response["content"]
	if !ok {
		return result, nil
	}

	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.WithKind(errors.KindProtocol, errors.New("unexpected content format in Bedrock response"))
	}

	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		itemType, ok := itemMap["type"].(string)
		if !ok {
			continue
		}

		switch itemType {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				result.Content += text
			}
		case "tool_use":
			name, ok := itemMap["name"].(string)
			if !ok {
				continue
			}
			input, _ := itemMap["input"].(map[string]interface{})
			id := fmt.Sprintf("call_%d_%s", len(result.ToolCalls), name)
			if toolID, ok := itemMap["id"].(string); ok && toolID != "" {
				id = toolID
			}
			raw := ""
			if input != nil {
				if rawBytes, err := json.Marshal(input); err == nil {
					raw = string(rawBytes)
				}
			}
			result.ToolCalls = append(result.ToolCalls, session.ToolCall{
				ToolCallID: id,
				Name:       name,
				Args:       input,
				RawArgs:    raw,
				Status:     session.StatusPending,
			})
		}
	}

	return result, nil
}
