package llm

import (
	"context"
	"fmt"
	"os"

	"github.com/cruxlabs/crux/errors"
	"github.com/cruxlabs/crux/session"
	"github.com/cruxlabs/crux/tools"
	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiLLMClient is a client for the Google Gemini API.
type GeminiLLMClient struct {
	model *genai.GenerativeModel
}

// NewGeminiLLMClient creates a new GeminiLLMClient.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiLLMClient(ctx context.Context, modelName string) (*GeminiLLMClient, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	model := client.GenerativeModel(modelName)

	return &GeminiLLMClient{
		model: model,
	}, nil
}

// ChatStream sends a chat request to the Gemini API. Gemini responses are
// consumed whole here, so the adapter emits the full text, one tool_call
// event per function call, and a single done event. Function calls carry no
// provider id; ids are synthesized from the call's position in the response.
func (g *GeminiLLMClient) ChatStream(ctx context.Context, messages []session.Message, availableTools []tools.Tool, events chan<- StreamEvent) (*TurnResult, error) {
	defer close(events)

	history := convertMessagesToGeminiContent(messages)
	g.model.Tools = convertToolsToGeminiTools(availableTools)

	if len(history) == 0 {
		err := errors.WithKind(errors.KindValidation, errors.New("no messages to send to Gemini"))
		events <- StreamEvent{Type: EventError, Err: err}
		return nil, err
	}

	// The last message is the new prompt.
	lastMessage := history[len(history)-1]

	chatSession := g.model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		protoErr := errors.WithKind(errors.KindProtocol, errors.Wrapf(err, "failed to send message to Gemini"))
		events <- StreamEvent{Type: EventError, Err: protoErr}
		return nil, protoErr
	}

	result, err := turnResultFromGeminiResponse(resp)
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

// convertMessagesToGeminiContent converts our internal message format to Gemini's.
func convertMessagesToGeminiContent(messages []session.Message) []*genai.Content {
	var contents []*genai.Content
	for _, msg := range messages {
		switch msg.Role {
		case "assistant":
			parts := []genai.Part{}
			if msg.Content != "" {
				parts = append(parts, genai.Text(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case "tool":
			if len(msg.ToolCalls) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []genai.Part{genai.FunctionResponse{
					Name:     msg.ToolCalls[0].Name,
					Response: map[string]any{"output": msg.Content},
				}},
			})
		default:
			// System prompts ride along as user text; Gemini has no separate
			// system role in this API surface.
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []genai.Part{genai.Text(msg.Content)},
			})
		}
	}
	return contents
}

// convertToolsToGeminiTools converts our Tool interface to Gemini's FunctionDeclaration format.
func convertToolsToGeminiTools(ts []tools.Tool) []*genai.Tool {
	if len(ts) == 0 {
		return nil
	}
	var funcDecls []*genai.FunctionDeclaration
	for _, tool := range ts {
		fd := &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters: &genai.Schema{
				Type:       genai.TypeObject,
				Properties: map[string]*genai.Schema{},
			},
		}
		funcDecls = append(funcDecls, fd)
	}
	return []*genai.Tool{{FunctionDeclarations: funcDecls}}
}

// turnResultFromGeminiResponse converts a Gemini API response into the
// stream's final result.
func turnResultFromGeminiResponse(resp *genai.GenerateContentResponse) (*TurnResult, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.WithKind(errors.KindProtocol, errors.New("received an empty response from Gemini"))
	}

	result := &TurnResult{}
	if resp.UsageMetadata != nil {
		result.Usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			result.Content += string(v)
		case genai.FunctionCall:
			result.ToolCalls = append(result.ToolCalls, session.ToolCall{
				ToolCallID: fmt.Sprintf("call_%d_%s", len(result.ToolCalls), v.Name),
				Name:       v.Name,
				Args:       v.Args,
				Status:     session.StatusPending,
			})
		default:
			return nil, errors.WithKind(errors.KindProtocol, errors.New("unsupported part type in Gemini response: %T", v))
		}
	}

	return result, nil
}
