// Package assist drives the diagram assistant: it turns a bounded slice of
// conversation history into one reasoning call and classifies the reply.
package assist

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sashabaranov/go-openai"
)

const systemPrompt = `You are an assistant embedded in a collaborative diagram editor.
You help users understand and modify their diagrams. When the user asks for a
change to the diagram, call the apply_diagram_mutation tool with the operations
to perform. Otherwise answer conversationally and concisely.`

// mutationTool is the single tool exposed to the model. Its payload is
// returned to the caller verbatim; the server never interprets the operations.
var mutationTool = openai.Tool{
	Type: openai.ToolTypeFunction,
	Function: &openai.FunctionDefinition{
		Name:        "apply_diagram_mutation",
		Description: "Apply a set of mutation operations to the current diagram",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"operations": {
					"type": "array",
					"description": "Ordered list of mutation operations",
					"items": {
						"type": "object",
						"properties": {
							"op": {"type": "string", "description": "Operation kind, e.g. add_node, remove_edge, update_node"},
							"target": {"type": "string", "description": "ID of the node or edge the operation applies to"},
							"data": {"type": "object", "description": "Operation payload"}
						},
						"required": ["op"]
					}
				}
			},
			"required": ["operations"]
		}`),
	},
}

// Turn is one prior message in the conversation window.
type Turn struct {
	Role    string
	Content string
}

// Response types distinguish a plain reply from a requested mutation.
const (
	TypeMessage  = "message"
	TypeToolCall = "tool_call"
)

// ToolCall carries the mutation the model asked for. Arguments are the raw
// function arguments as produced by the model.
type ToolCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Response is the classified result of one reasoning call. Message holds the
// reply text for TypeMessage, or the optional narration for TypeToolCall.
type Response struct {
	Type     string    `json:"type"`
	Message  string    `json:"message,omitempty"`
	ToolCall *ToolCall `json:"toolCall,omitempty"`
}

// chatCompleter is the slice of the OpenAI client the service needs.
type chatCompleter interface {
	CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// Service calls the reasoning backend. One call per dispatch, no retries:
// the caller surfaces upstream failures to the user instead of masking them.
type Service struct {
	client chatCompleter
	model  string
}

// NewService creates an assistant backed by an OpenAI-compatible endpoint.
func NewService(apiKey, baseURL, model string) *Service {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Service{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// NewServiceWithClient creates a service from an existing completion client.
func NewServiceWithClient(client chatCompleter, model string) *Service {
	return &Service{client: client, model: model}
}

// Respond sends the conversation window to the model and classifies the
// reply. schema is the client's current-schema snapshot, embedded into the
// system prompt when present. turns must already be in ascending
// chronological order.
func (s *Service) Respond(ctx context.Context, schema string, turns []Turn) (Response, error) {
	prompt := systemPrompt
	if schema != "" {
		prompt += "\n\nCurrent diagram schema:\n" + schema
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: prompt,
	})
	for _, turn := range turns {
		role := openai.ChatMessageRoleUser
		if turn.Role == "assistant" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    role,
			Content: turn.Content,
		})
	}

	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Tools:    []openai.Tool{mutationTool},
	})
	if err != nil {
		return Response{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, fmt.Errorf("chat completion: empty response")
	}

	return classify(resp.Choices[0].Message), nil
}

// classify maps a completion message onto the two response shapes. A reply
// with tool calls wins over its text content; the text rides along as
// narration. Anything else, tool-shaped or not, passes through as a message.
func classify(msg openai.ChatCompletionMessage) Response {
	if len(msg.ToolCalls) > 0 {
		call := msg.ToolCalls[0]
		return Response{
			Type:    TypeToolCall,
			Message: msg.Content,
			ToolCall: &ToolCall{
				Name:      call.Function.Name,
				Arguments: json.RawMessage(call.Function.Arguments),
			},
		}
	}
	return Response{
		Type:    TypeMessage,
		Message: msg.Content,
	}
}
