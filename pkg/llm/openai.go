package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/packages/ssestream"
)

var _ Client = (*OpenAIClient)(nil)

const (
	oaiFinishReasonStop          = "stop"
	oaiFinishReasonToolCalls     = "tool_calls"
	oaiFinishReasonFunctionCall  = "function_call"
	oaiFinishReasonLength        = "length"
	oaiFinishReasonContentFilter = "content_filter"
)

// OpenAIClient adapts an OpenAI-compatible chat completion endpoint to
// the Client interface. Many third-party gateways speak this protocol;
// the scrubbing pipeline exists precisely because some of them leak
// structured routing output into the text channel.
type OpenAIClient struct {
	Client *openai.Client

	Model         string
	Temperature   float64
	MaxTokens     int64
	UseSystemRole bool

	// Tools, when set, are offered to the model as function tools.
	Tools []*FuncTool
}

func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message) (Stream, error) {
	params, err := c.completionParams(messages)
	if err != nil {
		return nil, err
	}
	sb := NewStreamBuilder(32)
	go func() {
		if err := (&oaiPuller{}).pull(sb, c.Client.Chat.Completions.NewStreaming(ctx, params)); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func (c *OpenAIClient) Chat(ctx context.Context, messages []Message) (string, error) {
	params, err := c.completionParams(messages)
	if err != nil {
		return "", err
	}
	resp, err := c.Client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("llm: no choices")
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return "", Blocked(oaiConvUsage(&resp.Usage), choice.Message.Refusal)
	}
	return choice.Message.Content, nil
}

func (c *OpenAIClient) completionParams(messages []Message) (openai.ChatCompletionNewParams, error) {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		mp, err := c.convMessage(&messages[i])
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		msgs = append(msgs, mp)
	}
	params := openai.ChatCompletionNewParams{
		Messages: msgs,
		Model:    c.Model,
	}
	if c.Temperature > 0 {
		params.Temperature = param.NewOpt(c.Temperature)
	}
	if c.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(c.MaxTokens)
	}
	for _, tool := range c.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
			Function: openai.FunctionDefinitionParam{
				Name:        tool.Name,
				Description: param.NewOpt(tool.Description),
				Parameters:  oaiConvSchema(tool.Argument),
			},
		})
	}
	return params, nil
}

func (c *OpenAIClient) convMessage(msg *Message) (openai.ChatCompletionMessageParamUnion, error) {
	switch {
	case msg.ToolCall != nil:
		return openai.ChatCompletionMessageParamUnion{
			OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				ToolCalls: []openai.ChatCompletionMessageToolCallParam{{
					ID: msg.ToolCall.ID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      msg.ToolCall.Name,
						Arguments: msg.ToolCall.Arguments,
					},
				}},
			},
		}, nil
	case msg.ToolResult != nil:
		return openai.ToolMessage(msg.ToolResult.Result, msg.ToolResult.ID), nil
	}

	switch msg.Role {
	case RoleUser:
		mp := openai.ChatCompletionUserMessageParam{
			Content: openai.ChatCompletionUserMessageParamContentUnion{
				OfString: param.NewOpt(msg.Content),
			},
		}
		if msg.Name != "" {
			mp.Name = param.NewOpt(msg.Name)
		}
		return openai.ChatCompletionMessageParamUnion{OfUser: &mp}, nil
	case RoleModel:
		mp := openai.ChatCompletionAssistantMessageParam{
			Content: openai.ChatCompletionAssistantMessageParamContentUnion{
				OfString: param.NewOpt(msg.Content),
			},
		}
		if msg.Name != "" {
			mp.Name = param.NewOpt(msg.Name)
		}
		return openai.ChatCompletionMessageParamUnion{OfAssistant: &mp}, nil
	case "", RoleSystem:
		if c.UseSystemRole {
			return openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Content: openai.ChatCompletionSystemMessageParamContentUnion{
						OfString: param.NewOpt(msg.Content),
					},
				},
			}, nil
		}
		return openai.ChatCompletionMessageParamUnion{
			OfDeveloper: &openai.ChatCompletionDeveloperMessageParam{
				Content: openai.ChatCompletionDeveloperMessageParamContentUnion{
					OfString: param.NewOpt(msg.Content),
				},
			},
		}, nil
	}
	return openai.ChatCompletionMessageParamUnion{}, fmt.Errorf("llm: unexpected message role: %s", msg.Role)
}

// oaiPuller drains the SSE stream, assembling fragmented tool-call
// deltas into whole ToolCall chunks.
type oaiPuller struct {
	runningTool *openai.ChatCompletionChunkChoiceDeltaToolCall
}

func (p *oaiPuller) commitTool(sb *StreamBuilder) error {
	if p.runningTool == nil {
		return nil
	}
	defer func() { p.runningTool = nil }()
	return sb.Add(&Chunk{
		Role: RoleModel,
		ToolCall: &ToolCall{
			ID:        p.runningTool.ID,
			Name:      p.runningTool.Function.Name,
			Arguments: p.runningTool.Function.Arguments,
		},
	})
}

func (p *oaiPuller) pull(sb *StreamBuilder, stream *ssestream.Stream[openai.ChatCompletionChunk]) error {
	var index int64
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		var sel *openai.ChatCompletionChunkChoice
		if index == 0 {
			index = chunk.Choices[0].Index
			sel = &chunk.Choices[0]
		} else {
			for i := range chunk.Choices {
				if chunk.Choices[i].Index == index {
					sel = &chunk.Choices[i]
					break
				}
			}
			if sel == nil {
				continue
			}
		}
		if s := sel.Delta.Content; s != "" {
			if err := sb.Add(&Chunk{Role: RoleModel, Text: s}); err != nil {
				return err
			}
		}
		for _, t := range sel.Delta.ToolCalls {
			switch p.runningTool {
			case nil:
				if t.ID != "" {
					p.runningTool = &t
				}
			default:
				if t.ID == "" || t.ID == p.runningTool.ID {
					p.runningTool.Function.Name += t.Function.Name
					p.runningTool.Function.Arguments += t.Function.Arguments
				} else {
					if err := p.commitTool(sb); err != nil {
						return err
					}
					p.runningTool = &t
				}
			}
		}
		switch sel.FinishReason {
		case oaiFinishReasonFunctionCall, oaiFinishReasonToolCalls:
			if err := p.commitTool(sb); err != nil {
				return err
			}
			return sb.Done(oaiConvUsage(&chunk.Usage))
		case oaiFinishReasonStop:
			return sb.Done(oaiConvUsage(&chunk.Usage))
		case oaiFinishReasonLength:
			return sb.Truncated(oaiConvUsage(&chunk.Usage))
		case oaiFinishReasonContentFilter:
			return sb.Blocked(oaiConvUsage(&chunk.Usage), sel.Delta.Refusal)
		}
		if s := sel.Delta.Refusal; s != "" {
			return sb.Blocked(oaiConvUsage(&chunk.Usage), s)
		}
	}
	if err := stream.Err(); err != nil {
		return err
	}
	return sb.Done(Usage{})
}

func oaiConvSchema(s *jsonschema.Schema) openai.FunctionParameters {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil
	}
	var m openai.FunctionParameters
	if err := json.Unmarshal(b, &m); err != nil {
		return nil
	}
	return m
}

func oaiConvUsage(usage *openai.CompletionUsage) Usage {
	return Usage{
		PromptTokenCount:    usage.PromptTokens,
		GeneratedTokenCount: usage.CompletionTokens,
	}
}
