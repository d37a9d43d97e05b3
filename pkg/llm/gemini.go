package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

var _ Client = (*GeminiClient)(nil)

// GeminiClient adapts the Google Gemini API to the Client interface.
type GeminiClient struct {
	Client *genai.Client

	// Model should not start with "models/".
	Model       string
	Temperature float32
	MaxTokens   int32
}

func (c *GeminiClient) ChatStream(ctx context.Context, messages []Message) (Stream, error) {
	cfg, contents, err := c.convMessages(messages)
	if err != nil {
		return nil, err
	}
	if len(contents) == 0 {
		return nil, errors.New("llm: no contents")
	}
	sb := NewStreamBuilder(32)
	go func() {
		if err := geminiPull(sb, c.Client.Models.GenerateContentStream(ctx, c.Model, contents, cfg)); err != nil {
			sb.Abort(err)
		}
	}()
	return sb.Stream(), nil
}

func (c *GeminiClient) Chat(ctx context.Context, messages []Message) (string, error) {
	cfg, contents, err := c.convMessages(messages)
	if err != nil {
		return "", err
	}
	resp, err := c.Client.Models.GenerateContent(ctx, c.Model, contents, cfg)
	if err != nil {
		return "", err
	}
	if len(resp.Candidates) == 0 {
		return "", errors.New("llm: no candidates")
	}
	cand := resp.Candidates[0]
	if cand.FinishReason != genai.FinishReasonStop && cand.FinishReason != genai.FinishReasonMaxTokens {
		return "", fmt.Errorf("llm: unexpected finish reason: %s", cand.FinishReason)
	}
	var sb strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
	}
	return sb.String(), nil
}

func geminiPull(sb *StreamBuilder, itr iter.Seq2[*genai.GenerateContentResponse, error]) error {
	var selIdx int32
	var usage Usage
	for chunk, err := range itr {
		if err != nil {
			return err
		}
		if chunk.UsageMetadata != nil {
			usage = Usage{
				PromptTokenCount:    int64(chunk.UsageMetadata.PromptTokenCount),
				GeneratedTokenCount: int64(chunk.UsageMetadata.CandidatesTokenCount),
			}
		}
		if len(chunk.Candidates) == 0 {
			continue
		}
		var sel *genai.Candidate
		if selIdx == 0 {
			selIdx = chunk.Candidates[0].Index
			sel = chunk.Candidates[0]
		} else {
			for _, cand := range chunk.Candidates {
				if cand.Index == selIdx {
					sel = cand
					break
				}
			}
			if sel == nil {
				continue
			}
		}
		if sel.Content != nil {
			var text strings.Builder
			for _, p := range sel.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					args, _ := json.Marshal(p.FunctionCall.Args)
					if err := sb.Add(&Chunk{
						Role: RoleModel,
						ToolCall: &ToolCall{
							ID:        p.FunctionCall.Name,
							Name:      p.FunctionCall.Name,
							Arguments: string(args),
						},
					}); err != nil {
						return err
					}
				case p.Text != "":
					text.WriteString(p.Text)
				}
			}
			if text.Len() > 0 {
				if err := sb.Add(&Chunk{Role: RoleModel, Text: text.String()}); err != nil {
					return err
				}
			}
		}
		switch sel.FinishReason {
		case genai.FinishReasonStop:
			return sb.Done(usage)
		case genai.FinishReasonMaxTokens:
			return sb.Truncated(usage)
		case genai.FinishReasonSafety, genai.FinishReasonRecitation:
			return sb.Blocked(usage, string(sel.FinishReason))
		}
	}
	return sb.Done(usage)
}

func (c *GeminiClient) convMessages(messages []Message) (*genai.GenerateContentConfig, []*genai.Content, error) {
	cfg := &genai.GenerateContentConfig{}
	if c.Temperature > 0 {
		cfg.Temperature = genai.Ptr(c.Temperature)
	}
	if c.MaxTokens > 0 {
		cfg.MaxOutputTokens = c.MaxTokens
	}

	var contents []*genai.Content
	for i := range messages {
		msg := &messages[i]
		switch {
		case msg.ToolCall != nil, msg.ToolResult != nil:
			// Tool history is replayed as plain text; the Gemini path is
			// used without native function-calling turns.
			continue
		case msg.Role == "" || msg.Role == RoleSystem:
			cfg.SystemInstruction = &genai.Content{
				Parts: []*genai.Part{{Text: msg.Content}},
			}
		default:
			role := genai.RoleUser
			if msg.Role == RoleModel {
				role = genai.RoleModel
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}
	return cfg, contents, nil
}
