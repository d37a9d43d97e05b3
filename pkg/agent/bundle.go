package agent

import (
	"context"
	"strings"

	"github.com/mintlabs/chatpipe/pkg/llm"
	"github.com/mintlabs/chatpipe/pkg/trace"
)

// ImageAnalysis carries a vision pre-pass result attached to a turn.
type ImageAnalysis struct {
	// Description is the scene description.
	Description string
	// Text is OCR output found in the image.
	Text string
}

// Bundle is the per-turn request package shared by the streaming path,
// the non-streaming failover and the rescue chain. Building it once
// keeps retries consistent with the original attempt.
type Bundle struct {
	Messages []llm.Message

	// OriginalMessage is the user's message as typed.
	OriginalMessage string
	// ProcessedMessage is the message after enrichment (image notes
	// appended). It is what the model sees.
	ProcessedMessage string

	ImageAnalysis *ImageAnalysis
	ImagePath     string

	// Recorder collects the tool activity of this turn.
	Recorder *trace.Recorder
}

// UserMessage returns the best user-visible form of the request.
func (b *Bundle) UserMessage() string {
	if b.OriginalMessage != "" {
		return b.OriginalMessage
	}
	return b.ProcessedMessage
}

// historyWindow is how many stored messages are replayed as context.
const historyWindow = 20

func (a *Agent) buildBundle(ctx context.Context, message string, opts ChatOpts) (*Bundle, error) {
	processed := strings.TrimSpace(message)
	if opts.ImageAnalysis != nil {
		var sb strings.Builder
		sb.WriteString(processed)
		if d := strings.TrimSpace(opts.ImageAnalysis.Description); d != "" {
			sb.WriteString("\n\n[image description] ")
			sb.WriteString(d)
		}
		if t := strings.TrimSpace(opts.ImageAnalysis.Text); t != "" {
			sb.WriteString("\n[image text] ")
			sb.WriteString(t)
		}
		processed = sb.String()
	}

	msgs := make([]llm.Message, 0, historyWindow+2)
	if a.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt})
	}
	if a.conv != nil {
		recent, err := a.conv.Recent(ctx, historyWindow)
		if err != nil {
			return nil, err
		}
		for _, m := range recent {
			msgs = append(msgs, llm.Message{Role: llm.Role(m.Role), Content: m.Content})
		}
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: processed})

	return &Bundle{
		Messages:         msgs,
		OriginalMessage:  strings.TrimSpace(message),
		ProcessedMessage: processed,
		ImageAnalysis:    opts.ImageAnalysis,
		ImagePath:        opts.ImagePath,
		Recorder:         trace.NewRecorder(),
	}, nil
}

// compactMessages rebuilds the context with history dropped, keeping
// only the system prompt and the current request. Used by the fast
// retry after a timeout, where a smaller prompt has a better chance of
// completing in time.
func (a *Agent) compactMessages(b *Bundle) []llm.Message {
	msgs := make([]llm.Message, 0, 2)
	if a.systemPrompt != "" {
		msgs = append(msgs, llm.Message{Role: llm.RoleSystem, Content: a.systemPrompt})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: b.ProcessedMessage})
	return msgs
}
