package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when MODEL_NAME is not set.
const DefaultModel = "gemini-2.5-flash"

// Gemini implements Client over the Google GenAI SDK.
type Gemini struct {
	client *genai.Client
	model  string
}

var _ Client = (*Gemini)(nil)

// NewGemini creates a Gemini-backed client. The key is required: calls
// made without one would only fail later with an opaque 401.
func NewGemini(ctx context.Context, apiKey, model string) (*Gemini, error) {
	if apiKey == "" {
		return nil, ErrMissingAPIKey
	}
	if model == "" {
		model = DefaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	return &Gemini{client: client, model: model}, nil
}

// Open starts a chat seeded with the system instruction and the
// mirrored prior history.
func (g *Gemini) Open(ctx context.Context, instruction string, history []Turn) (Exchange, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(instruction, genai.RoleUser),
	}

	chat, err := g.client.Chats.Create(ctx, g.model, config, toContents(history))
	if err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	return &geminiExchange{chat: chat}, nil
}

type geminiExchange struct {
	chat *genai.Chat
}

func (e *geminiExchange) Send(ctx context.Context, message string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for resp, err := range e.chat.SendMessageStream(ctx, genai.Part{Text: message}) {
			if err != nil {
				yield("", fmt.Errorf("chat stream: %w", err))
				return
			}
			// Chunks without readable text (safety blocks, empty
			// candidates) are skipped; the stream continues.
			text := resp.Text()
			if text == "" {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
	}
}

func (e *geminiExchange) History() []Turn {
	return fromContents(e.chat.History(true))
}

func toContents(history []Turn) []*genai.Content {
	if len(history) == 0 {
		return nil
	}
	contents := make([]*genai.Content, 0, len(history))
	for _, t := range history {
		contents = append(contents, genai.NewContentFromText(t.Text, genai.Role(t.Role)))
	}
	return contents
}

func fromContents(contents []*genai.Content) []Turn {
	if len(contents) == 0 {
		return nil
	}
	turns := make([]Turn, 0, len(contents))
	for _, c := range contents {
		var b strings.Builder
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
		turns = append(turns, Turn{Role: c.Role, Text: b.String()})
	}
	return turns
}
