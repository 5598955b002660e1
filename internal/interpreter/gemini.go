// ABOUTME: Gemini-backed interpreter using github.com/google/generative-ai-go
// ABOUTME: Sends history plus current state and requests a schema-constrained JSON reply

package interpreter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/2389/intake-gateway/internal/store"
)

// ProviderGemini is the provider name turns use to select Gemini.
const ProviderGemini = "gemini"

// DefaultModel is used when neither config nor request names a model.
const DefaultModel = "gemini-1.5-flash"

// GeminiConfig configures the Gemini interpreter.
type GeminiConfig struct {
	APIKey      string
	Model       string
	Temperature float32
	// HistoryLimit caps how many prior messages are sent. Zero sends all.
	HistoryLimit int
}

// Gemini interprets turns with a Gemini model.
type Gemini struct {
	client *genai.Client
	cfg    GeminiConfig
	logger *slog.Logger
}

// NewGemini creates a client for the Gemini API.
func NewGemini(ctx context.Context, cfg GeminiConfig, logger *slog.Logger) (*Gemini, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &Gemini{client: client, cfg: cfg, logger: logger}, nil
}

// Interpret sends one turn to the model and decodes its reply.
func (g *Gemini) Interpret(ctx context.Context, req Request) (Result, error) {
	name := g.cfg.Model
	if req.Model != "" {
		name = req.Model
	}

	model := g.client.GenerativeModel(name)
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(SystemInstruction(req.Language))},
	}
	model.SetTemperature(g.cfg.Temperature)
	model.ResponseMIMEType = "application/json"
	model.ResponseSchema = responseSchema

	history := req.History
	if g.cfg.HistoryLimit > 0 && len(history) > g.cfg.HistoryLimit {
		history = history[len(history)-g.cfg.HistoryLimit:]
	}

	chat := model.StartChat()
	chat.History = historyContents(history)

	resp, err := chat.SendMessage(ctx, genai.Text(UserPrompt(req)))
	if err != nil {
		return Result{}, fmt.Errorf("gemini SendMessage failed: %w", err)
	}

	text := responseText(resp)
	if text == "" {
		return Result{}, fmt.Errorf("%w: empty gemini response", ErrMalformed)
	}

	result, err := Decode([]byte(text))
	if err != nil {
		g.logger.Debug("undecodable gemini reply", "model", name, "reply", text)
		return Result{}, err
	}
	return result, nil
}

// Close releases the underlying client.
func (g *Gemini) Close() error {
	return g.client.Close()
}

// historyContents maps stored messages to chat turns. Empty messages are
// skipped since the API rejects parts without text.
func historyContents(msgs []*store.Message) []*genai.Content {
	out := make([]*genai.Content, 0, len(msgs))
	for _, m := range msgs {
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		role := "user"
		if m.Sender == store.SenderAssistant {
			role = "model"
		}
		out = append(out, &genai.Content{
			Role:  role,
			Parts: []genai.Part{genai.Text(m.Content)},
		})
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

func nullableString(desc string) *genai.Schema {
	return &genai.Schema{Type: genai.TypeString, Description: desc, Nullable: true}
}

var responseSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"response": {Type: genai.TypeString, Description: "Reply shown to the user"},
		"stage": {
			Type: genai.TypeString,
			Enum: []string{
				string(store.StageProduct),
				string(store.StageQuantity),
				string(store.StageSupplierType),
				string(store.StageOptional),
				string(store.StageComplete),
			},
		},
		"ready_for_handoff": {Type: genai.TypeBoolean},
		"slots": {
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"product":  nullableString("Product name or type"),
				"quantity": {Type: genai.TypeInteger, Nullable: true},
				"supplier_type": {
					Type:     genai.TypeString,
					Enum:     []string{"private", "public", "both"},
					Nullable: true,
				},
				"brand":              nullableString("Preferred brand"),
				"model":              nullableString("Model specification"),
				"description":        nullableString("Free-form product description"),
				"delivery_location":  nullableString("Where to deliver"),
				"delivery_timeline":  nullableString("When delivery is needed"),
				"supplier_list_name": nullableString("Named supplier list to use"),
			},
		},
	},
	Required: []string{"response", "stage", "ready_for_handoff", "slots"},
}
