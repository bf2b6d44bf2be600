package extraction

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/zombor/docbatch/internal/splitting"
)

// Gemini implements the Provider interface using Google Gemini
type Gemini struct {
	client  *genai.Client
	model   *genai.GenerativeModel
	timeout time.Duration
}

// NewGemini creates a new Gemini Provider instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	// Low temperature for faithful transcription
	model.SetTemperature(0.2)

	return &Gemini{
		client:  client,
		model:   model,
		timeout: 120 * time.Second,
	}, nil
}

// Generate sends the prompt and the unit's payload to Gemini and returns the
// raw text reply
func (g *Gemini) Generate(ctx context.Context, prompt string, unit splitting.Unit) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	var parts []genai.Part
	switch unit.Kind {
	case splitting.KindText:
		// Extracted document text is already embedded in the prompt
		parts = []genai.Part{genai.Text(prompt)}
	case splitting.KindPDF:
		parts = []genai.Part{
			genai.Blob{MIMEType: unit.MIMEType, Data: unit.Payload},
			genai.Text(prompt),
		}
	default:
		// Image units are always PNG after splitting
		parts = []genai.Part{
			genai.ImageData("png", unit.Payload),
			genai.Text(prompt),
		}
	}

	resp, err := g.model.GenerateContent(ctx, parts...)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	return responseText.String(), nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
