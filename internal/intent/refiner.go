package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"webpilot/internal/types"
)

// knownIntents is the closed label set a refiner may return.
var knownIntents = map[string]bool{
	types.IntentSubmitLogin:   true,
	types.IntentSubmitForm:    true,
	types.IntentSearch:        true,
	types.IntentNavigate:      true,
	types.IntentScrapeList:    true,
	types.IntentPostMessage:   true,
	types.IntentGenericAction: true,
}

// GenAIRefiner classifies chunks with the Gemini API. It is optional; the
// pattern classifier remains authoritative when the model answers outside
// the known label set.
type GenAIRefiner struct {
	client *genai.Client
	model  string
}

// NewGenAIRefiner creates a refiner. model defaults to gemini-2.0-flash.
func NewGenAIRefiner(apiKey, model string) (*GenAIRefiner, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GenAIRefiner{client: client, model: model}, nil
}

// RefineIntent asks the model to pick one label for the chunk.
func (r *GenAIRefiner) RefineIntent(ctx context.Context, summary ChunkSummary, patternIntent string) (string, error) {
	payload, err := json.Marshal(summary)
	if err != nil {
		return "", err
	}

	prompt := fmt.Sprintf(
		"Classify this browser interaction chunk into exactly one label from: "+
			"submit-login, submit-form, search, navigate, scrape-list, post-message, generic-action.\n"+
			"A heuristic classifier suggested %q.\n"+
			"Chunk: %s\n"+
			"Answer with the label only.",
		patternIntent, payload)

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	result, err := r.client.Models.GenerateContent(ctx, r.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenAI classify failed: %w", err)
	}

	label := strings.TrimSpace(strings.ToLower(result.Text()))
	if !knownIntents[label] {
		return "", nil // keep pattern result
	}
	return label, nil
}
