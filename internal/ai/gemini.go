package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

const defaultObserverModel = "gemini-2.0-flash"

// GeminiObserver classifies terminal output with a fast Gemini model.
type GeminiObserver struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

const observerSystemPrompt = `You watch the terminal output of a CLI coding agent and classify its state.

Respond with ONLY a JSON object:
{"state":"working","summary":"<one concise line of what it is doing>"}
{"state":"awaiting_input","summary":"<the prompt text it is blocked on>"}
{"state":"success","summary":"<the final answer or outcome text>"}
{"state":"failure","summary":"<why it gave up or errored>"}

Rules:
- "success" and "failure" only when the session has clearly ended.
- A shell prompt with no pending question after output means the tool finished.
- A question, confirmation, or password prompt means "awaiting_input".
- Anything still printing progress is "working".`

// NewGeminiObserver creates an observer from the API key.
func NewGeminiObserver(ctx context.Context, apiKey, modelName string) (*GeminiObserver, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	if modelName == "" {
		modelName = defaultObserverModel
	}
	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)
	model.ResponseMIMEType = "application/json"
	model.SystemInstruction = &genai.Content{
		Parts: []genai.Part{genai.Text(observerSystemPrompt)},
	}
	return &GeminiObserver{client: client, model: model}, nil
}

// Classify submits the rolling window and decodes the observation.
func (g *GeminiObserver) Classify(ctx context.Context, window string) (*Observation, error) {
	resp, err := g.model.GenerateContent(ctx, genai.Text("Terminal output:\n\n"+window))
	if err != nil {
		return nil, fmt.Errorf("observer call: %w", err)
	}
	text := collectText(resp)
	if text == "" {
		return nil, fmt.Errorf("observer returned no text")
	}
	var obs Observation
	if err := json.Unmarshal([]byte(extractJSON(text)), &obs); err != nil {
		return nil, fmt.Errorf("observer output is not valid JSON: %w", err)
	}
	switch obs.State {
	case ObserverWorking, ObserverAwaitingInput, ObserverSuccess, ObserverFailure:
		return &obs, nil
	default:
		return nil, fmt.Errorf("observer emitted unknown state %q", obs.State)
	}
}

// Close releases the underlying client.
func (g *GeminiObserver) Close() error {
	return g.client.Close()
}

func collectText(resp *genai.GenerateContentResponse) string {
	var sb strings.Builder
	for _, cand := range resp.Candidates {
		if cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	return sb.String()
}
