package summary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stenoproject/stenod/internal/domain"
)

// maxTranscriptChars caps the transcript text sent per model call; anything
// longer is cut with a trim marker.
const maxTranscriptChars = 16000

// OpenAIClient implements Summarizer against any OpenAI-compatible chat
// endpoint (OpenAI itself, Ollama, llama.cpp, vLLM).
type OpenAIClient struct {
	client *openai.Client
	model  string
}

var _ Summarizer = (*OpenAIClient)(nil)

// NewOpenAIClient builds a client. baseURL may be empty for the hosted API;
// for local backends point it at e.g. "http://localhost:11434/v1".
func NewOpenAIClient(baseURL, apiKey, model string) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), model: model}
}

func (c *OpenAIClient) ModelID() string { return c.model }

func (c *OpenAIClient) Summarize(ctx context.Context, segments []domain.Segment, previous *domain.Summary) (string, error) {
	system := "You summarize live meeting transcripts. Reply with a brief summary " +
		"of at most three sentences covering the whole conversation so far. " +
		"No preamble, no markdown headings."
	user := "Transcript:\n\n" + transcriptText(segments)
	if previous != nil && previous.Content != "" && previous.Content != unavailable {
		user = "Previous summary:\n" + previous.Content + "\n\n" + user
	}
	return c.chat(ctx, system, user, 0.3)
}

func (c *OpenAIClient) GenerateMeetingNotes(ctx context.Context, segments []domain.Segment) (string, error) {
	system := "You produce structured meeting notes from transcripts. " +
		"Reply in Markdown with sections: Key Points, Decisions, Action Items. " +
		"Keep each bullet short. Do not invent content."
	return c.chat(ctx, system, "Transcript:\n\n"+transcriptText(segments), 0.3)
}

func (c *OpenAIClient) ExtractTopics(ctx context.Context, uncovered []domain.Segment, existing []domain.Topic) ([]TopicDraft, error) {
	var sb strings.Builder
	for _, seg := range uncovered {
		fmt.Fprintf(&sb, "[%d] %s\n", seg.SequenceNumber, seg.Text)
	}
	user := "Numbered transcript lines:\n\n" + capText(sb.String())
	if len(existing) > 0 {
		var titles []string
		for _, t := range existing {
			titles = append(titles, t.Title)
		}
		user += "\nTopics already identified (do not repeat them): " + strings.Join(titles, ", ")
	}

	system := `You identify discussion topics in meeting transcripts.
Reply with a JSON array only, no prose. Each element:
{"title": "<short label>", "summary": "<one short paragraph>", "segmentRange": {"start": <first line number>, "end": <last line number>}}
Use the line numbers in brackets. Return [] if no clear topic emerges.`

	raw, err := c.chat(ctx, system, user, 0.2)
	if err != nil {
		return nil, err
	}
	var drafts []TopicDraft
	if err := json.Unmarshal([]byte(extractJSONArray(raw)), &drafts); err != nil {
		return nil, fmt.Errorf("topic response not parseable: %w", err)
	}
	return drafts, nil
}

func (c *OpenAIClient) chat(ctx context.Context, system, user string, temperature float32) (string, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       c.model,
		Temperature: temperature,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model %s returned no choices", c.model)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func transcriptText(segments []domain.Segment) string {
	var sb strings.Builder
	for _, seg := range segments {
		speaker := "Mic"
		if seg.Source == domain.SourceSystemAudio {
			speaker = "System"
		}
		fmt.Fprintf(&sb, "[%s] %s\n", speaker, seg.Text)
	}
	return capText(sb.String())
}

func capText(text string) string {
	if len(text) > maxTranscriptChars {
		return text[:maxTranscriptChars] + "\n...[trimmed]..."
	}
	return text
}

// extractJSONArray tolerates models that wrap the array in code fences or
// surrounding prose.
func extractJSONArray(raw string) string {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
