package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/normanking/recall/pkg/types"
)

// Supported reasoning backends.
const (
	BackendOpenAI    = "openai"
	BackendAnthropic = "anthropic"
	BackendOllama    = "ollama"
)

// ModelConfig selects and authenticates a reasoning backend.
type ModelConfig struct {
	Backend  string
	Model    string
	Endpoint string
	APIKey   string
}

// NewModel creates a langchaingo model for cfg. Hosted backends without an API
// key return an error wrapping ErrNotConfigured.
func NewModel(cfg ModelConfig) (llms.Model, error) {
	switch cfg.Backend {
	case BackendOllama:
		opts := []ollama.Option{ollama.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, ollama.WithServerURL(cfg.Endpoint))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}
		return model, nil

	case BackendOpenAI, "":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai: %w", ErrNotConfigured)
		}
		opts := []openai.Option{openai.WithToken(cfg.APIKey), openai.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Endpoint))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}
		return model, nil

	case BackendAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("anthropic: %w", ErrNotConfigured)
		}
		opts := []anthropic.Option{anthropic.WithToken(cfg.APIKey), anthropic.WithModel(cfg.Model)}
		if cfg.Endpoint != "" {
			opts = append(opts, anthropic.WithBaseURL(cfg.Endpoint))
		}
		model, err := anthropic.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}
		return model, nil

	default:
		return nil, fmt.Errorf("unsupported reasoning backend: %s", cfg.Backend)
	}
}

// generateJSON sends a system+user prompt in JSON mode and decodes the reply into out.
func generateJSON(ctx context.Context, model llms.Model, name, system, user string, maxTokens int, out any) error {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}
	resp, err := model.GenerateContent(ctx, messages,
		llms.WithTemperature(0),
		llms.WithMaxTokens(maxTokens),
		llms.WithJSONMode(),
	)
	if err != nil {
		return classifyLLMError(name, err)
	}
	if len(resp.Choices) == 0 {
		return newError(name, types.ErrKindProviderUnavailable, errors.New("no response choices"))
	}
	if err := json.Unmarshal([]byte(extractJSON(resp.Choices[0].Content)), out); err != nil {
		return newError(name, types.ErrKindProviderUnavailable, fmt.Errorf("decode model reply: %w", err))
	}
	return nil
}

// extractJSON trims code fences or prose some models wrap around a JSON object.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return s
	}
	return s[start : end+1]
}

// ═══════════════════════════════════════════════════════════════════════════════
// SHORT REASONING (INTENT)
// ═══════════════════════════════════════════════════════════════════════════════

const intentSystemPrompt = `You classify what a user wants from a music recall assistant.
Categories:
- conversation: chit-chat or follow-up talk with the assistant
- information: a factual question about an artist, album, song or genre
- find-target: the user wants to find a specific song, album or artist they describe
- generate: the user wants something created (a playlist, lyrics, a description)
- humming: the user is humming or singing a melody
- background-audio: the user wants to identify music playing around them
- unclear: none of the above fits with confidence
Reply with JSON only: {"category": "<category>", "confidence": <0..1>, "rationale": "<short reason>"}`

type intentReply struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale"`
}

// LLMIntentModel is the short, low-cost reasoning adapter used for intent classification.
type LLMIntentModel struct {
	model llms.Model
	guard *Guard
}

// NewLLMIntentModel creates the adapter. A nil model makes every call NotConfigured.
func NewLLMIntentModel(model llms.Model, guard *Guard) *LLMIntentModel {
	return &LLMIntentModel{model: model, guard: guard}
}

// Classify implements IntentModel.
func (m *LLMIntentModel) Classify(ctx context.Context, text string, modality types.Modality) (IntentVerdict, error) {
	if m.model == nil {
		return IntentVerdict{}, newError(NameShortReasoner, types.ErrKindNotConfigured, ErrNotConfigured)
	}

	user := fmt.Sprintf("Input modality: %s\nUser said: %q", modality, text)
	var reply intentReply
	err := m.guard.Do(ctx, func(ctx context.Context) error {
		return generateJSON(ctx, m.model, NameShortReasoner, intentSystemPrompt, user, 128, &reply)
	})
	if err != nil {
		return IntentVerdict{}, err
	}
	return IntentVerdict{
		Category:   types.ParseIntentCategory(reply.Category),
		Confidence: types.ClampConfidence(reply.Confidence),
		Rationale:  reply.Rationale,
	}, nil
}

// ═══════════════════════════════════════════════════════════════════════════════
// FULL REASONING
// ═══════════════════════════════════════════════════════════════════════════════

var framePrompts = map[PromptFrame]string{
	FrameConversation: "Hold a friendly, concise conversation about music. When the user is trying to recall something, name your best guess.",
	FrameInformation:  "Answer the user's factual question about music accurately and concisely.",
	FrameFindTarget:   "Identify the specific song, album or artist the user is describing.",
	FrameGenerate:     "Create what the user asks for (playlist, description, lyrics summary). Put the result in the label.",
	FrameIdentify:     "The user hummed, sang or recorded music; a rough transcript of the audio is given. Name the song it most likely is.",
}

const answerFormat = `Reply with JSON only:
{"status": "answer" | "no_answer", "label": "<answer or song - artist>", "confidence": <0..1>,
 "evidence": [{"snippet": "<why>", "source": "<where from>"}], "reason": "<why no answer>"}
Never answer with any of the rejected candidates.`

const followUpSystemPrompt = `You help a user recall a piece of music. The current guesses are not confident enough.
Ask ONE short clarifying question that would narrow it down (era, lyrics fragment, where they heard it, genre, voice).
Never repeat or paraphrase a question that was already asked.
Reply with JSON only: {"question": "<question>"}`

type answerReply struct {
	Status     string           `json:"status"`
	Label      string           `json:"label"`
	Confidence float64          `json:"confidence"`
	Evidence   []types.Evidence `json:"evidence"`
	Reason     string           `json:"reason"`
}

type followUpReply struct {
	Question string `json:"question"`
}

// LLMReasoner is the full conversational reasoning adapter.
type LLMReasoner struct {
	model     llms.Model
	guard     *Guard
	maxTokens int
}

// NewLLMReasoner creates the adapter. A nil model makes every call NotConfigured.
func NewLLMReasoner(model llms.Model, guard *Guard) *LLMReasoner {
	return &LLMReasoner{model: model, guard: guard, maxTokens: 512}
}

// Answer implements Reasoner.
func (r *LLMReasoner) Answer(ctx context.Context, req AnswerRequest) (ReasoningOutcome, error) {
	if r.model == nil {
		return nil, newError(NameReasoner, types.ErrKindNotConfigured, ErrNotConfigured)
	}
	frame, ok := framePrompts[req.Frame]
	if !ok {
		frame = framePrompts[FrameConversation]
	}
	system := frame + "\n" + answerFormat

	var b strings.Builder
	writeList(&b, "Earlier in this conversation", req.History)
	writeList(&b, "Clarifications from the user", req.Clarifications)
	writeList(&b, "Rejected candidates", req.Rejected)
	writeList(&b, "Possible matches from the audio (low confidence)", req.Hints)
	fmt.Fprintf(&b, "User: %s", req.Query)

	var reply answerReply
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return generateJSON(ctx, r.model, NameReasoner, system, b.String(), r.maxTokens, &reply)
	})
	if err != nil {
		return nil, err
	}

	if reply.Status != "answer" || strings.TrimSpace(reply.Label) == "" {
		return NoAnswer{Reason: reply.Reason}, nil
	}
	return Answer{Candidate: types.Candidate{
		Label:      strings.TrimSpace(reply.Label),
		Confidence: types.ClampConfidence(reply.Confidence),
		Evidence:   reply.Evidence,
		Provider:   NameReasoner,
	}}, nil
}

// FollowUp implements Reasoner.
func (r *LLMReasoner) FollowUp(ctx context.Context, req FollowUpRequest) (string, error) {
	if r.model == nil {
		return "", newError(NameReasoner, types.ErrKindNotConfigured, ErrNotConfigured)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "User request: %s\n", req.Query)
	if req.Best != nil {
		fmt.Fprintf(&b, "Best guess so far: %s (confidence %.2f)\n", req.Best.Label, req.Best.Confidence)
	}
	writeList(&b, "Already asked", req.Asked)
	writeList(&b, "Rejected candidates", req.Rejected)

	var reply followUpReply
	err := r.guard.Do(ctx, func(ctx context.Context) error {
		return generateJSON(ctx, r.model, NameReasoner, followUpSystemPrompt, b.String(), 96, &reply)
	})
	if err != nil {
		return "", err
	}
	q := strings.TrimSpace(reply.Question)
	if q == "" {
		return "", newError(NameReasoner, types.ErrKindProviderUnavailable, errors.New("empty follow-up question"))
	}
	return q, nil
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
