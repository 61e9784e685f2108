package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/zulandar/parley/internal/models"
)

// DefaultTimeout bounds a single classification call.
const DefaultTimeout = 45 * time.Second

// LLMOpts holds parameters for NewLLMClassifier.
type LLMOpts struct {
	Model   llms.Model
	Timeout time.Duration
	Logger  zerolog.Logger
}

// LLMClassifier classifies messages with any langchaingo model using a
// JSON-only prompt.
type LLMClassifier struct {
	model   llms.Model
	timeout time.Duration
	log     zerolog.Logger
}

// NewLLMClassifier creates a classifier around a language model.
func NewLLMClassifier(opts LLMOpts) (*LLMClassifier, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("classifier: model is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &LLMClassifier{
		model:   opts.Model,
		timeout: timeout,
		log:     opts.Logger.With().Str("component", "classifier").Logger(),
	}, nil
}

// OpenAIOpts configures the OpenAI-backed model.
type OpenAIOpts struct {
	Model   string
	APIKey  string
	BaseURL string
}

// NewOpenAIModel builds the langchaingo OpenAI model used in production.
func NewOpenAIModel(opts OpenAIOpts) (llms.Model, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("classifier: openai api key is required")
	}
	options := []openai.Option{
		openai.WithModel(opts.Model),
		openai.WithToken(opts.APIKey),
	}
	if opts.BaseURL != "" {
		options = append(options, openai.WithBaseURL(opts.BaseURL))
	}
	llm, err := openai.New(options...)
	if err != nil {
		return nil, fmt.Errorf("classifier: create openai model: %w", err)
	}
	return llm, nil
}

// Classify sends the conversation to the model and parses its answer.
func (c *LLMClassifier) Classify(ctx context.Context, req Request) (*Analysis, error) {
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages to classify", ErrUnparseableResponse)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	raw, err := llms.GenerateFromSinglePrompt(ctx, c.model, BuildPrompt(req), llms.WithTemperature(0))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return nil, fmt.Errorf("%w: timed out after %s", ErrClassifierUnavailable, c.timeout)
		}
		return nil, fmt.Errorf("%w: %v", ErrClassifierUnavailable, err)
	}

	analysis, err := ParseAnalysis(raw)
	if err != nil {
		c.log.Warn().Err(err).
			Str("conversation_id", req.ConversationID).
			Int("response_bytes", len(raw)).
			Msg("unparseable classifier response")
		return nil, err
	}

	c.log.Debug().
		Str("conversation_id", req.ConversationID).
		Str("intent", analysis.Intent).
		Str("risk", analysis.RiskLevel).
		Dur("took", time.Since(start)).
		Msg("message classified")
	return analysis, nil
}

// ParseAnalysis extracts the JSON object from a model response, repairing
// near-JSON output before decoding and validating it.
func ParseAnalysis(raw string) (*Analysis, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: no JSON object in response", ErrUnparseableResponse)
	}

	var a Analysis
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		repaired, rerr := jsonrepair.JSONRepair(body)
		if rerr != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
		}
		a = Analysis{}
		if err := json.Unmarshal([]byte(repaired), &a); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnparseableResponse, err)
		}
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return &a, nil
}

// extractJSON strips markdown fences and surrounding prose.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return ""
	}
	end := strings.LastIndex(s, "}")
	if end < start {
		// Truncated output; let the repair step close it.
		return s[start:]
	}
	return s[start : end+1]
}

// BuildPrompt renders the classification prompt.
func BuildPrompt(req Request) string {
	var b strings.Builder
	ctx := req.Context

	b.WriteString("You assist a brand negotiating a sponsored content deal with a creator.\n")
	if ctx.BrandName != "" {
		fmt.Fprintf(&b, "Brand: %s\n", ctx.BrandName)
	}
	if ctx.CampaignName != "" {
		fmt.Fprintf(&b, "Campaign: %s\n", ctx.CampaignName)
	}
	fmt.Fprintf(&b, "Offered compensation: %s\n", ctx.OfferedCompensation.StringFixed(2))
	fmt.Fprintf(&b, "Budget ceiling: %s\n", ctx.BudgetCeiling.StringFixed(2))
	fmt.Fprintf(&b, "Deliverables offered: %d\n", ctx.DeliverableBaseline)
	if ctx.VideoLengthBaseline > 0 {
		fmt.Fprintf(&b, "Video length offered: %d minutes\n", ctx.VideoLengthBaseline)
	}

	b.WriteString("\nConversation so far, oldest first:\n")
	for _, m := range req.Messages {
		fmt.Fprintf(&b, "[%d] %s: %s\n", m.Sequence, speaker(m), strings.TrimSpace(m.BodyText))
	}

	b.WriteString(`
Analyze the creator's latest message. Respond with ONLY a JSON object:
{
  "sentiment": "positive|neutral|negative",
  "intent": "interested|question|counter_offer|agreement|declining|other",
  "extractedTerms": {"videoLengthMinutes": int, "deliverableCount": int, "compensation": number},
  "riskLevel": "low|medium|high",
  "budgetConcern": bool,
  "budgetDelta": number,
  "termConflicts": ["..."],
  "draftReply": "reply to send to the creator",
  "summary": "one sentence for a human reviewer"
}
Omit extractedTerms fields the creator did not mention. budgetDelta is the
requested compensation minus the offer, 0 when unchanged.
`)
	return b.String()
}

func speaker(m models.Message) string {
	switch m.SenderType {
	case models.SenderCreator:
		return "Creator"
	case models.SenderBrand:
		return "Brand"
	default:
		return "Assistant"
	}
}
