// Package classifier turns the latest creator message into a structured
// Analysis by calling an external language model.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/zulandar/parley/internal/models"
)

// Risk levels.
const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

// Intents the classifier may report.
const (
	IntentInterested   = "interested"
	IntentQuestion     = "question"
	IntentCounterOffer = "counter_offer"
	IntentAgreement    = "agreement"
	IntentDeclining    = "declining"
	IntentOther        = "other"
)

var (
	// ErrClassifierUnavailable covers transport failures and timeouts.
	ErrClassifierUnavailable = errors.New("classifier: unavailable")

	// ErrUnparseableResponse is returned when the model output cannot be
	// turned into a valid Analysis.
	ErrUnparseableResponse = errors.New("classifier: unparseable response")
)

// Terms are the negotiable values the creator asked for. Nil means the
// message did not mention the term.
type Terms struct {
	VideoLengthMinutes *int             `json:"videoLengthMinutes,omitempty"`
	DeliverableCount   *int             `json:"deliverableCount,omitempty"`
	Compensation       *decimal.Decimal `json:"compensation,omitempty"`
}

// Analysis is the structured reading of a creator message.
type Analysis struct {
	Sentiment      string          `json:"sentiment"`
	Intent         string          `json:"intent"`
	ExtractedTerms Terms           `json:"extractedTerms"`
	RiskLevel      string          `json:"riskLevel"`
	BudgetConcern  bool            `json:"budgetConcern"`
	BudgetDelta    decimal.Decimal `json:"budgetDelta"`
	TermConflicts  []string        `json:"termConflicts,omitempty"`
	DraftReply     string          `json:"draftReply"`
	Summary        string          `json:"summary"`
}

// Validate normalizes enum fields and rejects analyses missing the fields
// the escalation policy depends on.
func (a *Analysis) Validate() error {
	a.RiskLevel = strings.ToLower(strings.TrimSpace(a.RiskLevel))
	a.Intent = strings.ToLower(strings.TrimSpace(a.Intent))
	a.Sentiment = strings.ToLower(strings.TrimSpace(a.Sentiment))

	switch a.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh:
	default:
		return fmt.Errorf("%w: riskLevel %q", ErrUnparseableResponse, a.RiskLevel)
	}
	switch a.Intent {
	case IntentInterested, IntentQuestion, IntentCounterOffer, IntentAgreement, IntentDeclining, IntentOther:
	case "":
		return fmt.Errorf("%w: intent is missing", ErrUnparseableResponse)
	default:
		a.Intent = IntentOther
	}
	return nil
}

// NegotiationContext is the campaign baseline the creator is negotiating
// against.
type NegotiationContext struct {
	CampaignName        string
	BrandName           string
	BudgetCeiling       decimal.Decimal
	OfferedCompensation decimal.Decimal
	DeliverableBaseline int
	VideoLengthBaseline int
}

// Request is the classifier input: recent ledger messages, oldest first,
// ending with the message to classify.
type Request struct {
	ConversationID string
	Messages       []models.Message
	Context        NegotiationContext
}

// Classifier produces an Analysis or a typed failure. Implementations must
// return an error wrapping ErrClassifierUnavailable or ErrUnparseableResponse.
type Classifier interface {
	Classify(ctx context.Context, req Request) (*Analysis, error)
}
