// Package escalation decides whether the orchestrator may answer a creator
// automatically or must hand the decision to a human.
package escalation

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zulandar/parley/internal/classifier"
)

// DefaultTolerancePercent is the relative change in deliverables or video
// length that may still be answered automatically.
const DefaultTolerancePercent = 20.0

// Outcome of a decision.
type Outcome string

const (
	Auto     Outcome = "auto"
	Escalate Outcome = "escalate"
)

// Baseline is the campaign offer the creator's terms are compared with.
type Baseline struct {
	OfferedCompensation decimal.Decimal
	DeliverableBaseline int
	VideoLengthBaseline int
}

// Input is everything Decide looks at. ClassifierErr non-nil means the
// classifier failed and Analysis is ignored.
type Input struct {
	Analysis         *classifier.Analysis
	ClassifierErr    error
	Baseline         Baseline
	TolerancePercent float64
	DisableAutoReply bool
}

// Decision is the policy verdict. Agreement is set only on auto decisions
// where the creator accepted with no conflicting terms.
type Decision struct {
	Outcome   Outcome
	Agreement bool
	Reasons   []string
}

// IsAuto reports whether the orchestrator may reply without a human.
func (d Decision) IsAuto() bool { return d.Outcome == Auto }

// Decide applies the escalation rules. Auto requires a successful
// classification with low risk, no budget concern, no monetary change, no
// decline, a draft to send, and deliverable and length changes within
// tolerance. Anything else escalates with every reason that applied.
func Decide(in Input) Decision {
	if in.ClassifierErr != nil {
		return Decision{Outcome: Escalate, Reasons: []string{fmt.Sprintf("classifier failed: %v", in.ClassifierErr)}}
	}
	a := in.Analysis
	if a == nil {
		return Decision{Outcome: Escalate, Reasons: []string{"classifier returned no analysis"}}
	}

	tolerance := in.TolerancePercent
	if tolerance <= 0 {
		tolerance = DefaultTolerancePercent
	}

	var reasons []string
	if in.DisableAutoReply {
		reasons = append(reasons, "auto-reply disabled by policy")
	}
	if a.RiskLevel != classifier.RiskLow {
		reasons = append(reasons, fmt.Sprintf("risk level is %s", orUnknown(a.RiskLevel)))
	}
	if a.BudgetConcern {
		reasons = append(reasons, "creator raised a budget concern")
	}
	if r, ok := monetaryChange(a, in.Baseline); ok {
		reasons = append(reasons, r)
	}
	if a.Intent == classifier.IntentDeclining {
		reasons = append(reasons, "creator is declining")
	}
	if t := a.ExtractedTerms.DeliverableCount; t != nil {
		if r, ok := outsideTolerance("deliverable count", *t, in.Baseline.DeliverableBaseline, tolerance); ok {
			reasons = append(reasons, r)
		}
	}
	if t := a.ExtractedTerms.VideoLengthMinutes; t != nil && in.Baseline.VideoLengthBaseline > 0 {
		if r, ok := outsideTolerance("video length", *t, in.Baseline.VideoLengthBaseline, tolerance); ok {
			reasons = append(reasons, r)
		}
	}
	if a.DraftReply == "" {
		reasons = append(reasons, "no draft reply to send")
	}

	if len(reasons) > 0 {
		return Decision{Outcome: Escalate, Reasons: reasons}
	}

	d := Decision{Outcome: Auto, Reasons: []string{"low risk, no budget concern, terms within tolerance"}}
	if a.Intent == classifier.IntentAgreement && len(a.TermConflicts) == 0 {
		d.Agreement = true
		d.Reasons = append(d.Reasons, "creator agreed with no conflicting terms")
	}
	return d
}

func monetaryChange(a *classifier.Analysis, b Baseline) (string, bool) {
	if !a.BudgetDelta.IsZero() {
		return fmt.Sprintf("monetary change requested (delta %s)", a.BudgetDelta.String()), true
	}
	if c := a.ExtractedTerms.Compensation; c != nil && !c.Equal(b.OfferedCompensation) {
		return fmt.Sprintf("compensation %s differs from offer %s", c.String(), b.OfferedCompensation.String()), true
	}
	return "", false
}

func outsideTolerance(term string, requested, baseline int, tolerance float64) (string, bool) {
	if requested == baseline {
		return "", false
	}
	if baseline <= 0 {
		return fmt.Sprintf("%s change to %d has no baseline", term, requested), true
	}
	diff := requested - baseline
	if diff < 0 {
		diff = -diff
	}
	pct := float64(diff) / float64(baseline) * 100
	if pct >= tolerance {
		return fmt.Sprintf("%s change %d -> %d (%.0f%%) exceeds %.0f%% tolerance", term, baseline, requested, pct, tolerance), true
	}
	return "", false
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
