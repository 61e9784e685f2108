package negotiation

import (
	"fmt"
	"slices"
)

// Conversation stages.
const (
	StageInitiated                = "initiated"
	StageSent                     = "sent"
	StageReplied                  = "replied"
	StageAnalyzing                = "analyzing"
	StageAutoResponding           = "auto_responding"
	StagePendingHumanReview       = "pending_human_review"
	StageNegotiationAgreed        = "negotiation_agreed"
	StageContractDrafting         = "contract_drafting"
	StageContractPendingSignature = "contract_pending_signature"
	StageContractActive           = "contract_active"
	StageDeclined                 = "declined"
	StageAbandoned                = "abandoned"
)

// ValidTransitions maps each stage to its valid next stages. Anything else
// requires an audited override.
var ValidTransitions = map[string][]string{
	StageInitiated:                {StageSent, StageAbandoned},
	StageSent:                     {StageReplied, StageAbandoned},
	StageReplied:                  {StageAnalyzing},
	StageAnalyzing:                {StageAutoResponding, StagePendingHumanReview},
	StageAutoResponding:           {StageSent, StageNegotiationAgreed, StagePendingHumanReview},
	StagePendingHumanReview:       {StageSent, StageDeclined},
	StageNegotiationAgreed:        {StageContractDrafting},
	StageContractDrafting:         {StageContractPendingSignature},
	StageContractPendingSignature: {StageContractActive},
}

// AllStages lists every stage in lifecycle order.
var AllStages = []string{
	StageInitiated, StageSent, StageReplied, StageAnalyzing, StageAutoResponding,
	StagePendingHumanReview, StageNegotiationAgreed, StageContractDrafting,
	StageContractPendingSignature, StageContractActive, StageDeclined, StageAbandoned,
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to string) bool {
	return slices.Contains(ValidTransitions[from], to)
}

// IsTerminal reports whether no further transitions leave stage.
func IsTerminal(stage string) bool {
	return stage == StageContractActive || stage == StageDeclined || stage == StageAbandoned
}

// IsValidStage reports whether stage is a known stage.
func IsValidStage(stage string) bool {
	return slices.Contains(AllStages, stage)
}

// TransitionError is returned for an illegal stage change.
type TransitionError struct {
	ConversationID string
	From           string
	To             string
	Reason         string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("negotiation: conversation %s cannot move from %q to %q", e.ConversationID, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if valid := ValidTransitions[e.From]; len(valid) > 0 {
		msg += fmt.Sprintf("; valid transitions: %v", valid)
	}
	return msg
}
