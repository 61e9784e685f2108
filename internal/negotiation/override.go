package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/parley/internal/approval"
)

// OverrideRequest forces a conversation into a stage.
type OverrideRequest struct {
	ConversationID string
	Stage          string
	Actor          string
	Reason         string
}

// OverrideStage moves a conversation to any stage, bypassing the transition
// graph. The change is recorded with the override flag. Leaving
// pending_human_review closes the open approval; entering it opens one.
func (o *Orchestrator) OverrideStage(ctx context.Context, req OverrideRequest) (string, error) {
	switch {
	case req.ConversationID == "":
		return "", fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Actor) == "":
		return "", fmt.Errorf("%w: actor is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Reason) == "":
		return "", fmt.Errorf("%w: reason is required", ErrInvalidRequest)
	case !IsValidStage(req.Stage):
		return "", fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, req.Stage)
	}

	conv, err := o.commit(ctx, req.ConversationID, func(t *txn) error {
		from := t.conv.Stage
		if from == req.Stage {
			return nil
		}
		if err := o.recordTransition(t, req.Stage, req.Reason, req.Actor, true); err != nil {
			return err
		}

		if from == StagePendingHumanReview {
			pending, err := approval.PendingFor(t.tx, t.conv.ID)
			if err != nil {
				return err
			}
			if pending != nil {
				if _, err := approval.Resolve(t.tx, pending.ID, approval.DecisionReject, approval.Payload{
					Notes:      "superseded by stage override to " + req.Stage,
					ResolvedBy: req.Actor,
					At:         t.now,
				}); err != nil {
					return err
				}
			}
		}
		if req.Stage == StagePendingHumanReview {
			if _, err := o.escalate(t, approval.Proposal{
				Summary: "Conversation placed in review by " + req.Actor,
				Reasons: []string{req.Reason},
			}, req.Reason); err != nil {
				return err
			}
		}
		return o.appendSystem(t, fmt.Sprintf("Stage overridden from %s to %s by %s: %s", from, req.Stage, req.Actor, req.Reason))
	})
	if err != nil {
		return "", err
	}
	o.log.Warn().
		Str("conversation_id", req.ConversationID).
		Str("stage", conv.Stage).
		Str("actor", req.Actor).
		Str("reason", req.Reason).
		Msg("stage overridden")
	return conv.Stage, nil
}
