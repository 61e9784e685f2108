package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
)

// ResolveRequest is an operator's decision on a pending approval.
type ResolveRequest struct {
	ApprovalID string
	Decision   approval.Decision
	HumanText  string // replacement reply for substitute
	Notes      string
	ResolvedBy string
}

// ResolveResult reports the conversation after a resolution.
type ResolveResult struct {
	ConversationID string
	Stage          string
	OutboundSent   bool
}

// ResolveApproval applies an operator decision exactly once. A second
// resolution of the same item fails with *approval.AlreadyResolvedError
// carrying the current stage. Approve and substitute send a reply; if the
// send fails the conversation stays in review under a new approval and
// ErrDeliveryFailed is returned.
func (o *Orchestrator) ResolveApproval(ctx context.Context, req ResolveRequest) (ResolveResult, error) {
	if req.ApprovalID == "" {
		return ResolveResult{}, fmt.Errorf("%w: approval id is required", ErrInvalidRequest)
	}
	if _, err := approval.ParseDecision(string(req.Decision)); err != nil {
		return ResolveResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	item, err := approval.Get(o.db.WithContext(ctx), req.ApprovalID)
	if err != nil {
		return ResolveResult{}, err
	}
	convID := item.ConversationID
	result := ResolveResult{ConversationID: convID}

	var (
		action *approval.Action
		queued *models.Message
	)
	conv, err := o.commit(ctx, convID, func(t *txn) error {
		a, err := approval.Resolve(t.tx, req.ApprovalID, req.Decision, approval.Payload{
			HumanText:  req.HumanText,
			Notes:      req.Notes,
			ResolvedBy: req.ResolvedBy,
			At:         t.now,
		})
		var already *approval.AlreadyResolvedError
		if errors.As(err, &already) {
			already.Stage = t.conv.Stage
			return already
		}
		if err != nil {
			return err
		}
		if t.conv.Stage != StagePendingHumanReview {
			return &TransitionError{
				ConversationID: t.conv.ID,
				From:           t.conv.Stage,
				To:             StageSent,
				Reason:         "approval resolved outside human review",
			}
		}
		action = a

		who := req.ResolvedBy
		if who == "" {
			who = "operator"
		}
		if !a.SendReply {
			if err := o.transition(t, StageDeclined, fmt.Sprintf("approval %s rejected by %s", a.ApprovalID, who), who); err != nil {
				return err
			}
			note := "Operator declined the negotiation."
			if req.Notes != "" {
				note += " " + req.Notes
			}
			return o.appendSystem(t, note)
		}

		sender := models.SenderAISystem
		if req.Decision == approval.DecisionSubstitute {
			sender = models.SenderBrand
		}
		msg, err := ledger.Append(t.tx, t.conv.ID, ledger.Entry{
			SenderType:     sender,
			Direction:      models.DirectionOutbound,
			Subject:        replySubject(t.tx, t.conv.ID),
			BodyText:       a.ReplyText,
			DeliveryStatus: models.DeliveryQueued,
			At:             t.now,
		})
		if err != nil {
			return err
		}
		queued = msg
		return nil
	})
	var already *approval.AlreadyResolvedError
	if errors.As(err, &already) {
		o.log.Warn().
			Str("conversation_id", convID).
			Str("approval_id", req.ApprovalID).
			Str("status", already.Status).
			Msg("approval already resolved")
		return ResolveResult{ConversationID: convID, Stage: already.Stage}, err
	}
	if err != nil {
		return result, err
	}
	metrics.ApprovalsTotal.WithLabelValues(action.Status).Inc()
	o.log.Info().
		Str("conversation_id", convID).
		Str("approval_id", req.ApprovalID).
		Str("status", action.Status).
		Str("resolved_by", req.ResolvedBy).
		Msg("approval resolved")

	result.Stage = conv.Stage
	if !action.SendReply {
		return result, nil
	}

	receipt, sendErr := o.send(ctx, o.outboundFor(ctx, conv, queued))

	again := false
	conv, err = o.commit(ctx, convID, func(t *txn) error {
		if sendErr != nil {
			if err := ledger.MarkFailed(t.tx, queued.ID); err != nil {
				return err
			}
			if t.conv.Stage != StagePendingHumanReview {
				return nil
			}
			_, err := o.escalate(t, approval.Proposal{
				Summary:        "Approved reply could not be delivered",
				ProposedAction: action.ReplyText,
				Reasons:        []string{fmt.Sprintf("delivery failed: %v", sendErr)},
			}, "approved reply delivery failed")
			return err
		}

		if err := ledger.MarkDelivered(t.tx, queued.ID, receipt.ProviderMessageID, receipt.SentAt); err != nil {
			return err
		}
		sentAt := receipt.SentAt
		t.conv.LastMessageAt = &sentAt
		if t.conv.Stage != StagePendingHumanReview {
			return nil
		}
		if err := o.transition(t, StageSent, fmt.Sprintf("reply approved by %s delivered", req.ResolvedBy), ActorSystem); err != nil {
			return err
		}
		return o.continueIfReplied(t, queued.Sequence, &again)
	})
	if err != nil {
		o.log.Error().Err(err).
			Str("conversation_id", convID).
			Str("message_id", queued.ID).
			Bool("delivered", sendErr == nil).
			Msg("reply outcome not recorded, sweeper will reopen review")
		return result, err
	}
	result.Stage = conv.Stage
	if sendErr != nil {
		o.log.Warn().Err(sendErr).Str("conversation_id", convID).Msg("approved reply delivery failed, re-queued for review")
		return result, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	result.OutboundSent = true

	if again {
		stage, err := o.runCycle(ctx, convID)
		if err != nil {
			o.log.Error().Err(err).Str("conversation_id", convID).Msg("negotiation cycle did not complete")
			return result, nil
		}
		result.Stage = stage
	}
	return result, nil
}
