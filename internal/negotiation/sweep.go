package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/models"
)

// SweepResult lists the conversations a sweep changed.
type SweepResult struct {
	Escalated []string
	Abandoned []string
	Recovered []string
}

// SweepStale escalates conversations stuck in analyzing longer than the
// analyzing timeout and abandons conversations left in sent without a
// reply for the abandon period. It also reopens review for conversations
// whose reply was handed to the mailer but whose outcome was never
// recorded: auto_responding, or pending_human_review without a pending
// approval, for longer than twice the send timeout. Each conversation is
// re-checked under its lock, so a reply racing the sweep wins.
func (o *Orchestrator) SweepStale(ctx context.Context, now time.Time) (SweepResult, error) {
	var res SweepResult
	db := o.db.WithContext(ctx)

	stuckBefore := now.Add(-o.analyzingTimeout)
	var stuck []models.Conversation
	if err := db.Select("id").Where("stage = ? AND stage_changed_at < ?", StageAnalyzing, stuckBefore).
		Order("stage_changed_at ASC").Find(&stuck).Error; err != nil {
		return res, fmt.Errorf("negotiation: sweep analyzing: %w", err)
	}
	var errs []error
	for _, c := range stuck {
		changed := false
		_, err := o.commit(ctx, c.ID, func(t *txn) error {
			if t.conv.Stage != StageAnalyzing || !t.conv.StageChangedAt.Before(stuckBefore) {
				return nil
			}
			changed = true
			_, err := o.escalate(t, approval.Proposal{
				Summary: "Classifier timed out; reply needs a human answer",
				Reasons: []string{"classifier timed out"},
			}, "classifier timed out")
			return err
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			res.Escalated = append(res.Escalated, c.ID)
		}
	}

	idleBefore := now.Add(-o.abandonAfter)
	var idle []models.Conversation
	if err := db.Select("id").Where("stage = ? AND stage_changed_at < ?", StageSent, idleBefore).
		Order("stage_changed_at ASC").Find(&idle).Error; err != nil {
		return res, errors.Join(append(errs, fmt.Errorf("negotiation: sweep sent: %w", err))...)
	}
	for _, c := range idle {
		changed := false
		_, err := o.commit(ctx, c.ID, func(t *txn) error {
			if t.conv.Stage != StageSent || !t.conv.StageChangedAt.Before(idleBefore) {
				return nil
			}
			changed = true
			reason := fmt.Sprintf("no reply within %s", o.abandonAfter)
			if err := o.transition(t, StageAbandoned, reason, ActorSweeper); err != nil {
				return err
			}
			return o.appendSystem(t, "Conversation abandoned: "+reason+".")
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			res.Abandoned = append(res.Abandoned, c.ID)
		}
	}

	recovered, err := o.recoverStranded(ctx, now)
	res.Recovered = recovered
	if err != nil {
		errs = append(errs, err)
	}

	if len(res.Escalated)+len(res.Abandoned)+len(res.Recovered) > 0 {
		o.log.Info().
			Int("escalated", len(res.Escalated)).
			Int("abandoned", len(res.Abandoned)).
			Int("recovered", len(res.Recovered)).
			Msg("stale conversation sweep")
	}
	return res, errors.Join(errs...)
}

// recoverStranded finds conversations left half-applied by a commit that
// failed after a send and puts them back in review.
func (o *Orchestrator) recoverStranded(ctx context.Context, now time.Time) ([]string, error) {
	cutoff := now.Add(-2 * o.sendTimeout)
	var candidates []models.Conversation
	err := o.db.WithContext(ctx).Select("id").
		Where("stage = ? AND stage_changed_at < ?", StageAutoResponding, cutoff).
		Or("stage = ? AND updated_at < ? AND NOT EXISTS (SELECT 1 FROM human_approvals a WHERE a.conversation_id = conversations.id AND a.status = ?)",
			StagePendingHumanReview, cutoff, approval.StatusPending).
		Order("updated_at ASC").Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("negotiation: sweep stranded: %w", err)
	}

	var (
		recovered []string
		errs      []error
	)
	for _, c := range candidates {
		changed := false
		_, err := o.commit(ctx, c.ID, func(t *txn) error {
			switch t.conv.Stage {
			case StageAutoResponding:
				if !t.conv.StageChangedAt.Before(cutoff) {
					return nil
				}
			case StagePendingHumanReview:
				if !t.conv.UpdatedAt.Before(cutoff) {
					return nil
				}
				pending, err := approval.PendingFor(t.tx, t.conv.ID)
				if err != nil || pending != nil {
					return err
				}
			default:
				return nil
			}
			changed = true
			return o.reopenReview(t)
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			o.log.Warn().Str("conversation_id", c.ID).Msg("reply outcome was never recorded, reopened review")
			recovered = append(recovered, c.ID)
		}
	}
	return recovered, errors.Join(errs...)
}

// reopenReview marks the reply still queued as failed and escalates with
// its text as the proposed action. Whether the creator received it is
// unknown, so the operator decides whether to send it again.
func (o *Orchestrator) reopenReview(t *txn) error {
	queued, err := ledger.LastQueued(t.tx, t.conv.ID)
	if err != nil {
		return err
	}
	p := approval.Proposal{Summary: "Reply delivery was never confirmed"}
	watermark := 0
	if queued != nil {
		if err := ledger.MarkFailed(t.tx, queued.ID); err != nil {
			return err
		}
		p.ProposedAction = queued.BodyText
		p.Reasons = append(p.Reasons, fmt.Sprintf("delivery of message #%d was never confirmed; check the mailbox before sending again", queued.Sequence))
		watermark = queued.Sequence
	} else {
		p.Reasons = append(p.Reasons, "reply outcome was never recorded")
	}
	last, err := ledger.LastInboundSequence(t.tx, t.conv.ID)
	if err != nil {
		return err
	}
	if last > watermark {
		p.Reasons = append(p.Reasons, fmt.Sprintf("creator wrote again (#%d) after the reply was queued", last))
	}
	_, err = o.escalate(t, p, "reply delivery unconfirmed")
	return err
}
