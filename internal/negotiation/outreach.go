package negotiation

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/models"
)

// OutreachRequest opens a conversation with a creator.
type OutreachRequest struct {
	CampaignID     string
	CreatorID      string
	CreatorAddress string
	Subject        string
	Body           string
	ThreadRef      string
}

// OutreachResult identifies the new conversation and its first message.
type OutreachResult struct {
	ConversationID string
	MessageID      string
	Stage          string
}

// Delivery statuses reported by the mail provider.
const (
	DeliveryDelivered = "delivered"
	DeliveryBounced   = "bounced"
)

// DeliveryReport is a provider delivery notification.
type DeliveryReport struct {
	ConversationID    string
	ProviderMessageID string
	Status            string
	Detail            string
}

// StartOutreach creates the conversation for a campaign/creator pair and
// sends the brand's first message. The conversation stays in initiated
// until the provider confirms delivery.
func (o *Orchestrator) StartOutreach(ctx context.Context, req OutreachRequest) (OutreachResult, error) {
	var missing []string
	if strings.TrimSpace(req.CampaignID) == "" {
		missing = append(missing, "campaign id")
	}
	if strings.TrimSpace(req.CreatorID) == "" {
		missing = append(missing, "creator id")
	}
	if strings.TrimSpace(req.CreatorAddress) == "" {
		missing = append(missing, "creator address")
	}
	if strings.TrimSpace(req.Body) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return OutreachResult{}, fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}

	existing, err := o.lookupConversation(ctx, req.CampaignID, req.CreatorID)
	if err != nil {
		return OutreachResult{}, err
	}
	if existing != "" {
		return OutreachResult{ConversationID: existing}, fmt.Errorf("%w: %s/%s", ErrConversationExists, req.CampaignID, req.CreatorID)
	}
	convID, created, err := o.createConversation(ctx, req.CampaignID, req.CreatorID, req.CreatorAddress)
	if err != nil {
		return OutreachResult{}, err
	}
	if !created {
		return OutreachResult{ConversationID: convID}, fmt.Errorf("%w: %s/%s", ErrConversationExists, req.CampaignID, req.CreatorID)
	}

	var queued *models.Message
	conv, err := o.commit(ctx, convID, func(t *txn) error {
		if req.ThreadRef != "" {
			t.conv.ThreadRef = req.ThreadRef
		}
		msg, err := ledger.Append(t.tx, convID, ledger.Entry{
			SenderType:     models.SenderBrand,
			Direction:      models.DirectionOutbound,
			Subject:        req.Subject,
			BodyText:       req.Body,
			DeliveryStatus: models.DeliveryQueued,
			At:             t.now,
		})
		if err != nil {
			return err
		}
		queued = msg
		return nil
	})
	if err != nil {
		return OutreachResult{}, err
	}
	result := OutreachResult{ConversationID: convID, MessageID: queued.ID, Stage: conv.Stage}

	receipt, sendErr := o.send(ctx, o.outboundFor(ctx, conv, queued))
	conv, err = o.commit(ctx, convID, func(t *txn) error {
		if sendErr != nil {
			if err := ledger.MarkFailed(t.tx, queued.ID); err != nil {
				return err
			}
			return o.appendSystem(t, fmt.Sprintf("Outreach delivery failed: %v", sendErr))
		}
		sentAt := receipt.SentAt
		t.conv.LastMessageAt = &sentAt
		return ledger.MarkDelivered(t.tx, queued.ID, receipt.ProviderMessageID, receipt.SentAt)
	})
	if err != nil {
		return result, err
	}
	result.Stage = conv.Stage
	if sendErr != nil {
		o.log.Warn().Err(sendErr).Str("conversation_id", convID).Msg("outreach delivery failed")
		return result, fmt.Errorf("%w: %v", ErrDeliveryFailed, sendErr)
	}
	o.log.Info().
		Str("conversation_id", convID).
		Str("campaign_id", req.CampaignID).
		Str("creator_id", req.CreatorID).
		Msg("outreach sent")
	return result, nil
}

// ConfirmDelivery applies a provider delivery report. Confirmed delivery of
// the outreach moves initiated → sent; a bounce before that abandons the
// conversation. Reports for later stages are only noted in the ledger.
func (o *Orchestrator) ConfirmDelivery(ctx context.Context, r DeliveryReport) (string, error) {
	if r.ConversationID == "" {
		return "", fmt.Errorf("%w: conversation id is required", ErrInvalidRequest)
	}
	switch r.Status {
	case DeliveryDelivered, DeliveryBounced:
	default:
		return "", fmt.Errorf("%w: delivery status %q (want delivered or bounced)", ErrInvalidRequest, r.Status)
	}

	conv, err := o.commit(ctx, r.ConversationID, func(t *txn) error {
		if r.Status == DeliveryDelivered {
			if t.conv.Stage != StageInitiated {
				return nil
			}
			return o.transition(t, StageSent, "outreach delivery confirmed", ActorSystem)
		}

		detail := r.Detail
		if detail == "" {
			detail = "no detail"
		}
		if t.conv.Stage == StageInitiated {
			if err := o.transition(t, StageAbandoned, "outreach bounced: "+detail, ActorSystem); err != nil {
				return err
			}
		}
		ref := r.ProviderMessageID
		if ref == "" {
			ref = "unknown message"
		}
		return o.appendSystem(t, fmt.Sprintf("Delivery of %s bounced: %s", ref, detail))
	})
	if err != nil {
		return "", err
	}
	return conv.Stage, nil
}
