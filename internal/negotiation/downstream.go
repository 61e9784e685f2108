package negotiation

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/trigger"
	"gorm.io/gorm"
)

// Downstream events reported by the contract and payment systems.
const (
	EventContractDrafted           = "contract_drafted"
	EventContractSigned            = "contract_signed"
	EventContractActive            = "contract_active"
	EventPaymentMilestoneCompleted = "payment_milestone_completed"
)

// Contract record states.
const (
	ContractDrafting        = "drafting"
	ContractPendingApproval = "pending_approval"
	ContractSent            = "sent"
	ContractSignedByCreator = "signed_by_creator"
	ContractActive          = "active"
)

// ReportDownstreamEvent applies a contract or payment event and returns the
// resulting stage. Events repeated after the conversation already moved
// past them are no-ops.
func (o *Orchestrator) ReportDownstreamEvent(ctx context.Context, conversationID, event string) (string, error) {
	switch event {
	case EventContractDrafted, EventContractSigned, EventContractActive, EventPaymentMilestoneCompleted:
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}

	requestPayment := false
	conv, err := o.commit(ctx, conversationID, func(t *txn) error {
		switch event {
		case EventContractDrafted:
			return o.contractDrafted(t)
		case EventContractSigned:
			return o.contractSigned(t)
		case EventContractActive:
			var err error
			requestPayment, err = o.contractActivated(t)
			return err
		default:
			if t.conv.Stage != StageContractActive {
				return o.rejectEvent(t, event, StageContractActive)
			}
			return o.appendSystem(t, "Payment milestone completed.")
		}
	})
	if err != nil {
		return "", err
	}
	o.log.Info().
		Str("conversation_id", conversationID).
		Str("event", event).
		Str("stage", conv.Stage).
		Msg("downstream event applied")

	if requestPayment {
		if err := o.requestPayment(ctx, conversationID); err != nil {
			o.log.Error().Err(err).Str("conversation_id", conversationID).Msg("payment trigger failed")
		}
	}
	return conv.Stage, nil
}

func (o *Orchestrator) contractDrafted(t *txn) error {
	switch t.conv.Stage {
	case StageContractPendingSignature, StageContractActive:
		return nil
	case StageContractDrafting:
	default:
		return o.rejectEvent(t, EventContractDrafted, StageContractPendingSignature)
	}
	if err := o.setContractStatus(t, ContractSent, nil); err != nil {
		return err
	}
	return o.transition(t, StageContractPendingSignature, "contract drafted and sent to creator", ActorSystem)
}

func (o *Orchestrator) contractSigned(t *txn) error {
	switch t.conv.Stage {
	case StageContractActive:
		return nil
	case StageContractPendingSignature:
	default:
		return o.rejectEvent(t, EventContractSigned, StageContractPendingSignature)
	}
	c, err := loadContract(t.tx, t.conv.ID)
	if err != nil {
		return err
	}
	if c != nil && c.Status == ContractSignedByCreator {
		return nil
	}
	if err := o.setContractStatus(t, ContractSignedByCreator, func(c *models.Contract) { c.SignedAt = &t.now }); err != nil {
		return err
	}
	return o.appendSystem(t, "Creator signed the contract.")
}

func (o *Orchestrator) contractActivated(t *txn) (bool, error) {
	switch t.conv.Stage {
	case StageContractActive:
		return false, nil
	case StageContractPendingSignature:
	default:
		return false, o.rejectEvent(t, EventContractActive, StageContractActive)
	}
	if err := o.setContractStatus(t, ContractActive, func(c *models.Contract) { c.ActivatedAt = &t.now }); err != nil {
		return false, err
	}
	if err := o.transition(t, StageContractActive, "contract countersigned and active", ActorSystem); err != nil {
		return false, err
	}
	if t.conv.PaymentRequestedAt != nil {
		return false, nil
	}
	t.conv.PaymentRequestedAt = &t.now
	return true, nil
}

// rejectEvent reports an event that does not fit the current stage.
func (o *Orchestrator) rejectEvent(t *txn, event, target string) error {
	o.log.Warn().
		Str("conversation_id", t.conv.ID).
		Str("event", event).
		Str("stage", t.conv.Stage).
		Msg("downstream event does not fit current stage")
	return &TransitionError{
		ConversationID: t.conv.ID,
		From:           t.conv.Stage,
		To:             target,
		Reason:         fmt.Sprintf("event %s", event),
	}
}

// setContractStatus updates the contract record, creating it when the
// trigger acknowledgement was lost.
func (o *Orchestrator) setContractStatus(t *txn, status string, mutate func(*models.Contract)) error {
	c, err := loadContract(t.tx, t.conv.ID)
	if err != nil {
		return err
	}
	if c == nil {
		c = &models.Contract{ConversationID: t.conv.ID}
	}
	c.Status = status
	if mutate != nil {
		mutate(c)
	}
	if err := t.tx.Save(c).Error; err != nil {
		return fmt.Errorf("negotiation: save contract for %s: %w", t.conv.ID, err)
	}
	return nil
}

func loadContract(db *gorm.DB, conversationID string) (*models.Contract, error) {
	var c models.Contract
	err := db.Where("conversation_id = ?", conversationID).First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: load contract for %s: %w", conversationID, err)
	}
	return &c, nil
}

// requestContract calls the contract trigger for a conversation whose claim
// (ContractRequestedAt) was committed by the caller, then records the ack.
// a supplies the agreed terms; nil falls back to the campaign offer.
func (o *Orchestrator) requestContract(ctx context.Context, conversationID string, a *classifier.Analysis) (string, error) {
	conv, err := o.load(ctx, conversationID)
	if err != nil {
		return "", err
	}
	campaign, err := loadCampaign(o.db.WithContext(ctx), conv.CampaignID)
	if err != nil {
		return "", err
	}
	req := contractRequestFor(conv, campaign, a)

	tctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	ack, terr := o.contracts.RequestContract(tctx, req)
	cancel()
	if terr == nil && ack == nil {
		terr = fmt.Errorf("%w: empty acknowledgement", trigger.ErrTriggerFailed)
	}

	status := "ok"
	if terr != nil {
		status = "failed"
	}
	metrics.TriggersTotal.WithLabelValues("contract", status).Inc()

	updated, err := o.commit(ctx, conversationID, func(t *txn) error {
		if t.conv.Stage != StageNegotiationAgreed {
			return nil
		}
		if terr != nil {
			t.conv.ContractRequestedAt = nil
			return o.appendSystem(t, fmt.Sprintf("Contract request failed: %v", terr))
		}
		c := models.Contract{
			ConversationID: t.conv.ID,
			Status:         ContractDrafting,
			ExternalRef:    ack.ExternalRef,
			Compensation:   req.Compensation,
		}
		if err := t.tx.Create(&c).Error; err != nil {
			return fmt.Errorf("negotiation: create contract for %s: %w", t.conv.ID, err)
		}
		return o.transition(t, StageContractDrafting, fmt.Sprintf("contract requested (%s)", ack.ExternalRef), ActorSystem)
	})
	if err != nil {
		return "", err
	}
	if terr != nil {
		return updated.Stage, terr
	}
	return updated.Stage, nil
}

// RetryContractRequest re-sends the contract request for an agreed
// conversation whose earlier request failed or never completed.
func (o *Orchestrator) RetryContractRequest(ctx context.Context, conversationID string) (string, error) {
	_, err := o.commit(ctx, conversationID, func(t *txn) error {
		if t.conv.Stage != StageNegotiationAgreed {
			return fmt.Errorf("%w: conversation %s is %s, not %s", ErrInvalidRequest, t.conv.ID, t.conv.Stage, StageNegotiationAgreed)
		}
		if c := t.conv.ContractRequestedAt; c != nil && t.now.Sub(*c) < 2*o.sendTimeout {
			return fmt.Errorf("%w: contract request for %s already in flight", ErrInvalidRequest, t.conv.ID)
		}
		t.conv.ContractRequestedAt = &t.now
		return nil
	})
	if err != nil {
		return "", err
	}
	return o.requestContract(ctx, conversationID, nil)
}

// requestPayment calls the payment trigger for an active contract whose
// claim (PaymentRequestedAt) was committed by the caller.
func (o *Orchestrator) requestPayment(ctx context.Context, conversationID string) error {
	contract, err := loadContract(o.db.WithContext(ctx), conversationID)
	if err != nil {
		return err
	}
	req := trigger.PaymentRequest{ConversationID: conversationID}
	if contract != nil {
		req.ContractRef = contract.ExternalRef
		req.Amount = contract.Compensation
	}

	tctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	terr := o.payments.RequestPayment(tctx, req)
	cancel()
	status := "ok"
	if terr != nil {
		status = "failed"
	}
	metrics.TriggersTotal.WithLabelValues("payment", status).Inc()

	_, err = o.commit(ctx, conversationID, func(t *txn) error {
		if terr != nil {
			t.conv.PaymentRequestedAt = nil
			return o.appendSystem(t, fmt.Sprintf("Payment request failed: %v", terr))
		}
		if contract != nil {
			if err := t.tx.Model(&models.Contract{}).Where("id = ?", contract.ID).
				Update("payment_sent_at", t.now).Error; err != nil {
				return fmt.Errorf("negotiation: mark payment for %s: %w", conversationID, err)
			}
		}
		return o.appendSystem(t, fmt.Sprintf("Payment requested: %s for %s.", req.Amount.StringFixed(2), req.ContractRef))
	})
	if err != nil {
		return err
	}
	return terr
}

// RetryPaymentRequest re-sends the payment request for an active contract
// whose earlier request failed.
func (o *Orchestrator) RetryPaymentRequest(ctx context.Context, conversationID string) error {
	_, err := o.commit(ctx, conversationID, func(t *txn) error {
		if t.conv.Stage != StageContractActive {
			return fmt.Errorf("%w: conversation %s is %s, not %s", ErrInvalidRequest, t.conv.ID, t.conv.Stage, StageContractActive)
		}
		if p := t.conv.PaymentRequestedAt; p != nil && t.now.Sub(*p) < 2*o.sendTimeout {
			return fmt.Errorf("%w: payment request for %s already in flight", ErrInvalidRequest, t.conv.ID)
		}
		c, err := loadContract(t.tx, t.conv.ID)
		if err != nil {
			return err
		}
		if c != nil && c.PaymentSentAt != nil {
			return fmt.Errorf("%w: payment for %s already requested", ErrInvalidRequest, t.conv.ID)
		}
		t.conv.PaymentRequestedAt = &t.now
		return nil
	})
	if err != nil {
		return err
	}
	return o.requestPayment(ctx, conversationID)
}

func contractRequestFor(conv *models.Conversation, c *models.Campaign, a *classifier.Analysis) trigger.ContractRequest {
	req := trigger.ContractRequest{
		ConversationID: conv.ID,
		CampaignID:     conv.CampaignID,
		CreatorID:      conv.CreatorID,
		CreatorAddress: conv.CreatorAddress,
		Compensation:   decimal.Zero,
	}
	if c != nil {
		req.Compensation = c.OfferedCompensation
		req.Deliverables = c.DeliverableBaseline
		req.VideoLength = c.VideoLengthBaseline
	}
	if a == nil {
		return req
	}
	if v := a.ExtractedTerms.Compensation; v != nil {
		req.Compensation = *v
	}
	if v := a.ExtractedTerms.DeliverableCount; v != nil {
		req.Deliverables = *v
	}
	if v := a.ExtractedTerms.VideoLengthMinutes; v != nil {
		req.VideoLength = *v
	}
	return req
}

// load reads a conversation outside any transaction.
func (o *Orchestrator) load(ctx context.Context, conversationID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := o.db.WithContext(ctx).Where("id = ?", conversationID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("negotiation: load %s: %w", conversationID, err)
	}
	return &conv, nil
}
