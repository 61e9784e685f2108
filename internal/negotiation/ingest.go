package negotiation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/escalation"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/mailer"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// InboundMessage is a creator reply as delivered by the mail webhook.
type InboundMessage struct {
	CampaignID        string
	CreatorID         string
	ProviderMessageID string
	SenderAddress     string
	Subject           string
	BodyText          string
	Attachments       []string
	ThreadRef         string
	ReceivedAt        time.Time
}

// IngestResult reports what happened to an inbound message.
type IngestResult struct {
	Accepted       bool
	Duplicate      bool
	Stage          string
	ConversationID string
	Sequence       int
}

func (m InboundMessage) validate() error {
	var missing []string
	if strings.TrimSpace(m.CampaignID) == "" {
		missing = append(missing, "campaign id")
	}
	if strings.TrimSpace(m.CreatorID) == "" {
		missing = append(missing, "creator id")
	}
	if strings.TrimSpace(m.SenderAddress) == "" {
		missing = append(missing, "sender address")
	}
	if strings.TrimSpace(m.BodyText) == "" {
		missing = append(missing, "body")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrMalformedInbound, strings.Join(missing, ", "))
	}
	return nil
}

// IngestInbound records a creator reply and, when the conversation is
// waiting for one, runs the classify-decide-respond cycle. Redelivered
// messages (same provider message id) are acknowledged without effect.
// Classification and delivery failures never fail ingestion; they route
// the conversation to human review instead.
func (o *Orchestrator) IngestInbound(ctx context.Context, in InboundMessage) (IngestResult, error) {
	if err := in.validate(); err != nil {
		metrics.InboundTotal.WithLabelValues("malformed").Inc()
		o.log.Warn().Err(err).
			Str("campaign_id", in.CampaignID).
			Str("creator_id", in.CreatorID).
			Str("provider_message_id", in.ProviderMessageID).
			Msg("rejected inbound message")
		return IngestResult{}, err
	}

	convID, err := o.ensureConversation(ctx, in.CampaignID, in.CreatorID, in.SenderAddress)
	if err != nil {
		metrics.InboundTotal.WithLabelValues("error").Inc()
		return IngestResult{}, err
	}

	receivedAt := in.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = o.now()
	}

	var (
		seq        int
		startCycle bool
	)
	conv, err := o.commit(ctx, convID, func(t *txn) error {
		msg, err := ledger.Append(t.tx, convID, ledger.Entry{
			SenderType:        models.SenderCreator,
			SenderAddress:     in.SenderAddress,
			Direction:         models.DirectionInbound,
			Subject:           in.Subject,
			BodyText:          in.BodyText,
			Attachments:       in.Attachments,
			ProviderMessageID: in.ProviderMessageID,
			At:                receivedAt,
		})
		if err != nil {
			return err
		}
		seq = msg.Sequence
		t.conv.LastMessageAt = &receivedAt
		if t.conv.ThreadRef == "" && in.ThreadRef != "" {
			t.conv.ThreadRef = in.ThreadRef
		}
		if t.conv.CreatorAddress == "" {
			t.conv.CreatorAddress = in.SenderAddress
		}

		switch t.conv.Stage {
		case StageInitiated:
			if err := o.transition(t, StageSent, "creator replied before outreach delivery was confirmed", ActorSystem); err != nil {
				return err
			}
			fallthrough
		case StageSent:
			if err := o.transition(t, StageReplied, fmt.Sprintf("inbound message %d", seq), ActorSystem); err != nil {
				return err
			}
			startCycle = true
		case StageReplied:
			startCycle = true
		case StagePendingHumanReview:
			return o.mergeIntoPending(t, seq, in.BodyText)
		}
		// Other stages only record the message: an in-flight cycle picks it
		// up through the version check, later stages are past negotiation.
		return nil
	})
	if errors.Is(err, ledger.ErrDuplicateMessage) {
		metrics.InboundTotal.WithLabelValues("duplicate").Inc()
		o.log.Info().
			Str("conversation_id", convID).
			Str("provider_message_id", in.ProviderMessageID).
			Msg("duplicate inbound message ignored")
		stage, serr := o.currentStage(ctx, convID)
		if serr != nil {
			return IngestResult{}, serr
		}
		return IngestResult{Accepted: true, Duplicate: true, Stage: stage, ConversationID: convID}, nil
	}
	if err != nil {
		metrics.InboundTotal.WithLabelValues("error").Inc()
		o.log.Error().Err(err).Str("conversation_id", convID).Msg("inbound append failed")
		return IngestResult{}, err
	}
	metrics.InboundTotal.WithLabelValues("accepted").Inc()

	result := IngestResult{Accepted: true, Stage: conv.Stage, ConversationID: convID, Sequence: seq}
	if !startCycle {
		return result, nil
	}

	stage, err := o.runCycle(ctx, convID)
	if err != nil {
		// The message is stored; the sweeper escalates a stuck cycle.
		o.log.Error().Err(err).Str("conversation_id", convID).Msg("negotiation cycle did not complete")
		if s, serr := o.currentStage(ctx, convID); serr == nil {
			result.Stage = s
		}
		return result, nil
	}
	result.Stage = stage
	return result, nil
}

// mergeIntoPending folds a new creator message into the open approval so
// the reviewer sees it before deciding.
func (o *Orchestrator) mergeIntoPending(t *txn, seq int, body string) error {
	pending, err := approval.PendingFor(t.tx, t.conv.ID)
	if err != nil || pending == nil {
		// Resolution in flight; the message is picked up after delivery.
		return err
	}
	note := fmt.Sprintf("creator sent another message (#%d): %s", seq, excerpt(body, 200))
	item, err := approval.Merge(t.tx, pending.ID, note, nil)
	if err != nil {
		return err
	}
	alert := o.alertFor(t.conv, item, true)
	t.afterCommit(func() {
		metrics.ApprovalsTotal.WithLabelValues("merged").Inc()
		o.sendAlert(alert)
	})
	return nil
}

// ensureConversation returns the id for a conversation key, creating the
// conversation in the initiated stage when the creator writes first.
func (o *Orchestrator) ensureConversation(ctx context.Context, campaignID, creatorID, address string) (string, error) {
	id, err := o.lookupConversation(ctx, campaignID, creatorID)
	if err != nil || id != "" {
		return id, err
	}
	id, _, err = o.createConversation(ctx, campaignID, creatorID, address)
	return id, err
}

// createConversation inserts a conversation unless the key already exists.
// created is false when another writer won the insert.
func (o *Orchestrator) createConversation(ctx context.Context, campaignID, creatorID, address string) (id string, created bool, err error) {
	now := o.now()
	conv := models.Conversation{
		ID:             uuid.NewString(),
		CampaignID:     campaignID,
		CreatorID:      creatorID,
		CreatorAddress: address,
		Stage:          StageInitiated,
		StageChangedAt: now,
	}
	res := o.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&conv)
	if res.Error != nil {
		return "", false, fmt.Errorf("negotiation: create conversation %s/%s: %w", campaignID, creatorID, res.Error)
	}
	if res.RowsAffected == 0 {
		existing, err := o.lookupConversation(ctx, campaignID, creatorID)
		if err != nil {
			return "", false, err
		}
		if existing == "" {
			return "", false, fmt.Errorf("negotiation: conversation %s/%s vanished after conflict", campaignID, creatorID)
		}
		return existing, false, nil
	}

	o.keys.Add(keyOf(campaignID, creatorID), conv.ID)
	o.log.Info().
		Str("conversation_id", conv.ID).
		Str("campaign_id", campaignID).
		Str("creator_id", creatorID).
		Msg("conversation created")
	return conv.ID, true, nil
}

func (o *Orchestrator) currentStage(ctx context.Context, convID string) (string, error) {
	var conv models.Conversation
	if err := o.db.WithContext(ctx).Select("stage").Where("id = ?", convID).First(&conv).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", fmt.Errorf("%w: %s", ErrConversationNotFound, convID)
		}
		return "", fmt.Errorf("negotiation: stage of %s: %w", convID, err)
	}
	return conv.Stage, nil
}

// snapshot is what a classification cycle read under the lock.
type snapshot struct {
	conv        models.Conversation
	history     []models.Message
	campaign    *models.Campaign
	lastInbound int
}

// runCycle classifies the latest creator message and acts on the policy
// decision. A commit that finds the conversation changed since the
// snapshot (for example a further creator message) re-reads and
// reclassifies. When retries run out the conversation stays in analyzing
// and the sweeper escalates it.
func (o *Orchestrator) runCycle(ctx context.Context, convID string) (string, error) {
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		snap, err := o.beginAnalysis(ctx, convID)
		if err != nil {
			return "", err
		}
		if snap == nil {
			return o.currentStage(ctx, convID)
		}

		analysis, cerr := o.classify(ctx, snap)
		decision := escalation.Decide(escalation.Input{
			Analysis:         analysis,
			ClassifierErr:    cerr,
			Baseline:         baselineOf(snap.campaign),
			TolerancePercent: o.tolerance,
			DisableAutoReply: o.disableAutoReply,
		})
		metrics.DecisionsTotal.WithLabelValues(string(decision.Outcome)).Inc()
		o.log.Info().
			Str("conversation_id", convID).
			Str("outcome", string(decision.Outcome)).
			Bool("agreement", decision.Agreement).
			Strs("reasons", decision.Reasons).
			Msg("escalation decision")

		var (
			stage string
			again bool
		)
		if decision.IsAuto() {
			stage, again, err = o.autoRespond(ctx, snap, analysis, decision)
		} else {
			stage, err = o.escalateCycle(ctx, snap, analysis, cerr, decision)
		}
		if errors.Is(err, errStale) {
			o.log.Debug().Str("conversation_id", convID).Int("attempt", attempt+1).Msg("conversation changed during classification, reclassifying")
			continue
		}
		if err != nil {
			return "", err
		}
		if again {
			continue
		}
		return stage, nil
	}
	o.log.Warn().Str("conversation_id", convID).Msg("negotiation cycle retries exhausted, left for the sweeper")
	return "", fmt.Errorf("%w: %s", ErrConversationBusy, convID)
}

// beginAnalysis moves replied → analyzing and captures the classifier
// input. It returns nil when the conversation is not awaiting analysis.
func (o *Orchestrator) beginAnalysis(ctx context.Context, convID string) (*snapshot, error) {
	snap := &snapshot{}
	active := false
	conv, err := o.commit(ctx, convID, func(t *txn) error {
		switch t.conv.Stage {
		case StageReplied:
			if err := o.transition(t, StageAnalyzing, "classifying creator reply", ActorSystem); err != nil {
				return err
			}
		case StageAnalyzing:
		default:
			return nil
		}
		active = true

		history, err := ledger.Recent(t.tx, convID, o.historySize)
		if err != nil {
			return err
		}
		last, err := ledger.LastInboundSequence(t.tx, convID)
		if err != nil {
			return err
		}
		campaign, err := loadCampaign(t.tx, t.conv.CampaignID)
		if err != nil {
			return err
		}
		snap.history = history
		snap.lastInbound = last
		snap.campaign = campaign
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !active {
		return nil, nil
	}
	snap.conv = *conv
	return snap, nil
}

func (o *Orchestrator) classify(ctx context.Context, snap *snapshot) (*classifier.Analysis, error) {
	ctx, cancel := context.WithTimeout(ctx, o.classifierTimeout)
	defer cancel()

	req := classifier.Request{
		ConversationID: snap.conv.ID,
		Messages:       snap.history,
		Context:        contextOf(snap.campaign),
	}
	start := time.Now()
	a, err := o.classifier.Classify(ctx, req)
	if err == nil && a == nil {
		err = fmt.Errorf("%w: empty analysis", classifier.ErrUnparseableResponse)
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, classifier.ErrClassifierUnavailable) {
		err = fmt.Errorf("%w: %v", classifier.ErrClassifierUnavailable, err)
	}

	status := "ok"
	switch {
	case errors.Is(err, classifier.ErrUnparseableResponse):
		status = "unparseable"
	case err != nil:
		status = "unavailable"
	}
	metrics.ObserveClassifier(status, time.Since(start))
	if err != nil {
		o.log.Warn().Err(err).Str("conversation_id", snap.conv.ID).Msg("classification failed, escalating")
		return nil, err
	}
	return a, nil
}

// escalateCycle records an escalate decision.
func (o *Orchestrator) escalateCycle(ctx context.Context, snap *snapshot, a *classifier.Analysis, cerr error, d escalation.Decision) (string, error) {
	p := approval.Proposal{
		Summary: summaryOf(a, cerr),
		Reasons: d.Reasons,
	}
	if a != nil {
		p.ProposedAction = a.DraftReply
		p.Analysis = a
	}

	conv, err := o.commit(ctx, snap.conv.ID, func(t *txn) error {
		if t.conv.Version != snap.conv.Version {
			return errStale
		}
		if t.conv.Stage != StageAnalyzing {
			return errStale
		}
		_, err := o.escalate(t, p, strings.Join(d.Reasons, "; "))
		return err
	})
	if err != nil {
		return "", err
	}
	return conv.Stage, nil
}

// autoRespond appends and sends the drafted reply. again reports that a
// creator message arrived while the reply was in flight and needs its own
// cycle.
func (o *Orchestrator) autoRespond(ctx context.Context, snap *snapshot, a *classifier.Analysis, d escalation.Decision) (stage string, again bool, err error) {
	var (
		queued *models.Message
		out    = snap.conv
	)
	_, err = o.commit(ctx, snap.conv.ID, func(t *txn) error {
		if t.conv.Version != snap.conv.Version || t.conv.Stage != StageAnalyzing {
			return errStale
		}
		if err := o.transition(t, StageAutoResponding, strings.Join(d.Reasons, "; "), ActorSystem); err != nil {
			return err
		}
		msg, err := ledger.Append(t.tx, t.conv.ID, ledger.Entry{
			SenderType:     models.SenderAISystem,
			Direction:      models.DirectionOutbound,
			Subject:        replySubject(t.tx, t.conv.ID),
			BodyText:       a.DraftReply,
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
		return "", false, err
	}

	receipt, sendErr := o.send(ctx, o.outboundFor(ctx, &out, queued))

	contractRequested := false
	conv, err := o.commit(ctx, snap.conv.ID, func(t *txn) error {
		if t.conv.Stage != StageAutoResponding {
			// An operator override moved the conversation meanwhile.
			if sendErr != nil {
				return ledger.MarkFailed(t.tx, queued.ID)
			}
			return ledger.MarkDelivered(t.tx, queued.ID, receipt.ProviderMessageID, receipt.SentAt)
		}
		if sendErr != nil {
			if err := ledger.MarkFailed(t.tx, queued.ID); err != nil {
				return err
			}
			_, err := o.escalate(t, approval.Proposal{
				Summary:        "Automatic reply could not be delivered",
				ProposedAction: a.DraftReply,
				Analysis:       a,
				Reasons:        append([]string{fmt.Sprintf("delivery failed: %v", sendErr)}, d.Reasons...),
			}, "automatic reply delivery failed")
			return err
		}

		if err := ledger.MarkDelivered(t.tx, queued.ID, receipt.ProviderMessageID, receipt.SentAt); err != nil {
			return err
		}
		sentAt := receipt.SentAt
		t.conv.LastMessageAt = &sentAt

		if d.Agreement {
			if err := o.transition(t, StageNegotiationAgreed, "creator agreed with no conflicting terms", ActorSystem); err != nil {
				return err
			}
			if err := o.appendSystem(t, "Negotiation agreed; contract requested."); err != nil {
				return err
			}
			t.conv.ContractRequestedAt = &t.now
			contractRequested = true
			return nil
		}

		if err := o.transition(t, StageSent, "automatic reply delivered", ActorSystem); err != nil {
			return err
		}
		return o.continueIfReplied(t, queued.Sequence, &again)
	})
	if err != nil {
		o.log.Error().Err(err).
			Str("conversation_id", snap.conv.ID).
			Str("message_id", queued.ID).
			Bool("delivered", sendErr == nil).
			Msg("reply outcome not recorded, sweeper will reopen review")
		return "", false, err
	}
	if sendErr != nil {
		o.log.Warn().Err(sendErr).Str("conversation_id", conv.ID).Msg("automatic reply delivery failed, escalated")
		return conv.Stage, false, nil
	}

	if contractRequested {
		stage, err := o.requestContract(ctx, conv.ID, a)
		if err != nil {
			o.log.Error().Err(err).Str("conversation_id", conv.ID).Msg("contract trigger failed")
			return StageNegotiationAgreed, false, nil
		}
		return stage, false, nil
	}
	return conv.Stage, again, nil
}

// continueIfReplied starts another cycle when creator messages were stored
// after the outbound message at watermark.
func (o *Orchestrator) continueIfReplied(t *txn, watermark int, again *bool) error {
	last, err := ledger.LastInboundSequence(t.tx, t.conv.ID)
	if err != nil {
		return err
	}
	if last <= watermark {
		return nil
	}
	if err := o.transition(t, StageReplied, fmt.Sprintf("inbound message %d arrived during delivery", last), ActorSystem); err != nil {
		return err
	}
	*again = true
	return nil
}

// outboundFor builds the mail for a queued message outside a transaction.
func (o *Orchestrator) outboundFor(ctx context.Context, conv *models.Conversation, msg *models.Message) mailer.Outbound {
	return o.outbound(o.db.WithContext(ctx), conv, msg)
}

func baselineOf(c *models.Campaign) escalation.Baseline {
	if c == nil {
		return escalation.Baseline{}
	}
	return escalation.Baseline{
		OfferedCompensation: c.OfferedCompensation,
		DeliverableBaseline: c.DeliverableBaseline,
		VideoLengthBaseline: c.VideoLengthBaseline,
	}
}

func contextOf(c *models.Campaign) classifier.NegotiationContext {
	if c == nil {
		return classifier.NegotiationContext{}
	}
	return classifier.NegotiationContext{
		CampaignName:        c.Name,
		BudgetCeiling:       c.BudgetCeiling,
		OfferedCompensation: c.OfferedCompensation,
		DeliverableBaseline: c.DeliverableBaseline,
		VideoLengthBaseline: c.VideoLengthBaseline,
	}
}

func summaryOf(a *classifier.Analysis, cerr error) string {
	if cerr != nil {
		return "Classifier failed; reply needs a human answer"
	}
	if a != nil && a.Summary != "" {
		return a.Summary
	}
	return "Creator reply needs review"
}

func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
