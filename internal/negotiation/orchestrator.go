// Package negotiation implements the conversation state machine: it ingests
// creator replies, runs them through the classifier and escalation policy,
// answers automatically or queues a human approval, and hands agreed deals
// to the contract and payment triggers.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/lock"
	"github.com/zulandar/parley/internal/mailer"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/models"
	"github.com/zulandar/parley/internal/notify"
	"github.com/zulandar/parley/internal/trigger"
	"gorm.io/gorm"
)

// Defaults applied by New.
const (
	DefaultMaxCommitRetries  = 3
	DefaultClassifierTimeout = 45 * time.Second
	DefaultAbandonAfter      = 14 * 24 * time.Hour
	DefaultHistorySize       = 10
	DefaultKeyCacheSize      = 4096
	DefaultSendTimeout       = 30 * time.Second
)

// Actors recorded in the stage audit trail.
const (
	ActorSystem  = "system"
	ActorSweeper = "sweeper"
)

// Opts holds the collaborators and tunables of an Orchestrator.
type Opts struct {
	DB         *gorm.DB
	Classifier classifier.Classifier
	Mailer     mailer.Mailer
	Contracts  trigger.ContractTrigger
	Payments   trigger.PaymentTrigger
	Notifier   notify.Notifier // optional
	Locker     lock.Locker     // defaults to an in-process keyed mutex
	Logger     zerolog.Logger

	FromAddress      string // fallback sender when the campaign has none
	DashboardURL     string
	TolerancePercent float64
	DisableAutoReply bool

	MaxCommitRetries  int
	ClassifierTimeout time.Duration
	AnalyzingTimeout  time.Duration // defaults to 2x ClassifierTimeout
	AbandonAfter      time.Duration
	SendTimeout       time.Duration
	HistorySize       int
	KeyCacheSize      int

	Now func() time.Time // for tests
}

// Orchestrator drives conversations through the negotiation lifecycle. It
// holds no conversation state of its own; every call works from the
// database under a per-conversation lock plus an optimistic version check.
type Orchestrator struct {
	db         *gorm.DB
	classifier classifier.Classifier
	mailer     mailer.Mailer
	contracts  trigger.ContractTrigger
	payments   trigger.PaymentTrigger
	notifier   notify.Notifier
	locker     lock.Locker
	log        zerolog.Logger
	keys       *lru.Cache // conversation key -> id

	fromAddress       string
	dashboardURL      string
	tolerance         float64
	disableAutoReply  bool
	maxRetries        int
	classifierTimeout time.Duration
	analyzingTimeout  time.Duration
	abandonAfter      time.Duration
	sendTimeout       time.Duration
	historySize       int
	now               func() time.Time
}

// New creates an Orchestrator.
func New(opts Opts) (*Orchestrator, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("negotiation: db is required")
	}
	if opts.Classifier == nil {
		return nil, fmt.Errorf("negotiation: classifier is required")
	}
	if opts.Mailer == nil {
		return nil, fmt.Errorf("negotiation: mailer is required")
	}
	if opts.Contracts == nil {
		return nil, fmt.Errorf("negotiation: contract trigger is required")
	}
	if opts.Payments == nil {
		return nil, fmt.Errorf("negotiation: payment trigger is required")
	}

	o := &Orchestrator{
		db:                opts.DB,
		classifier:        opts.Classifier,
		mailer:            opts.Mailer,
		contracts:         opts.Contracts,
		payments:          opts.Payments,
		notifier:          opts.Notifier,
		locker:            opts.Locker,
		log:               opts.Logger.With().Str("component", "negotiation").Logger(),
		fromAddress:       opts.FromAddress,
		dashboardURL:      opts.DashboardURL,
		tolerance:         opts.TolerancePercent,
		disableAutoReply:  opts.DisableAutoReply,
		maxRetries:        opts.MaxCommitRetries,
		classifierTimeout: opts.ClassifierTimeout,
		analyzingTimeout:  opts.AnalyzingTimeout,
		abandonAfter:      opts.AbandonAfter,
		sendTimeout:       opts.SendTimeout,
		historySize:       opts.HistorySize,
		now:               opts.Now,
	}
	if o.notifier == nil {
		o.notifier = notify.Nop{}
	}
	if o.locker == nil {
		o.locker = lock.NewLocal()
	}
	if o.maxRetries <= 0 {
		o.maxRetries = DefaultMaxCommitRetries
	}
	if o.classifierTimeout <= 0 {
		o.classifierTimeout = DefaultClassifierTimeout
	}
	if o.analyzingTimeout <= 0 {
		o.analyzingTimeout = 2 * o.classifierTimeout
	}
	if o.abandonAfter <= 0 {
		o.abandonAfter = DefaultAbandonAfter
	}
	if o.sendTimeout <= 0 {
		o.sendTimeout = DefaultSendTimeout
	}
	if o.historySize <= 0 {
		o.historySize = DefaultHistorySize
	}
	if o.now == nil {
		o.now = time.Now
	}

	size := opts.KeyCacheSize
	if size <= 0 {
		size = DefaultKeyCacheSize
	}
	keys, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("negotiation: key cache: %w", err)
	}
	o.keys = keys
	return o, nil
}

// txn is the unit of work handed to commit callbacks.
type txn struct {
	tx    *gorm.DB
	conv  *models.Conversation
	now   time.Time
	after []func()
}

// afterCommit registers fn to run once the transaction committed.
func (t *txn) afterCommit(fn func()) {
	t.after = append(t.after, fn)
}

// commit runs fn against a fresh read of the conversation inside one
// transaction while holding the conversation lock, then bumps the version
// with a conditional update. A lost version check or a failed lock
// acquisition re-runs the whole cycle up to maxRetries times before failing
// with ErrConversationBusy. Errors returned by fn roll the transaction back
// and are returned unchanged.
func (o *Orchestrator) commit(ctx context.Context, conversationID string, fn func(t *txn) error) (*models.Conversation, error) {
	var lastErr error
	for attempt := 0; attempt <= o.maxRetries; attempt++ {
		conv, after, err := o.commitOnce(ctx, conversationID, fn)
		switch {
		case errors.Is(err, errVersionConflict):
			metrics.CommitConflictsTotal.Inc()
			o.log.Debug().Str("conversation_id", conversationID).Int("attempt", attempt+1).Msg("version conflict, retrying")
			lastErr = err
			continue
		case errors.Is(err, errLockUnavailable):
			if ctx.Err() != nil {
				return nil, err
			}
			o.log.Warn().Err(err).Str("conversation_id", conversationID).Int("attempt", attempt+1).Msg("lock unavailable, retrying")
			lastErr = err
			if attempt < o.maxRetries {
				if err := sleepCtx(ctx, lockBackoff*time.Duration(attempt+1)); err != nil {
					return nil, err
				}
			}
			continue
		case err != nil:
			return nil, err
		}
		for _, f := range after {
			f()
		}
		return conv, nil
	}
	o.log.Warn().Err(lastErr).Str("conversation_id", conversationID).Int("retries", o.maxRetries).Msg("giving up on commit")
	return nil, fmt.Errorf("%w: %s: %v", ErrConversationBusy, conversationID, lastErr)
}

// lockBackoff is the base delay between attempts after a lock failure.
var lockBackoff = 50 * time.Millisecond

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *Orchestrator) commitOnce(ctx context.Context, conversationID string, fn func(t *txn) error) (*models.Conversation, []func(), error) {
	release, err := o.locker.Lock(ctx, conversationID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", errLockUnavailable, conversationID, err)
	}
	defer release()

	var (
		result models.Conversation
		after  []func()
	)
	err = o.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Where("id = ?", conversationID).First(&conv).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
			}
			return fmt.Errorf("negotiation: load %s: %w", conversationID, err)
		}
		readVersion := conv.Version

		t := &txn{tx: tx, conv: &conv, now: o.now()}
		if err := fn(t); err != nil {
			return err
		}

		res := tx.Model(&models.Conversation{}).
			Where("id = ? AND version = ?", conv.ID, readVersion).
			Updates(map[string]interface{}{
				"version":               readVersion + 1,
				"stage":                 conv.Stage,
				"stage_changed_at":      conv.StageChangedAt,
				"creator_address":       conv.CreatorAddress,
				"thread_ref":            conv.ThreadRef,
				"last_message_at":       conv.LastMessageAt,
				"contract_requested_at": conv.ContractRequestedAt,
				"payment_requested_at":  conv.PaymentRequestedAt,
				"updated_at":            t.now,
			})
		if res.Error != nil {
			return fmt.Errorf("negotiation: update %s: %w", conversationID, res.Error)
		}
		if res.RowsAffected == 0 {
			return errVersionConflict
		}
		conv.Version = readVersion + 1
		result = conv
		after = t.after
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return &result, after, nil
}

// transition moves the conversation along a legal edge and writes the
// audit row in the same transaction.
func (o *Orchestrator) transition(t *txn, to, reason, actor string) error {
	from := t.conv.Stage
	if !CanTransition(from, to) {
		o.log.Warn().
			Str("conversation_id", t.conv.ID).
			Str("from", from).
			Str("to", to).
			Str("reason", reason).
			Msg("rejected stage transition")
		return &TransitionError{ConversationID: t.conv.ID, From: from, To: to, Reason: reason}
	}
	return o.recordTransition(t, to, reason, actor, false)
}

func (o *Orchestrator) recordTransition(t *txn, to, reason, actor string, override bool) error {
	from := t.conv.Stage
	row := models.StageTransition{
		ConversationID: t.conv.ID,
		FromStage:      from,
		ToStage:        to,
		Reason:         reason,
		Actor:          actor,
		Override:       override,
		CreatedAt:      t.now,
	}
	if err := t.tx.Create(&row).Error; err != nil {
		return fmt.Errorf("negotiation: record transition %s -> %s: %w", from, to, err)
	}
	t.conv.Stage = to
	t.conv.StageChangedAt = t.now

	convID := t.conv.ID
	t.afterCommit(func() {
		metrics.TransitionsTotal.WithLabelValues(from, to).Inc()
		o.log.Info().
			Str("conversation_id", convID).
			Str("from", from).
			Str("to", to).
			Str("actor", actor).
			Bool("override", override).
			Str("reason", reason).
			Msg("stage changed")
	})
	return nil
}

// appendSystem records a lifecycle note in the ledger.
func (o *Orchestrator) appendSystem(t *txn, body string) error {
	_, err := ledger.Append(t.tx, t.conv.ID, ledger.Entry{
		SenderType: models.SenderAISystem,
		Direction:  models.DirectionSystem,
		BodyText:   body,
		At:         t.now,
	})
	return err
}

// escalate moves the conversation to pending_human_review (when it is not
// there already) and opens an approval, merging into an open one if present.
func (o *Orchestrator) escalate(t *txn, p approval.Proposal, note string) (*models.HumanApproval, error) {
	if t.conv.Stage != StagePendingHumanReview {
		if err := o.transition(t, StagePendingHumanReview, note, ActorSystem); err != nil {
			return nil, err
		}
	}

	if p.At.IsZero() {
		p.At = t.now
	}
	merged := false
	item, err := approval.Create(t.tx, t.conv.ID, p)
	var pe *approval.PendingError
	if errors.As(err, &pe) {
		item, err = approval.Merge(t.tx, pe.ExistingID, note, &p)
		merged = true
	}
	if err != nil {
		return nil, err
	}

	alert := o.alertFor(t.conv, item, merged)
	event := "created"
	if merged {
		event = "merged"
	}
	t.afterCommit(func() {
		metrics.ApprovalsTotal.WithLabelValues(event).Inc()
		o.sendAlert(alert)
	})
	return item, nil
}

func (o *Orchestrator) alertFor(conv *models.Conversation, item *models.HumanApproval, merged bool) notify.Alert {
	return notify.Alert{
		ApprovalID:     item.ID,
		ConversationID: conv.ID,
		CampaignID:     conv.CampaignID,
		CreatorID:      conv.CreatorID,
		Stage:          conv.Stage,
		Summary:        item.Summary,
		ProposedAction: item.ProposedAction,
		Reasons:        approval.DecodeReasons(item.Reasons),
		Merged:         merged,
		DashboardURL:   o.dashboardURL,
	}
}

// sendAlert notifies operators. Failures are logged, never propagated: the
// approval is already persisted and visible in the queue.
func (o *Orchestrator) sendAlert(alert notify.Alert) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := o.notifier.Notify(ctx, alert); err != nil {
		o.log.Error().Err(err).
			Str("conversation_id", alert.ConversationID).
			Str("approval_id", alert.ApprovalID).
			Msg("approval notification failed")
	}
}

// send hands an outbound message to the mail transport.
func (o *Orchestrator) send(ctx context.Context, msg mailer.Outbound) (*mailer.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, o.sendTimeout)
	defer cancel()
	r, err := o.mailer.Send(ctx, msg)
	if err != nil {
		metrics.OutboundTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.OutboundTotal.WithLabelValues("sent").Inc()
	return r, nil
}

// outbound builds the mail for a queued ledger message.
func (o *Orchestrator) outbound(tx *gorm.DB, conv *models.Conversation, msg *models.Message) mailer.Outbound {
	from := o.fromAddress
	if c, _ := loadCampaign(tx, conv.CampaignID); c != nil && c.BrandAddress != "" {
		from = c.BrandAddress
	}
	return mailer.Outbound{
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		From:           from,
		To:             conv.CreatorAddress,
		Subject:        msg.Subject,
		Body:           msg.BodyText,
		ThreadRef:      conv.ThreadRef,
	}
}

func loadCampaign(db *gorm.DB, id string) (*models.Campaign, error) {
	var rows []models.Campaign
	if err := db.Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("negotiation: load campaign %s: %w", id, err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// replySubject derives the subject of an answer from the latest subject in
// the ledger.
func replySubject(tx *gorm.DB, conversationID string) string {
	var rows []models.Message
	tx.Where("conversation_id = ? AND subject <> ''", conversationID).
		Order("sequence DESC").Limit(1).Find(&rows)
	if len(rows) == 0 {
		return ""
	}
	s := rows[0].Subject
	if len(s) >= 3 && (s[:3] == "Re:" || s[:3] == "RE:") {
		return s
	}
	return "Re: " + s
}

func keyOf(campaignID, creatorID string) string {
	return campaignID + "\x00" + creatorID
}

// lookupConversation returns the conversation id for a key, "" when none.
func (o *Orchestrator) lookupConversation(ctx context.Context, campaignID, creatorID string) (string, error) {
	key := keyOf(campaignID, creatorID)
	if v, ok := o.keys.Get(key); ok {
		return v.(string), nil
	}
	var rows []models.Conversation
	if err := o.db.WithContext(ctx).Select("id").
		Where("campaign_id = ? AND creator_id = ?", campaignID, creatorID).
		Limit(1).Find(&rows).Error; err != nil {
		return "", fmt.Errorf("negotiation: lookup %s/%s: %w", campaignID, creatorID, err)
	}
	if len(rows) == 0 {
		return "", nil
	}
	o.keys.Add(key, rows[0].ID)
	return rows[0].ID, nil
}
