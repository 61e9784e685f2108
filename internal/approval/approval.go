// Package approval implements the human approval queue: items created when
// the escalation policy refuses to auto-reply, each resolved exactly once.
package approval

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/parley/internal/models"
	"gorm.io/gorm"
)

// Approval statuses.
const (
	StatusPending     = "pending"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusActionTaken = "action_taken"
)

// Decision is the operator's answer to a pending item.
type Decision string

const (
	DecisionApprove    Decision = "approve"
	DecisionReject     Decision = "reject"
	DecisionSubstitute Decision = "substitute"
)

// ParseDecision validates a decision string.
func ParseDecision(s string) (Decision, error) {
	switch d := Decision(strings.ToLower(strings.TrimSpace(s))); d {
	case DecisionApprove, DecisionReject, DecisionSubstitute:
		return d, nil
	default:
		return "", fmt.Errorf("approval: unknown decision %q (want approve, reject or substitute)", s)
	}
}

var (
	// ErrApprovalAlreadyPending is returned by Create when the conversation
	// already has an open item. Use errors.As with *PendingError to get its id.
	ErrApprovalAlreadyPending = errors.New("approval: already pending")

	// ErrNotFound is returned when the approval id does not exist.
	ErrNotFound = errors.New("approval: not found")

	// ErrNoDraft is returned when approving an item that carries no reply.
	ErrNoDraft = errors.New("approval: no proposed reply to approve")

	// ErrEmptySubstitute is returned when substituting with empty text.
	ErrEmptySubstitute = errors.New("approval: substitute requires reply text")
)

// PendingError wraps ErrApprovalAlreadyPending with the open item's id.
type PendingError struct {
	ExistingID string
}

func (e *PendingError) Error() string {
	return fmt.Sprintf("approval: conversation already has pending approval %s", e.ExistingID)
}

func (e *PendingError) Unwrap() error { return ErrApprovalAlreadyPending }

// AlreadyResolvedError is returned when resolving an item twice. Stage is
// filled in by callers that know the conversation's current stage.
type AlreadyResolvedError struct {
	ApprovalID string
	Status     string
	ResolvedBy string
	Stage      string
}

func (e *AlreadyResolvedError) Error() string {
	by := e.Status
	if e.ResolvedBy != "" {
		by = fmt.Sprintf("%s (%s)", e.Status, e.ResolvedBy)
	}
	msg := fmt.Sprintf("approval: %s already handled by %s", e.ApprovalID, by)
	if e.Stage != "" {
		msg += ", current stage is " + e.Stage
	}
	return msg
}

// Proposal describes why an item is created and what the AI would send.
type Proposal struct {
	Summary        string
	ProposedAction string // draft reply, may be empty
	Analysis       any    // marshalled to JSON
	Reasons        []string
	At             time.Time // creation time; zero means now
}

// Payload carries the operator's input for Resolve.
type Payload struct {
	HumanText  string
	Notes      string
	ResolvedBy string
	At         time.Time // resolution time; zero means now
}

// Action is what the orchestrator must do after a successful resolution.
type Action struct {
	ApprovalID string
	Status     string
	SendReply  bool
	ReplyText  string
}

// Create opens a pending item for conversationID. It must run inside the
// transaction holding the conversation version check.
func Create(tx *gorm.DB, conversationID string, p Proposal) (*models.HumanApproval, error) {
	if conversationID == "" {
		return nil, fmt.Errorf("approval: conversationID is required")
	}

	existing, err := PendingFor(tx, conversationID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, &PendingError{ExistingID: existing.ID}
	}

	analysis := "{}"
	if p.Analysis != nil {
		data, err := json.Marshal(p.Analysis)
		if err != nil {
			return nil, fmt.Errorf("approval: marshal analysis: %w", err)
		}
		analysis = string(data)
	}
	reasons, err := json.Marshal(nonNil(p.Reasons))
	if err != nil {
		return nil, fmt.Errorf("approval: marshal reasons: %w", err)
	}

	item := models.HumanApproval{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Summary:        p.Summary,
		ProposedAction: p.ProposedAction,
		Analysis:       analysis,
		Reasons:        string(reasons),
		Status:         StatusPending,
		CreatedAt:      p.At,
	}
	if err := tx.Create(&item).Error; err != nil {
		return nil, fmt.Errorf("approval: create for %s: %w", conversationID, err)
	}
	return &item, nil
}

// Merge folds a further escalation into an open item: the note is added to
// the reasons, and the draft and analysis are replaced when given.
func Merge(tx *gorm.DB, approvalID string, note string, p *Proposal) (*models.HumanApproval, error) {
	item, err := Get(tx, approvalID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, &AlreadyResolvedError{ApprovalID: item.ID, Status: item.Status, ResolvedBy: item.ResolvedBy}
	}

	reasons := DecodeReasons(item.Reasons)
	if note != "" {
		reasons = append(reasons, note)
	}
	if p != nil {
		reasons = append(reasons, p.Reasons...)
	}
	encoded, err := json.Marshal(nonNil(reasons))
	if err != nil {
		return nil, fmt.Errorf("approval: marshal reasons: %w", err)
	}

	updates := map[string]interface{}{
		"reasons":     string(encoded),
		"merge_count": gorm.Expr("merge_count + 1"),
	}
	if p != nil {
		if p.Summary != "" {
			updates["summary"] = p.Summary
		}
		if p.ProposedAction != "" {
			updates["proposed_action"] = p.ProposedAction
		}
		if p.Analysis != nil {
			data, err := json.Marshal(p.Analysis)
			if err != nil {
				return nil, fmt.Errorf("approval: marshal analysis: %w", err)
			}
			updates["analysis"] = string(data)
		}
	}

	result := tx.Model(&models.HumanApproval{}).
		Where("id = ? AND status = ?", approvalID, StatusPending).
		Updates(updates)
	if result.Error != nil {
		return nil, fmt.Errorf("approval: merge into %s: %w", approvalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, resolvedError(tx, approvalID)
	}
	return Get(tx, approvalID)
}

// Resolve closes a pending item exactly once. The conditional update on
// status = pending decides the winner; a losing caller gets
// *AlreadyResolvedError carrying the winning status.
func Resolve(tx *gorm.DB, approvalID string, d Decision, p Payload) (*Action, error) {
	item, err := Get(tx, approvalID)
	if err != nil {
		return nil, err
	}
	if item.Status != StatusPending {
		return nil, &AlreadyResolvedError{ApprovalID: item.ID, Status: item.Status, ResolvedBy: item.ResolvedBy}
	}

	action := Action{ApprovalID: approvalID}
	switch d {
	case DecisionApprove:
		if strings.TrimSpace(item.ProposedAction) == "" {
			return nil, ErrNoDraft
		}
		action.Status = StatusApproved
		action.SendReply = true
		action.ReplyText = item.ProposedAction
	case DecisionSubstitute:
		if strings.TrimSpace(p.HumanText) == "" {
			return nil, ErrEmptySubstitute
		}
		action.Status = StatusActionTaken
		action.SendReply = true
		action.ReplyText = p.HumanText
	case DecisionReject:
		action.Status = StatusRejected
	default:
		return nil, fmt.Errorf("approval: unknown decision %q", d)
	}

	now := p.At
	if now.IsZero() {
		now = time.Now()
	}
	result := tx.Model(&models.HumanApproval{}).
		Where("id = ? AND status = ?", approvalID, StatusPending).
		Updates(map[string]interface{}{
			"status":           action.Status,
			"resolution_notes": p.Notes,
			"resolved_by":      p.ResolvedBy,
			"resolved_at":      now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", approvalID, result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, resolvedError(tx, approvalID)
	}
	return &action, nil
}

// Get returns an approval by id.
func Get(db *gorm.DB, approvalID string) (*models.HumanApproval, error) {
	var item models.HumanApproval
	if err := db.Where("id = ?", approvalID).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
		}
		return nil, fmt.Errorf("approval: get %s: %w", approvalID, err)
	}
	return &item, nil
}

// PendingFor returns the open item of a conversation, nil if there is none.
func PendingFor(db *gorm.DB, conversationID string) (*models.HumanApproval, error) {
	var items []models.HumanApproval
	if err := db.Where("conversation_id = ? AND status = ?", conversationID, StatusPending).
		Order("created_at ASC").Limit(1).Find(&items).Error; err != nil {
		return nil, fmt.Errorf("approval: pending for %s: %w", conversationID, err)
	}
	if len(items) == 0 {
		return nil, nil
	}
	return &items[0], nil
}

// ListPending returns every open item, oldest first.
func ListPending(db *gorm.DB) ([]models.HumanApproval, error) {
	var items []models.HumanApproval
	if err := db.Where("status = ?", StatusPending).
		Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("approval: list pending: %w", err)
	}
	return items, nil
}

// ListFor returns the full approval history of a conversation.
func ListFor(db *gorm.DB, conversationID string) ([]models.HumanApproval, error) {
	var items []models.HumanApproval
	if err := db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("approval: list for %s: %w", conversationID, err)
	}
	return items, nil
}

// DecodeReasons parses the stored JSON reasons; malformed data yields nil.
func DecodeReasons(raw string) []string {
	if raw == "" {
		return nil
	}
	var reasons []string
	if err := json.Unmarshal([]byte(raw), &reasons); err != nil {
		return nil
	}
	return reasons
}

func resolvedError(tx *gorm.DB, approvalID string) error {
	current, err := Get(tx, approvalID)
	if err != nil {
		return err
	}
	return &AlreadyResolvedError{ApprovalID: current.ID, Status: current.Status, ResolvedBy: current.ResolvedBy}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
