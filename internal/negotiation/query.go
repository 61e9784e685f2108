package negotiation

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/ledger"
	"github.com/zulandar/parley/internal/models"
)

// ConversationState is a read-only view of one conversation.
type ConversationState struct {
	Conversation    models.Conversation
	Messages        []models.Message
	PendingApproval *models.HumanApproval
	Approvals       []models.HumanApproval
	Contract        *models.Contract
	Transitions     []models.StageTransition
}

// ApprovalSummary is one row of the operator queue.
type ApprovalSummary struct {
	ApprovalID     string    `json:"approvalId"`
	ConversationID string    `json:"conversationId"`
	CampaignID     string    `json:"campaignId"`
	CreatorID      string    `json:"creatorId"`
	Stage          string    `json:"stage"`
	Summary        string    `json:"summary"`
	ProposedAction string    `json:"proposedAction"`
	Reasons        []string  `json:"reasons"`
	MergeCount     int       `json:"mergeCount"`
	CreatedAt      time.Time `json:"createdAt"`
}

// GetConversationState loads a conversation with its ledger, approvals,
// contract and stage history.
func (o *Orchestrator) GetConversationState(ctx context.Context, conversationID string) (*ConversationState, error) {
	conv, err := o.load(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	db := o.db.WithContext(ctx)

	msgs, err := ledger.List(db, conversationID)
	if err != nil {
		return nil, err
	}
	approvals, err := approval.ListFor(db, conversationID)
	if err != nil {
		return nil, err
	}
	contract, err := loadContract(db, conversationID)
	if err != nil {
		return nil, err
	}
	var transitions []models.StageTransition
	if err := db.Where("conversation_id = ?", conversationID).Order("id ASC").Find(&transitions).Error; err != nil {
		return nil, fmt.Errorf("negotiation: load transitions for %s: %w", conversationID, err)
	}

	state := &ConversationState{
		Conversation: *conv,
		Messages:     msgs,
		Approvals:    approvals,
		Contract:     contract,
		Transitions:  transitions,
	}
	for i := range approvals {
		if approvals[i].Status == approval.StatusPending {
			state.PendingApproval = &approvals[i]
			break
		}
	}
	return state, nil
}

// FindConversation returns the conversation id for a campaign/creator pair.
func (o *Orchestrator) FindConversation(ctx context.Context, campaignID, creatorID string) (string, error) {
	id, err := o.lookupConversation(ctx, campaignID, creatorID)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", fmt.Errorf("%w: %s/%s", ErrConversationNotFound, campaignID, creatorID)
	}
	return id, nil
}

// ListPendingApprovals returns the open approval queue, oldest first.
func (o *Orchestrator) ListPendingApprovals(ctx context.Context) ([]ApprovalSummary, error) {
	db := o.db.WithContext(ctx)
	items, err := approval.ListPending(db)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return []ApprovalSummary{}, nil
	}

	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ConversationID)
	}
	var convs []models.Conversation
	if err := db.Where("id IN ?", ids).Find(&convs).Error; err != nil {
		return nil, fmt.Errorf("negotiation: load conversations for approvals: %w", err)
	}
	byID := make(map[string]models.Conversation, len(convs))
	for _, c := range convs {
		byID[c.ID] = c
	}

	out := make([]ApprovalSummary, 0, len(items))
	for _, it := range items {
		c := byID[it.ConversationID]
		out = append(out, ApprovalSummary{
			ApprovalID:     it.ID,
			ConversationID: it.ConversationID,
			CampaignID:     c.CampaignID,
			CreatorID:      c.CreatorID,
			Stage:          c.Stage,
			Summary:        it.Summary,
			ProposedAction: it.ProposedAction,
			Reasons:        approval.DecodeReasons(it.Reasons),
			MergeCount:     it.MergeCount,
			CreatedAt:      it.CreatedAt,
		})
	}
	return out, nil
}
