package api

import (
	"encoding/json"
	"time"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/negotiation"
)

type messageView struct {
	Sequence          int        `json:"sequence"`
	SenderType        string     `json:"senderType"`
	SenderAddress     string     `json:"senderAddress,omitempty"`
	Direction         string     `json:"direction"`
	Subject           string     `json:"subject,omitempty"`
	BodyText          string     `json:"bodyText"`
	Attachments       []string   `json:"attachments"`
	ProviderMessageID string     `json:"providerMessageId,omitempty"`
	DeliveryStatus    string     `json:"deliveryStatus,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
	ReceivedAt        *time.Time `json:"receivedAt,omitempty"`
}

type approvalView struct {
	ID              string          `json:"id"`
	Status          string          `json:"status"`
	Summary         string          `json:"summary"`
	ProposedAction  string          `json:"proposedAction"`
	Reasons         []string        `json:"reasons"`
	Analysis        json.RawMessage `json:"analysis,omitempty"`
	MergeCount      int             `json:"mergeCount"`
	ResolvedBy      string          `json:"resolvedBy,omitempty"`
	ResolutionNotes string          `json:"resolutionNotes,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	ResolvedAt      *time.Time      `json:"resolvedAt,omitempty"`
}

type transitionView struct {
	From     string    `json:"from"`
	To       string    `json:"to"`
	Reason   string    `json:"reason"`
	Actor    string    `json:"actor"`
	Override bool      `json:"override"`
	At       time.Time `json:"at"`
}

type contractView struct {
	Status       string     `json:"status"`
	ExternalRef  string     `json:"externalRef"`
	Compensation string     `json:"compensation"`
	SignedAt     *time.Time `json:"signedAt,omitempty"`
	ActivatedAt  *time.Time `json:"activatedAt,omitempty"`
}

type conversationView struct {
	ID              string           `json:"id"`
	CampaignID      string           `json:"campaignId"`
	CreatorID       string           `json:"creatorId"`
	CreatorAddress  string           `json:"creatorAddress"`
	Stage           string           `json:"stage"`
	Version         int64            `json:"version"`
	LastMessageAt   *time.Time       `json:"lastMessageAt,omitempty"`
	StageChangedAt  time.Time        `json:"stageChangedAt"`
	Messages        []messageView    `json:"messages"`
	PendingApproval *approvalView    `json:"pendingApproval,omitempty"`
	Approvals       []approvalView   `json:"approvals"`
	Contract        *contractView    `json:"contract,omitempty"`
	Transitions     []transitionView `json:"transitions"`
}

func newConversationView(s *negotiation.ConversationState) conversationView {
	c := s.Conversation
	v := conversationView{
		ID:             c.ID,
		CampaignID:     c.CampaignID,
		CreatorID:      c.CreatorID,
		CreatorAddress: c.CreatorAddress,
		Stage:          c.Stage,
		Version:        c.Version,
		LastMessageAt:  c.LastMessageAt,
		StageChangedAt: c.StageChangedAt,
		Messages:       make([]messageView, 0, len(s.Messages)),
		Approvals:      make([]approvalView, 0, len(s.Approvals)),
		Transitions:    make([]transitionView, 0, len(s.Transitions)),
	}
	for _, m := range s.Messages {
		mv := messageView{
			Sequence:       m.Sequence,
			SenderType:     m.SenderType,
			SenderAddress:  m.SenderAddress,
			Direction:      m.Direction,
			Subject:        m.Subject,
			BodyText:       m.BodyText,
			DeliveryStatus: m.DeliveryStatus,
			SentAt:         m.SentAt,
			ReceivedAt:     m.ReceivedAt,
		}
		if m.ProviderMessageID != nil {
			mv.ProviderMessageID = *m.ProviderMessageID
		}
		if err := json.Unmarshal([]byte(m.Attachments), &mv.Attachments); err != nil || mv.Attachments == nil {
			mv.Attachments = []string{}
		}
		v.Messages = append(v.Messages, mv)
	}
	for _, a := range s.Approvals {
		av := approvalView{
			ID:              a.ID,
			Status:          a.Status,
			Summary:         a.Summary,
			ProposedAction:  a.ProposedAction,
			Reasons:         approval.DecodeReasons(a.Reasons),
			MergeCount:      a.MergeCount,
			ResolvedBy:      a.ResolvedBy,
			ResolutionNotes: a.ResolutionNotes,
			CreatedAt:       a.CreatedAt,
			ResolvedAt:      a.ResolvedAt,
		}
		if json.Valid([]byte(a.Analysis)) {
			av.Analysis = json.RawMessage(a.Analysis)
		}
		v.Approvals = append(v.Approvals, av)
		if s.PendingApproval != nil && a.ID == s.PendingApproval.ID {
			p := av
			v.PendingApproval = &p
		}
	}
	if ct := s.Contract; ct != nil {
		v.Contract = &contractView{
			Status:       ct.Status,
			ExternalRef:  ct.ExternalRef,
			Compensation: ct.Compensation.StringFixed(2),
			SignedAt:     ct.SignedAt,
			ActivatedAt:  ct.ActivatedAt,
		}
	}
	for _, t := range s.Transitions {
		v.Transitions = append(v.Transitions, transitionView{
			From:     t.FromStage,
			To:       t.ToStage,
			Reason:   t.Reason,
			Actor:    t.Actor,
			Override: t.Override,
			At:       t.CreatedAt,
		})
	}
	return v
}
