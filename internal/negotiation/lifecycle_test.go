package negotiation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/models"
)

func TestStartOutreach(t *testing.T) {
	h := newHarness(t)
	res, err := h.o.StartOutreach(context.Background(), OutreachRequest{
		CampaignID: testCampaign, CreatorID: testCreator, CreatorAddress: testAddress,
		Subject: "Summer Launch collab", Body: "Hi Maya!", ThreadRef: "<thread-1@brand.example>",
	})
	if err != nil {
		t.Fatalf("StartOutreach: %v", err)
	}
	if res.Stage != StageInitiated {
		t.Errorf("Stage = %q, want initiated until delivery is confirmed", res.Stage)
	}
	sent := h.mail.SentTo(res.ConversationID)
	if len(sent) != 1 || sent[0].ThreadRef != "<thread-1@brand.example>" || sent[0].MessageID != res.MessageID {
		t.Errorf("sent = %+v", sent)
	}
	msgs := h.messages(t, res.ConversationID)
	if len(msgs) != 1 || msgs[0].SenderType != models.SenderBrand || msgs[0].DeliveryStatus != models.DeliverySent {
		t.Errorf("ledger = %+v", msgs)
	}
}

func TestStartOutreach_Existing(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)

	res, err := h.o.StartOutreach(context.Background(), OutreachRequest{
		CampaignID: testCampaign, CreatorID: testCreator, CreatorAddress: testAddress, Body: "again",
	})
	if !errors.Is(err, ErrConversationExists) {
		t.Fatalf("err = %v, want ErrConversationExists", err)
	}
	if res.ConversationID != convID {
		t.Errorf("ConversationID = %q, want existing %q", res.ConversationID, convID)
	}
}

func TestStartOutreach_Validation(t *testing.T) {
	h := newHarness(t)
	_, err := h.o.StartOutreach(context.Background(), OutreachRequest{CampaignID: testCampaign})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("err = %v", err)
	}
	for _, want := range []string{"creator id", "creator address", "body"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err.Error(), want)
		}
	}
}

func TestStartOutreach_SendFailure(t *testing.T) {
	h := newHarness(t)
	h.mail.FailWith(errors.New("relay denied"))

	res, err := h.o.StartOutreach(context.Background(), OutreachRequest{
		CampaignID: testCampaign, CreatorID: testCreator, CreatorAddress: testAddress, Body: "Hi!",
	})
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}
	if res.Stage != StageInitiated {
		t.Errorf("Stage = %q", res.Stage)
	}
	msgs := h.messages(t, res.ConversationID)
	if msgs[0].DeliveryStatus != models.DeliveryFailed {
		t.Errorf("DeliveryStatus = %q", msgs[0].DeliveryStatus)
	}
}

func TestConfirmDelivery(t *testing.T) {
	h := newHarness(t)
	res, _ := h.o.StartOutreach(context.Background(), OutreachRequest{
		CampaignID: testCampaign, CreatorID: testCreator, CreatorAddress: testAddress, Body: "Hi!",
	})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		stage, err := h.o.ConfirmDelivery(ctx, DeliveryReport{ConversationID: res.ConversationID, Status: DeliveryDelivered})
		if err != nil || stage != StageSent {
			t.Errorf("delivery %d: stage = %q, err = %v", i, stage, err)
		}
	}
	if n := len(h.transitions(t, res.ConversationID)); n != 1 {
		t.Errorf("transitions = %d, want 1 for repeated confirmations", n)
	}

	// A late bounce after delivery is only noted.
	stage, err := h.o.ConfirmDelivery(ctx, DeliveryReport{ConversationID: res.ConversationID, Status: DeliveryBounced, Detail: "mailbox full"})
	if err != nil || stage != StageSent {
		t.Errorf("late bounce: stage = %q, err = %v", stage, err)
	}

	if _, err := h.o.ConfirmDelivery(ctx, DeliveryReport{ConversationID: res.ConversationID, Status: "opened"}); !errors.Is(err, ErrInvalidRequest) {
		t.Errorf("unknown status: err = %v", err)
	}
}

func TestConfirmDelivery_BounceAbandons(t *testing.T) {
	h := newHarness(t)
	res, _ := h.o.StartOutreach(context.Background(), OutreachRequest{
		CampaignID: testCampaign, CreatorID: testCreator, CreatorAddress: testAddress, Body: "Hi!",
	})

	stage, err := h.o.ConfirmDelivery(context.Background(), DeliveryReport{
		ConversationID: res.ConversationID, ProviderMessageID: "rec-1", Status: DeliveryBounced, Detail: "no such user",
	})
	if err != nil {
		t.Fatalf("ConfirmDelivery: %v", err)
	}
	if stage != StageAbandoned {
		t.Errorf("stage = %q, want abandoned", stage)
	}
	msgs := h.messages(t, res.ConversationID)
	if last := msgs[len(msgs)-1]; !strings.Contains(last.BodyText, "no such user") {
		t.Errorf("last message = %q", last.BodyText)
	}
}

func TestOverrideStage_Validation(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	ctx := context.Background()

	bad := []OverrideRequest{
		{ConversationID: convID, Stage: StageDeclined, Reason: "r"},
		{ConversationID: convID, Stage: StageDeclined, Actor: "dana"},
		{ConversationID: convID, Stage: "limbo", Actor: "dana", Reason: "r"},
		{Stage: StageDeclined, Actor: "dana", Reason: "r"},
	}
	for i, req := range bad {
		if _, err := h.o.OverrideStage(ctx, req); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("case %d: err = %v, want ErrInvalidRequest", i, err)
		}
	}
}

func TestOverrideStage_AuditedAndClosesApproval(t *testing.T) {
	h := newHarness(t)
	convID, item := escalated(t, h)

	stage, err := h.o.OverrideStage(context.Background(), OverrideRequest{
		ConversationID: convID, Stage: StageNegotiationAgreed, Actor: "dana", Reason: "agreed by phone",
	})
	if err != nil {
		t.Fatalf("OverrideStage: %v", err)
	}
	if stage != StageNegotiationAgreed {
		t.Errorf("stage = %q", stage)
	}

	rows := h.transitions(t, convID)
	last := rows[len(rows)-1]
	if !last.Override || last.Actor != "dana" || last.Reason != "agreed by phone" || last.FromStage != StagePendingHumanReview {
		t.Errorf("audit row = %+v", last)
	}

	closed, _ := approval.Get(h.db, item.ID)
	if closed.Status != approval.StatusRejected || !strings.Contains(closed.ResolutionNotes, "superseded by stage override") {
		t.Errorf("approval = %s / %q", closed.Status, closed.ResolutionNotes)
	}
	if h.pending(t, convID) != nil {
		t.Error("no pending approval expected outside review")
	}

	// The contract can be requested from the overridden stage.
	if stage, err := h.o.RetryContractRequest(context.Background(), convID); err != nil || stage != StageContractDrafting {
		t.Errorf("RetryContractRequest = %q, %v", stage, err)
	}
}

func TestOverrideStage_IntoReviewOpensApproval(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)

	if _, err := h.o.OverrideStage(context.Background(), OverrideRequest{
		ConversationID: convID, Stage: StagePendingHumanReview, Actor: "dana", Reason: "creator called in",
	}); err != nil {
		t.Fatal(err)
	}
	item := h.pending(t, convID)
	if item == nil {
		t.Fatal("expected an approval in review")
	}
	if !strings.Contains(item.Reasons, "creator called in") {
		t.Errorf("reasons = %s", item.Reasons)
	}

	// Overriding to the current stage changes nothing.
	before := len(h.transitions(t, convID))
	if _, err := h.o.OverrideStage(context.Background(), OverrideRequest{
		ConversationID: convID, Stage: StagePendingHumanReview, Actor: "dana", Reason: "again",
	}); err != nil {
		t.Fatal(err)
	}
	if after := len(h.transitions(t, convID)); after != before {
		t.Errorf("transitions = %d, want %d", after, before)
	}
}

func TestSweepStale_EscalatesStuckAnalysis(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.ClassifierTimeout = time.Minute })
	convID := h.outreach(t)
	// Leave the conversation in analyzing as a crashed cycle would.
	if _, err := h.o.commit(context.Background(), convID, func(tx *txn) error {
		if err := h.o.transition(tx, StageReplied, "test", ActorSystem); err != nil {
			return err
		}
		return h.o.transition(tx, StageAnalyzing, "test", ActorSystem)
	}); err != nil {
		t.Fatal(err)
	}

	res, err := h.o.SweepStale(context.Background(), h.now.Add(time.Minute))
	if err != nil || len(res.Escalated) != 0 {
		t.Fatalf("early sweep = %+v, %v", res, err)
	}

	res, err = h.o.SweepStale(context.Background(), h.now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("SweepStale: %v", err)
	}
	if len(res.Escalated) != 1 || res.Escalated[0] != convID {
		t.Fatalf("Escalated = %v", res.Escalated)
	}
	if got := h.stage(t, convID); got != StagePendingHumanReview {
		t.Errorf("stage = %q", got)
	}
	item := h.pending(t, convID)
	if item == nil || !strings.Contains(item.Reasons, "classifier timed out") {
		t.Errorf("approval = %+v", item)
	}
	if len(h.alerts.Alerts()) != 1 {
		t.Errorf("alerts = %d, want 1", len(h.alerts.Alerts()))
	}
}

func TestSweepStale_AbandonsSilentConversations(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.AbandonAfter = 7 * 24 * time.Hour })
	silent := h.outreach(t)

	res, err := h.o.SweepStale(context.Background(), h.now.Add(6*24*time.Hour))
	if err != nil || len(res.Abandoned) != 0 {
		t.Fatalf("early sweep = %+v, %v", res, err)
	}
	res, err = h.o.SweepStale(context.Background(), h.now.Add(8*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Abandoned) != 1 || res.Abandoned[0] != silent {
		t.Fatalf("Abandoned = %v", res.Abandoned)
	}
	rows := h.transitions(t, silent)
	if last := rows[len(rows)-1]; last.ToStage != StageAbandoned || last.Actor != ActorSweeper {
		t.Errorf("last transition = %+v", last)
	}

	// A second sweep finds nothing.
	res, _ = h.o.SweepStale(context.Background(), h.now.Add(30*24*time.Hour))
	if len(res.Abandoned)+len(res.Escalated) != 0 {
		t.Errorf("second sweep = %+v", res)
	}
}

func TestGetConversationState(t *testing.T) {
	h := newHarness(t)
	convID, item := escalated(t, h)

	state, err := h.o.GetConversationState(context.Background(), convID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Conversation.Stage != StagePendingHumanReview {
		t.Errorf("stage = %q", state.Conversation.Stage)
	}
	if state.PendingApproval == nil || state.PendingApproval.ID != item.ID {
		t.Errorf("PendingApproval = %+v", state.PendingApproval)
	}
	if len(state.Messages) != 2 || state.Messages[0].Sequence != 1 || state.Messages[1].Sequence != 2 {
		t.Errorf("messages = %+v", state.Messages)
	}
	if len(state.Transitions) != 4 {
		t.Errorf("transitions = %d, want 4", len(state.Transitions))
	}
	if state.Contract != nil {
		t.Errorf("Contract = %+v, want nil", state.Contract)
	}

	if _, err := h.o.GetConversationState(context.Background(), "nope"); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestListPendingApprovals(t *testing.T) {
	h := newHarness(t)
	empty, err := h.o.ListPendingApprovals(context.Background())
	if err != nil || empty == nil || len(empty) != 0 {
		t.Fatalf("empty queue = %v, %v", empty, err)
	}

	convID, item := escalated(t, h)
	h.now = h.now.Add(time.Minute)
	h.cls.Set(nil, classifier.ErrClassifierUnavailable)
	if _, err := h.o.IngestInbound(context.Background(), InboundMessage{
		CampaignID: testCampaign, CreatorID: "creator-2", ProviderMessageID: "m-2",
		SenderAddress: "leo@creators.example", BodyText: "hey",
	}); err != nil {
		t.Fatal(err)
	}

	list, err := h.o.ListPendingApprovals(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("len = %d, want 2", len(list))
	}
	first := list[0]
	if first.ApprovalID != item.ID || first.ConversationID != convID || first.CreatorID != testCreator {
		t.Errorf("first = %+v", first)
	}
	if first.Stage != StagePendingHumanReview || first.CampaignID != testCampaign || len(first.Reasons) == 0 {
		t.Errorf("first = %+v", first)
	}
	if list[1].CreatorID != "creator-2" {
		t.Errorf("second = %+v", list[1])
	}
}
