package negotiation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/classifier"
	"github.com/zulandar/parley/internal/models"
)

func TestIngestInbound_Malformed(t *testing.T) {
	h := newHarness(t)
	cases := []InboundMessage{
		{CreatorID: testCreator, SenderAddress: testAddress, BodyText: "hi"},
		{CampaignID: testCampaign, SenderAddress: testAddress, BodyText: "hi"},
		{CampaignID: testCampaign, CreatorID: testCreator, BodyText: "hi"},
		{CampaignID: testCampaign, CreatorID: testCreator, SenderAddress: testAddress, BodyText: "   "},
	}
	for i, in := range cases {
		_, err := h.o.IngestInbound(context.Background(), in)
		if !errors.Is(err, ErrMalformedInbound) {
			t.Errorf("case %d: err = %v, want ErrMalformedInbound", i, err)
		}
	}

	var n int64
	h.db.Model(&models.Conversation{}).Count(&n)
	if n != 0 {
		t.Errorf("conversations = %d, want none created for malformed input", n)
	}
}

func TestIngestInbound_UnknownKeyStartsConversation(t *testing.T) {
	h := newHarness(t)

	res := h.ingest(t, "msg-1", "Hey, saw your campaign. Interested!")
	if res.ConversationID == "" {
		t.Fatal("expected a conversation id")
	}
	if res.Stage != StageSent {
		t.Errorf("Stage = %q, want sent after auto reply", res.Stage)
	}

	rows := h.transitions(t, res.ConversationID)
	if len(rows) == 0 || rows[0].FromStage != StageInitiated || rows[0].ToStage != StageSent {
		t.Fatalf("first transition = %+v, want initiated -> sent", rows)
	}
	if !strings.Contains(rows[0].Reason, "before outreach delivery") {
		t.Errorf("reason = %q", rows[0].Reason)
	}

	id, err := h.o.FindConversation(context.Background(), testCampaign, testCreator)
	if err != nil || id != res.ConversationID {
		t.Errorf("FindConversation = %q, %v", id, err)
	}
}

func TestIngestInbound_ClassifierUnavailableEscalates(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	h.cls.Set(nil, classifier.ErrClassifierUnavailable)

	res := h.ingest(t, "msg-1", "Quick question about usage rights")
	if res.Stage != StagePendingHumanReview {
		t.Fatalf("Stage = %q, want pending_human_review", res.Stage)
	}
	item := h.pending(t, convID)
	if item == nil {
		t.Fatal("expected pending approval")
	}
	if item.ProposedAction != "" {
		t.Errorf("ProposedAction = %q, want empty without analysis", item.ProposedAction)
	}
	if !strings.Contains(item.Reasons, "classifier failed") {
		t.Errorf("reasons = %s", item.Reasons)
	}
}

func TestIngestInbound_UnparseableEscalates(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	h.cls.Set(nil, nil)

	res := h.ingest(t, "msg-1", "???")
	if res.Stage != StagePendingHumanReview {
		t.Errorf("Stage = %q, want pending_human_review", res.Stage)
	}
	if h.pending(t, convID) == nil {
		t.Error("expected pending approval")
	}
}

func TestIngestInbound_DisabledAutoReplyEscalates(t *testing.T) {
	h := newHarness(t, func(o *Opts) { o.DisableAutoReply = true })
	convID := h.outreach(t)

	res := h.ingest(t, "msg-1", "I'm interested, what's the budget?")
	if res.Stage != StagePendingHumanReview {
		t.Errorf("Stage = %q, want pending_human_review", res.Stage)
	}
	if item := h.pending(t, convID); item == nil || item.ProposedAction == "" {
		t.Errorf("approval = %+v, want draft carried for approval", item)
	}
}

func TestIngestInbound_MergesIntoPendingReview(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	h.cls.Set(budgetPushback(), nil)
	h.ingest(t, "msg-1", "10k is too low, I need 20k")
	first := h.pending(t, convID)

	res := h.ingest(t, "msg-2", "Also, I'd need the usage rights limited to 6 months.")
	if res.Stage != StagePendingHumanReview {
		t.Errorf("Stage = %q", res.Stage)
	}
	if h.cls.Calls() != 1 {
		t.Errorf("classifier calls = %d, want 1 (no classification during review)", h.cls.Calls())
	}

	item := h.pending(t, convID)
	if item.ID != first.ID {
		t.Errorf("pending approval = %s, want merged into %s", item.ID, first.ID)
	}
	if item.MergeCount != 1 {
		t.Errorf("MergeCount = %d, want 1", item.MergeCount)
	}
	if !strings.Contains(item.Reasons, "usage rights") {
		t.Errorf("reasons = %s, want the new message noted", item.Reasons)
	}

	var n int64
	h.db.Model(&models.HumanApproval{}).Where("conversation_id = ? AND status = ?", convID, approval.StatusPending).Count(&n)
	if n != 1 {
		t.Errorf("pending approvals = %d, want 1", n)
	}
	alerts := h.alerts.Alerts()
	if len(alerts) != 2 || !alerts[1].Merged {
		t.Errorf("alerts = %+v, want a merged alert", alerts)
	}
}

func TestIngestInbound_DeliveryFailureEscalates(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	h.mail.FailWith(errors.New("smtp 421"))

	res := h.ingest(t, "msg-1", "I'm interested, what's the budget?")
	if res.Stage != StagePendingHumanReview {
		t.Fatalf("Stage = %q, want pending_human_review", res.Stage)
	}

	msgs := h.messages(t, convID)
	last := msgs[len(msgs)-1]
	if last.SenderType != models.SenderAISystem || last.DeliveryStatus != models.DeliveryFailed {
		t.Errorf("last message = %s/%s, want failed ai-system reply", last.SenderType, last.DeliveryStatus)
	}
	item := h.pending(t, convID)
	if item == nil || item.ProposedAction != lowRiskQuestion().DraftReply {
		t.Fatalf("approval = %+v, want draft carried over", item)
	}
	if !strings.Contains(item.Reasons, "delivery failed") {
		t.Errorf("reasons = %s", item.Reasons)
	}
}

func TestIngestInbound_TerminalStageOnlyRecords(t *testing.T) {
	h := newHarness(t)
	convID := h.outreach(t)
	if _, err := h.o.OverrideStage(context.Background(), OverrideRequest{
		ConversationID: convID, Stage: StageDeclined, Actor: "dana", Reason: "brand paused campaign",
	}); err != nil {
		t.Fatal(err)
	}

	res := h.ingest(t, "msg-1", "Hello? Still interested!")
	if res.Stage != StageDeclined {
		t.Errorf("Stage = %q, want declined", res.Stage)
	}
	if h.cls.Calls() != 0 {
		t.Errorf("classifier calls = %d, want 0", h.cls.Calls())
	}
	msgs := h.messages(t, convID)
	if last := msgs[len(msgs)-1]; last.BodyText != "Hello? Still interested!" {
		t.Errorf("last message = %q, want inbound recorded", last.BodyText)
	}
}

func TestIngestInbound_ConcurrentDuplicateDeliveries(t *testing.T) {
	h := newHarness(t)

	const workers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		fresh   int
		dupes   int
		convIDs = map[string]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.o.IngestInbound(context.Background(), InboundMessage{
				CampaignID:        testCampaign,
				CreatorID:         testCreator,
				ProviderMessageID: "msg-same",
				SenderAddress:     testAddress,
				BodyText:          "I'm interested, what's the budget?",
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				t.Errorf("IngestInbound: %v", err)
				return
			}
			convIDs[res.ConversationID] = true
			if res.Duplicate {
				dupes++
			} else {
				fresh++
			}
		}()
	}
	wg.Wait()

	if fresh != 1 || dupes != workers-1 {
		t.Errorf("fresh = %d, duplicates = %d, want 1 and %d", fresh, dupes, workers-1)
	}
	if len(convIDs) != 1 {
		t.Fatalf("conversation ids = %v, want exactly one", convIDs)
	}
	for id := range convIDs {
		msgs := h.messages(t, id)
		inbound := 0
		for _, m := range msgs {
			if m.IsInbound() {
				inbound++
			}
		}
		if inbound != 1 {
			t.Errorf("inbound messages = %d, want 1", inbound)
		}
		if got := len(h.mail.SentTo(id)); got != 1 {
			t.Errorf("auto replies = %d, want 1", got)
		}
	}
}

// gatedClassifier blocks its first call until released.
type gatedClassifier struct {
	analysis *classifier.Analysis
	entered  chan struct{}
	release  chan struct{}

	mu    sync.Mutex
	calls []classifier.Request
}

func newGatedClassifier(a *classifier.Analysis) *gatedClassifier {
	return &gatedClassifier{analysis: a, entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedClassifier) Classify(ctx context.Context, req classifier.Request) (*classifier.Analysis, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	first := len(g.calls) == 1
	g.mu.Unlock()
	if first {
		close(g.entered)
		<-g.release
	}
	cp := *g.analysis
	return &cp, nil
}

func (g *gatedClassifier) requests() []classifier.Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]classifier.Request(nil), g.calls...)
}

func TestIngestInbound_ReplyDuringClassificationReclassifies(t *testing.T) {
	gate := newGatedClassifier(lowRiskQuestion())
	h := newHarness(t, func(o *Opts) { o.Classifier = gate })
	convID := h.outreach(t)

	done := make(chan IngestResult, 1)
	go func() {
		res, err := h.o.IngestInbound(context.Background(), InboundMessage{
			CampaignID: testCampaign, CreatorID: testCreator, ProviderMessageID: "msg-1",
			SenderAddress: testAddress, BodyText: "What's the budget?",
		})
		if err != nil {
			t.Errorf("first ingest: %v", err)
		}
		done <- res
	}()

	<-gate.entered
	second := h.ingest(t, "msg-2", "And what's the timeline?")
	if second.Stage != StageAnalyzing {
		t.Errorf("second Stage = %q, want analyzing while first cycle runs", second.Stage)
	}
	close(gate.release)
	first := <-done

	if first.Stage != StageSent {
		t.Errorf("first Stage = %q, want sent", first.Stage)
	}
	reqs := gate.requests()
	if len(reqs) != 2 {
		t.Fatalf("classifier calls = %d, want 2 (reclassified after new message)", len(reqs))
	}
	latest := reqs[1].Messages
	if got := latest[len(latest)-1].BodyText; got != "And what's the timeline?" {
		t.Errorf("reclassification ended with %q, want the newer message", got)
	}
	if got := len(h.mail.SentTo(convID)); got != 2 {
		t.Errorf("mails = %d, want outreach plus a single reply", got)
	}
}

func TestExcerpt(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  spread\n over   lines ", 40, "spread over lines"},
		{"abcdefgh", 4, "abcd…"},
		{"Grüße aus München", 7, "Grüße a…"},
		{"日本語のテキスト", 3, "日本語…"},
	}
	for _, tt := range tests {
		if got := excerpt(tt.in, tt.n); got != tt.want {
			t.Errorf("excerpt(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
