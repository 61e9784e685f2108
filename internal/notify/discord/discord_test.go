package discord

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/notify"
)

// --- Mock Discord session ---

type mockSession struct {
	mu    sync.Mutex
	sent  []sentMessage
	errs  []error
	calls int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	m.sent = append(m.sent, sentMessage{channelID: channelID, data: data})
	return &discordgo.Message{ID: "msg-1", ChannelID: channelID}, nil
}

func rateLimited() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func newTestNotifier(t *testing.T, sess *mockSession) *Notifier {
	t.Helper()
	n, err := New(Opts{ChannelID: "chan-1", Session: sess, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	n.baseBackoff = time.Millisecond
	n.maxBackoff = 5 * time.Millisecond
	return n
}

func testAlert() notify.Alert {
	return notify.Alert{
		ApprovalID:     "appr-1",
		ConversationID: "conv-1",
		CampaignID:     "summer-launch",
		CreatorID:      "creator-9",
		Summary:        "Creator wants 20k",
	}
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Opts{ChannelID: "chan-1"}); err == nil {
		t.Fatal("expected error for missing token")
	}
}

func TestNew_RequiresChannel(t *testing.T) {
	if _, err := New(Opts{BotToken: "tok"}); err == nil {
		t.Fatal("expected error for missing channel")
	}
}

func TestNotify_SendsEmbed(t *testing.T) {
	sess := &mockSession{}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(sess.sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sess.sent))
	}
	got := sess.sent[0]
	if got.channelID != "chan-1" {
		t.Errorf("channel = %q", got.channelID)
	}
	if len(got.data.Embeds) != 1 || got.data.Embeds[0].Description != "Creator wants 20k" {
		t.Errorf("embeds = %+v", got.data.Embeds)
	}
	if got.data.Embeds[0].Color == 0 {
		t.Error("embed color should be set")
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testAlert()); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if sess.calls != 3 {
		t.Errorf("calls = %d, want 3", sess.calls)
	}
}

func TestNotify_GivesUpAfterMaxRetries(t *testing.T) {
	sess := &mockSession{errs: []error{rateLimited(), rateLimited(), rateLimited(), rateLimited(), rateLimited()}}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error after max retries")
	}
	if sess.calls != maxRetries+1 {
		t.Errorf("calls = %d, want %d", sess.calls, maxRetries+1)
	}
}

func TestNotify_NonRateLimitError(t *testing.T) {
	sess := &mockSession{errs: []error{errors.New("missing access")}}
	n := newTestNotifier(t, sess)

	if err := n.Notify(context.Background(), testAlert()); err == nil {
		t.Fatal("expected error")
	}
	if sess.calls != 1 {
		t.Errorf("calls = %d, want 1", sess.calls)
	}
}

func TestParseHexColor(t *testing.T) {
	cases := map[string]int{
		"#36a64f": 0x36a64f,
		"E01E5A":  0xe01e5a,
		"":        0,
	}
	for in, want := range cases {
		if got := parseHexColor(in); got != want {
			t.Errorf("parseHexColor(%q) = %#x, want %#x", in, got, want)
		}
	}
}
