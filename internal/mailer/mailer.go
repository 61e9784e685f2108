// Package mailer is the outbound mail transport adapter. Physical delivery
// belongs to an external provider; this package only hands messages over.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrSendFailed wraps every delivery failure.
var ErrSendFailed = errors.New("mailer: send failed")

// Outbound is one message to deliver to a creator.
type Outbound struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
	From           string `json:"from"`
	To             string `json:"to"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	ThreadRef      string `json:"threadRef,omitempty"`
}

// Receipt is the provider's acknowledgement.
type Receipt struct {
	ProviderMessageID string
	SentAt            time.Time
}

// Mailer delivers outbound messages.
type Mailer interface {
	Send(ctx context.Context, msg Outbound) (*Receipt, error)
}

// LogMailer logs messages instead of sending them. Used in development.
type LogMailer struct {
	log zerolog.Logger
}

// NewLogMailer creates a mailer that only logs.
func NewLogMailer(log zerolog.Logger) *LogMailer {
	return &LogMailer{log: log.With().Str("component", "mailer").Logger()}
}

// Send logs the message and returns a synthetic receipt.
func (m *LogMailer) Send(ctx context.Context, msg Outbound) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	r := &Receipt{ProviderMessageID: "log-" + uuid.NewString(), SentAt: time.Now()}
	m.log.Info().
		Str("conversation_id", msg.ConversationID).
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("provider_message_id", r.ProviderMessageID).
		Int("body_bytes", len(msg.Body)).
		Msg("outbound message")
	return r, nil
}

// Recorder stores sent messages in memory and can be told to fail. Used by
// the simulator and tests. Safe for concurrent use.
type Recorder struct {
	mu   sync.Mutex
	sent []Outbound
	fail error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent sends fail with err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// Send records msg.
func (r *Recorder) Send(ctx context.Context, msg Outbound) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, r.fail)
	}
	r.sent = append(r.sent, msg)
	return &Receipt{ProviderMessageID: fmt.Sprintf("rec-%d", len(r.sent)), SentAt: time.Now()}, nil
}

// Sent returns a copy of the recorded messages.
func (r *Recorder) Sent() []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Outbound, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo returns the recorded messages for one conversation.
func (r *Recorder) SentTo(conversationID string) []Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Outbound
	for _, m := range r.sent {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	return out
}
