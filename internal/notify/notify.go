// Package notify alerts operators when a conversation needs a human
// decision. Platform adapters live in the slack and discord subpackages.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Alert describes an approval item an operator should look at.
type Alert struct {
	ApprovalID     string
	ConversationID string
	CampaignID     string
	CreatorID      string
	Stage          string
	Summary        string
	ProposedAction string
	Reasons        []string
	Merged         bool // a further escalation folded into an open item
	DashboardURL   string
}

// Event is an Alert formatted for chat display.
type Event struct {
	Title  string
	Body   string
	Color  string // sidebar color hint, e.g. "#e01e5a"
	Fields []Field
}

// Field is a key-value pair displayed in an event attachment.
type Field struct {
	Name  string
	Value string
	Short bool
}

// Notifier delivers approval alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

const (
	colorNew    = "#e01e5a"
	colorMerged = "#ecb22e"
)

// Format renders an alert as a chat event.
func Format(a Alert) Event {
	title := fmt.Sprintf("Approval needed: %s / %s", a.CampaignID, a.CreatorID)
	color := colorNew
	if a.Merged {
		title = fmt.Sprintf("Approval updated: %s / %s", a.CampaignID, a.CreatorID)
		color = colorMerged
	}

	evt := Event{
		Title: title,
		Body:  a.Summary,
		Color: color,
		Fields: []Field{
			{Name: "Approval", Value: a.ApprovalID, Short: true},
			{Name: "Conversation", Value: a.ConversationID, Short: true},
		},
	}
	if a.Stage != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Stage", Value: a.Stage, Short: true})
	}
	if len(a.Reasons) > 0 {
		evt.Fields = append(evt.Fields, Field{Name: "Reasons", Value: "• " + strings.Join(a.Reasons, "\n• ")})
	}
	if a.ProposedAction != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Proposed reply", Value: truncate(a.ProposedAction, 500)})
	}
	if a.DashboardURL != "" {
		evt.Fields = append(evt.Fields, Field{Name: "Review", Value: strings.TrimRight(a.DashboardURL, "/") + "/approvals/" + a.ApprovalID})
	}
	return evt
}

// Multi fans an alert out to several notifiers and joins their errors.
type Multi []Notifier

// Notify calls every notifier.
func (m Multi) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards alerts.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Alert) error { return nil }

// Recorder keeps alerts in memory for tests. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	alerts []Alert
	err    error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// SetError makes subsequent Notify calls return err after recording.
func (r *Recorder) SetError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Notify records the alert.
func (r *Recorder) Notify(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return r.err
}

// Alerts returns a copy of the recorded alerts.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Alert, len(r.alerts))
	copy(out, r.alerts)
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
