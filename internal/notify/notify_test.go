package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func testAlert() Alert {
	return Alert{
		ApprovalID:     "appr-1",
		ConversationID: "conv-1",
		CampaignID:     "summer-launch",
		CreatorID:      "creator-9",
		Stage:          "pending_human_review",
		Summary:        "Creator wants 20k",
		ProposedAction: "We can offer 12k.",
		Reasons:        []string{"creator raised a budget concern", "risk level is medium"},
		DashboardURL:   "https://parley.example.com/",
	}
}

func fieldValue(evt Event, name string) (string, bool) {
	for _, f := range evt.Fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}

func TestFormat(t *testing.T) {
	evt := Format(testAlert())
	if !strings.Contains(evt.Title, "Approval needed") || !strings.Contains(evt.Title, "summer-launch / creator-9") {
		t.Errorf("Title = %q", evt.Title)
	}
	if evt.Color != colorNew {
		t.Errorf("Color = %q", evt.Color)
	}
	if v, _ := fieldValue(evt, "Reasons"); !strings.Contains(v, "budget concern") || !strings.Contains(v, "\n• risk") {
		t.Errorf("Reasons field = %q", v)
	}
	if v, _ := fieldValue(evt, "Review"); v != "https://parley.example.com/approvals/appr-1" {
		t.Errorf("Review field = %q", v)
	}
}

func TestFormat_Merged(t *testing.T) {
	a := testAlert()
	a.Merged = true
	a.DashboardURL = ""
	a.ProposedAction = ""
	evt := Format(a)
	if !strings.Contains(evt.Title, "Approval updated") || evt.Color != colorMerged {
		t.Errorf("event = %+v", evt)
	}
	if _, ok := fieldValue(evt, "Review"); ok {
		t.Error("Review field should be omitted without a dashboard URL")
	}
	if _, ok := fieldValue(evt, "Proposed reply"); ok {
		t.Error("Proposed reply should be omitted when empty")
	}
}

func TestFormat_TruncatesLongDraft(t *testing.T) {
	a := testAlert()
	a.ProposedAction = strings.Repeat("x", 900)
	v, _ := fieldValue(Format(a), "Proposed reply")
	if len(v) > 510 {
		t.Errorf("len = %d, want truncated", len(v))
	}
}

func TestMulti(t *testing.T) {
	a, b := NewRecorder(), NewRecorder()
	b.SetError(errors.New("discord down"))

	err := Multi{a, b, Nop{}}.Notify(context.Background(), testAlert())
	if err == nil || !strings.Contains(err.Error(), "discord down") {
		t.Errorf("error = %v", err)
	}
	if len(a.Alerts()) != 1 || len(b.Alerts()) != 1 {
		t.Errorf("alerts = %d/%d, want 1/1", len(a.Alerts()), len(b.Alerts()))
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := (Multi{}).Notify(context.Background(), testAlert()); err != nil {
		t.Errorf("error = %v", err)
	}
}
