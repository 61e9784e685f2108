package main

import (
	"strings"
	"testing"

	"github.com/zulandar/parley/internal/models"
)

func TestOperatorFlow_SimulateReviewResolve(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "", "db", "init", "--config", path); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, "", "approvals", "list", "--config", path)
	if err != nil {
		t.Fatalf("approvals list: %v", err)
	}
	if !strings.Contains(out, "No pending approvals.") {
		t.Errorf("expected empty queue, got: %s", out)
	}

	// The static classifier has no canned answer, so every reply escalates.
	out, err = run(t, "Can we do 20k instead?\n", "simulate", "--config", path,
		"--campaign", "summer", "--creator", "maya", "--from", "maya@creators.example", "--body", "-")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	if !strings.Contains(out, "stage pending_human_review") {
		t.Errorf("simulate output = %s", out)
	}

	out, err = run(t, "", "approvals", "list", "--config", path)
	if err != nil {
		t.Fatalf("approvals list: %v", err)
	}
	if !strings.Contains(out, "summer") || !strings.Contains(out, "maya") {
		t.Errorf("expected queued approval, got: %s", out)
	}

	_, gormDB, err := connectFromConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	var item models.HumanApproval
	if err := gormDB.Where("status = ?", "pending").First(&item).Error; err != nil {
		t.Fatalf("load approval: %v", err)
	}

	if _, err := run(t, "", "approvals", "resolve", item.ID, "maybe", "--config", path); err == nil {
		t.Error("expected error for unknown decision")
	}

	out, err = run(t, "", "approvals", "resolve", item.ID, "reject", "--by", "dana", "--config", path)
	if err != nil {
		t.Fatalf("approvals resolve: %v", err)
	}
	if !strings.Contains(out, "is now declined") || strings.Contains(out, "Reply sent") {
		t.Errorf("resolve output = %s", out)
	}

	out, err = run(t, "", "conversation", "show", "maya", "--campaign", "summer", "--config", path)
	if err != nil {
		t.Fatalf("conversation show: %v", err)
	}
	for _, want := range []string{"Stage:        declined", "Can we do 20k instead?", "pending_human_review", "dana"} {
		if !strings.Contains(out, want) {
			t.Errorf("show output missing %q:\n%s", want, out)
		}
	}
}

func TestConversationMessages_After(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "", "db", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "simulate", "--config", path,
		"--campaign", "summer", "--creator", "leo", "--from", "leo@creators.example", "--body", "Hi there")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	id := strings.Fields(strings.TrimPrefix(out, "Conversation "))[0]
	id = strings.TrimSuffix(id, ":")

	out, err = run(t, "", "conversation", "messages", id, "--config", path)
	if err != nil {
		t.Fatalf("messages: %v", err)
	}
	if !strings.Contains(out, "#1 inbound creator <leo@creators.example>") || !strings.Contains(out, "Hi there") {
		t.Errorf("messages output = %s", out)
	}

	out, err = run(t, "", "conversation", "messages", id, "--after", "1", "--config", path)
	if err != nil {
		t.Fatalf("messages --after: %v", err)
	}
	if strings.Contains(out, "Hi there") {
		t.Errorf("--after 1 should skip the first message: %s", out)
	}
}

func TestConversationOverride_RequiresReason(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "", "db", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "", "conversation", "override", "missing", "declined", "--actor", "dana", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "reason") {
		t.Errorf("err = %v, want reason required", err)
	}
}

func TestConversationRetry_UnknownTarget(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "", "db", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	_, err := run(t, "", "conversation", "retry", "abc", "invoice", "--config", path)
	if err == nil || !strings.Contains(err.Error(), "unknown retry target") {
		t.Errorf("err = %v", err)
	}
}

func TestSweep_Empty(t *testing.T) {
	path := writeConfig(t)
	if _, err := run(t, "", "db", "init", "--config", path); err != nil {
		t.Fatal(err)
	}
	out, err := run(t, "", "sweep", "--config", path)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if !strings.Contains(out, "Escalated 0, abandoned 0, recovered 0") {
		t.Errorf("sweep output = %s", out)
	}
}
