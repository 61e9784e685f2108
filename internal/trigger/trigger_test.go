package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	ack, err := r.RequestContract(context.Background(), ContractRequest{ConversationID: "conv-1"})
	if err != nil {
		t.Fatalf("RequestContract: %v", err)
	}
	if ack.ExternalRef != "contract-1" {
		t.Errorf("ExternalRef = %q", ack.ExternalRef)
	}
	if err := r.RequestPayment(context.Background(), PaymentRequest{ConversationID: "conv-1"}); err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if len(r.Contracts()) != 1 || len(r.Payments()) != 1 {
		t.Errorf("contracts=%d payments=%d", len(r.Contracts()), len(r.Payments()))
	}

	r.FailWith(errors.New("down"))
	if _, err := r.RequestContract(context.Background(), ContractRequest{}); !errors.Is(err, ErrTriggerFailed) {
		t.Errorf("error = %v, want ErrTriggerFailed", err)
	}
	if err := r.RequestPayment(context.Background(), PaymentRequest{}); !errors.Is(err, ErrTriggerFailed) {
		t.Errorf("error = %v, want ErrTriggerFailed", err)
	}
}

func TestHTTP_RequestContract(t *testing.T) {
	var got ContractRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Idempotency-Key") != "contract-conv-1" {
			t.Errorf("Idempotency-Key = %q", r.Header.Get("Idempotency-Key"))
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"externalRef":"ext-42"}`))
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOpts{ContractURL: srv.URL, Logger: zerolog.Nop()})
	ack, err := h.RequestContract(context.Background(), ContractRequest{
		ConversationID: "conv-1",
		Compensation:   decimal.NewFromInt(12000),
		Deliverables:   2,
	})
	if err != nil {
		t.Fatalf("RequestContract: %v", err)
	}
	if ack.ExternalRef != "ext-42" {
		t.Errorf("ExternalRef = %q, want ext-42", ack.ExternalRef)
	}
	if !got.Compensation.Equal(decimal.NewFromInt(12000)) || got.Deliverables != 2 {
		t.Errorf("posted = %+v", got)
	}
}

func TestHTTP_RequestContract_Error(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOpts{ContractURL: srv.URL, Logger: zerolog.Nop()})
	if _, err := h.RequestContract(context.Background(), ContractRequest{ConversationID: "c"}); !errors.Is(err, ErrTriggerFailed) {
		t.Errorf("error = %v, want ErrTriggerFailed", err)
	}
}

func TestHTTP_RequestPayment(t *testing.T) {
	var got PaymentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	h := NewHTTP(HTTPOpts{PaymentURL: srv.URL, Logger: zerolog.Nop()})
	err := h.RequestPayment(context.Background(), PaymentRequest{ConversationID: "conv-1", ContractRef: "ext-42", Amount: decimal.RequireFromString("12000.50")})
	if err != nil {
		t.Fatalf("RequestPayment: %v", err)
	}
	if got.ContractRef != "ext-42" || got.Amount.String() != "12000.5" {
		t.Errorf("posted = %+v", got)
	}
}

func TestHTTP_UnconfiguredEndpointsSkip(t *testing.T) {
	h := NewHTTP(HTTPOpts{Logger: zerolog.Nop()})
	if _, err := h.RequestContract(context.Background(), ContractRequest{ConversationID: "c"}); err != nil {
		t.Errorf("RequestContract: %v", err)
	}
	if err := h.RequestPayment(context.Background(), PaymentRequest{ConversationID: "c"}); err != nil {
		t.Errorf("RequestPayment: %v", err)
	}
}
