// Package trigger notifies the downstream contract and payment systems on
// negotiation lifecycle milestones.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// ErrTriggerFailed wraps every downstream failure.
var ErrTriggerFailed = errors.New("trigger: downstream request failed")

// ContractRequest asks the contract system to draft a contract.
type ContractRequest struct {
	ConversationID string          `json:"conversationId"`
	CampaignID     string          `json:"campaignId"`
	CreatorID      string          `json:"creatorId"`
	CreatorAddress string          `json:"creatorAddress"`
	Compensation   decimal.Decimal `json:"compensation"`
	Deliverables   int             `json:"deliverables"`
	VideoLength    int             `json:"videoLengthMinutes,omitempty"`
}

// ContractAck is the contract system's acceptance of a request.
type ContractAck struct {
	ExternalRef string `json:"externalRef"`
}

// PaymentRequest asks the payment system to schedule the creator payment.
type PaymentRequest struct {
	ConversationID string          `json:"conversationId"`
	ContractRef    string          `json:"contractRef"`
	Amount         decimal.Decimal `json:"amount"`
}

// ContractTrigger starts contract generation.
type ContractTrigger interface {
	RequestContract(ctx context.Context, req ContractRequest) (*ContractAck, error)
}

// PaymentTrigger starts payment processing.
type PaymentTrigger interface {
	RequestPayment(ctx context.Context, req PaymentRequest) error
}

// Recorder records trigger calls in memory and can be told to fail. It
// implements both trigger interfaces. Safe for concurrent use.
type Recorder struct {
	mu        sync.Mutex
	contracts []ContractRequest
	payments  []PaymentRequest
	fail      error
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent calls fail with err; nil restores success.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

// RequestContract records req.
func (r *Recorder) RequestContract(ctx context.Context, req ContractRequest) (*ContractAck, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return nil, fmt.Errorf("%w: %v", ErrTriggerFailed, r.fail)
	}
	r.contracts = append(r.contracts, req)
	return &ContractAck{ExternalRef: fmt.Sprintf("contract-%d", len(r.contracts))}, nil
}

// RequestPayment records req.
func (r *Recorder) RequestPayment(ctx context.Context, req PaymentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return fmt.Errorf("%w: %v", ErrTriggerFailed, r.fail)
	}
	r.payments = append(r.payments, req)
	return nil
}

// Contracts returns the recorded contract requests.
func (r *Recorder) Contracts() []ContractRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ContractRequest, len(r.contracts))
	copy(out, r.contracts)
	return out
}

// Payments returns the recorded payment requests.
func (r *Recorder) Payments() []PaymentRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]PaymentRequest, len(r.payments))
	copy(out, r.payments)
	return out
}
