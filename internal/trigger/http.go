package trigger

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HTTPOpts holds parameters for NewHTTP.
type HTTPOpts struct {
	ContractURL string
	PaymentURL  string
	APIKey      string
	Timeout     time.Duration
	Logger      zerolog.Logger
}

// HTTP posts trigger requests as JSON to the downstream services.
type HTTP struct {
	client      *resty.Client
	contractURL string
	paymentURL  string
	log         zerolog.Logger
}

// NewHTTP creates an HTTP trigger client. Either URL may be empty, in which
// case the corresponding request is logged and skipped.
func NewHTTP(opts HTTPOpts) *HTTP {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetTimeout(timeout).
		SetHeader("User-Agent", "parley-trigger/1.0")
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}
	return &HTTP{
		client:      client,
		contractURL: opts.ContractURL,
		paymentURL:  opts.PaymentURL,
		log:         opts.Logger.With().Str("component", "trigger").Logger(),
	}
}

// RequestContract posts req to the contract service.
func (h *HTTP) RequestContract(ctx context.Context, req ContractRequest) (*ContractAck, error) {
	if h.contractURL == "" {
		h.log.Warn().Str("conversation_id", req.ConversationID).Msg("no contract endpoint configured, request skipped")
		return &ContractAck{}, nil
	}

	var ack ContractAck
	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", "contract-"+req.ConversationID).
		SetBody(req).
		SetResult(&ack).
		Post(h.contractURL)
	if err != nil {
		return nil, fmt.Errorf("%w: contract: %v", ErrTriggerFailed, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("%w: contract service returned status %d: %s", ErrTriggerFailed, resp.StatusCode(), resp.String())
	}

	h.log.Info().
		Str("conversation_id", req.ConversationID).
		Str("external_ref", ack.ExternalRef).
		Msg("contract requested")
	return &ack, nil
}

// RequestPayment posts req to the payment service.
func (h *HTTP) RequestPayment(ctx context.Context, req PaymentRequest) error {
	if h.paymentURL == "" {
		h.log.Warn().Str("conversation_id", req.ConversationID).Msg("no payment endpoint configured, request skipped")
		return nil
	}

	resp, err := h.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", "payment-"+req.ConversationID).
		SetBody(req).
		Post(h.paymentURL)
	if err != nil {
		return fmt.Errorf("%w: payment: %v", ErrTriggerFailed, err)
	}
	if resp.IsError() {
		return fmt.Errorf("%w: payment service returned status %d: %s", ErrTriggerFailed, resp.StatusCode(), resp.String())
	}

	h.log.Info().
		Str("conversation_id", req.ConversationID).
		Str("amount", req.Amount.StringFixed(2)).
		Msg("payment requested")
	return nil
}
