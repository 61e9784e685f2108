package mailer

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
)

// HTTPOpts holds parameters for NewHTTPMailer.
type HTTPOpts struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
	Retries  int
	Logger   zerolog.Logger
}

// HTTPMailer posts outbound messages as JSON to a mail provider endpoint.
type HTTPMailer struct {
	client   *resty.Client
	endpoint string
	log      zerolog.Logger
}

type sendResponse struct {
	MessageID string `json:"messageId"`
}

// NewHTTPMailer creates an HTTP mail transport.
func NewHTTPMailer(opts HTTPOpts) (*HTTPMailer, error) {
	if opts.Endpoint == "" {
		return nil, fmt.Errorf("mailer: endpoint is required")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	retries := opts.Retries
	if retries < 0 {
		retries = 0
	}

	client := resty.New().
		SetTimeout(timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetHeader("User-Agent", "parley-mailer/1.0").
		AddRetryCondition(func(r *resty.Response, err error) bool {
			return err != nil || r.StatusCode() >= 500
		})
	if opts.APIKey != "" {
		client.SetAuthToken(opts.APIKey)
	}

	return &HTTPMailer{
		client:   client,
		endpoint: opts.Endpoint,
		log:      opts.Logger.With().Str("component", "mailer").Logger(),
	}, nil
}

// Send posts msg to the provider.
func (m *HTTPMailer) Send(ctx context.Context, msg Outbound) (*Receipt, error) {
	var result sendResponse
	resp, err := m.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Idempotency-Key", msg.MessageID).
		SetBody(msg).
		SetResult(&result).
		Post(m.endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if resp.IsError() {
		m.log.Warn().
			Int("status", resp.StatusCode()).
			Str("conversation_id", msg.ConversationID).
			Msg("mail provider rejected message")
		return nil, fmt.Errorf("%w: provider returned status %d: %s", ErrSendFailed, resp.StatusCode(), resp.String())
	}

	return &Receipt{ProviderMessageID: result.MessageID, SentAt: time.Now()}, nil
}
