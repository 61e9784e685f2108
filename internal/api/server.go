// Package api is the HTTP surface of parley: provider webhooks, the
// operator approval queue and conversation projections.
package api

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/zulandar/parley/internal/negotiation"
)

// Service is the orchestrator surface the handlers call.
type Service interface {
	IngestInbound(ctx context.Context, in negotiation.InboundMessage) (negotiation.IngestResult, error)
	ConfirmDelivery(ctx context.Context, r negotiation.DeliveryReport) (string, error)
	ReportDownstreamEvent(ctx context.Context, conversationID, event string) (string, error)
	StartOutreach(ctx context.Context, req negotiation.OutreachRequest) (negotiation.OutreachResult, error)
	GetConversationState(ctx context.Context, conversationID string) (*negotiation.ConversationState, error)
	OverrideStage(ctx context.Context, req negotiation.OverrideRequest) (string, error)
	RetryContractRequest(ctx context.Context, conversationID string) (string, error)
	RetryPaymentRequest(ctx context.Context, conversationID string) error
	ListPendingApprovals(ctx context.Context) ([]negotiation.ApprovalSummary, error)
	ResolveApproval(ctx context.Context, req negotiation.ResolveRequest) (negotiation.ResolveResult, error)
}

// StartOpts holds configuration for the API server.
type StartOpts struct {
	Service       Service
	Port          int
	WebhookSecret string // empty disables signature checks
	Logger        zerolog.Logger
	Out           io.Writer
}

// NewRouter builds the gin engine with every route registered.
func NewRouter(opts StartOpts) (*gin.Engine, error) {
	if opts.Service == nil {
		return nil, fmt.Errorf("api: service is required")
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), observe(opts.Logger.With().Str("component", "api").Logger()))
	registerRoutes(router, opts.Service, opts.WebhookSecret)
	return router, nil
}

// Start launches the API server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func Start(ctx context.Context, opts StartOpts) error {
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	router, err := NewRouter(opts)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", opts.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if opts.Out != nil {
		fmt.Fprintf(opts.Out, "API listening on http://localhost:%d\n", opts.Port)
	}

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}
