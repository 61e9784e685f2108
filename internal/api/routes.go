package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/metrics"
	"github.com/zulandar/parley/internal/negotiation"
)

// registerRoutes sets up all API routes on the Gin router.
func registerRoutes(router *gin.Engine, svc Service, secret string) {
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

	hooks := router.Group("/webhooks")
	if secret != "" {
		hooks.Use(verifySignature(secret))
	}
	hooks.POST("/inbound", handleInbound(svc))
	hooks.POST("/delivery", handleDelivery(svc))
	hooks.POST("/downstream", handleDownstream(svc))

	router.POST("/conversations", handleOutreach(svc))
	router.GET("/conversations/:id", handleConversation(svc))
	router.POST("/conversations/:id/override", handleOverride(svc))
	router.POST("/conversations/:id/retry-contract", handleRetryContract(svc))
	router.POST("/conversations/:id/retry-payment", handleRetryPayment(svc))

	router.GET("/approvals", handleApprovals(svc))
	router.POST("/approvals/:id/resolve", handleResolve(svc))
}

// detached keeps orchestrator work running if the caller disconnects
// mid-cycle; a half-finished cycle would otherwise wait for the sweeper.
func detached(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

type inboundRequest struct {
	CampaignID        string    `json:"campaignId"`
	CreatorID         string    `json:"creatorId"`
	ProviderMessageID string    `json:"providerMessageId"`
	SenderAddress     string    `json:"senderAddress"`
	Subject           string    `json:"subject"`
	BodyText          string    `json:"bodyText"`
	Attachments       []string  `json:"attachments"`
	ThreadRef         string    `json:"threadRef"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

func handleInbound(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req inboundRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		res, err := svc.IngestInbound(detached(c), negotiation.InboundMessage{
			CampaignID:        req.CampaignID,
			CreatorID:         req.CreatorID,
			ProviderMessageID: req.ProviderMessageID,
			SenderAddress:     req.SenderAddress,
			Subject:           req.Subject,
			BodyText:          req.BodyText,
			Attachments:       req.Attachments,
			ThreadRef:         req.ThreadRef,
			ReceivedAt:        req.ReceivedAt,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"accepted":       res.Accepted,
			"duplicate":      res.Duplicate,
			"stage":          res.Stage,
			"conversationId": res.ConversationID,
		})
	}
}

type deliveryRequest struct {
	ConversationID    string `json:"conversationId"`
	ProviderMessageID string `json:"providerMessageId"`
	Status            string `json:"status"`
	Detail            string `json:"detail"`
}

func handleDelivery(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req deliveryRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		stage, err := svc.ConfirmDelivery(detached(c), negotiation.DeliveryReport{
			ConversationID:    req.ConversationID,
			ProviderMessageID: req.ProviderMessageID,
			Status:            req.Status,
			Detail:            req.Detail,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stage": stage})
	}
}

type downstreamRequest struct {
	ConversationID string `json:"conversationId" binding:"required"`
	Event          string `json:"event" binding:"required"`
}

func handleDownstream(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req downstreamRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		stage, err := svc.ReportDownstreamEvent(detached(c), req.ConversationID, req.Event)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stage": stage})
	}
}

type outreachRequest struct {
	CampaignID     string `json:"campaignId"`
	CreatorID      string `json:"creatorId"`
	CreatorAddress string `json:"creatorAddress"`
	Subject        string `json:"subject"`
	Body           string `json:"body"`
	ThreadRef      string `json:"threadRef"`
}

func handleOutreach(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req outreachRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		res, err := svc.StartOutreach(detached(c), negotiation.OutreachRequest{
			CampaignID:     req.CampaignID,
			CreatorID:      req.CreatorID,
			CreatorAddress: req.CreatorAddress,
			Subject:        req.Subject,
			Body:           req.Body,
			ThreadRef:      req.ThreadRef,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"conversationId": res.ConversationID,
			"messageId":      res.MessageID,
			"stage":          res.Stage,
		})
	}
}

func handleConversation(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		state, err := svc.GetConversationState(c.Request.Context(), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newConversationView(state))
	}
}

type overrideRequest struct {
	Stage  string `json:"stage"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

func handleOverride(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req overrideRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		stage, err := svc.OverrideStage(detached(c), negotiation.OverrideRequest{
			ConversationID: c.Param("id"),
			Stage:          req.Stage,
			Actor:          req.Actor,
			Reason:         req.Reason,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stage": stage})
	}
}

func handleRetryContract(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		stage, err := svc.RetryContractRequest(detached(c), c.Param("id"))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stage": stage})
	}
}

func handleRetryPayment(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.RetryPaymentRequest(detached(c), c.Param("id")); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "requested"})
	}
}

func handleApprovals(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := svc.ListPendingApprovals(c.Request.Context())
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"approvals": items})
	}
}

type resolveRequest struct {
	Decision   string `json:"decision"`
	HumanText  string `json:"humanText"`
	Notes      string `json:"notes"`
	ResolvedBy string `json:"resolvedBy"`
}

func handleResolve(svc Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req resolveRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			abort(c, http.StatusBadRequest, "malformed", err.Error())
			return
		}
		res, err := svc.ResolveApproval(detached(c), negotiation.ResolveRequest{
			ApprovalID: c.Param("id"),
			Decision:   approval.Decision(req.Decision),
			HumanText:  req.HumanText,
			Notes:      req.Notes,
			ResolvedBy: req.ResolvedBy,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"conversationId": res.ConversationID,
			"stage":          res.Stage,
			"outboundSent":   res.OutboundSent,
		})
	}
}
