package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/parley/internal/approval"
	"github.com/zulandar/parley/internal/negotiation"
)

// writeError maps orchestrator errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	var (
		already    *approval.AlreadyResolvedError
		transition *negotiation.TransitionError
	)
	switch {
	case errors.As(err, &already):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "already_resolved",
			"message": err.Error(),
			"status":  already.Status,
			"stage":   already.Stage,
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
			"from":    transition.From,
			"to":      transition.To,
		})
	case errors.Is(err, negotiation.ErrConversationBusy):
		c.JSON(http.StatusConflict, gin.H{"error": "busy", "message": err.Error()})
	case errors.Is(err, negotiation.ErrConversationExists):
		c.JSON(http.StatusConflict, gin.H{"error": "conversation_exists", "message": err.Error()})
	case errors.Is(err, negotiation.ErrConversationNotFound), errors.Is(err, approval.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, negotiation.ErrMalformedInbound):
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed", "message": err.Error()})
	case errors.Is(err, negotiation.ErrInvalidRequest),
		errors.Is(err, negotiation.ErrUnknownEvent),
		errors.Is(err, approval.ErrNoDraft),
		errors.Is(err, approval.ErrEmptySubstitute):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
	case errors.Is(err, negotiation.ErrDeliveryFailed):
		c.JSON(http.StatusBadGateway, gin.H{"error": "delivery_failed", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal", "message": err.Error()})
	}
}
