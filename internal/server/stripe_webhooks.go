package server

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) HandleStripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	outcome, err := s.webhookSvc.Handle(c.Request.Context(), payload, c.GetHeader("Stripe-Signature"))
	if outcome != nil {
		c.Set("event_id", outcome.EventID)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":  true,
		"event_id":  outcome.EventID,
		"duplicate": outcome.Duplicate,
	})
}
