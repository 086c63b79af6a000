package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/stripesync/internal/webhook/domain"
	"github.com/smallbiznis/stripesync/pkg/db/pagination"
)

type webhookEventResponse struct {
	webhookdomain.ProcessingRecord
	Status webhookdomain.RecordStatus `json:"status"`
}

func newWebhookEventResponse(record webhookdomain.ProcessingRecord) webhookEventResponse {
	return webhookEventResponse{ProcessingRecord: record, Status: record.Status()}
}

func (s *Server) ListWebhookEvents(c *gin.Context) {
	var query struct {
		pagination.Pagination
		Limit    int    `form:"limit"`
		Type     string `form:"type"`
		Status   string `form:"status"`
		HasError string `form:"has_error"`
		From     string `form:"from"`
		To       string `form:"to"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	filter := webhookdomain.ListFilter{
		EventType: strings.TrimSpace(query.Type),
		Page:      query.Pagination,
	}
	if query.Limit > 0 {
		filter.Page.PageSize = query.Limit
	}

	if status := strings.TrimSpace(query.Status); status != "" {
		parsed, ok := webhookdomain.ParseRecordStatus(strings.ToLower(status))
		if !ok {
			AbortWithError(c, newValidationError("status", "invalid_status", "status must be processed, failed or pending"))
			return
		}
		filter.Status = parsed
	}

	hasError, err := parseOptionalBool("has_error", query.HasError)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	filter.HasError = hasError

	filter.From, filter.To, err = parseWindow(query.From, query.To)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.webhookSvc.List(c.Request.Context(), filter)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records := make([]webhookEventResponse, 0, len(resp.Records))
	for _, record := range resp.Records {
		records = append(records, newWebhookEventResponse(record))
	}

	c.JSON(http.StatusOK, gin.H{"data": records, "page_info": resp.PageInfo})
}

func (s *Server) GetWebhookEvent(c *gin.Context) {
	record, err := s.webhookSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": newWebhookEventResponse(*record)})
}

func (s *Server) RetryWebhookEvent(c *gin.Context) {
	eventID := strings.TrimSpace(c.Param("id"))
	c.Set("event_id", eventID)

	outcome, err := s.webhookSvc.Replay(c.Request.Context(), eventID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}

func (s *Server) WebhookEventStats(c *gin.Context) {
	from, to, err := parseWindow(c.Query("from"), c.Query("to"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	stats, err := s.webhookSvc.Stats(c.Request.Context(), valueOrZero(from), valueOrZero(to))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}

func valueOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
