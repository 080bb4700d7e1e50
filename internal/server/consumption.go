package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	consumptiondomain "github.com/forgeapp/meterd/internal/consumption/domain"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
)

type consumeRequest struct {
	UserID         string     `json:"user_id"`
	Seconds        int64      `json:"seconds"`
	IdempotencyKey string     `json:"idempotency_key"`
	OperationType  string     `json:"operation_type"`
	RecordedAt     *time.Time `json:"recorded_at"`
}

func (s *Server) Consume(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	domainReq := consumptiondomain.ConsumeRequest{
		UserID:         req.UserID,
		Seconds:        req.Seconds,
		IdempotencyKey: req.IdempotencyKey,
		OperationType:  req.OperationType,
	}
	if req.RecordedAt != nil {
		domainReq.RecordedAt = *req.RecordedAt
	}

	result, err := s.consumptionSvc.Consume(c.Request.Context(), domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type precheckRequest struct {
	UserID  string `json:"user_id"`
	Seconds int64  `json:"seconds"`
}

func (s *Server) Precheck(c *gin.Context) {
	var req precheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.consumptionSvc.Precheck(c.Request.Context(), req.UserID, req.Seconds)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type creditRequest struct {
	UserID          string     `json:"user_id"`
	Source          string     `json:"source"`
	BucketSource    string     `json:"bucket_source"`
	Seconds         int64      `json:"seconds"`
	ExpiresAt       *time.Time `json:"expires_at"`
	Reason          string     `json:"reason"`
	Actor           string     `json:"actor"`
	UpstreamEventID string     `json:"upstream_event_id"`
}

func (s *Server) Credit(c *gin.Context) {
	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	entry, err := s.consumptionSvc.Credit(c.Request.Context(), consumptiondomain.CreditRequest{
		UserID:          req.UserID,
		Source:          ledgerdomain.LedgerSourceType(req.Source),
		BucketSource:    balancedomain.BucketSource(req.BucketSource),
		Seconds:         req.Seconds,
		ExpiresAt:       req.ExpiresAt,
		Reason:          req.Reason,
		Actor:           req.Actor,
		UpstreamEventID: req.UpstreamEventID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

func (s *Server) GetBalance(c *gin.Context) {
	bal, err := s.consumptionSvc.GetBalance(c.Request.Context(), c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

type historyQuery struct {
	From  string `form:"from"`
	To    string `form:"to"`
	Limit int    `form:"limit"`
}

func (q historyQuery) toRequest(userID string) (ledgerdomain.HistoryRequest, error) {
	req := ledgerdomain.HistoryRequest{UserID: userID, Limit: q.Limit}
	if v := strings.TrimSpace(q.From); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, newValidationError("from", "invalid_from", "invalid from")
		}
		req.From = parsed
	}
	if v := strings.TrimSpace(q.To); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return req, newValidationError("to", "invalid_to", "invalid to")
		}
		req.To = parsed
	}
	return req, nil
}

func (s *Server) ListConsumptions(c *gin.Context) {
	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req, err := query.toRequest(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	records, err := s.consumptionSvc.ConsumptionHistory(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": records})
}

func (s *Server) ListLedgerEntries(c *gin.Context) {
	var query historyQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req, err := query.toRequest(c.Param("user_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	entries, err := s.consumptionSvc.LedgerHistory(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entries})
}
