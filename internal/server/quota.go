package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	auditdomain "github.com/forgeapp/meterd/internal/audit/domain"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/internal/ratelimit"
)

type quotaConsumeRequest struct {
	UserID         string     `json:"user_id"`
	Metric         string     `json:"metric"`
	Amount         int64      `json:"amount"`
	IdempotencyKey string     `json:"idempotency_key"`
	RecordedAt     *time.Time `json:"recorded_at"`
	Identifier     string     `json:"identifier"`
	IdentifierType string     `json:"identifier_type"`
}

func (s *Server) QuotaConsume(c *gin.Context) {
	var req quotaConsumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	domainReq := quotadomain.ConsumeRequest{
		UserID:         req.UserID,
		Metric:         req.Metric,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Identifier:     req.Identifier,
		IdentifierType: ratelimit.IdentifierType(req.IdentifierType),
	}
	if req.RecordedAt != nil {
		domainReq.RecordedAt = *req.RecordedAt
	}

	result, err := s.quotaSvc.Consume(c.Request.Context(), domainReq)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if result.DenialReason == quotadomain.DenialRateLimited {
		c.Header("Retry-After", strconv.FormatInt(int64(result.RetryAfter/time.Second)+1, 10))
		c.JSON(http.StatusTooManyRequests, result)
		return
	}
	c.JSON(http.StatusOK, result)
}

type quotaGrantRequest struct {
	UserID    string     `json:"user_id"`
	Metric    string     `json:"metric"`
	Amount    int64      `json:"amount"`
	ExpiresAt *time.Time `json:"expires_at"`
	Reason    string     `json:"reason"`
	Actor     string     `json:"actor"`
}

func (s *Server) QuotaGrant(c *gin.Context) {
	var req quotaGrantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	grant, err := s.quotaSvc.Grant(c.Request.Context(), quotadomain.GrantRequest{
		UserID:    req.UserID,
		Metric:    req.Metric,
		Amount:    req.Amount,
		ExpiresAt: req.ExpiresAt,
		Reason:    req.Reason,
		Actor:     req.Actor,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, grant)
}

func (s *Server) QuotaUsage(c *gin.Context) {
	view, err := s.quotaSvc.Usage(c.Request.Context(), c.Param("user_id"), c.Param("metric"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type listAuditLogsQuery struct {
	Action string `form:"action"`
	Limit  int    `form:"limit"`
}

func (s *Server) ListAuditLogs(c *gin.Context) {
	var query listAuditLogsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	logs, err := s.auditSvc.List(c.Request.Context(), auditdomain.ListRequest{
		UserID: c.Param("user_id"),
		Action: strings.TrimSpace(query.Action),
		Limit:  query.Limit,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": logs})
}
