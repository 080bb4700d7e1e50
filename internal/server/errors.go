package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	balancedomain "github.com/forgeapp/meterd/internal/balance/domain"
	consumptiondomain "github.com/forgeapp/meterd/internal/consumption/domain"
	ledgerdomain "github.com/forgeapp/meterd/internal/ledger/domain"
	quotadomain "github.com/forgeapp/meterd/internal/quota/domain"
	"github.com/forgeapp/meterd/pkg/db"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if isValidationError(err) {
		code := err.Error()
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: "invalid value",
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrConflict),
		errors.Is(err, consumptiondomain.ErrDuplicateCredit),
		db.IsDuplicateKeyErr(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, consumptiondomain.ErrInvalidUser),
		errors.Is(err, consumptiondomain.ErrInvalidAmount),
		errors.Is(err, consumptiondomain.ErrInvalidIdempotencyKey),
		errors.Is(err, consumptiondomain.ErrInvalidOperationType),
		errors.Is(err, consumptiondomain.ErrInvalidSource),
		errors.Is(err, consumptiondomain.ErrInvalidActor),
		errors.Is(err, consumptiondomain.ErrInvalidUpstreamEvent),
		errors.Is(err, quotadomain.ErrInvalidUser),
		errors.Is(err, quotadomain.ErrInvalidAmount),
		errors.Is(err, quotadomain.ErrInvalidIdempotencyKey),
		errors.Is(err, quotadomain.ErrUnknownMetric),
		errors.Is(err, quotadomain.ErrInvalidActor),
		errors.Is(err, ledgerdomain.ErrInvalidTimeRange),
		errors.Is(err, balancedomain.ErrNegativeSeconds),
		errors.Is(err, balancedomain.ErrInvalidSource):
		return true
	default:
		return false
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	if code == "unknown_metric" {
		return "metric"
	}
	return ""
}
