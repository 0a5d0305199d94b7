package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/deesec/internal/audit"
	"github.com/jmerrifield20/deesec/internal/ledger"
	"go.uber.org/zap"
)

// Error codes carried in the "code" field of every error body.
const (
	CodeInvalidInput    = "invalid_input"
	CodeNotFound        = "not_found"
	CodeUnauthorized    = "unauthorized"
	CodeUnauthenticated = "unauthenticated"
	CodeInternal        = "internal"
)

// ErrorBody is the JSON body of every non-2xx API response.
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps a core error onto an HTTP status and error code.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ledger.ErrInvalidInput):
		return http.StatusBadRequest, CodeInvalidInput
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, audit.ErrNotFound):
		return http.StatusNotFound, CodeNotFound
	case errors.Is(err, ledger.ErrUnauthorized):
		return http.StatusForbidden, CodeUnauthorized
	case errors.Is(err, ledger.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated
	default:
		return http.StatusInternalServerError, CodeInternal
	}
}

func writeError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error(op, zap.Error(err))
		msg = "internal error"
	}
	c.JSON(status, ErrorBody{Error: msg, Code: code})
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, ErrorBody{Error: msg, Code: CodeInvalidInput})
}
