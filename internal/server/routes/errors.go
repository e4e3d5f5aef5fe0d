package routes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/scope"

	"github.com/labstack/echo/v4"
)

type messageResponse struct {
	Message string `json:"message"`
}

// statusFor maps pipeline errors onto HTTP status codes.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, query.ErrInvalidParam):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, middleware.ErrScopeMismatch):
		return http.StatusForbidden, "Forbidden: scope mismatch"
	case errors.Is(err, scope.ErrUnknownScope):
		return http.StatusForbidden, "Forbidden: unknown scope"
	case errors.Is(err, scope.ErrScopeUnavailable):
		return http.StatusServiceUnavailable, "Scope service unavailable"
	case errors.Is(err, query.ErrGenerationFailed):
		return http.StatusBadGateway, "Answer generation failed"
	case errors.Is(err, query.ErrRetrievalDegraded):
		return http.StatusBadGateway, "Retrieval unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Query timed out"
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

func writeError(c echo.Context, err error) error {
	status, msg := statusFor(err)
	if status >= http.StatusInternalServerError {
		logger.Error("Query failed", "status", status, "path", c.Path(), "err", err)
	} else {
		logger.Debug("Query rejected", "status", status, "path", c.Path(), "err", err)
	}
	return c.JSON(status, messageResponse{Message: msg})
}

// streamError recovers the sentinel from the text of a stream error event.
func streamError(msg string) error {
	for _, sentinel := range []error{query.ErrGenerationFailed, query.ErrRetrievalDegraded, query.ErrInvalidParam} {
		if strings.HasPrefix(msg, sentinel.Error()) {
			return fmt.Errorf("%w: %s", sentinel, strings.TrimPrefix(msg, sentinel.Error()+": "))
		}
	}
	return errors.New(msg)
}
