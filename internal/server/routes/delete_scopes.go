package routes

import (
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/labstack/echo/v4"
)

// DeleteScopeHandler drops one cached scope so the next query reloads it.
// Scoped callers may only invalidate their own scope.
func DeleteScopeHandler(c echo.Context) error {
	cc := c.(*middleware.AppContext)
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Missing scope token"})
	}
	if cc.ScopeClaim != "" && cc.ScopeClaim != token {
		return writeError(c, middleware.ErrScopeMismatch)
	}
	if cc.App.Scopes == nil {
		return c.JSON(http.StatusServiceUnavailable, messageResponse{Message: "Scopes are not configured"})
	}

	ctx := c.Request().Context()
	if err := cc.App.Scopes.Invalidate(ctx, token); err != nil {
		logger.Error("Failed to invalidate scope", "scope", token, "err", err)
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to invalidate scope"})
	}
	if p := cc.App.Publisher; p != nil {
		if err := p.InvalidateScope(ctx, token); err != nil {
			logger.Error("Failed to publish scope invalidation", "scope", token, "err", err)
		}
	}

	return c.JSON(http.StatusOK, messageResponse{Message: "Scope invalidated"})
}

// DeleteScopesHandler drops every cached scope.
func DeleteScopesHandler(c echo.Context) error {
	cc := c.(*middleware.AppContext)
	if cc.App.Scopes == nil {
		return c.JSON(http.StatusServiceUnavailable, messageResponse{Message: "Scopes are not configured"})
	}

	ctx := c.Request().Context()
	if err := cc.App.Scopes.InvalidateAll(ctx); err != nil {
		logger.Error("Failed to invalidate scopes", "err", err)
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to invalidate scopes"})
	}
	if p := cc.App.Publisher; p != nil {
		if err := p.InvalidateAllScopes(ctx); err != nil {
			logger.Error("Failed to publish scope invalidation", "err", err)
		}
	}

	return c.JSON(http.StatusOK, messageResponse{Message: "Scopes invalidated"})
}
