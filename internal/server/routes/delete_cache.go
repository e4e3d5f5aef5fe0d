package routes

import (
	"net/http"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/labstack/echo/v4"
)

// DeleteCacheHandler flushes the keyword or response cache.
func DeleteCacheHandler(c echo.Context) error {
	cc := c.(*middleware.AppContext)
	namespace := c.Param("namespace")

	store, ok := cc.App.Caches[namespace]
	if !ok {
		return c.JSON(http.StatusNotFound, messageResponse{Message: "Unknown cache namespace"})
	}

	ctx := c.Request().Context()
	if err := store.Clear(ctx, ""); err != nil {
		logger.Error("Failed to flush cache", "namespace", namespace, "err", err)
		return c.JSON(http.StatusInternalServerError, messageResponse{Message: "Failed to flush cache"})
	}
	if p := cc.App.Publisher; p != nil {
		if err := p.FlushCache(ctx, namespace); err != nil {
			logger.Error("Failed to publish cache flush", "namespace", namespace, "err", err)
		}
	}

	return c.JSON(http.StatusOK, messageResponse{Message: "Cache flushed"})
}
