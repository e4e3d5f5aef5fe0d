package server

import (
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	auth := middleware.AuthMiddleware

	// Query routes
	e.POST("/query", routes.QueryHandler, auth)
	e.POST("/query/stream", routes.QueryStreamHandler, auth)
	e.POST("/query/data", routes.QueryDataHandler, auth)
	e.POST("/query/naive", routes.NaiveQueryHandler, auth)

	// Invalidation routes
	e.DELETE("/scopes/:token", routes.DeleteScopeHandler, auth)
	e.DELETE("/scopes", routes.DeleteScopesHandler, auth, middleware.RequireUnscoped)
	e.DELETE("/cache/:namespace", routes.DeleteCacheHandler, auth, middleware.RequireUnscoped)
}
