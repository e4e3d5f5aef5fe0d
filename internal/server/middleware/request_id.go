package middleware

import (
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// RequestID tags every request with a nanoid in X-Request-ID unless the
// caller already sent one.
func RequestID() echo.MiddlewareFunc {
	return middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string {
			id, err := gonanoid.New()
			if err != nil {
				logger.Warn("Failed to generate request id", "err", err)
				return ""
			}
			return id
		},
	})
}
