package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func unauthorized(c echo.Context) error {
	return c.JSON(http.StatusUnauthorized, map[string]string{"message": "Unauthorized"})
}

// AuthMiddleware verifies the bearer token when a key is configured and
// records the scope claim on the context.
func AuthMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		cc := c.(*AppContext)
		if cc.App.Key == nil {
			return next(c)
		}

		authHeader := c.Request().Header.Get("Authorization")
		token, ok := strings.CutPrefix(authHeader, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			return unauthorized(c)
		}

		parsed, err := jwt.Parse(strings.TrimSpace(token), cc.App.Key)
		if err != nil || !parsed.Valid {
			return unauthorized(c)
		}

		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			return unauthorized(c)
		}

		if cc.App.ScopeClaim != "" {
			if s, ok := claims[cc.App.ScopeClaim].(string); ok {
				cc.ScopeClaim = strings.TrimSpace(s)
			}
		}
		cc.Subject, _ = claims.GetSubject()

		return next(c)
	}
}
