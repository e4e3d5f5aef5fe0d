package middleware

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

var ErrScopeMismatch = errors.New("requested scope does not match token scope")

// EffectiveScope applies the token's scope claim to a requested scope. A
// missing request scope is filled from the claim; a different one is
// rejected.
func EffectiveScope(c echo.Context, requested string) (string, error) {
	claim := c.(*AppContext).ScopeClaim
	switch {
	case claim == "":
		return requested, nil
	case requested == "":
		return claim, nil
	case requested != claim:
		return "", ErrScopeMismatch
	default:
		return requested, nil
	}
}

// RequireUnscoped rejects callers whose token is bound to a scope.
func RequireUnscoped(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.(*AppContext).ScopeClaim != "" {
			return c.JSON(http.StatusForbidden, map[string]string{"message": "Forbidden: scoped tokens cannot perform this operation"})
		}
		return next(c)
	}
}
