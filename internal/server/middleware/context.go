package middleware

import (
	"context"

	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/cache"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// ScopeInvalidator drops cached scopes. *scope.Resolver implements it.
type ScopeInvalidator interface {
	Invalidate(ctx context.Context, token string) error
	InvalidateAll(ctx context.Context) error
}

// Invalidations fans invalidations out to other instances. *queue.Publisher
// implements it.
type Invalidations interface {
	InvalidateScope(ctx context.Context, token string) error
	InvalidateAllScopes(ctx context.Context) error
	FlushCache(ctx context.Context, namespace string) error
}

type App struct {
	Engine   query.Querier
	Defaults query.Param

	Scopes ScopeInvalidator
	Caches map[string]cache.Cache
	// Publisher is nil when no broker is configured.
	Publisher Invalidations

	// Key verifies bearer tokens. Authentication is disabled when nil.
	Key        jwt.Keyfunc
	ScopeClaim string
}

type AppContext struct {
	echo.Context
	App *App
	// ScopeClaim is the scope bound to the caller's token, if any.
	ScopeClaim string
	Subject    string
}

func AppContextMiddleware(app *App) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			cc := &AppContext{Context: c, App: app}
			return next(cc)
		}
	}
}
