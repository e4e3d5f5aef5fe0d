package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/bootstrap"
	mid "github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/go-playground/validator"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

// New builds the echo instance with middleware and routes.
func New(app *mid.App, bodyLimit string) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = &CustomValidator{validator: validator.New()}

	e.Use(mid.RequestID())
	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit(bodyLimit))

	RegisterRoutes(e)
	return e
}

// Init serves the API until ctx is done and then shuts down gracefully.
func Init(ctx context.Context, a *bootstrap.App, publisher mid.Invalidations) error {
	cfg := a.Config

	app := &mid.App{
		Engine:     a.Engine,
		Defaults:   cfg.Default,
		Scopes:     a.Scopes,
		Caches:     a.Caches,
		Publisher:  publisher,
		ScopeClaim: cfg.Auth.ScopeClaim,
	}

	if cfg.Auth.JWKSURL != "" {
		k, err := keyfunc.NewDefaultCtx(ctx, []string{cfg.Auth.JWKSURL})
		if err != nil {
			return err
		}
		app.Key = k.Keyfunc
		logger.Info("Bearer authentication enabled", "jwks", cfg.Auth.JWKSURL)
	}

	e := New(app, cfg.BodyLimit)

	errCh := make(chan error, 1)
	go func() {
		port := strconv.Itoa(cfg.Port)
		logger.Info("Starting server", "port", port)
		if err := e.Start(":" + port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
		return err
	}
	return nil
}
