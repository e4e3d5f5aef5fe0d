package routes

import (
	"context"
	"net/http"
	"strings"

	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/middleware"
	"github.com/OFFIS-RIT/kiwi/retrieval/internal/server/util"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/logger"
	"github.com/OFFIS-RIT/kiwi/retrieval/pkg/query"

	"github.com/labstack/echo/v4"
)

type queryRequest struct {
	Query string `json:"query" validate:"required"`
	query.Param
}

// bindQuery decodes the body over the configured defaults and applies the
// caller's scope claim.
func bindQuery(c echo.Context) (*queryRequest, error) {
	app := c.(*middleware.AppContext).App

	data := &queryRequest{Param: app.Defaults}
	if err := c.Bind(data); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	data.Query = strings.TrimSpace(data.Query)
	if err := c.Validate(data); err != nil {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	mode, err := query.ParseMode(string(data.Mode))
	if err != nil {
		return nil, err
	}
	data.Mode = mode

	data.Scope, err = middleware.EffectiveScope(c, strings.TrimSpace(data.Scope))
	if err != nil {
		return nil, err
	}
	return data, nil
}

func handleBindError(c echo.Context, err error) error {
	if he, ok := err.(*echo.HTTPError); ok {
		msg, _ := he.Message.(string)
		return c.JSON(he.Code, messageResponse{Message: msg})
	}
	return writeError(c, err)
}

// QueryHandler answers a query with the full pipeline.
func QueryHandler(c echo.Context) error {
	data, err := bindQuery(c)
	if err != nil {
		return handleBindError(c, err)
	}

	engine := c.(*middleware.AppContext).App.Engine
	resp, err := engine.Query(c.Request().Context(), data.Query, data.Param)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

// QueryDataHandler returns the retrieved context without generating an
// answer.
func QueryDataHandler(c echo.Context) error {
	data, err := bindQuery(c)
	if err != nil {
		return handleBindError(c, err)
	}

	engine := c.(*middleware.AppContext).App.Engine
	resp, err := engine.QueryData(c.Request().Context(), data.Query, data.Param)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}

type streamStep struct {
	Step string `json:"step"`
}

type streamContent struct {
	Content   string `json:"content"`
	Reasoning string `json:"reasoning,omitempty"`
}

type streamDone struct {
	Mode query.Mode `json:"mode"`
}

// QueryStreamHandler streams the answer as server-sent events: "step" while
// retrieving and generating, "content" for every chunk, then "done" or
// "error".
func QueryStreamHandler(c echo.Context) error {
	data, err := bindQuery(c)
	if err != nil {
		return handleBindError(c, err)
	}

	ctx, cancel := context.WithCancel(c.Request().Context())
	defer cancel()

	engine := c.(*middleware.AppContext).App.Engine
	events, err := engine.QueryStream(ctx, data.Query, data.Param)
	if err != nil {
		return writeError(c, err)
	}

	util.StartSSE(c)
	for ev := range events {
		var werr error
		switch ev.Type {
		case "step":
			werr = util.WriteSSEEvent(c, "step", streamStep{Step: ev.Step})
		case "content":
			werr = util.WriteSSEEvent(c, "content", streamContent{Content: ev.Content, Reasoning: ev.Reasoning})
		case "error":
			logger.Error("Query stream failed", "mode", data.Mode, "err", ev.Content)
			status, msg := statusFor(streamError(ev.Content))
			_ = util.WriteSSEEvent(c, "error", map[string]any{"status": status, "message": msg})
			return nil
		}
		if werr != nil {
			logger.Debug("Client left query stream", "err", werr)
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return util.WriteSSEEvent(c, "done", streamDone{Mode: data.Mode})
}

type naiveRequest struct {
	Query     string `json:"query" validate:"required"`
	ChunkTopK int    `json:"chunk_top_k" validate:"required,min=1,max=50"`
	Scope     string `json:"scope"`
}

// NaiveQueryHandler returns the top passages for a query, rendered as
// numbered sources.
func NaiveQueryHandler(c echo.Context) error {
	app := c.(*middleware.AppContext).App

	data := &naiveRequest{ChunkTopK: min(max(app.Defaults.ChunkTopK, 1), 50)}
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
	}
	data.Query = strings.TrimSpace(data.Query)
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, messageResponse{Message: "Invalid request body"})
	}
	scopeToken, err := middleware.EffectiveScope(c, strings.TrimSpace(data.Scope))
	if err != nil {
		return writeError(c, err)
	}

	res, err := app.Engine.Naive(c.Request().Context(), data.Query, data.ChunkTopK, scopeToken)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, res)
}
