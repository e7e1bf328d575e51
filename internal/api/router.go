package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and
// middleware (spec.md §6).
func SetupRouter(handler *Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = notFoundHandler

	e.Pre(middleware.RemoveTrailingSlash())

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET"},
		AllowHeaders: []string{"Content-Type"},
	}))
	e.Use(RequestLogger())

	e.GET("/", handler.HandleRoot)
	e.GET("/pair", handler.HandlePair)
	e.GET("/health", handler.HandleHealth)
	e.GET("/connect", handler.HandleConnect)

	return e
}

// notFoundHandler replaces echo's default JSON error body (used for both
// unmatched routes and method mismatches on known routes) with the flat
// "404, text/plain, Not found" response spec.md §6 requires for any other
// path or method.
func notFoundHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	if writeErr := c.String(http.StatusNotFound, "Not found"); writeErr != nil {
		c.Logger().Error(writeErr)
	}
}
