// Package handlers exposes the JSON API over echo.
package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"recap/internal/sessions"
	"recap/internal/version"
)

// UserHeader carries the authenticated user id set by the fronting proxy
const UserHeader = "X-User-ID"

// Register mounts every route on e
func Register(e *echo.Echo, hh *HealthHandler, sh *SessionHandler, jh *JobHandler) {
	e.GET("/health", Health)
	e.GET("/health/worker", hh.Worker)
	e.POST("/health/requeue-pending", hh.RequeuePending)
	e.POST("/health/retrigger-summaries", hh.RetriggerSummaries)

	api := e.Group("/api")

	s := api.Group("/sessions", requireUser)
	s.POST("", sh.Create)
	s.GET("", sh.List)
	s.GET("/:id", sh.Get)
	s.PATCH("/:id", sh.Update)
	s.DELETE("/:id", sh.Delete)
	s.GET("/:id/diagnostics", sh.Diagnostics)
	s.GET("/:id/messages", sh.Messages)
	s.POST("/:id/messages", sh.PostMessage)

	j := api.Group("/jobs", requireUser)
	j.GET("", jh.List)
	j.GET("/stats", jh.Stats)
	j.GET("/export", jh.Export)
	j.GET("/:id", jh.Get)
}

// Health reports liveness
func Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

const userKey = "user_id"

// requireUser rejects requests without a numeric user header
func requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		id, err := strconv.ParseInt(c.Request().Header.Get(UserHeader), 10, 64)
		if err != nil || id <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing or invalid " + UserHeader})
		}
		c.Set(userKey, id)
		return next(c)
	}
}

func userID(c echo.Context) int64 {
	id, _ := c.Get(userKey).(int64)
	return id
}

var errInvalidID = errors.New("invalid id")

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, errInvalidID
	}
	return id, nil
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, map[string]string{"error": msg})
}

func queryInt(c echo.Context, name string, def int) int {
	if v := c.QueryParam(name); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

// serviceError maps service errors to responses
func serviceError(c echo.Context, logger *slog.Logger, err error) error {
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
	case errors.Is(err, sessions.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, sessions.ErrNoTranscript):
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	logger.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}
