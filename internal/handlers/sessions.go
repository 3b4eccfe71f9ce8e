package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"recap/internal/sessions"
)

// SessionHandler はセッションAPIのハンドラー
type SessionHandler struct {
	svc    *sessions.Service
	logger *slog.Logger
}

// NewSessionHandler は新しいSessionHandlerを作成
func NewSessionHandler(svc *sessions.Service, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{svc: svc, logger: logger}
}

// Create は音声をアップロードしてセッションを作成
// POST /api/sessions
func (h *SessionHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "no file uploaded")
	}
	f, err := fh.Open()
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "failed to open file"})
	}
	defer f.Close()

	up := sessions.Upload{
		Filename: fh.Filename,
		Mime:     fh.Header.Get("Content-Type"),
		Title:    c.FormValue("title"),
		Body:     f,
	}
	if d := c.FormValue("duration_sec"); d != "" {
		sec, err := strconv.Atoi(d)
		if err != nil {
			return badRequest(c, "invalid duration_sec")
		}
		up.DurationSec = &sec
	}

	session, job, err := h.svc.Create(ctx, userID(c), up)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusAccepted, map[string]any{
		"session": session,
		"job":     job,
	})
}

// List はセッション一覧を取得
// GET /api/sessions
func (h *SessionHandler) List(c echo.Context) error {
	list, err := h.svc.List(c.Request().Context(), userID(c), queryInt(c, "limit", 20), queryInt(c, "offset", 0))
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, list)
}

// Get はセッション詳細を取得
// GET /api/sessions/:id
func (h *SessionHandler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	d, err := h.svc.Detail(c.Request().Context(), userID(c), id)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, d)
}

type updateRequest struct {
	Title string `json:"title"`
}

// Update はタイトルを変更
// PATCH /api/sessions/:id
func (h *SessionHandler) Update(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req updateRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	session, err := h.svc.Retitle(c.Request().Context(), userID(c), id, req.Title)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, session)
}

// Delete はセッションを削除
// DELETE /api/sessions/:id
func (h *SessionHandler) Delete(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if err := h.svc.Delete(c.Request().Context(), userID(c), id); err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// Diagnostics はセッションのジョブ履歴を取得
// GET /api/sessions/:id/diagnostics
func (h *SessionHandler) Diagnostics(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	jobs, err := h.svc.Diagnostics(c.Request().Context(), userID(c), id)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	resp := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, map[string]any{
			"id":         j.ID,
			"kind":       j.Kind,
			"status":     j.Status,
			"attempts":   j.Attempts,
			"last_error": j.LastError(),
			"updated_at": j.UpdatedAt,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// Messages はチャット履歴を取得
// GET /api/sessions/:id/messages
func (h *SessionHandler) Messages(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	msgs, err := h.svc.Messages(c.Request().Context(), userID(c), id)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, msgs)
}

type chatRequest struct {
	Message string `json:"message"`
}

// PostMessage は文字起こしについて質問する
// POST /api/sessions/:id/messages
func (h *SessionHandler) PostMessage(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	var req chatRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	user, assistant, err := h.svc.Chat(c.Request().Context(), userID(c), id, req.Message)
	if err != nil {
		return serviceError(c, h.logger, err)
	}
	return c.JSON(http.StatusOK, map[string]any{
		"user":      user,
		"assistant": assistant,
	})
}
