package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"recap/internal/export"
	"recap/internal/models"
	"recap/internal/storage"
)

// JobHandler はジョブAPIのハンドラー。どのエンドポイントも呼び出したユーザーのセッションのジョブだけを扱う
type JobHandler struct {
	repo   *storage.JobRepository
	export *export.Service
	logger *slog.Logger
}

// NewJobHandler は新しいJobHandlerを作成
func NewJobHandler(repo *storage.JobRepository, exp *export.Service, logger *slog.Logger) *JobHandler {
	return &JobHandler{repo: repo, export: exp, logger: logger}
}

func (h *JobHandler) listOptions(c echo.Context) (storage.JobListOptions, error) {
	opts := storage.JobListOptions{
		Status: models.JobStatus(c.QueryParam("status")),
		UserID: userID(c),
		Limit:  queryInt(c, "limit", 50),
		Offset: queryInt(c, "offset", 0),
	}
	if s := c.QueryParam("session_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return opts, fmt.Errorf("invalid session_id")
		}
		opts.SessionID = id
	}
	switch opts.Status {
	case "", models.JobStatusPending, models.JobStatusProcessing, models.JobStatusCompleted, models.JobStatusFailed:
	default:
		return opts, fmt.Errorf("unknown status %q", opts.Status)
	}
	return opts, nil
}

// List はジョブ一覧を取得
// GET /api/jobs
func (h *JobHandler) List(c echo.Context) error {
	opts, err := h.listOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	jobs, err := h.repo.List(c.Request().Context(), opts)
	if err != nil {
		h.logger.Error("list jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, jobs)
}

// Get はジョブを取得
// GET /api/jobs/:id
func (h *JobHandler) Get(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	job, err := h.repo.GetForUser(c.Request().Context(), id, userID(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if job == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}
	return c.JSON(http.StatusOK, job)
}

// Stats はジョブ統計を取得
// GET /api/jobs/stats
func (h *JobHandler) Stats(c echo.Context) error {
	counts, err := h.repo.CountByStatusForUser(c.Request().Context(), userID(c))
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	stats := map[string]int64{
		string(models.JobStatusPending):    0,
		string(models.JobStatusProcessing): 0,
		string(models.JobStatusCompleted):  0,
		string(models.JobStatusFailed):     0,
	}
	for status, n := range counts {
		stats[string(status)] = n
	}
	return c.JSON(http.StatusOK, stats)
}

// Export はジョブ一覧をXLSXで返す
// GET /api/jobs/export
func (h *JobHandler) Export(c echo.Context) error {
	opts, err := h.listOptions(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	if c.QueryParam("limit") == "" {
		opts.Limit = -1
	}
	data, err := h.export.JobsXLSX(c.Request().Context(), opts)
	if err != nil {
		h.logger.Error("export jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	name := fmt.Sprintf("jobs-%s.xlsx", time.Now().UTC().Format("20060102-150405"))
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", name))
	return c.Blob(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", data)
}
