package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"recap/internal/models"
	"recap/internal/sessions"
	"recap/internal/storage"
	"recap/internal/worker"
)

// recentPendingLimit はワーカー診断に含める待機中ジョブの件数
const recentPendingLimit = 5

// WorkerControl はワーカープールの診断と再投入の窓口
type WorkerControl interface {
	Stats() worker.Stats
	RequeuePending(ctx context.Context) (int, error)
}

// HealthHandler は運用向けの診断・復旧エンドポイントのハンドラー
type HealthHandler struct {
	worker WorkerControl
	jobs   *storage.JobRepository
	svc    *sessions.Service
	aiMode string
	logger *slog.Logger
}

// NewHealthHandler は新しいHealthHandlerを作成
func NewHealthHandler(w WorkerControl, jobs *storage.JobRepository, svc *sessions.Service, aiMode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{worker: w, jobs: jobs, svc: svc, aiMode: aiMode, logger: logger}
}

// WorkerHealth はワーカー診断のレスポンス
type WorkerHealth struct {
	Worker            worker.Stats               `json:"worker"`
	AIMode            string                     `json:"ai_mode"`
	HasAIKey          bool                       `json:"has_ai_key"`
	JobCounts         map[models.JobStatus]int64 `json:"job_counts"`
	RecentPendingJobs []models.Job               `json:"recent_pending_jobs"`
}

// Worker はワーカーとキューの状態を返す
// GET /health/worker
func (h *HealthHandler) Worker(c echo.Context) error {
	ctx := c.Request().Context()
	counts, err := h.jobs.CountByStatus(ctx)
	if err != nil {
		h.logger.Error("count jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	pending, err := h.jobs.List(ctx, storage.JobListOptions{Status: models.JobStatusPending, Limit: recentPendingLimit})
	if err != nil {
		h.logger.Error("list pending jobs", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, WorkerHealth{
		Worker:            h.worker.Stats(),
		AIMode:            h.aiMode,
		HasAIKey:          h.aiMode == "gemini",
		JobCounts:         counts,
		RecentPendingJobs: pending,
	})
}

// RequeuePending は待機中ジョブをディスパッチキューに積み直す
// POST /health/requeue-pending
func (h *HealthHandler) RequeuePending(c echo.Context) error {
	n, err := h.worker.RequeuePending(c.Request().Context())
	if err != nil {
		h.logger.Error("requeue pending", "error", err)
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]int{"requeued": n})
}

// RetriggerSummaries は文字起こしか要約が欠けたセッションを再処理する
// POST /health/retrigger-summaries?session_ids=1,2&limit=10
func (h *HealthHandler) RetriggerSummaries(c echo.Context) error {
	var ids []int64
	if raw := c.QueryParam("session_ids"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				return badRequest(c, "invalid session_ids")
			}
			ids = append(ids, id)
		}
	}
	queued, err := h.svc.Reprocess(c.Request().Context(), ids, queryInt(c, "limit", 10))
	if err != nil {
		h.logger.Error("retrigger summaries", "error", err, "queued", len(queued))
		return c.JSON(http.StatusInternalServerError, map[string]any{"error": err.Error(), "queued": queued})
	}
	return c.JSON(http.StatusOK, map[string]any{"count": len(queued), "queued": queued})
}
