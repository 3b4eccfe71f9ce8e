package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"recap/internal/models"
)

// ErrJobNotProcessing はジョブが既にprocessingでない（キャンセル済みなど）
var ErrJobNotProcessing = errors.New("job is no longer processing")

// 予約の再選択回数の上限
const maxReserveRounds = 8

// retryNoteMaxLen はリトライ時に記録するエラーの最大長
const retryNoteMaxLen = 200

// CancelledNote はセッション削除によるキャンセル時のメッセージ
const CancelledNote = "Cancelled by user (session deleted)"

// StaleRequeueNote は放置されたジョブを戻した時のメッセージ
const StaleRequeueNote = "Requeued after stale processing"

// ShutdownRequeueNote はシャットダウン時に実行中だったジョブを戻した時のメッセージ
const ShutdownRequeueNote = "Requeued after shutdown interrupted the job"

const jobColumns = "id, kind, session_id, payload, status, attempts, error, created_at, updated_at"

// ownedBy はユーザーのセッションに属するジョブに絞り込む条件
const ownedBy = "session_id IN (SELECT id FROM sessions WHERE user_id = ?)"

// RetryOutcome はFailOrRetryの結果
type RetryOutcome int

const (
	// OutcomeRetry はpendingに戻された
	OutcomeRetry RetryOutcome = iota
	// OutcomeFailed は終端のfailedになった
	OutcomeFailed
	// OutcomeCancelled は処理中にキャンセルされていたので何もしなかった
	OutcomeCancelled
)

func (o RetryOutcome) String() string {
	switch o {
	case OutcomeRetry:
		return "retry"
	case OutcomeFailed:
		return "failed"
	case OutcomeCancelled:
		return "cancelled"
	}
	return "unknown"
}

// JobListOptions はジョブ一覧の検索条件
type JobListOptions struct {
	Status    models.JobStatus
	SessionID int64
	UserID    int64 // 0なら全ユーザー
	Limit     int // 0なら50件、負数なら無制限
	Offset    int
}

// JobRepository はジョブのデータアクセス層
type JobRepository struct {
	db *DB
}

// NewJobRepository は新しいJobRepositoryを作成
func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

// Create は新しいpendingジョブを作成
func (r *JobRepository) Create(ctx context.Context, job *models.Job) error {
	ts := now()
	job.Status = models.JobStatusPending
	job.Attempts = 0
	job.Error = nil
	job.CreatedAt = ts
	job.UpdatedAt = ts

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO jobs (kind, session_id, payload, status, attempts, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
		RETURNING id`),
		string(job.Kind), job.SessionID, job.Payload, string(job.Status), ts, ts,
	).Scan(&job.ID)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Enqueue はセッション向けのジョブを作成
func (r *JobRepository) Enqueue(ctx context.Context, kind models.JobKind, sessionID int64) (*models.Job, error) {
	kind, err := models.ParseJobKind(string(kind))
	if err != nil {
		return nil, err
	}
	job := &models.Job{
		Kind:      kind,
		SessionID: &sessionID,
		Payload:   models.EncodeJobPayload(sessionID),
	}
	if err := r.Create(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// GetByID はIDでジョブを取得
func (r *JobRepository) GetByID(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// ReserveNext は最も古いpendingジョブを予約する（なければnil）
//
// 候補を選んでから status='pending' を条件に更新する。
// 他のワーカーに先を越されて0行だった場合は選び直す。
func (r *JobRepository) ReserveNext(ctx context.Context) (*models.Job, error) {
	for round := 0; round < maxReserveRounds; round++ {
		var id int64
		err := r.db.QueryRowContext(ctx, r.db.Rebind(`
			SELECT id FROM jobs
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1`),
			string(models.JobStatusPending),
		).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("select pending job: %w", err)
		}

		job, err := r.ReserveByID(ctx, id)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// ReserveByID は指定ジョブがまだpendingなら予約する（pendingでなければnil）
func (r *JobRepository) ReserveByID(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`
		UPDATE jobs
		SET status = ?, attempts = attempts + 1, updated_at = ?
		WHERE id = ? AND status = ?
		RETURNING `+jobColumns),
		string(models.JobStatusProcessing), now(), id, string(models.JobStatusPending),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserve job %d: %w", id, err)
	}
	return job, nil
}

// Complete はジョブを完了状態にする
func (r *JobRepository) Complete(ctx context.Context, job *models.Job) error {
	ts := now()
	ok, err := r.transition(ctx, job.ID, models.JobStatusCompleted, nil, ts)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", job.ID, err)
	}
	if !ok {
		return ErrJobNotProcessing
	}
	job.Status = models.JobStatusCompleted
	job.UpdatedAt = ts
	return nil
}

// Fail は試行回数に関係なくジョブを失敗状態にする
func (r *JobRepository) Fail(ctx context.Context, job *models.Job, errorMsg string) error {
	ts := now()
	msg := truncate(errorMsg, models.JobErrorMaxLen)
	ok, err := r.transition(ctx, job.ID, models.JobStatusFailed, &msg, ts)
	if err != nil {
		return fmt.Errorf("fail job %d: %w", job.ID, err)
	}
	if !ok {
		return ErrJobNotProcessing
	}
	job.Status = models.JobStatusFailed
	job.Error = &msg
	job.UpdatedAt = ts
	return nil
}

// FailOrRetry は試行回数が上限未満ならpendingに戻し、そうでなければ失敗状態にする
func (r *JobRepository) FailOrRetry(ctx context.Context, job *models.Job, errorMsg string, maxRetries int) (RetryOutcome, error) {
	ts := now()
	status := models.JobStatusFailed
	msg := truncate(errorMsg, models.JobErrorMaxLen)
	outcome := OutcomeFailed
	if job.Attempts < maxRetries {
		status = models.JobStatusPending
		msg = truncate(fmt.Sprintf("Retry %d/%d: %s", job.Attempts, maxRetries, truncate(errorMsg, retryNoteMaxLen)), models.JobErrorMaxLen)
		outcome = OutcomeRetry
	}

	ok, err := r.transition(ctx, job.ID, status, &msg, ts)
	if err != nil {
		return outcome, fmt.Errorf("record job %d failure: %w", job.ID, err)
	}
	if !ok {
		return OutcomeCancelled, nil
	}
	job.Status = status
	job.Error = &msg
	job.UpdatedAt = ts
	return outcome, nil
}

// transition はprocessing中のジョブだけを遷移させる
func (r *JobRepository) transition(ctx context.Context, id int64, status models.JobStatus, errorMsg *string, ts time.Time) (bool, error) {
	query := `UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`
	args := []any{string(status), ts, id, string(models.JobStatusProcessing)}
	if errorMsg != nil {
		query = `UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ? AND status = ?`
		args = []any{string(status), *errorMsg, ts, id, string(models.JobStatusProcessing)}
	}
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CancelForSession はセッションの未完了ジョブをすべてキャンセル（failed）にする
func (r *JobRepository) CancelForSession(ctx context.Context, sessionID int64) (int64, error) {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE session_id = ? AND status IN (?, ?)`),
		string(models.JobStatusFailed), CancelledNote, now(), sessionID,
		string(models.JobStatusPending), string(models.JobStatusProcessing),
	)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs for session %d: %w", sessionID, err)
	}
	return res.RowsAffected()
}

// RequeueStale は一定時間以上processingのままのジョブをpendingに戻す
func (r *JobRepository) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	ts := now()
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE jobs SET status = ?, error = ?, updated_at = ?
		WHERE status = ? AND updated_at < ?`),
		string(models.JobStatusPending), StaleRequeueNote, ts,
		string(models.JobStatusProcessing), ts.Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return res.RowsAffected()
}

// Requeue は指定したprocessingジョブをpendingに戻す
func (r *JobRepository) Requeue(ctx context.Context, ids []int64, note string) (int64, error) {
	var total int64
	ts := now()
	for _, id := range ids {
		res, err := r.db.ExecContext(ctx, r.db.Rebind(`
			UPDATE jobs SET status = ?, error = ?, updated_at = ?
			WHERE id = ? AND status = ?`),
			string(models.JobStatusPending), truncate(note, models.JobErrorMaxLen), ts,
			id, string(models.JobStatusProcessing),
		)
		if err != nil {
			return total, fmt.Errorf("requeue job %d: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// ListPendingIDs はpendingジョブのIDを古い順に取得
func (r *JobRepository) ListPendingIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT id FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC`),
		string(models.JobStatusPending),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending jobs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// List は条件に合うジョブ一覧を新しい順に取得
func (r *JobRepository) List(ctx context.Context, opts JobListOptions) ([]models.Job, error) {
	var (
		where []string
		args  []any
	)
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(opts.Status))
	}
	if opts.SessionID != 0 {
		where = append(where, "session_id = ?")
		args = append(args, opts.SessionID)
	}
	if opts.UserID != 0 {
		where = append(where, ownedBy)
		args = append(args, opts.UserID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"

	limit := opts.Limit
	if limit == 0 {
		limit = 50
	}
	if limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, opts.Offset)
	}

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs := []models.Job{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// ListBySession はセッションのジョブ一覧を取得
func (r *JobRepository) ListBySession(ctx context.Context, sessionID int64) ([]models.Job, error) {
	return r.List(ctx, JobListOptions{SessionID: sessionID, Limit: -1})
}

// LatestForSession はセッションの最新ジョブを取得（なければnil）
func (r *JobRepository) LatestForSession(ctx context.Context, sessionID int64) (*models.Job, error) {
	jobs, err := r.List(ctx, JobListOptions{SessionID: sessionID, Limit: 1})
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// GetForUser はユーザーのセッションに属するジョブを取得（なければnil）
func (r *JobRepository) GetForUser(ctx context.Context, id, userID int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+jobColumns+` FROM jobs WHERE id = ? AND `+ownedBy), id, userID)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// CountByStatus はステータスごとのジョブ数を取得
func (r *JobRepository) CountByStatus(ctx context.Context) (map[models.JobStatus]int64, error) {
	return r.CountByStatusForUser(ctx, 0)
}

// CountByStatusForUser はユーザーのジョブ数をステータスごとに取得（0なら全体）
func (r *JobRepository) CountByStatusForUser(ctx context.Context, userID int64) (map[models.JobStatus]int64, error) {
	query := `SELECT status, COUNT(*) FROM jobs`
	var args []any
	if userID != 0 {
		query += ` WHERE ` + ownedBy
		args = append(args, userID)
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query+` GROUP BY status`), args...)
	if err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.JobStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[models.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var (
		job       models.Job
		kind      string
		status    string
		sessionID sql.NullInt64
		errorMsg  sql.NullString
	)
	if err := row.Scan(&job.ID, &kind, &sessionID, &job.Payload, &status, &job.Attempts, &errorMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, err
	}
	job.Kind = models.JobKind(kind)
	job.Status = models.JobStatus(status)
	if sessionID.Valid {
		job.SessionID = Ptr(sessionID.Int64)
	}
	if errorMsg.Valid {
		job.Error = Ptr(errorMsg.String)
	}
	return &job, nil
}

// truncate は文字列をルーン数で切り詰める
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
