package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"recap/internal/models"
)

const sessionColumns = "id, user_id, audio_asset_id, status, duration_sec, title, created_at"

// SessionRepository はセッションのデータアクセス層
type SessionRepository struct {
	db *DB
}

// NewSessionRepository は新しいSessionRepositoryを作成
func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// Create は新しいセッションを作成
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	session.CreatedAt = now()
	if session.Status == "" {
		session.Status = models.SessionStatusUploaded
	}

	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO sessions (user_id, audio_asset_id, status, duration_sec, title, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		session.UserID, session.AudioAssetID, string(session.Status), session.DurationSec, session.Title, session.CreatedAt,
	).Scan(&session.ID)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetByID はIDでセッションを取得
func (r *SessionRepository) GetByID(ctx context.Context, id int64) (*models.Session, error) {
	row := r.db.QueryRowContext(ctx, r.db.Rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return session, nil
}

// ListByUser はユーザーのセッション一覧を新しい順に取得
func (r *SessionRepository) ListByUser(ctx context.Context, userID int64, limit, offset int) ([]models.Session, error) {
	if limit == 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, r.db.Rebind(`
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`),
		userID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListIncomplete は音声があるのに文字起こしか要約が欠けていて、pending/processingのジョブもないセッションを新しい順に取得
//
// idsを指定した場合はその中から探す。
func (r *SessionRepository) ListIncomplete(ctx context.Context, ids []int64, limit int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT ` + sessionColumns + ` FROM sessions s
		WHERE s.audio_asset_id IS NOT NULL
		AND (NOT EXISTS (SELECT 1 FROM transcripts t WHERE t.session_id = s.id)
			OR NOT EXISTS (SELECT 1 FROM summaries m WHERE m.session_id = s.id))
		AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.session_id = s.id AND j.status IN (?, ?))`
	args := []any{string(models.JobStatusPending), string(models.JobStatusProcessing)}
	if len(ids) > 0 {
		query += ` AND s.id IN (?` + strings.Repeat(", ?", len(ids)-1) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	query += ` ORDER BY s.created_at DESC, s.id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list incomplete sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// GetBundle はセッションと音声・文字起こし・要約をまとめて取得
func (r *SessionRepository) GetBundle(ctx context.Context, id int64) (*models.SessionBundle, error) {
	session, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, nil
	}

	bundle := &models.SessionBundle{Session: *session}
	if session.AudioAssetID != nil {
		assets := NewAssetRepository(r.db)
		if bundle.Asset, err = assets.GetByID(ctx, *session.AudioAssetID); err != nil {
			return nil, err
		}
	}
	outputs := NewOutputRepository(r.db)
	if bundle.Transcript, err = outputs.GetTranscript(ctx, id); err != nil {
		return nil, err
	}
	if bundle.Summary, err = outputs.GetSummary(ctx, id); err != nil {
		return nil, err
	}
	return bundle, nil
}

// UpdateStatus はセッションのステータスを更新
func (r *SessionRepository) UpdateStatus(ctx context.Context, id int64, status models.SessionStatus) error {
	return r.exec(ctx, `UPDATE sessions SET status = ? WHERE id = ?`, string(status), id)
}

// UpdateTitle はセッションのタイトルを更新
func (r *SessionRepository) UpdateTitle(ctx context.Context, id int64, title string) error {
	return r.exec(ctx, `UPDATE sessions SET title = ? WHERE id = ?`, title, id)
}

// UpdateDuration はセッションの長さ（秒）を更新
func (r *SessionRepository) UpdateDuration(ctx context.Context, id int64, durationSec int) error {
	return r.exec(ctx, `UPDATE sessions SET duration_sec = ? WHERE id = ?`, durationSec, id)
}

// Delete はセッションを削除（文字起こし・要約・メッセージ・ジョブもカスケード削除）
func (r *SessionRepository) Delete(ctx context.Context, id int64) error {
	return r.exec(ctx, `DELETE FROM sessions WHERE id = ?`, id)
}

func (r *SessionRepository) exec(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSession(row rowScanner) (*models.Session, error) {
	var (
		s        models.Session
		status   string
		assetID  sql.NullInt64
		duration sql.NullInt64
		title    sql.NullString
	)
	if err := row.Scan(&s.ID, &s.UserID, &assetID, &status, &duration, &title, &s.CreatedAt); err != nil {
		return nil, err
	}
	s.Status = models.SessionStatus(status)
	if assetID.Valid {
		s.AudioAssetID = Ptr(assetID.Int64)
	}
	if duration.Valid {
		s.DurationSec = Ptr(int(duration.Int64))
	}
	if title.Valid {
		s.Title = Ptr(title.String)
	}
	return &s, nil
}

// AssetRepository は音声ファイルのデータアクセス層
type AssetRepository struct {
	db *DB
}

// NewAssetRepository は新しいAssetRepositoryを作成
func NewAssetRepository(db *DB) *AssetRepository {
	return &AssetRepository{db: db}
}

// Create は新しい音声ファイルを登録
func (r *AssetRepository) Create(ctx context.Context, asset *models.AudioAsset) error {
	asset.CreatedAt = now()
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO audio_assets (user_id, path, filename, mime, size, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		asset.UserID, asset.Path, asset.Filename, asset.Mime, asset.Size, asset.CreatedAt,
	).Scan(&asset.ID)
	if err != nil {
		return fmt.Errorf("insert audio asset: %w", err)
	}
	return nil
}

// GetByID はIDで音声ファイルを取得
func (r *AssetRepository) GetByID(ctx context.Context, id int64) (*models.AudioAsset, error) {
	var a models.AudioAsset
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, user_id, path, filename, mime, size, created_at
		FROM audio_assets WHERE id = ?`), id,
	).Scan(&a.ID, &a.UserID, &a.Path, &a.Filename, &a.Mime, &a.Size, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Delete は音声ファイルのレコードを削除
func (r *AssetRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM audio_assets WHERE id = ?`), id)
	return err
}
