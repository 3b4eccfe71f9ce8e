package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"recap/internal/models"
)

// OutputRepository は文字起こし・要約のデータアクセス層
type OutputRepository struct {
	db *DB
}

// NewOutputRepository は新しいOutputRepositoryを作成
func NewOutputRepository(db *DB) *OutputRepository {
	return &OutputRepository{db: db}
}

// CreateTranscript は文字起こしを保存（セッションごとに1件）
func (r *OutputRepository) CreateTranscript(ctx context.Context, t *models.Transcript) error {
	segments, err := marshalList(t.Segments)
	if err != nil {
		return fmt.Errorf("encode segments: %w", err)
	}
	speakers, err := marshalList(t.Speakers)
	if err != nil {
		return fmt.Errorf("encode speakers: %w", err)
	}
	t.CreatedAt = now()

	err = r.db.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO transcripts (session_id, text, segments_json, speakers_json, created_at)
		VALUES (?, ?, ?, ?, ?)
		RETURNING id`),
		t.SessionID, t.Text, segments, speakers, t.CreatedAt,
	).Scan(&t.ID)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// GetTranscript はセッションの文字起こしを取得（なければnil）
func (r *OutputRepository) GetTranscript(ctx context.Context, sessionID int64) (*models.Transcript, error) {
	var (
		t        models.Transcript
		segments string
		speakers string
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, session_id, text, segments_json, speakers_json, created_at
		FROM transcripts WHERE session_id = ?`), sessionID,
	).Scan(&t.ID, &t.SessionID, &t.Text, &segments, &speakers, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(segments), &t.Segments); err != nil {
		return nil, fmt.Errorf("decode segments: %w", err)
	}
	if err := json.Unmarshal([]byte(speakers), &t.Speakers); err != nil {
		return nil, fmt.Errorf("decode speakers: %w", err)
	}
	return &t, nil
}

// CreateSummary は要約を保存（セッションごとに1件）
func (r *OutputRepository) CreateSummary(ctx context.Context, s *models.Summary) error {
	actionItems, err := marshalList(s.ActionItems)
	if err != nil {
		return err
	}
	timeline, err := marshalList(s.Timeline)
	if err != nil {
		return err
	}
	decisions, err := marshalList(s.Decisions)
	if err != nil {
		return err
	}
	s.CreatedAt = now()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, r.db.Rebind(`
		INSERT INTO summaries (session_id, summary, action_items_json, timeline_json, decisions_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`),
		s.SessionID, s.Summary, actionItems, timeline, decisions, s.CreatedAt,
	).Scan(&s.ID)
	if err != nil {
		return fmt.Errorf("insert summary: %w", err)
	}
	return tx.Commit()
}

// GetSummary はセッションの要約を取得（なければnil）
func (r *OutputRepository) GetSummary(ctx context.Context, sessionID int64) (*models.Summary, error) {
	var (
		s                                models.Summary
		actionItems, timeline, decisions string
	)
	err := r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT id, session_id, summary, action_items_json, timeline_json, decisions_json, created_at
		FROM summaries WHERE session_id = ?`), sessionID,
	).Scan(&s.ID, &s.SessionID, &s.Summary, &actionItems, &timeline, &decisions, &s.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	for _, f := range []struct {
		raw string
		dst *[]string
	}{
		{actionItems, &s.ActionItems},
		{timeline, &s.Timeline},
		{decisions, &s.Decisions},
	} {
		if err := json.Unmarshal([]byte(f.raw), f.dst); err != nil {
			return nil, fmt.Errorf("decode summary lists: %w", err)
		}
	}
	return &s, nil
}

// CountForSession は文字起こし・要約の件数を取得（重複検出用）
func (r *OutputRepository) CountForSession(ctx context.Context, sessionID int64) (transcripts, summaries int, err error) {
	err = r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT
			(SELECT COUNT(*) FROM transcripts WHERE session_id = ?),
			(SELECT COUNT(*) FROM summaries WHERE session_id = ?)`),
		sessionID, sessionID,
	).Scan(&transcripts, &summaries)
	return transcripts, summaries, err
}

// marshalList はnilスライスを空配列としてJSONに変換
func marshalList[T any](v []T) (string, error) {
	if v == nil {
		v = []T{}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
