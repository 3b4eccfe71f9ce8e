package models

import "time"

// SessionStatus はセッションの処理状態
type SessionStatus string

// セッションステータス
const (
	SessionStatusUploaded   SessionStatus = "uploaded"
	SessionStatusProcessing SessionStatus = "processing"
	SessionStatusReady      SessionStatus = "ready"
	SessionStatusFailed     SessionStatus = "failed"
)

// Session はアップロードされた録音1件分の処理単位
type Session struct {
	ID           int64         `json:"id"`
	UserID       int64         `json:"user_id"`
	AudioAssetID *int64        `json:"audio_asset_id,omitempty"`
	Status       SessionStatus `json:"status"`
	DurationSec  *int          `json:"duration_sec,omitempty"`
	Title        *string       `json:"title,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
}

// DisplayTitle はタイトルを返す（未設定なら空文字）
func (s *Session) DisplayTitle() string {
	if s.Title == nil {
		return ""
	}
	return *s.Title
}

// AudioAsset はアップロードされた音声ファイル
type AudioAsset struct {
	ID        int64     `json:"id"`
	UserID    int64     `json:"user_id"`
	Path      string    `json:"path"`
	Filename  string    `json:"filename"`
	Mime      string    `json:"mime"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionBundle はセッションと関連データをまとめたもの
type SessionBundle struct {
	Session    Session
	Asset      *AudioAsset
	Transcript *Transcript
	Summary    *Summary
}

// Complete は文字起こしと要約の両方が揃っているか
func (b *SessionBundle) Complete() bool {
	return b.Transcript != nil && b.Summary != nil
}
