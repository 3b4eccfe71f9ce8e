package models

import "time"

// Segment は話者付きの発話区間
type Segment struct {
	Speaker     string  `json:"speaker,omitempty"`
	Start       float64 `json:"start"`
	End         float64 `json:"end"`
	StartTime   string  `json:"start_time,omitempty"`
	Text        string  `json:"text"`
	Language    string  `json:"language,omitempty"`
	Translation string  `json:"translation,omitempty"`
	Emotion     string  `json:"emotion,omitempty"`
}

// Speaker は識別された話者
type Speaker struct {
	ID              string `json:"id"`
	Characteristics string `json:"characteristics,omitempty"`
}

// Transcript はセッションの文字起こし
type Transcript struct {
	ID        int64     `json:"id"`
	SessionID int64     `json:"session_id"`
	Text      string    `json:"text"`
	Segments  []Segment `json:"segments"`
	Speakers  []Speaker `json:"speakers,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary はセッションの要約
type Summary struct {
	ID          int64     `json:"id"`
	SessionID   int64     `json:"session_id"`
	Summary     string    `json:"summary"`
	ActionItems []string  `json:"action_items"`
	Timeline    []string  `json:"timeline"`
	Decisions   []string  `json:"decisions"`
	CreatedAt   time.Time `json:"created_at"`
}

// MessageRole はチャットメッセージの発言者
type MessageRole string

// メッセージロール
const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message はセッションに対するチャットメッセージ
type Message struct {
	ID        int64       `json:"id"`
	SessionID int64       `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Citations []string    `json:"citations,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}
