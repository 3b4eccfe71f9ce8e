package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// JobKind はジョブの種類
type JobKind string

// ジョブの種類
const (
	JobKindTranscription JobKind = "transcription"
)

// jobKinds は登録可能なジョブ種類の一覧
var jobKinds = []JobKind{JobKindTranscription}

// ParseJobKind は文字列をJobKindに変換
func ParseJobKind(s string) (JobKind, error) {
	for _, k := range jobKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown job kind: %q", s)
}

// JobStatus はジョブの状態
type JobStatus string

// ジョブステータス
const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// JobErrorMaxLen はerrorカラムの最大長
const JobErrorMaxLen = 255

// Job は非同期処理タスク
type Job struct {
	ID        int64     `json:"id"`
	Kind      JobKind   `json:"kind"`
	SessionID *int64    `json:"session_id,omitempty"`
	Payload   string    `json:"payload"`
	Status    JobStatus `json:"status"`
	Attempts  int       `json:"attempts"`
	Error     *string   `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// JobPayload はジョブのペイロード
type JobPayload struct {
	SessionID int64 `json:"session_id"`
}

// EncodeJobPayload はペイロードをJSON文字列に変換
func EncodeJobPayload(sessionID int64) string {
	data, _ := json.Marshal(JobPayload{SessionID: sessionID})
	return string(data)
}

// DecodePayload はペイロードをパース
func (j *Job) DecodePayload() (JobPayload, error) {
	var p JobPayload
	if err := json.Unmarshal([]byte(j.Payload), &p); err != nil {
		return p, fmt.Errorf("decode job %d payload: %w", j.ID, err)
	}
	if p.SessionID == 0 && j.SessionID != nil {
		p.SessionID = *j.SessionID
	}
	return p, nil
}

// LastError はエラーメッセージを返す（なければ空文字）
func (j *Job) LastError() string {
	if j.Error == nil {
		return ""
	}
	return *j.Error
}
