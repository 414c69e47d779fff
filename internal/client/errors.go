package client

import (
	"errors"
	"fmt"

	"github.com/Dezzy-dev/amara/internal/model"
)

var (
	// ErrQuotaExceeded はクォータ不足で送信できなかったことを示す。
	ErrQuotaExceeded = errors.New("quota exceeded")
	// ErrIdentityNotFound はサーバーが送信者を解決できなかったことを示す。
	ErrIdentityNotFound = errors.New("identity not found")
	// ErrBackendUnavailable は再試行可能な通信・サーバー障害を示す。
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrTranscriptionFailed は音声メモは保存されたが文字起こしに失敗したことを示す。
	ErrTranscriptionFailed = errors.New("transcription failed")
	// ErrSendInFlight は前の送信が完了していないことを示す。
	ErrSendInFlight = errors.New("a message is already being sent")
	// ErrUpgradeRequired は上位プランでのみ使える機能であることを示す。
	ErrUpgradeRequired = errors.New("upgrade required")
	// ErrNotResolved はIdentityが未解決であることを示す。
	ErrNotResolved = errors.New("identity has not been resolved")
	// ErrNoSession はアクティブなセッションが無いことを示す。
	ErrNoSession = errors.New("no active session")
)

// QuotaError はクォータ超過の詳細を持つ。errors.Is(err, ErrQuotaExceeded) が真になる。
type QuotaError struct {
	Reason string // quota_exceeded または voice_quota_exceeded
	Usage  *model.Usage
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("quota exceeded: %s", e.Reason)
}

func (e *QuotaError) Unwrap() error {
	return ErrQuotaExceeded
}

// APIError はサーバーが返したエラーレスポンス。
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Action     string
	cause      error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("[%d %s] %s", e.StatusCode, e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.cause
}
