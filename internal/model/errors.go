// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, quota, chat, system
	Action   string // ユーザー向け対処方法
	Usage    *Usage // クォータ超過時のみ設定される
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeInvalidRequest       = "INVALID_REQUEST"
	ErrCodeMissingMessage       = "MISSING_MESSAGE"
	ErrCodeMissingIdentity      = "MISSING_IDENTITY"
	ErrCodeUnauthorized         = "UNAUTHORIZED"
	ErrCodeUpgradeRequired      = "UPGRADE_REQUIRED"
	ErrCodeIdentityNotFound     = "IDENTITY_NOT_FOUND"
	ErrCodeSessionNotFound      = "SESSION_NOT_FOUND"
	ErrCodeVoiceNoteNotFound    = "VOICE_NOTE_NOT_FOUND"
	ErrCodeTrialAlreadyUsed     = "TRIAL_ALREADY_USED"
	ErrCodeInvalidPlan          = "INVALID_PLAN"
	ErrCodeQuotaExceeded        = "quota_exceeded"
	ErrCodeVoiceQuotaExceeded   = "voice_quota_exceeded"
	ErrCodeLLMUnavailable       = "LLM_UNAVAILABLE"
	ErrCodeTranscriptionFailed  = "TRANSCRIPTION_FAILED"
	ErrCodeStorageUnavailable   = "STORAGE_UNAVAILABLE"
	ErrCodeBillingUnavailable   = "BILLING_UNAVAILABLE"
	ErrCodePayloadTooLarge      = "PAYLOAD_TOO_LARGE"
	ErrCodeUnsupportedMediaType = "UNSUPPORTED_MEDIA_TYPE"
	ErrCodeInternal             = "INTERNAL_ERROR"
)

// NewInvalidRequestError はリクエストボディ不正のエラーを生成する。
func NewInvalidRequestError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidRequest,
		Message:  fmt.Sprintf("The request could not be processed: %s", reason),
		Category: "validation",
		Action:   "Check the request body and try again.",
	}
}

// NewMissingMessageError はメッセージ未指定のエラーを生成する。
func NewMissingMessageError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingMessage,
		Message:  "A message is required.",
		Category: "validation",
		Action:   "Type a message before sending.",
	}
}

// NewMissingIdentityError はuserId/deviceIdがどちらも無い場合のエラーを生成する。
func NewMissingIdentityError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingIdentity,
		Message:  "Either a signed-in user or a device id is required.",
		Category: "validation",
		Action:   "Reload the page to restore your session.",
	}
}

// NewUnauthorizedError は認証失敗のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "Authentication is required.",
		Category: "auth",
		Action:   "Sign in again.",
	}
}

// NewUpgradeRequiredError はプラン制限された機能へのアクセスエラーを生成する。
func NewUpgradeRequiredError(feature string) *APIError {
	return &APIError{
		Code:     ErrCodeUpgradeRequired,
		Message:  fmt.Sprintf("%s is available on premium plans.", feature),
		Category: "quota",
		Action:   "Upgrade your plan to unlock this feature.",
	}
}

// NewIdentityNotFoundError はIdentityが解決できない場合のエラーを生成する。
func NewIdentityNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeIdentityNotFound,
		Message:  "We could not find your profile.",
		Category: "auth",
		Action:   "Reload the page and try again.",
	}
}

// NewSessionNotFoundError はセッションが見つからない場合のエラーを生成する。
func NewSessionNotFoundError(sessionID string) *APIError {
	return &APIError{
		Code:     ErrCodeSessionNotFound,
		Message:  fmt.Sprintf("Session not found: %s", sessionID),
		Category: "chat",
		Action:   "Start a new conversation.",
	}
}

// NewVoiceNoteNotFoundError は音声ファイルが見つからない場合のエラーを生成する。
func NewVoiceNoteNotFoundError() *APIError {
	return &APIError{
		Code:     ErrCodeVoiceNoteNotFound,
		Message:  "The voice note could not be found.",
		Category: "chat",
		Action:   "Record the voice note again.",
	}
}

// NewTrialAlreadyUsedError はトライアル利用済みのエラーを生成する。
// クライアントはトライアルを飛ばして直接購読を案内する。
func NewTrialAlreadyUsedError() *APIError {
	return &APIError{
		Code:     ErrCodeTrialAlreadyUsed,
		Message:  "Your free trial has already been used.",
		Category: "quota",
		Action:   "Subscribe to a premium plan to continue.",
	}
}

// NewInvalidPlanError は未知の課金プランのエラーを生成する。
func NewInvalidPlanError(plan string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidPlan,
		Message:  fmt.Sprintf("Unknown plan: %s", plan),
		Category: "validation",
		Action:   "Choose either the monthly or the yearly plan.",
	}
}

// NewQuotaExceededError は日次クォータ超過のエラーを生成する。
// kindに応じてメッセージと音声メモを区別したコードを返す。
func NewQuotaExceededError(kind UsageKind, usage Usage) *APIError {
	e := &APIError{
		Code:     ErrCodeQuotaExceeded,
		Message:  "You have reached today's message limit.",
		Category: "quota",
		Action:   "Upgrade your plan or come back tomorrow.",
		Usage:    &usage,
	}
	if kind == UsageVoice {
		e.Code = ErrCodeVoiceQuotaExceeded
		e.Message = "You have reached today's voice note limit."
	}
	return e
}

// NewLLMUnavailableError は応答生成バックエンドの障害エラーを生成する。
func NewLLMUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeLLMUnavailable,
		Message:  "Amara could not reply right now.",
		Category: "system",
		Action:   "Something went wrong, try again.",
	}
}

// NewTranscriptionFailedError は文字起こし失敗のエラーを生成する。
// 音声は保存済みであることを利用者に伝える。
func NewTranscriptionFailedError() *APIError {
	return &APIError{
		Code:     ErrCodeTranscriptionFailed,
		Message:  "Your voice note was saved but we could not understand it.",
		Category: "chat",
		Action:   "Try recording again in a quieter place, or type your message.",
	}
}

// NewStorageUnavailableError はオブジェクトストレージ障害のエラーを生成する。
func NewStorageUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeStorageUnavailable,
		Message:  "Voice notes are unavailable right now.",
		Category: "system",
		Action:   "Type your message instead, or try again later.",
	}
}

// NewBillingUnavailableError は課金機能が未設定の場合のエラーを生成する。
func NewBillingUnavailableError() *APIError {
	return &APIError{
		Code:     ErrCodeBillingUnavailable,
		Message:  "Billing is not available right now.",
		Category: "system",
		Action:   "Try again later.",
	}
}

// NewPayloadTooLargeError はアップロードサイズ超過のエラーを生成する。
func NewPayloadTooLargeError(maxBytes int64) *APIError {
	return &APIError{
		Code:     ErrCodePayloadTooLarge,
		Message:  fmt.Sprintf("The upload exceeds %d bytes.", maxBytes),
		Category: "validation",
		Action:   "Record a shorter voice note.",
	}
}

// NewUnsupportedMediaTypeError は音声以外のアップロードのエラーを生成する。
func NewUnsupportedMediaTypeError(contentType string) *APIError {
	return &APIError{
		Code:     ErrCodeUnsupportedMediaType,
		Message:  fmt.Sprintf("Unsupported content type: %s", contentType),
		Category: "validation",
		Action:   "Upload an audio recording.",
	}
}
