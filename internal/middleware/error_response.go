package middleware

import (
	"encoding/json"
	"net/http"

	"github.com/Dezzy-dev/amara/internal/model"
)

// ErrCodeRateLimitExceeded はレート制限超過のエラーコード。
const ErrCodeRateLimitExceeded = "rate_limit_exceeded"

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。クォータ超過の場合のみreasonとusageを含む。
type ErrorResponseBody struct {
	Code     string       `json:"code"`
	Message  string       `json:"message"`
	Category string       `json:"category"`
	Action   string       `json:"action"`
	Reason   string       `json:"reason,omitempty"`
	Usage    *model.Usage `json:"usage,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	body := ErrorResponseBody{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
		Usage:    apiErr.Usage,
	}
	if apiErr.Usage != nil {
		body.Reason = apiErr.Code
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(body)
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     model.ErrCodeInternal,
		Message:  "Something went wrong.",
		Category: "system",
		Action:   "Something went wrong, try again.",
	})
}
