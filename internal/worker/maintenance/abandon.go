// Package maintenance は定期実行するデータ保守ジョブを提供する。
// 期限切れトライアルの降格と、長期間使われていない匿名デバイスの放棄マークを行う。
package maintenance

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
// *sql.DB や *sql.Tx を受け付けることができる。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// DeviceAbandoner は保持期間を超えて使われていない匿名デバイスに放棄済みの印を付けるジョブ。
// 行は削除しないため、セッションとメッセージは残る。デバイスが再び使われると印は外れる。
type DeviceAbandoner struct {
	db            Executor
	logger        *slog.Logger
	RetentionDays int // 放棄とみなすまでの日数（デフォルト: 90）
}

// NewDeviceAbandoner は新しいDeviceAbandonerを生成する。
// retentionDaysが0以下の場合は90日を使う。
func NewDeviceAbandoner(db Executor, logger *slog.Logger, retentionDays int) *DeviceAbandoner {
	if retentionDays <= 0 {
		retentionDays = 90
	}
	return &DeviceAbandoner{
		db:            db,
		logger:        logger,
		RetentionDays: retentionDays,
	}
}

// Run はupdated_atがRetentionDays日前より古い匿名デバイスにabandoned_atを設定し、件数を返す。
// 印の付いた行は対象外のため、繰り返し実行しても件数は重複しない。
func (j *DeviceAbandoner) Run(ctx context.Context) (int64, error) {
	start := time.Now()

	interval := fmt.Sprintf("%d days", j.RetentionDays)

	query := `UPDATE anonymous_devices SET abandoned_at = now()
		WHERE abandoned_at IS NULL AND updated_at < now() - $1::interval`
	result, err := j.db.ExecContext(ctx, query, interval)
	if err != nil {
		j.logger.Error("匿名デバイスの放棄処理に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return 0, fmt.Errorf("匿名デバイスの放棄処理に失敗: %w", err)
	}

	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}

	j.logger.Info("匿名デバイスの放棄処理が完了しました",
		slog.Int64("abandoned_count", count),
		slog.Int("retention_days", j.RetentionDays),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	return count, nil
}
