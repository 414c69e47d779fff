package trial

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Executor はSQLのExecContextを抽象化するインターフェース。
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// sweepTables はトライアル状態を持つテーブル。
var sweepTables = []string{"user_profiles", "anonymous_devices"}

// Sweeper は期限切れトライアルを一括でfreemiumに戻すバッチジョブ。
// 読み込み時の遅延評価とは独立して動作し、どちらが先に実行されても結果は同じになる。
type Sweeper struct {
	db     Executor
	logger *slog.Logger
	now    func() time.Time
}

// NewSweeper はSweeperを生成する。
func NewSweeper(db Executor, logger *slog.Logger) *Sweeper {
	return &Sweeper{db: db, logger: logger, now: time.Now}
}

// Run は期限切れトライアルを降格し、降格した件数を返す。対象が無い場合もエラーにならない。
func (s *Sweeper) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	now := s.now().UTC()

	var total int64
	for _, table := range sweepTables {
		query := fmt.Sprintf(`UPDATE %s
			SET plan_tier = 'freemium', trial_start_date = NULL, trial_end_date = NULL, updated_at = now()
			WHERE plan_tier IN ('monthly_trial', 'yearly_trial')
			  AND trial_end_date IS NOT NULL
			  AND trial_end_date < $1`, table)

		result, err := s.db.ExecContext(ctx, query, now)
		if err != nil {
			s.logger.Error("トライアル期限切れ処理に失敗しました",
				slog.String("table", table),
				slog.String("error", err.Error()),
			)
			return total, fmt.Errorf("トライアル期限切れ処理に失敗: %w", err)
		}

		n, err := result.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("更新件数の取得に失敗: %w", err)
		}
		total += n
	}

	s.logger.Info("トライアル期限切れ処理が完了しました",
		slog.Int64("reverted_count", total),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return total, nil
}
