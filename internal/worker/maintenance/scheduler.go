package maintenance

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// Job は件数を返す保守ジョブ。
type Job interface {
	Run(ctx context.Context) (int64, error)
}

// Task はスケジューラに登録するジョブ。
// Recordが設定されていれば成功時に処理件数を渡す。
type Task struct {
	Name   string
	Job    Job
	Record func(count int)
}

// Scheduler は登録されたタスクを一定間隔で並行実行する。
type Scheduler struct {
	tasks  []Task
	logger *slog.Logger
}

// NewScheduler はSchedulerを生成する。
func NewScheduler(logger *slog.Logger, tasks ...Task) *Scheduler {
	return &Scheduler{tasks: tasks, logger: logger}
}

// Start は起動直後に1回、その後interval毎にタスクを実行する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("保守スケジューラを開始しました",
		slog.Duration("interval", interval),
		slog.Int("task_count", len(s.tasks)),
	)

	s.runAndLog(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("保守スケジューラを停止しました")
			return
		case <-ticker.C:
			s.runAndLog(ctx)
		}
	}
}

func (s *Scheduler) runAndLog(ctx context.Context) {
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("保守サイクルの実行に失敗しました",
			slog.String("error", err.Error()),
		)
	}
}

// RunOnce は全タスクを並行に1回実行する。
// 1つのタスクが失敗しても他のタスクは最後まで実行され、最初のエラーを返す。
func (s *Scheduler) RunOnce(ctx context.Context) error {
	var g errgroup.Group

	for _, task := range s.tasks {
		g.Go(func() error {
			n, err := task.Job.Run(ctx)
			if err != nil {
				s.logger.Error("保守タスクに失敗しました",
					slog.String("task", task.Name),
					slog.String("error", err.Error()),
				)
				return err
			}
			if task.Record != nil {
				task.Record(int(n))
			}
			return nil
		})
	}

	return g.Wait()
}
