package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hitoshi/dripman/internal/repository"
)

// ErrExecutorStopped はExecutorが停止済みで要求を処理できない場合に返る。
var ErrExecutorStopped = errors.New("executor stopped")

// Runner はExecutorが直列に呼び出すエンジン操作。
type Runner interface {
	RunOnce(ctx context.Context, now time.Time) (RunSummary, error)
	DeliverStep(ctx context.Context, leadID string, expectedStep int, now time.Time) (Outcome, error)
}

type jobKind int

const (
	jobRun jobKind = iota
	jobDeliver
)

// Result はExecutorが処理した要求の結果。
type Result struct {
	Summary RunSummary
	Outcome Outcome
	Err     error
}

type job struct {
	kind     jobKind
	queuedAt time.Time
	leadID   string
	step     int
	periodic bool
	reply    chan Result // nilの場合は結果を返さない
}

// Executor はエンジンへの実行要求を単一のgoroutineで直列に処理する。
// 定期実行・手動実行・ウェルカム送信の全てがこのキューを経由するため、
// プロセス内で2つの走査が同時に走ることはない。
// 各要求はRunGuardの下で実行され、複数プロセス間でも排他される。
type Executor struct {
	runner      Runner
	guard       repository.RunGuard
	logger      *slog.Logger
	jobs        chan job
	done        chan struct{}
	tickPending atomic.Bool
	now         func() time.Time
}

// NewExecutor はExecutorの新しいインスタンスを生成する。
// queueSizeが0以下の場合はデフォルト値16を使用する。
func NewExecutor(runner Runner, guard repository.RunGuard, logger *slog.Logger, queueSize int) *Executor {
	if queueSize <= 0 {
		queueSize = 16
	}
	return &Executor{
		runner: runner,
		guard:  guard,
		logger: logger,
		jobs:   make(chan job, queueSize),
		done:   make(chan struct{}),
		now:    time.Now,
	}
}

// Start はコンテキストがキャンセルされるまで要求を処理する（ブロッキング）。
func (x *Executor) Start(ctx context.Context) {
	defer close(x.done)

	x.logger.Info("シーケンスエンジンの実行キューを開始しました")
	for {
		select {
		case <-ctx.Done():
			x.logger.Info("シーケンスエンジンの実行キューを停止しました")
			return
		case j := <-x.jobs:
			x.handle(ctx, j)
		}
	}
}

// handle は1件の要求をRunGuardの下で処理する。
func (x *Executor) handle(ctx context.Context, j job) {
	if j.periodic {
		x.tickPending.Store(false)
	}

	var res Result
	release, err := x.guard.Acquire(ctx)
	if err != nil {
		res.Err = fmt.Errorf("実行ロックの取得に失敗しました: %w", err)
		x.logger.Error("実行ロックの取得に失敗しました", slog.String("error", err.Error()))
	} else {
		// 基準時刻は投入時ではなく実行開始時点。キュー待ちの時間をlastSentAtに含めない。
		now := x.now()
		if wait := now.Sub(j.queuedAt); wait > time.Second {
			x.logger.Info("キューで待機した要求を実行します",
				slog.Duration("waited", wait),
				slog.Bool("periodic", j.periodic),
			)
		}
		switch j.kind {
		case jobRun:
			res.Summary, res.Err = x.runner.RunOnce(ctx, now)
		case jobDeliver:
			res.Outcome, res.Err = x.runner.DeliverStep(ctx, j.leadID, j.step, now)
		}
		release()
	}

	if res.Err != nil {
		x.logger.Error("シーケンスエンジンの実行に失敗しました",
			slog.String("error", res.Err.Error()),
		)
	}

	if j.reply != nil {
		j.reply <- res
	}
}

// Tick は定期実行を非ブロッキングで投入する。
// 既に定期実行が待機中の場合やキューが満杯の場合は投入せずfalseを返す。
func (x *Executor) Tick(now time.Time) bool {
	if !x.tickPending.CompareAndSwap(false, true) {
		x.logger.Info("前回の定期実行が待機中のため、今回のティックを統合しました")
		return false
	}

	select {
	case x.jobs <- job{kind: jobRun, queuedAt: now, periodic: true}:
		return true
	default:
		x.tickPending.Store(false)
		x.logger.Warn("実行キューが満杯のため、定期実行をスキップしました")
		return false
	}
}

// RunNow は1回の実行を投入し、完了まで待機して集計を返す。
// 管理画面からの手動実行とtickコマンドで使用する。
func (x *Executor) RunNow(ctx context.Context) (RunSummary, error) {
	res, err := x.submit(ctx, job{kind: jobRun, queuedAt: x.now()})
	if err != nil {
		return RunSummary{}, err
	}
	return res.Summary, res.Err
}

// Deliver は指定リードのステップ即時送信を投入し、完了まで待機する。
// ctxが先に終了した場合もジョブはキューに残り、後で処理される。
func (x *Executor) Deliver(ctx context.Context, leadID string, step int) (Outcome, error) {
	res, err := x.submit(ctx, job{kind: jobDeliver, queuedAt: x.now(), leadID: leadID, step: step})
	if err != nil {
		return "", err
	}
	return res.Outcome, res.Err
}

// submit はジョブを投入して結果を待つ。
func (x *Executor) submit(ctx context.Context, j job) (Result, error) {
	j.reply = make(chan Result, 1)

	select {
	case x.jobs <- j:
	case <-x.done:
		return Result{}, ErrExecutorStopped
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case res := <-j.reply:
		return res, nil
	case <-x.done:
		select {
		case res := <-j.reply:
			return res, nil
		default:
			return Result{}, ErrExecutorStopped
		}
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
