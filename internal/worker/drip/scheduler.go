// Package drip はドリップシーケンスの定期トリガーを提供する。
// ティッカーが生成した時刻をエンジンの単一実行キューへ投入するだけで、
// 実行そのものはengine.Executorが担う。
package drip

import (
	"context"
	"log/slog"
	"time"
)

// DefaultInterval は定期実行のデフォルト間隔。
const DefaultInterval = 2 * time.Hour

// Ticker は時刻付きのパス要求を受け付けるインターフェース。
// engine.Executorが実装する。
type Ticker interface {
	// Tick はパスの実行を非ブロッキングで要求する。
	// 既に待機中のパスがある場合は合流してfalseを返す。
	Tick(now time.Time) bool
}

// Scheduler は一定間隔でシーケンスエンジンのパスを要求する。
type Scheduler struct {
	ticker     Ticker
	logger     *slog.Logger
	interval   time.Duration
	runOnStart bool
	now        func() time.Time
}

// NewScheduler はSchedulerの新しいインスタンスを生成する。
// intervalが0以下の場合はDefaultIntervalを使用する。
func NewScheduler(ticker Ticker, logger *slog.Logger, interval time.Duration, runOnStart bool) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		ticker:     ticker,
		logger:     logger,
		interval:   interval,
		runOnStart: runOnStart,
		now:        time.Now,
	}
}

// Interval は実行間隔を返す。
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start は設定された間隔のティッカーでスケジューラを起動する。
// コンテキストがキャンセルされるまで実行を継続する。
func (s *Scheduler) Start(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	s.Run(ctx, t.C)
}

// Run は渡されたチャネルの時刻ごとにパスを要求する。
// テストでは任意のチャネルで時刻を注入できる。
func (s *Scheduler) Run(ctx context.Context, ticks <-chan time.Time) {
	s.logger.Info("ドリップスケジューラを開始しました",
		slog.Duration("interval", s.interval),
		slog.Bool("run_on_start", s.runOnStart),
	)

	if s.runOnStart {
		s.fire(s.now())
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("ドリップスケジューラを停止しました")
			return
		case at, ok := <-ticks:
			if !ok {
				s.logger.Info("ドリップスケジューラを停止しました")
				return
			}
			s.fire(at)
		}
	}
}

func (s *Scheduler) fire(at time.Time) {
	if !s.ticker.Tick(at) {
		s.logger.Info("待機中のパスがあるためティックを合流しました",
			slog.Time("tick_at", at),
		)
	}
}
