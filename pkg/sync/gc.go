package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// GCManager 按固定间隔对引擎执行因果稳定性 GC。
type GCManager struct {
	e        *Engine
	interval time.Duration
	maxRetry int
	backoff  time.Duration // 第 i 次重试前等待 i*i*backoff
	logger   log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	stats struct {
		sync.RWMutex
		GCStats
	}
}

// GCStats 是 GCManager 的累计统计。
type GCStats struct {
	TotalRuns       int64
	SuccessfulRuns  int64
	FailedRuns      int64
	TotalCollected  int64
	LastRunDuration time.Duration
}

// NewGCManager 创建 GC 管理器。interval 不大于 0 时使用引擎配置的 GCInterval。
func NewGCManager(e *Engine, interval time.Duration) *GCManager {
	if interval <= 0 {
		interval = e.cfg.GCInterval
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &GCManager{
		e:        e,
		interval: interval,
		maxRetry: 3,
		backoff:  time.Second,
		logger:   log.With(e.logger, "component", "gc"),
	}
}

// Start 启动后台 GC 循环，直到 ctx 结束或调用 Stop。重复调用会先停止之前的循环。
func (gm *GCManager) Start(ctx context.Context) {
	gm.Stop()

	gm.mu.Lock()
	ctx, gm.cancel = context.WithCancel(ctx)
	done := make(chan struct{})
	gm.done = done
	gm.mu.Unlock()

	ticker := time.NewTicker(gm.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				level.Info(gm.logger).Log("msg", "gc stopped")
				return
			case <-ticker.C:
				gm.RunOnce(ctx)
			}
		}
	}()

	level.Info(gm.logger).Log("msg", "gc started", "interval", gm.interval)
}

// RunOnce 执行一轮 GC，失败时按平方退避重试。返回本轮回收的条目数。
func (gm *GCManager) RunOnce(ctx context.Context) (int, error) {
	start := time.Now()
	gm.stats.Lock()
	gm.stats.TotalRuns++
	gm.stats.Unlock()

	n, err := gm.e.Collect()
	for i := 1; err != nil && i <= gm.maxRetry; i++ {
		wait := time.Duration(i*i) * gm.backoff
		level.Warn(gm.logger).Log("msg", "gc failed, retrying", "attempt", i, "max", gm.maxRetry, "wait", wait, "err", err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			gm.recordFailure(start, ctx.Err())
			return n, ctx.Err()
		}
		var m int
		m, err = gm.e.Collect()
		n += m
	}

	if err != nil {
		err = fmt.Errorf("gc failed after %d attempts: %w", gm.maxRetry, err)
		gm.recordFailure(start, err)
		return n, err
	}
	gm.recordSuccess(start, n)
	return n, nil
}

func (gm *GCManager) recordSuccess(start time.Time, n int) {
	d := time.Since(start)
	gm.stats.Lock()
	gm.stats.SuccessfulRuns++
	gm.stats.TotalCollected += int64(n)
	gm.stats.LastRunDuration = d
	gm.stats.Unlock()

	if n > 0 {
		level.Info(gm.logger).Log("msg", "gc complete", "collected", n, "took", d)
	} else {
		level.Debug(gm.logger).Log("msg", "gc complete", "collected", 0, "took", d)
	}
}

func (gm *GCManager) recordFailure(start time.Time, err error) {
	d := time.Since(start)
	gm.stats.Lock()
	gm.stats.FailedRuns++
	gm.stats.LastRunDuration = d
	rate := float64(gm.stats.FailedRuns) / float64(gm.stats.TotalRuns) * 100
	gm.stats.Unlock()

	level.Error(gm.logger).Log("msg", "gc failed", "took", d, "failure_rate_pct", rate, "err", err)
}

// Stop 停止后台循环并等待其退出。
func (gm *GCManager) Stop() {
	gm.mu.Lock()
	cancel, done := gm.cancel, gm.done
	gm.cancel, gm.done = nil, nil
	gm.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Stats 返回统计快照。
func (gm *GCManager) Stats() GCStats {
	gm.stats.RLock()
	defer gm.stats.RUnlock()
	return gm.stats.GCStats
}

// SetMaxRetry 设置单轮 GC 的最大重试次数。
func (gm *GCManager) SetMaxRetry(n int) {
	if n >= 0 {
		gm.maxRetry = n
	}
}

// SetBackoff 设置重试退避的基本时长。
func (gm *GCManager) SetBackoff(d time.Duration) {
	if d > 0 {
		gm.backoff = d
	}
}
