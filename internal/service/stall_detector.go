package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
	"baton-attendance/backend/pkg/metrics"
)

// StallDetector 周期扫描长时间无交接的 ACTIVE 链，置为 STALLED 并推送快照告警。
// 单次失败只记日志，下一个周期重新判定，链状态不会因漏掉一次而丢失。
type StallDetector struct {
	repo      *repository.Repository
	notify    *notifier
	clock     clock.Clock
	logger    *zap.Logger
	threshold time.Duration
	interval  time.Duration

	mu   sync.Mutex
	cron *cron.Cron
}

// NewStallDetector 创建 StallDetector
func NewStallDetector(
	repo *repository.Repository,
	pub event.Publisher,
	clk clock.Clock,
	threshold, interval time.Duration,
	logger *zap.Logger,
) *StallDetector {
	return &StallDetector{
		repo:      repo,
		notify:    &notifier{pub: pub, logger: logger},
		clock:     clk,
		logger:    logger,
		threshold: threshold,
		interval:  interval,
	}
}

// Start 注册 cron 任务；上一轮未结束时跳过本轮
func (d *StallDetector) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return nil
	}

	cronLogger := cron.PrintfLogger(zap.NewStdLog(d.logger.Named("cron")))
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger)), cron.WithLogger(cronLogger))
	spec := fmt.Sprintf("@every %s", d.interval)
	if _, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.interval)
		defer cancel()
		if err := d.Tick(ctx); err != nil {
			d.logger.Error("卡链检测失败", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("注册卡链检测任务失败: %w", err)
	}
	c.Start()
	d.cron = c

	d.logger.Info("卡链检测已启动",
		zap.Duration("interval", d.interval),
		zap.Duration("threshold", d.threshold),
	)
	return nil
}

// Stop 停止调度并等待进行中的一轮结束
func (d *StallDetector) Stop() {
	d.mu.Lock()
	c := d.cron
	d.cron = nil
	d.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Tick 执行一轮检测
func (d *StallDetector) Tick(ctx context.Context) error {
	now := d.clock.Now()
	stalled, markErr := d.repo.Chain.MarkStalled(ctx, now.Add(-d.threshold))
	if len(stalled) == 0 {
		return markErr
	}
	metrics.StallTransitions.Add(float64(len(stalled)))

	bySession := make(map[string][]model.Chain)
	for _, c := range stalled {
		bySession[c.SessionID] = append(bySession[c.SessionID], c)
	}

	var (
		errMu    sync.Mutex
		combined = markErr
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for sessionID, chains := range bySession {
		sessionID, chains := sessionID, chains
		g.Go(func() error {
			for i := range chains {
				d.notify.chainUpdated(gctx, &chains[i], now)
			}
			if err := d.notify.stallSnapshot(gctx, d.repo, sessionID, now); err != nil {
				errMu.Lock()
				combined = multierr.Append(combined, fmt.Errorf("会话 %s 卡链快照: %w", sessionID, err))
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	d.logger.Info("检测到卡链", zap.Int("count", len(stalled)), zap.Int("sessions", len(bySession)))
	return combined
}
