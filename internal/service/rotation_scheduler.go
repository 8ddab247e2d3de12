package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
	"baton-attendance/backend/pkg/metrics"
)

type rotationKey struct {
	sessionID string
	kind      model.RotatingKind
}

// RotationScheduler 每个开启中的窗口一个可取消的周期任务：
// 开启时立即铸造，此后每个 refresh_interval 再铸造一枚，窗口关闭即停止。
// 迟到窗口由 startAt + lateCutoff 推导，到点由定时器自动开启。
type RotationScheduler struct {
	repo     *repository.Repository
	issuer   *TokenIssuer
	notify   *notifier
	clock    clock.Clock
	logger   *zap.Logger
	interval time.Duration

	mu     sync.Mutex
	root   context.Context
	cancel context.CancelFunc
	jobs   map[rotationKey]context.CancelFunc
	timers map[string]*time.Timer
	wg     sync.WaitGroup
}

// NewRotationScheduler 创建 RotationScheduler
func NewRotationScheduler(
	repo *repository.Repository,
	issuer *TokenIssuer,
	pub event.Publisher,
	clk clock.Clock,
	interval time.Duration,
	logger *zap.Logger,
) *RotationScheduler {
	root, cancel := context.WithCancel(context.Background())
	return &RotationScheduler{
		repo:     repo,
		issuer:   issuer,
		notify:   &notifier{pub: pub, logger: logger},
		clock:    clk,
		logger:   logger,
		interval: interval,
		root:     root,
		cancel:   cancel,
		jobs:     make(map[rotationKey]context.CancelFunc),
		timers:   make(map[string]*time.Timer),
	}
}

// ────────────────────── Start / Stop ──────────────────────

// Start 开启轮换；已在运行时不重复开启
func (s *RotationScheduler) Start(sessionID string, kind model.RotatingKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startLocked(sessionID, kind)
}

// startLocked 调用方持有 s.mu
func (s *RotationScheduler) startLocked(sessionID string, kind model.RotatingKind) {
	key := rotationKey{sessionID: sessionID, kind: kind}
	if s.root.Err() != nil {
		return
	}
	if _, running := s.jobs[key]; running {
		return
	}
	ctx, cancel := context.WithCancel(s.root)
	s.jobs[key] = cancel
	s.wg.Add(1)

	metrics.ActiveRotations.Inc()
	s.logger.Info("轮换令牌任务开启", zap.String("session_id", sessionID), zap.String("kind", string(kind)))
	go s.run(ctx, key)
}

// Stop 关闭某个窗口的轮换
func (s *RotationScheduler) Stop(sessionID string, kind model.RotatingKind) {
	key := rotationKey{sessionID: sessionID, kind: kind}
	s.mu.Lock()
	cancel, ok := s.jobs[key]
	delete(s.jobs, key)
	s.mu.Unlock()

	if ok {
		cancel()
		s.logger.Info("轮换令牌任务关闭", zap.String("session_id", sessionID), zap.String("kind", string(kind)))
	}
}

// Running 某窗口的轮换任务是否在运行
func (s *RotationScheduler) Running(sessionID string, kind model.RotatingKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[rotationKey{sessionID: sessionID, kind: kind}]
	return ok
}

// ArmLateEntry 到达迟到截止时刻时开启 LATE_ENTRY 轮换；已过截止时刻则立即开启
func (s *RotationScheduler) ArmLateEntry(sess *model.Session) {
	if sess.Status != model.SessionActive {
		return
	}
	wait := sess.LateCutoffAt().Sub(s.clock.Now())
	if wait <= 0 {
		s.Start(sess.SessionID, model.RotatingLateEntry)
		return
	}

	sessionID := sess.SessionID
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.timers[sessionID]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(wait, func() { s.fireLateEntry(sessionID, timer) })
	s.timers[sessionID] = timer
}

// fireLateEntry 定时器到点；与 StopSession 在同一把锁内判定，已取消的定时器不再开启任务
func (s *RotationScheduler) fireLateEntry(sessionID string, timer *time.Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if current, armed := s.timers[sessionID]; !armed || current != timer {
		return
	}
	delete(s.timers, sessionID)
	s.startLocked(sessionID, model.RotatingLateEntry)
}

// StopSession 会话结束：取消该会话的全部任务与定时器
func (s *RotationScheduler) StopSession(sessionID string) {
	s.mu.Lock()
	if t, ok := s.timers[sessionID]; ok {
		t.Stop()
		delete(s.timers, sessionID)
	}
	s.mu.Unlock()

	s.Stop(sessionID, model.RotatingLateEntry)
	s.Stop(sessionID, model.RotatingEarlyLeave)
}

// Shutdown 停止全部任务并等待退出
func (s *RotationScheduler) Shutdown() {
	s.mu.Lock()
	s.cancel()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	for key := range s.jobs {
		delete(s.jobs, key)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// ────────────────────── Ensure ──────────────────────

// Ensure 返回当前有效的轮换令牌；没有时立即铸造一枚
func (s *RotationScheduler) Ensure(ctx context.Context, sessionID string, kind model.RotatingKind) (*model.RotatingToken, error) {
	tok, err := s.repo.Token.GetLatestRotating(ctx, sessionID, kind)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	if err == nil && !s.clock.Now().After(tok.ExpiresAt) {
		return tok, nil
	}
	return s.mint(ctx, sessionID, kind)
}

func (s *RotationScheduler) run(ctx context.Context, key rotationKey) {
	defer s.wg.Done()
	defer metrics.ActiveRotations.Dec()

	if _, err := s.mint(ctx, key.sessionID, key.kind); err != nil && ctx.Err() == nil {
		s.logger.Error("铸造轮换令牌失败", zap.String("session_id", key.sessionID), zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// 失败在下一个周期重试
			if _, err := s.mint(ctx, key.sessionID, key.kind); err != nil && ctx.Err() == nil {
				s.logger.Error("铸造轮换令牌失败", zap.String("session_id", key.sessionID), zap.Error(err))
			}
		}
	}
}

func (s *RotationScheduler) mint(ctx context.Context, sessionID string, kind model.RotatingKind) (*model.RotatingToken, error) {
	now := s.clock.Now()
	tok := s.issuer.IssueRotatingToken(sessionID, kind, now)
	if err := s.repo.Token.CreateRotating(ctx, tok); err != nil {
		return nil, err
	}
	s.notify.publish(ctx, event.TypeRotatingToken, sessionID, now, RotatingQR(tok))
	return tok, nil
}
