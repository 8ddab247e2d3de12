package service

import (
	"go.uber.org/zap"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
)

// Service 所有 Service 的聚合入口
type Service struct {
	Session  SessionService
	Roster   RosterService
	Chain    ChainService
	Rotating RotatingService

	// 后台任务，由 main 负责启动与停止
	Scheduler *RotationScheduler
	Stall     *StallDetector
}

// NewService 创建 Service 聚合
func NewService(
	cfg *config.Config,
	repo *repository.Repository,
	pub event.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) *Service {
	issuer := NewTokenIssuer(cfg)
	scheduler := NewRotationScheduler(repo, issuer, pub, clk, cfg.Rotating.RefreshInterval, logger.Named("rotation"))

	return &Service{
		Session:   NewSessionService(repo, scheduler, pub, clk, logger),
		Roster:    NewRosterService(repo, logger),
		Chain:     NewChainService(cfg, repo, issuer, pub, clk, logger),
		Rotating:  NewRotatingService(cfg, repo, issuer, scheduler, pub, clk, logger),
		Scheduler: scheduler,
		Stall: NewStallDetector(repo, pub, clk,
			cfg.Chain.StallThreshold, cfg.Chain.StallCheckInterval, logger.Named("stall")),
	}
}
