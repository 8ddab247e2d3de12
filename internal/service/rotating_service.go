package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
	pkgerrors "baton-attendance/backend/pkg/errors"
	"baton-attendance/backend/pkg/metrics"
)

// RotatingService 迟到 / 早退轮换二维码接口
type RotatingService interface {
	// Scan 同一枚未过期的轮换令牌可被任意多名学生扫描，每人只生效一次
	Scan(ctx context.Context, kind model.RotatingKind, req *dto.ScanRequest, scannerID, clientIP string) (*dto.ChainScanResponse, error)
	CurrentQR(ctx context.Context, sessionID string, kind model.RotatingKind, callerID string) (*dto.RotatingQRResponse, error)
}

type rotatingService struct {
	repo      *repository.Repository
	issuer    *TokenIssuer
	scheduler *RotationScheduler
	location  *locationChecker
	notify    *notifier
	clock     clock.Clock
	logger    *zap.Logger
}

// NewRotatingService 创建 RotatingService 实例
func NewRotatingService(
	cfg *config.Config,
	repo *repository.Repository,
	issuer *TokenIssuer,
	scheduler *RotationScheduler,
	pub event.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) RotatingService {
	return &rotatingService{
		repo:      repo,
		issuer:    issuer,
		scheduler: scheduler,
		location:  newLocationChecker(&cfg.Location),
		notify:    &notifier{pub: pub, logger: logger},
		clock:     clk,
		logger:    logger,
	}
}

// ────────────────────── Scan ──────────────────────

func (s *rotatingService) Scan(ctx context.Context, kind model.RotatingKind, req *dto.ScanRequest, scannerID, clientIP string) (resp *dto.ChainScanResponse, err error) {
	defer func() { metrics.ScanTotal.WithLabelValues(rotatingScanKind(kind), scanResult(err)).Inc() }()

	tok, err := s.repo.Token.GetRotating(ctx, req.TokenID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("二维码无效")
		}
		return nil, storageFailure(s.logger, "查询轮换令牌失败", err, zap.String("token_id", req.TokenID))
	}
	if tok.Kind != kind {
		return nil, pkgerrors.ErrInvalidState.WithMessage("二维码类型不符")
	}

	now := s.clock.Now()
	if err := s.issuer.ValidateRotating(tok, req.Etag, now); err != nil {
		return nil, err
	}

	sess, err := loadSession(ctx, s.repo, s.logger, tok.SessionID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	phase := model.PhaseEntry
	if kind == model.RotatingLateEntry {
		if !sess.LateEntryActive(now) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("迟到签到尚未开放")
		}
	} else {
		phase = model.PhaseExit
		if !sess.EarlyLeaveActive {
			return nil, pkgerrors.ErrInvalidState.WithMessage("早退登记未开启")
		}
	}

	if err := s.checkScanner(ctx, sess.SessionID, kind, scannerID); err != nil {
		return nil, err
	}

	warning, err := s.location.check(sess, phase, &req.Metadata, clientIP)
	if err != nil {
		return nil, err
	}

	if kind == model.RotatingLateEntry {
		err = s.repo.Attendance.MarkLateEntry(ctx, sess.SessionID, scannerID, now, warning)
	} else {
		err = s.repo.Attendance.MarkEarlyLeave(ctx, sess.SessionID, scannerID, now, warning)
	}
	if err != nil {
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrIneligibleStudent.WithMessage("已登记，无需重复扫码")
		}
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageFailure(s.logger, "写入考勤记录失败", err,
			zap.String("session_id", sess.SessionID),
			zap.String("student_id", scannerID),
		)
	}

	s.notify.attendanceUpdated(ctx, s.repo, sess.SessionID, scannerID, now)
	return &dto.ChainScanResponse{
		Success:         true,
		HolderMarked:    scannerID,
		LocationWarning: warning,
	}, nil
}

// checkScanner 迟到：尚未入场；早退：已入场且尚未早退
func (s *rotatingService) checkScanner(ctx context.Context, sessionID string, kind model.RotatingKind, scannerID string) error {
	rec, err := s.repo.Attendance.Get(ctx, sessionID, scannerID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return storageFailure(s.logger, "查询考勤记录失败", err, zap.String("student_id", scannerID))
	}
	found := err == nil

	if kind == model.RotatingLateEntry {
		if found && rec.EntryStatus != model.EntryNone {
			return pkgerrors.ErrIneligibleStudent.WithMessage("已完成入场签到")
		}
		return nil
	}
	if !found || rec.EntryStatus == model.EntryNone {
		return pkgerrors.ErrIneligibleStudent.WithMessage("尚未入场签到，无法登记早退")
	}
	if rec.EarlyLeaveAt != nil {
		return pkgerrors.ErrIneligibleStudent.WithMessage("已登记早退")
	}
	return nil
}

// ────────────────────── CurrentQR ──────────────────────

// CurrentQR 窗口未开启时返回 active=false 且不含令牌
func (s *rotatingService) CurrentQR(ctx context.Context, sessionID string, kind model.RotatingKind, callerID string) (*dto.RotatingQRResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID)
	if err != nil {
		return nil, err
	}

	active := sess.Status == model.SessionActive
	if kind == model.RotatingLateEntry {
		active = sess.LateEntryActive(s.clock.Now())
	} else {
		active = active && sess.EarlyLeaveActive
	}
	if !active {
		return &dto.RotatingQRResponse{Active: false}, nil
	}

	tok, err := s.scheduler.Ensure(ctx, sessionID, kind)
	if err != nil {
		return nil, storageFailure(s.logger, "获取轮换令牌失败", err, zap.String("session_id", sessionID))
	}
	return &dto.RotatingQRResponse{Token: RotatingQR(tok), Active: true}, nil
}

func rotatingScanKind(kind model.RotatingKind) string {
	if kind == model.RotatingEarlyLeave {
		return "early_leave"
	}
	return "late_entry"
}
