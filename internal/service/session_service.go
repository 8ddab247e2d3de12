package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// SessionService 会话 / 阶段管理接口
type SessionService interface {
	Create(ctx context.Context, req *dto.CreateSessionRequest, teacherID string) (*dto.SessionResponse, error)
	Get(ctx context.Context, id string) (*dto.SessionResponse, error)
	End(ctx context.Context, id, callerID string) (*dto.EndSessionResponse, error)
	StartEarlyLeave(ctx context.Context, id, callerID string) (*dto.SessionResponse, error)
	StopEarlyLeave(ctx context.Context, id, callerID string) (*dto.SessionResponse, error)
	ListAttendance(ctx context.Context, id, callerID string) ([]dto.AttendanceResponse, error)
	// RestoreWindows 进程启动时为进行中的会话恢复轮换任务与迟到定时器
	RestoreWindows(ctx context.Context) error
}

type sessionService struct {
	repo      *repository.Repository
	scheduler *RotationScheduler
	notify    *notifier
	clock     clock.Clock
	logger    *zap.Logger
}

// NewSessionService 创建 SessionService 实例
func NewSessionService(
	repo *repository.Repository,
	scheduler *RotationScheduler,
	pub event.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) SessionService {
	return &sessionService{
		repo:      repo,
		scheduler: scheduler,
		notify:    &notifier{pub: pub, logger: logger},
		clock:     clk,
		logger:    logger,
	}
}

// ────────────────────── Create ──────────────────────

func (s *sessionService) Create(ctx context.Context, req *dto.CreateSessionRequest, teacherID string) (*dto.SessionResponse, error) {
	startAt, err := time.Parse(time.RFC3339, req.StartAt)
	if err != nil {
		return nil, pkgerrors.ErrValidationFailed.WithMessage("startAt 必须为 RFC3339 时间")
	}
	endAt, err := time.Parse(time.RFC3339, req.EndAt)
	if err != nil {
		return nil, pkgerrors.ErrValidationFailed.WithMessage("endAt 必须为 RFC3339 时间")
	}
	if !endAt.After(startAt) {
		return nil, pkgerrors.ErrValidationFailed.WithMessage("endAt 必须晚于 startAt")
	}

	policy := model.LocationWarn
	if req.LocationPolicy == string(model.LocationBlock) {
		policy = model.LocationBlock
	}

	sess := &model.Session{
		ClassID:           req.ClassID,
		TeacherID:         teacherID,
		StartAt:           startAt.UTC(),
		EndAt:             endAt.UTC(),
		LateCutoffMinutes: req.LateCutoffMinutes,
		ExitWindowMinutes: req.ExitWindowMinutes,
		Status:            model.SessionActive,
		LocationPolicy:    policy,
	}
	if req.Geofence != nil {
		lat, lng, radius := req.Geofence.Lat, req.Geofence.Lng, req.Geofence.RadiusM
		sess.GeofenceLat, sess.GeofenceLng, sess.GeofenceRadiusM = &lat, &lng, &radius
	}
	if len(req.AllowedNetworks) > 0 {
		sess.AllowedNetworks = datatypes.JSONSlice[string](req.AllowedNetworks)
	}

	if err := s.repo.Session.Create(ctx, sess, dedupe(req.StudentIDs)); err != nil {
		return nil, storageFailure(s.logger, "创建会话失败", err, zap.String("class_id", req.ClassID))
	}

	s.scheduler.ArmLateEntry(sess)
	s.logger.Info("会话已创建",
		zap.String("session_id", sess.SessionID),
		zap.String("class_id", sess.ClassID),
		zap.String("teacher_id", teacherID),
	)

	return toSessionResponse(sess, s.clock.Now()), nil
}

// ────────────────────── Get ──────────────────────

func (s *sessionService) Get(ctx context.Context, id string) (*dto.SessionResponse, error) {
	sess, err := loadSession(ctx, s.repo, s.logger, id)
	if err != nil {
		return nil, err
	}
	return toSessionResponse(sess, s.clock.Now()), nil
}

// ────────────────────── End ──────────────────────

func (s *sessionService) End(ctx context.Context, id, callerID string) (*dto.EndSessionResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, id, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	records, err := s.repo.Session.End(ctx, id, now, Finalize)
	if err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageFailure(s.logger, "结束会话失败", err, zap.String("session_id", id))
	}

	s.scheduler.StopSession(id)

	sess.Status = model.SessionEnded
	sess.EndedAt = &now
	sess.EarlyLeaveActive = false
	resp := &dto.EndSessionResponse{
		Session: *toSessionResponse(sess, now),
		Records: toAttendanceList(records),
	}

	for i := range resp.Records {
		s.notify.publish(ctx, event.TypeAttendanceUpdate, id, now, resp.Records[i])
	}
	s.notify.sessionEnded(ctx, id, now, resp.Session)

	s.logger.Info("会话已结束", zap.String("session_id", id), zap.Int("records", len(records)))
	return resp, nil
}

// ────────────────────── Early leave window ──────────────────────

func (s *sessionService) StartEarlyLeave(ctx context.Context, id, callerID string) (*dto.SessionResponse, error) {
	return s.toggleEarlyLeave(ctx, id, callerID, true)
}

func (s *sessionService) StopEarlyLeave(ctx context.Context, id, callerID string) (*dto.SessionResponse, error) {
	return s.toggleEarlyLeave(ctx, id, callerID, false)
}

func (s *sessionService) toggleEarlyLeave(ctx context.Context, id, callerID string, active bool) (*dto.SessionResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, id, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	if err := s.repo.Session.SetEarlyLeave(ctx, id, active); err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageFailure(s.logger, "切换早退窗口失败", err, zap.String("session_id", id))
	}

	if active {
		s.scheduler.Start(id, model.RotatingEarlyLeave)
	} else {
		s.scheduler.Stop(id, model.RotatingEarlyLeave)
	}

	now := s.clock.Now()
	sess.EarlyLeaveActive = active
	resp := toSessionResponse(sess, now)
	s.notify.publish(ctx, event.TypeSessionUpdate, id, now, resp)
	return resp, nil
}

// ────────────────────── ListAttendance ──────────────────────

// ListAttendance 名册内未出现的学生也返回一条空记录
func (s *sessionService) ListAttendance(ctx context.Context, id, callerID string) ([]dto.AttendanceResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, id, callerID)
	if err != nil {
		return nil, err
	}

	records, err := s.repo.Attendance.ListBySession(ctx, id)
	if err != nil {
		return nil, storageFailure(s.logger, "查询考勤记录失败", err, zap.String("session_id", id))
	}
	roster, err := s.repo.Enrollment.ListStudentIDs(ctx, sess.ClassID)
	if err != nil {
		return nil, storageFailure(s.logger, "查询名册失败", err, zap.String("class_id", sess.ClassID))
	}

	seen := make(map[string]struct{}, len(records))
	for _, r := range records {
		seen[r.StudentID] = struct{}{}
	}
	for _, studentID := range roster {
		if _, ok := seen[studentID]; !ok {
			records = append(records, model.AttendanceRecord{SessionID: id, StudentID: studentID})
		}
	}
	return toAttendanceList(records), nil
}

// ────────────────────── RestoreWindows ──────────────────────

func (s *sessionService) RestoreWindows(ctx context.Context) error {
	sessions, err := s.repo.Session.ListActive(ctx)
	if err != nil {
		return err
	}
	for i := range sessions {
		sess := &sessions[i]
		s.scheduler.ArmLateEntry(sess)
		if sess.EarlyLeaveActive {
			s.scheduler.Start(sess.SessionID, model.RotatingEarlyLeave)
		}
	}
	s.logger.Info("已恢复进行中会话的轮换任务", zap.Int("sessions", len(sessions)))
	return nil
}
