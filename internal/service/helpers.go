package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

const publishTimeout = 2 * time.Second

// ── 通用错误翻译 ──

// storageFailure 非业务错误统一记为存储不可用（可重试），原始错误只进日志
func storageFailure(logger *zap.Logger, msg string, err error, fields ...zap.Field) error {
	logger.Error(msg, append(fields, zap.Error(err))...)
	return pkgerrors.ErrStorageUnavailable
}

// stateConflict 将仓储层的状态冲突翻译为 INVALID_STATE，其他错误返回 nil
func stateConflict(err error) error {
	switch {
	case errors.Is(err, repository.ErrSessionNotActive):
		return pkgerrors.ErrInvalidState.WithMessage("会话已结束")
	case errors.Is(err, repository.ErrChainNotActive):
		return pkgerrors.ErrInvalidState.WithMessage("接力链当前状态不允许该操作")
	case errors.Is(err, repository.ErrHolderBusy):
		return pkgerrors.ErrIneligibleStudent.WithMessage("正在持有其他接力链")
	}
	return nil
}

func loadSession(ctx context.Context, repo *repository.Repository, logger *zap.Logger, id string) (*model.Session, error) {
	sess, err := repo.Session.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("会话不存在")
		}
		return nil, storageFailure(logger, "查询会话失败", err, zap.String("session_id", id))
	}
	return sess, nil
}

// loadOwnedSession 教师指令只能作用于自己创建的会话
func loadOwnedSession(ctx context.Context, repo *repository.Repository, logger *zap.Logger, id, callerID string) (*model.Session, error) {
	sess, err := loadSession(ctx, repo, logger, id)
	if err != nil {
		return nil, err
	}
	if sess.TeacherID != callerID {
		return nil, pkgerrors.ErrUnauthorized.WithMessage("只能操作自己创建的会话")
	}
	return sess, nil
}

func requireActive(sess *model.Session) error {
	if sess.Status != model.SessionActive {
		return pkgerrors.ErrInvalidState.WithMessage("会话已结束")
	}
	return nil
}

// ── 事件通知 ──

// notifier 发布失败只记日志：对应的状态变更已经提交
type notifier struct {
	pub    event.Publisher
	logger *zap.Logger
}

func (n *notifier) publish(ctx context.Context, typ event.Type, sessionID string, at time.Time, payload interface{}) {
	n.send(ctx, typ, sessionID, at, payload, false)
}

// sessionEnded 会话的最后一条事件，订阅者收到后连接随之关闭
func (n *notifier) sessionEnded(ctx context.Context, sessionID string, at time.Time, payload interface{}) {
	n.send(ctx, event.TypeSessionUpdate, sessionID, at, payload, true)
}

func (n *notifier) send(ctx context.Context, typ event.Type, sessionID string, at time.Time, payload interface{}, final bool) {
	ev, err := event.New(typ, sessionID, at, payload)
	if err != nil {
		n.logger.Error("序列化事件失败", zap.String("event", string(typ)), zap.Error(err))
		return
	}
	ev.Final = final
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.pub.Publish(ctx, ev); err != nil {
		n.logger.Error("发布事件失败",
			zap.String("event", string(typ)),
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
}

func (n *notifier) chainUpdated(ctx context.Context, chain *model.Chain, at time.Time) {
	n.publish(ctx, event.TypeChainUpdate, chain.SessionID, at, toChainResponse(chain))
}

func (n *notifier) attendanceUpdated(ctx context.Context, repo *repository.Repository, sessionID, studentID string, at time.Time) {
	rec, err := repo.Attendance.Get(ctx, sessionID, studentID)
	if err != nil {
		n.logger.Error("读取考勤记录失败", zap.String("student_id", studentID), zap.Error(err))
		return
	}
	n.publish(ctx, event.TypeAttendanceUpdate, sessionID, at, toAttendanceResponse(rec))
}

// stallSnapshot 发布会话当前全部 STALLED 链（快照而非增量）
func (n *notifier) stallSnapshot(ctx context.Context, repo *repository.Repository, sessionID string, at time.Time) error {
	ids, err := repo.Chain.ListStalledIDs(ctx, sessionID)
	if err != nil {
		return err
	}
	if ids == nil {
		ids = []string{}
	}
	n.publish(ctx, event.TypeStallAlert, sessionID, at, dto.StallAlert{ChainIDs: ids})
	return nil
}

// ── DTO 转换 ──

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func toSessionResponse(sess *model.Session, now time.Time) *dto.SessionResponse {
	startAt, endAt := sess.StartAt, sess.EndAt
	resp := &dto.SessionResponse{
		ID:                sess.SessionID,
		ClassID:           sess.ClassID,
		TeacherID:         sess.TeacherID,
		StartAt:           formatTime(&startAt),
		EndAt:             formatTime(&endAt),
		LateCutoffMinutes: sess.LateCutoffMinutes,
		ExitWindowMinutes: sess.ExitWindowMinutes,
		Status:            string(sess.Status),
		LateEntryActive:   sess.LateEntryActive(now),
		EarlyLeaveActive:  sess.EarlyLeaveActive && sess.Status == model.SessionActive,
		LocationPolicy:    string(sess.LocationPolicy),
		AllowedNetworks:   []string(sess.AllowedNetworks),
		HasGeofence:       sess.HasGeofence(),
		EndedAt:           formatTime(sess.EndedAt),
	}
	return resp
}

func toChainResponse(c *model.Chain) dto.ChainResponse {
	return dto.ChainResponse{
		ChainID:    c.ChainID,
		SessionID:  c.SessionID,
		Phase:      string(c.Phase),
		Index:      c.Index,
		State:      string(c.State),
		LastHolder: c.Holder(),
		LastSeq:    c.LastSeq,
		LastAt:     formatTime(c.LastAt),
	}
}

func toAttendanceResponse(r *model.AttendanceRecord) dto.AttendanceResponse {
	return dto.AttendanceResponse{
		StudentID:       r.StudentID,
		EntryStatus:     string(r.EntryStatus),
		EntryAt:         formatTime(r.EntryAt),
		ExitVerified:    r.ExitVerified,
		ExitVerifiedAt:  formatTime(r.ExitVerifiedAt),
		EarlyLeaveAt:    formatTime(r.EarlyLeaveAt),
		FinalStatus:     string(r.FinalStatus),
		LocationWarning: r.LocationWarning,
	}
}

func toAttendanceList(records []model.AttendanceRecord) []dto.AttendanceResponse {
	out := make([]dto.AttendanceResponse, 0, len(records))
	for i := range records {
		out = append(out, toAttendanceResponse(&records[i]))
	}
	return out
}
