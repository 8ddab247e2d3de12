package repository

import (
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"baton-attendance/backend/internal/model"
)

// ── 仓储层状态冲突 ──
// 条件更新未命中时返回，由 Service 翻译为 INVALID_STATE / TOKEN_ALREADY_USED

var (
	ErrSessionNotActive = errors.New("会话不在进行中")
	ErrChainNotActive   = errors.New("接力链状态不允许该操作")
	ErrHolderBusy       = errors.New("学生已持有同阶段的其他接力链")
)

// Repository 所有 Repository 的聚合入口
type Repository struct {
	Session    SessionRepository
	Enrollment EnrollmentRepository
	Chain      ChainRepository
	Token      TokenRepository
	Attendance AttendanceRepository
}

// NewRepository 创建 Repository 聚合
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{
		Session:    NewSessionRepo(db),
		Enrollment: NewEnrollmentRepo(db),
		Chain:      NewChainRepo(db),
		Token:      NewTokenRepo(db),
		Attendance: NewAttendanceRepo(db),
	}
}

// lockActiveSession 在事务内以共享锁读取会话并要求其处于 ACTIVE。
// 同一会话的多条链可并行持有共享锁；结束会话的排他锁会与之互斥。
func lockActiveSession(tx *gorm.DB, sessionID string) (*model.Session, error) {
	var sess model.Session
	err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
		Where("session_id = ?", sessionID).
		First(&sess).Error
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionActive {
		return nil, ErrSessionNotActive
	}
	return &sess, nil
}
