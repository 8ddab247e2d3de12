package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"baton-attendance/backend/internal/model"
)

// FinalizeFunc 根据名册与现有记录计算最终考勤，须为纯函数
type FinalizeFunc func(sessionID string, roster []string, records []model.AttendanceRecord, at time.Time) []model.AttendanceRecord

// SessionRepository 会话数据访问接口
type SessionRepository interface {
	Create(ctx context.Context, sess *model.Session, studentIDs []string) error
	GetByID(ctx context.Context, id string) (*model.Session, error)
	ListActive(ctx context.Context) ([]model.Session, error)
	SetEarlyLeave(ctx context.Context, id string, active bool) error
	// End 在同一事务内完成 ACTIVE→ENDED 与最终考勤写入
	End(ctx context.Context, id string, at time.Time, finalize FinalizeFunc) ([]model.AttendanceRecord, error)
}

type sessionRepo struct {
	db *gorm.DB
}

// NewSessionRepo 创建 SessionRepository 实例
func NewSessionRepo(db *gorm.DB) SessionRepository {
	return &sessionRepo{db: db}
}

func (r *sessionRepo) Create(ctx context.Context, sess *model.Session, studentIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(sess).Error; err != nil {
			return err
		}
		if len(studentIDs) == 0 {
			return nil
		}
		return upsertEnrollments(tx, sess.ClassID, studentIDs)
	})
}

func (r *sessionRepo) GetByID(ctx context.Context, id string) (*model.Session, error) {
	var sess model.Session
	err := r.db.WithContext(ctx).
		Where("session_id = ?", id).
		First(&sess).Error
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *sessionRepo) ListActive(ctx context.Context) ([]model.Session, error) {
	var sessions []model.Session
	err := r.db.WithContext(ctx).
		Where("status = ?", model.SessionActive).
		Order("start_at ASC").
		Find(&sessions).Error
	return sessions, err
}

func (r *sessionRepo) SetEarlyLeave(ctx context.Context, id string, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&model.Session{}).
		Where("session_id = ? AND status = ?", id, model.SessionActive).
		Update("early_leave_active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotActive
	}
	return nil
}

func (r *sessionRepo) End(ctx context.Context, id string, at time.Time, finalize FinalizeFunc) ([]model.AttendanceRecord, error) {
	var final []model.AttendanceRecord
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess model.Session
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("session_id = ?", id).
			First(&sess).Error; err != nil {
			return err
		}
		if sess.Status != model.SessionActive {
			return ErrSessionNotActive
		}

		result := tx.Model(&model.Session{}).
			Where("session_id = ? AND status = ?", id, model.SessionActive).
			Updates(map[string]interface{}{
				"status":             model.SessionEnded,
				"ended_at":           at,
				"early_leave_active": false,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrSessionNotActive
		}

		var roster []string
		if err := tx.Model(&model.Enrollment{}).
			Where("class_id = ?", sess.ClassID).
			Order("student_id ASC").
			Pluck("student_id", &roster).Error; err != nil {
			return err
		}

		var records []model.AttendanceRecord
		if err := tx.Where("session_id = ?", id).
			Order("student_id ASC").
			Find(&records).Error; err != nil {
			return err
		}

		final = finalize(id, roster, records, at)
		if len(final) == 0 {
			return nil
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}, {Name: "student_id"}},
			UpdateAll: true,
		}).Create(&final).Error
	})
	if err != nil {
		return nil, err
	}
	return final, nil
}
