package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"baton-attendance/backend/internal/model"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// AttendanceRepository 考勤记录数据访问接口
type AttendanceRepository interface {
	Get(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error)
	ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error)
	// MarkLateEntry 仅当学生尚未入场时写入 LATE_ENTRY，否则返回 ErrOptimisticLock
	MarkLateEntry(ctx context.Context, sessionID, studentID string, at time.Time, warning string) error
	// MarkEarlyLeave 仅当学生已入场且尚未早退时写入，否则返回 ErrOptimisticLock
	MarkEarlyLeave(ctx context.Context, sessionID, studentID string, at time.Time, warning string) error
}

type attendanceRepo struct {
	db *gorm.DB
}

// NewAttendanceRepo 创建 AttendanceRepository 实例
func NewAttendanceRepo(db *gorm.DB) AttendanceRepository {
	return &attendanceRepo{db: db}
}

func (r *attendanceRepo) Get(ctx context.Context, sessionID, studentID string) (*model.AttendanceRecord, error) {
	var rec model.AttendanceRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND student_id = ?", sessionID, studentID).
		First(&rec).Error
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *attendanceRepo) ListBySession(ctx context.Context, sessionID string) ([]model.AttendanceRecord, error) {
	var records []model.AttendanceRecord
	err := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("student_id ASC").
		Find(&records).Error
	return records, err
}

func (r *attendanceRepo) MarkLateEntry(ctx context.Context, sessionID, studentID string, at time.Time, warning string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockActiveSession(tx, sessionID); err != nil {
			return err
		}
		rec := model.AttendanceRecord{SessionID: sessionID, StudentID: studentID}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		res := tx.Model(&model.AttendanceRecord{}).
			Where("session_id = ? AND student_id = ? AND entry_status = ?", sessionID, studentID, model.EntryNone).
			Updates(map[string]interface{}{
				"entry_status":     model.EntryLate,
				"entry_at":         at,
				"location_warning": warning,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.ErrOptimisticLock
		}
		return nil
	})
}

func (r *attendanceRepo) MarkEarlyLeave(ctx context.Context, sessionID, studentID string, at time.Time, warning string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockActiveSession(tx, sessionID); err != nil {
			return err
		}
		res := tx.Model(&model.AttendanceRecord{}).
			Where("session_id = ? AND student_id = ? AND entry_status <> ? AND early_leave_at IS NULL",
				sessionID, studentID, model.EntryNone).
			Updates(map[string]interface{}{
				"early_leave_at":   at,
				"location_warning": warning,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return pkgerrors.ErrOptimisticLock
		}
		return nil
	})
}
