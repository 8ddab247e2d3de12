package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"baton-attendance/backend/internal/model"
)

// EnrollmentRepository 班级名册数据访问接口
type EnrollmentRepository interface {
	ReplaceRoster(ctx context.Context, classID string, studentIDs []string) error
	ListStudentIDs(ctx context.Context, classID string) ([]string, error)
}

type enrollmentRepo struct {
	db *gorm.DB
}

// NewEnrollmentRepo 创建 EnrollmentRepository 实例
func NewEnrollmentRepo(db *gorm.DB) EnrollmentRepository {
	return &enrollmentRepo{db: db}
}

func (r *enrollmentRepo) ReplaceRoster(ctx context.Context, classID string, studentIDs []string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("class_id = ?", classID).Delete(&model.Enrollment{}).Error; err != nil {
			return err
		}
		return upsertEnrollments(tx, classID, studentIDs)
	})
}

func (r *enrollmentRepo) ListStudentIDs(ctx context.Context, classID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Enrollment{}).
		Where("class_id = ?", classID).
		Order("student_id ASC").
		Pluck("student_id", &ids).Error
	return ids, err
}

func upsertEnrollments(tx *gorm.DB, classID string, studentIDs []string) error {
	if len(studentIDs) == 0 {
		return nil
	}
	rows := make([]model.Enrollment, 0, len(studentIDs))
	for _, id := range studentIDs {
		rows = append(rows, model.Enrollment{ClassID: classID, StudentID: id})
	}
	return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rows).Error
}
