package service

import (
	"context"

	"go.uber.org/zap"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/repository"
)

// RosterService 班级名册接口
type RosterService interface {
	Replace(ctx context.Context, classID string, req *dto.ReplaceRosterRequest) (*dto.RosterResponse, error)
	Get(ctx context.Context, classID string) (*dto.RosterResponse, error)
}

type rosterService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewRosterService 创建 RosterService 实例
func NewRosterService(repo *repository.Repository, logger *zap.Logger) RosterService {
	return &rosterService{repo: repo, logger: logger}
}

func (s *rosterService) Replace(ctx context.Context, classID string, req *dto.ReplaceRosterRequest) (*dto.RosterResponse, error) {
	ids := dedupe(req.StudentIDs)
	if err := s.repo.Enrollment.ReplaceRoster(ctx, classID, ids); err != nil {
		return nil, storageFailure(s.logger, "更新名册失败", err, zap.String("class_id", classID))
	}
	return s.Get(ctx, classID)
}

func (s *rosterService) Get(ctx context.Context, classID string) (*dto.RosterResponse, error) {
	ids, err := s.repo.Enrollment.ListStudentIDs(ctx, classID)
	if err != nil {
		return nil, storageFailure(s.logger, "查询名册失败", err, zap.String("class_id", classID))
	}
	if ids == nil {
		ids = []string{}
	}
	return &dto.RosterResponse{ClassID: classID, StudentIDs: ids}, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
