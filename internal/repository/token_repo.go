package repository

import (
	"context"

	"gorm.io/gorm"

	"baton-attendance/backend/internal/model"
)

// TokenRepository 令牌数据访问接口
// 接力令牌的写入只经由 ChainRepository 的事务完成，这里只负责查询与轮换令牌的落库
type TokenRepository interface {
	GetChainToken(ctx context.Context, tokenID string) (*model.ChainToken, error)
	GetLiveChainToken(ctx context.Context, chainID string) (*model.ChainToken, error)
	CreateRotating(ctx context.Context, tok *model.RotatingToken) error
	GetRotating(ctx context.Context, tokenID string) (*model.RotatingToken, error)
	GetLatestRotating(ctx context.Context, sessionID string, kind model.RotatingKind) (*model.RotatingToken, error)
}

type tokenRepo struct {
	db *gorm.DB
}

// NewTokenRepo 创建 TokenRepository 实例
func NewTokenRepo(db *gorm.DB) TokenRepository {
	return &tokenRepo{db: db}
}

func (r *tokenRepo) GetChainToken(ctx context.Context, tokenID string) (*model.ChainToken, error) {
	var tok model.ChainToken
	err := r.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (r *tokenRepo) GetLiveChainToken(ctx context.Context, chainID string) (*model.ChainToken, error) {
	var tok model.ChainToken
	err := r.db.WithContext(ctx).
		Where("chain_id = ? AND consumed_at IS NULL AND revoked_at IS NULL", chainID).
		Order("issued_at DESC").
		First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (r *tokenRepo) CreateRotating(ctx context.Context, tok *model.RotatingToken) error {
	return r.db.WithContext(ctx).Create(tok).Error
}

func (r *tokenRepo) GetRotating(ctx context.Context, tokenID string) (*model.RotatingToken, error) {
	var tok model.RotatingToken
	err := r.db.WithContext(ctx).
		Where("token_id = ?", tokenID).
		First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}

func (r *tokenRepo) GetLatestRotating(ctx context.Context, sessionID string, kind model.RotatingKind) (*model.RotatingToken, error) {
	var tok model.RotatingToken
	err := r.db.WithContext(ctx).
		Where("session_id = ? AND kind = ?", sessionID, kind).
		Order("issued_at DESC").
		First(&tok).Error
	if err != nil {
		return nil, err
	}
	return &tok, nil
}
