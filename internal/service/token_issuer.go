package service

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// TokenIssuer 签发与校验令牌。
// 只负责铸造与校验；旧令牌的作废与新令牌的落库由 ChainRepository 在链的临界区内完成。
type TokenIssuer struct {
	chainTTL    time.Duration
	recoveryTTL time.Duration
	rotatingTTL time.Duration
}

// NewTokenIssuer 创建 TokenIssuer
func NewTokenIssuer(cfg *config.Config) *TokenIssuer {
	return &TokenIssuer{
		chainTTL:    cfg.Chain.TokenTTL,
		recoveryTTL: cfg.Chain.RecoveryTokenTTL,
		rotatingTTL: cfg.Rotating.TokenTTL,
	}
}

// ChainTTL 普通交接令牌有效期
func (i *TokenIssuer) ChainTTL() time.Duration { return i.chainTTL }

// IssueChainToken 为链的持有人铸造交接令牌
func (i *TokenIssuer) IssueChainToken(chain *model.Chain, holderID string, now time.Time) *model.ChainToken {
	return i.mintChain(chain, holderID, now, i.chainTTL)
}

// IssueRecoveryToken set-holder 使用的令牌，有效期单独配置
func (i *TokenIssuer) IssueRecoveryToken(chain *model.Chain, holderID string, now time.Time) *model.ChainToken {
	return i.mintChain(chain, holderID, now, i.recoveryTTL)
}

func (i *TokenIssuer) mintChain(chain *model.Chain, holderID string, now time.Time, ttl time.Duration) *model.ChainToken {
	return &model.ChainToken{
		TokenID:   uuid.NewString(),
		ChainID:   chain.ChainID,
		SessionID: chain.SessionID,
		HolderID:  holderID,
		Etag:      NewEtag(),
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}
}

// IssueRotatingToken 铸造轮换令牌
func (i *TokenIssuer) IssueRotatingToken(sessionID string, kind model.RotatingKind, now time.Time) *model.RotatingToken {
	return &model.RotatingToken{
		TokenID:   uuid.NewString(),
		SessionID: sessionID,
		Kind:      kind,
		Etag:      NewEtag(),
		IssuedAt:  now,
		ExpiresAt: now.Add(i.rotatingTTL),
	}
}

// ValidateChain 校验顺序：已消费或 etag 不符 → TOKEN_ALREADY_USED；
// 已被新令牌替换或过期 → EXPIRED_TOKEN
func (i *TokenIssuer) ValidateChain(tok *model.ChainToken, etag string, now time.Time) error {
	if tok.ConsumedAt != nil || tok.Etag != etag {
		return pkgerrors.ErrTokenAlreadyUsed
	}
	if tok.RevokedAt != nil {
		return pkgerrors.ErrExpiredToken.WithMessage("二维码已被刷新，请扫描最新二维码")
	}
	if now.After(tok.ExpiresAt) {
		return pkgerrors.ErrExpiredToken
	}
	return nil
}

// ValidateRotating 轮换令牌不会被消费，只会过期
func (i *TokenIssuer) ValidateRotating(tok *model.RotatingToken, etag string, now time.Time) error {
	if tok.Etag != etag {
		return pkgerrors.ErrInvalidState.WithMessage("二维码无效")
	}
	if now.After(tok.ExpiresAt) {
		return pkgerrors.ErrExpiredToken
	}
	return nil
}

// NewEtag 生成不透明的版本标记
func NewEtag() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ── QR 载荷 ──

// ChainQR 交接令牌的二维码内容
func ChainQR(tok *model.ChainToken, phase model.Phase) *dto.QRPayload {
	typ := dto.QRTypeChain
	if phase == model.PhaseExit {
		typ = dto.QRTypeExitChain
	}
	return &dto.QRPayload{
		Type:      typ,
		SessionID: tok.SessionID,
		TokenID:   tok.TokenID,
		Etag:      tok.Etag,
		HolderID:  tok.HolderID,
		Exp:       tok.ExpiresAt.UnixMilli(),
	}
}

// RotatingQR 轮换令牌的二维码内容
func RotatingQR(tok *model.RotatingToken) *dto.QRPayload {
	typ := dto.QRTypeLateEntry
	if tok.Kind == model.RotatingEarlyLeave {
		typ = dto.QRTypeEarlyLeave
	}
	return &dto.QRPayload{
		Type:      typ,
		SessionID: tok.SessionID,
		TokenID:   tok.TokenID,
		Etag:      tok.Etag,
		Exp:       tok.ExpiresAt.UnixMilli(),
	}
}
