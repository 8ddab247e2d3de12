package service

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	pkgerrors "baton-attendance/backend/pkg/errors"
	"baton-attendance/backend/pkg/metrics"
)

// ────────────────────── Scan ──────────────────────

// Scan 交接一次接力链。同一令牌的并发请求只有一个成功，其余得到 TOKEN_ALREADY_USED：
// 进程内按链串行，跨实例由仓储层的 etag / last_seq 条件更新保证。
// 失败的扫码不在服务端重试，客户端需重新扫码。
func (s *chainService) Scan(ctx context.Context, phase model.Phase, req *dto.ScanRequest, scannerID, clientIP string) (resp *dto.ChainScanResponse, err error) {
	defer func() { metrics.ScanTotal.WithLabelValues(scanKind(phase), scanResult(err)).Inc() }()

	tok, err := s.lookupChainToken(ctx, req.TokenID)
	if err != nil {
		return nil, err
	}

	unlock := s.chainLocks.Lock(tok.ChainID)
	defer unlock()

	// 持锁后重新读取，排在前面的请求可能刚刚消费了它
	if tok, err = s.lookupChainToken(ctx, req.TokenID); err != nil {
		return nil, err
	}
	chain, err := s.repo.Chain.GetByID(ctx, tok.ChainID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("二维码无效")
		}
		return nil, storageFailure(s.logger, "查询接力链失败", err, zap.String("chain_id", tok.ChainID))
	}
	if chain.Phase != phase {
		return nil, pkgerrors.ErrInvalidState.WithMessage("二维码不属于该签到阶段")
	}

	now := s.clock.Now()
	if err := s.issuer.ValidateChain(tok, req.Etag, now); err != nil {
		return nil, err
	}

	sess, err := loadSession(ctx, s.repo, s.logger, chain.SessionID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}
	if chain.State != model.ChainActive {
		return nil, pkgerrors.ErrInvalidState.WithMessage("接力链当前不可交接")
	}

	if err := s.checkScanner(ctx, chain, scannerID); err != nil {
		return nil, err
	}

	warning, err := s.location.check(sess, phase, &req.Metadata, clientIP)
	if err != nil {
		return nil, err
	}

	prevHolder := chain.Holder()
	next := s.issuer.IssueChainToken(chain, scannerID, now)
	updated, err := s.repo.Chain.ApplyHandoff(ctx, &repository.HandoffParams{
		SessionID:       chain.SessionID,
		ChainID:         chain.ChainID,
		TokenID:         tok.TokenID,
		Etag:            req.Etag,
		ConsumedEtag:    NewEtag(),
		ExpectedSeq:     chain.LastSeq,
		FromHolder:      prevHolder,
		ToHolder:        scannerID,
		At:              now,
		LocationWarning: warning,
		NextToken:       next,
	})
	if err != nil {
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrTokenAlreadyUsed
		}
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageFailure(s.logger, "交接写入失败", err,
			zap.String("chain_id", chain.ChainID),
			zap.String("token_id", tok.TokenID),
		)
	}

	s.notify.chainUpdated(ctx, updated, now)
	s.notify.attendanceUpdated(ctx, s.repo, chain.SessionID, prevHolder, now)

	s.logger.Debug("接力交接成功",
		zap.String("chain_id", chain.ChainID),
		zap.Int64("seq", updated.LastSeq),
		zap.String("from", prevHolder),
		zap.String("to", scannerID),
	)

	return &dto.ChainScanResponse{
		Success:         true,
		HolderMarked:    prevHolder,
		NewHolder:       scannerID,
		NewToken:        next.TokenID,
		NewTokenEtag:    next.Etag,
		NewTokenQR:      ChainQR(next, phase),
		Sequence:        updated.LastSeq,
		LocationWarning: warning,
	}, nil
}

func (s *chainService) lookupChainToken(ctx context.Context, tokenID string) (*model.ChainToken, error) {
	tok, err := s.repo.Token.GetChainToken(ctx, tokenID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("二维码无效")
		}
		return nil, storageFailure(s.logger, "查询令牌失败", err, zap.String("token_id", tokenID))
	}
	return tok, nil
}

// checkScanner 扫码者不能是当前持有人，不能已在该阶段签到，不能正持有同阶段的其他链
func (s *chainService) checkScanner(ctx context.Context, chain *model.Chain, scannerID string) error {
	if scannerID == chain.Holder() {
		return pkgerrors.ErrIneligibleStudent.WithMessage("不能扫描自己的二维码")
	}

	rec, err := s.repo.Attendance.Get(ctx, chain.SessionID, scannerID)
	switch {
	case err == nil:
		if rec.VerifiedIn(chain.Phase) {
			return pkgerrors.ErrIneligibleStudent.WithMessage("已完成该阶段签到")
		}
		if chain.Phase == model.PhaseExit && rec.EarlyLeaveAt != nil {
			return pkgerrors.ErrIneligibleStudent.WithMessage("已登记早退")
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return storageFailure(s.logger, "查询考勤记录失败", err, zap.String("student_id", scannerID))
	}

	chains, err := s.repo.Chain.ListBySession(ctx, chain.SessionID, chain.Phase)
	if err != nil {
		return storageFailure(s.logger, "查询接力链失败", err, zap.String("session_id", chain.SessionID))
	}
	for _, c := range chains {
		if c.ChainID != chain.ChainID && c.State != model.ChainCompleted && c.Holder() == scannerID {
			return pkgerrors.ErrIneligibleStudent.WithMessage("正在持有其他接力链")
		}
	}
	return nil
}

func scanKind(phase model.Phase) string {
	if phase == model.PhaseExit {
		return "exit_chain"
	}
	return "chain"
}

// scanResult 指标标签：成功为 ok，业务错误为错误码
func scanResult(err error) string {
	if err == nil {
		return "ok"
	}
	if appErr := pkgerrors.AsAppError(err); appErr != nil {
		return string(appErr.Code)
	}
	return "internal"
}
