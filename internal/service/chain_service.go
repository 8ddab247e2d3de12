package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/internal/repository"
	"baton-attendance/backend/pkg/clock"
	pkgerrors "baton-attendance/backend/pkg/errors"
	"baton-attendance/backend/pkg/metrics"
)

// ChainService 接力链登记与扫码交接接口
type ChainService interface {
	Seed(ctx context.Context, sessionID string, phase model.Phase, count int, callerID string) (*dto.SeedResponse, error)
	Reseed(ctx context.Context, sessionID string, phase model.Phase, count int, callerID string) (*dto.SeedResponse, error)
	Close(ctx context.Context, sessionID, chainID, callerID string) (*dto.CloseChainResponse, error)
	SetHolder(ctx context.Context, sessionID, chainID, studentID, callerID string) (*dto.SetHolderResponse, error)
	List(ctx context.Context, sessionID string, phase model.Phase, callerID string) ([]dto.ChainResponse, error)
	History(ctx context.Context, sessionID, chainID, callerID string) ([]dto.ChainHopResponse, error)
	// HolderToken 当前持有人获取要展示的二维码，剩余有效期不足四分之一时轮换
	HolderToken(ctx context.Context, sessionID, chainID, studentID string) (*dto.QRPayload, error)
	Scan(ctx context.Context, phase model.Phase, req *dto.ScanRequest, scannerID, clientIP string) (*dto.ChainScanResponse, error)
}

type chainService struct {
	repo       *repository.Repository
	issuer     *TokenIssuer
	location   *locationChecker
	notify     *notifier
	clock      clock.Clock
	logger     *zap.Logger
	chainLocks *keyedMutex
	seedLocks  *keyedMutex
	shuffle    func([]string)
}

// NewChainService 创建 ChainService 实例
func NewChainService(
	cfg *config.Config,
	repo *repository.Repository,
	issuer *TokenIssuer,
	pub event.Publisher,
	clk clock.Clock,
	logger *zap.Logger,
) ChainService {
	return &chainService{
		repo:       repo,
		issuer:     issuer,
		location:   newLocationChecker(&cfg.Location),
		notify:     &notifier{pub: pub, logger: logger},
		clock:      clk,
		logger:     logger,
		chainLocks: newKeyedMutex(),
		seedLocks:  newKeyedMutex(),
		shuffle: func(ids []string) {
			rand.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
		},
	}
}

// ────────────────────── Seed ──────────────────────

func (s *chainService) Seed(ctx context.Context, sessionID string, phase model.Phase, count int, callerID string) (*dto.SeedResponse, error) {
	if !phase.Valid() || count < 1 {
		return nil, pkgerrors.ErrValidationFailed
	}
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if phase == model.PhaseExit && !sess.ExitWindowOpen(now) {
		return nil, pkgerrors.ErrInvalidState.WithMessage("离场窗口尚未开启")
	}

	unlock := s.seedLocks.Lock(seedKey(sessionID, phase))
	defer unlock()

	eligible, err := s.eligibleHolders(ctx, sess, phase, nil)
	if err != nil {
		return nil, err
	}
	if len(eligible) < count {
		return nil, pkgerrors.ErrInsufficientEligibleStudents.WithMessage(
			fmt.Sprintf("可选学生 %d 人，少于请求的 %d 条链", len(eligible), count))
	}
	s.shuffle(eligible)

	chains := make([]model.Chain, count)
	tokens := make([]model.ChainToken, count)
	for i, holder := range eligible[:count] {
		holder, at := holder, now
		chains[i] = model.Chain{
			ChainID:    uuid.NewString(),
			SessionID:  sessionID,
			Phase:      phase,
			State:      model.ChainActive,
			LastHolder: &holder,
			LastSeq:    0,
			LastAt:     &at,
			Version:    1,
		}
		tokens[i] = *s.issuer.IssueChainToken(&chains[i], holder, now)
	}

	if err := s.repo.Chain.CreateChains(ctx, chains, tokens); err != nil {
		// 选中的学生在播种期间经扫码接过了另一条链
		if errors.Is(err, repository.ErrHolderBusy) {
			return nil, pkgerrors.ErrInsufficientEligibleStudents.WithMessage("可选学生已变化，请重试")
		}
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		return nil, storageFailure(s.logger, "创建接力链失败", err, zap.String("session_id", sessionID))
	}
	metrics.ChainsSeeded.WithLabelValues(string(phase)).Add(float64(count))

	for i := range chains {
		s.notify.chainUpdated(ctx, &chains[i], now)
	}
	s.logger.Info("接力链已播种",
		zap.String("session_id", sessionID),
		zap.String("phase", string(phase)),
		zap.Int("count", count),
	)
	return seedResponse(chains), nil
}

// ────────────────────── Reseed ──────────────────────

// Reseed 只作用于 STALLED 链，请求数超过卡住的链数时只处理实际卡住的链
func (s *chainService) Reseed(ctx context.Context, sessionID string, phase model.Phase, count int, callerID string) (*dto.SeedResponse, error) {
	if !phase.Valid() || count < 1 {
		return nil, pkgerrors.ErrValidationFailed
	}
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	unlock := s.seedLocks.Lock(seedKey(sessionID, phase))
	defer unlock()

	all, err := s.repo.Chain.ListBySession(ctx, sessionID, phase)
	if err != nil {
		return nil, storageFailure(s.logger, "查询接力链失败", err, zap.String("session_id", sessionID))
	}
	targets := make([]model.Chain, 0, count)
	for _, c := range all {
		if c.State == model.ChainStalled && len(targets) < count {
			targets = append(targets, c)
		}
	}
	if len(targets) == 0 {
		return seedResponse(nil), nil
	}

	ids := make([]string, 0, len(targets))
	for _, c := range targets {
		ids = append(ids, c.ChainID)
	}
	sort.Strings(ids)
	for _, id := range ids {
		defer s.chainLocks.Lock(id)()
	}

	releasing := make(map[string]bool, len(targets))
	for _, c := range targets {
		releasing[c.ChainID] = true
	}
	eligible, err := s.eligibleHolders(ctx, sess, phase, releasing)
	if err != nil {
		return nil, err
	}
	if len(eligible) < len(targets) {
		return nil, pkgerrors.ErrInsufficientEligibleStudents.WithMessage(
			fmt.Sprintf("可选学生 %d 人，少于需要重新播种的 %d 条链", len(eligible), len(targets)))
	}
	s.shuffle(eligible)

	now := s.clock.Now()
	used := make(map[string]bool, len(targets))
	params := make([]repository.ReassignParams, 0, len(targets))
	for i := range targets {
		holder := pickFresh(eligible, used, targets[i].Holder())
		used[holder] = true
		params = append(params, repository.ReassignParams{
			SessionID:     sessionID,
			ChainID:       targets[i].ChainID,
			AllowedStates: []model.ChainState{model.ChainStalled},
			NewHolder:     holder,
			At:            now,
			NextToken:     s.issuer.IssueChainToken(&targets[i], holder, now),
		})
	}

	updated, err := s.repo.Chain.Reassign(ctx, params)
	if err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("接力链已被其他操作修改，请刷新后重试")
		}
		return nil, storageFailure(s.logger, "重新播种失败", err, zap.String("session_id", sessionID))
	}

	for i := range updated {
		s.notify.chainUpdated(ctx, &updated[i], now)
	}
	if err := s.notify.stallSnapshot(ctx, s.repo, sessionID, now); err != nil {
		s.logger.Error("发布卡链快照失败", zap.String("session_id", sessionID), zap.Error(err))
	}
	s.logger.Info("接力链已重新播种",
		zap.String("session_id", sessionID),
		zap.String("phase", string(phase)),
		zap.Int("count", len(updated)),
	)
	return seedResponse(updated), nil
}

// pickFresh 优先选择不是原持有人的学生，别无选择时才沿用原持有人
func pickFresh(candidates []string, used map[string]bool, previous string) string {
	fallback := ""
	for _, id := range candidates {
		if used[id] {
			continue
		}
		if id != previous {
			return id
		}
		fallback = id
	}
	return fallback
}

// ────────────────────── Close ──────────────────────

func (s *chainService) Close(ctx context.Context, sessionID, chainID, callerID string) (*dto.CloseChainResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	unlock := s.chainLocks.Lock(chainID)
	defer unlock()

	chain, err := s.loadChain(ctx, sessionID, chainID)
	if err != nil {
		return nil, err
	}
	if chain.State == model.ChainCompleted {
		return nil, pkgerrors.ErrInvalidState.WithMessage("接力链已结束")
	}
	holder := chain.Holder()
	if holder == "" {
		return nil, pkgerrors.ErrInvalidState.WithMessage("接力链没有持有人，无法收链")
	}
	wasStalled := chain.State == model.ChainStalled

	now := s.clock.Now()
	closed, err := s.repo.Chain.Close(ctx, &repository.CloseParams{
		SessionID:      sessionID,
		ChainID:        chainID,
		ExpectedHolder: holder,
		At:             now,
	})
	if err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("接力链已被其他操作修改，请刷新后重试")
		}
		return nil, storageFailure(s.logger, "收链失败", err, zap.String("chain_id", chainID))
	}

	s.notify.chainUpdated(ctx, closed, now)
	s.notify.attendanceUpdated(ctx, s.repo, sessionID, holder, now)
	if wasStalled {
		if err := s.notify.stallSnapshot(ctx, s.repo, sessionID, now); err != nil {
			s.logger.Error("发布卡链快照失败", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	return &dto.CloseChainResponse{FinalHolder: holder}, nil
}

// ────────────────────── SetHolder ──────────────────────

func (s *chainService) SetHolder(ctx context.Context, sessionID, chainID, studentID, callerID string) (*dto.SetHolderResponse, error) {
	sess, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}
	chain, err := s.loadChain(ctx, sessionID, chainID)
	if err != nil {
		return nil, err
	}

	unlockSeed := s.seedLocks.Lock(seedKey(sessionID, chain.Phase))
	defer unlockSeed()
	unlock := s.chainLocks.Lock(chainID)
	defer unlock()

	// 持锁后重新读取
	chain, err = s.loadChain(ctx, sessionID, chainID)
	if err != nil {
		return nil, err
	}
	if chain.State == model.ChainCompleted {
		return nil, pkgerrors.ErrInvalidState.WithMessage("接力链已结束")
	}
	wasStalled := chain.State == model.ChainStalled

	eligible, err := s.eligibleHolders(ctx, sess, chain.Phase, map[string]bool{chainID: true})
	if err != nil {
		return nil, err
	}
	if !contains(eligible, studentID) {
		return nil, pkgerrors.ErrIneligibleStudent.WithMessage("该学生已完成签到或正在持有其他接力链")
	}

	now := s.clock.Now()
	updated, err := s.repo.Chain.Reassign(ctx, []repository.ReassignParams{{
		SessionID:     sessionID,
		ChainID:       chainID,
		AllowedStates: []model.ChainState{model.ChainActive, model.ChainStalled},
		NewHolder:     studentID,
		At:            now,
		NextToken:     s.issuer.IssueRecoveryToken(chain, studentID, now),
	}})
	if err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrInvalidState.WithMessage("接力链已被其他操作修改，请刷新后重试")
		}
		return nil, storageFailure(s.logger, "指定持有人失败", err, zap.String("chain_id", chainID))
	}

	s.notify.chainUpdated(ctx, &updated[0], now)
	if wasStalled {
		if err := s.notify.stallSnapshot(ctx, s.repo, sessionID, now); err != nil {
			s.logger.Error("发布卡链快照失败", zap.String("session_id", sessionID), zap.Error(err))
		}
	}
	s.logger.Info("人工指定持有人",
		zap.String("chain_id", chainID),
		zap.String("previous", chain.Holder()),
		zap.String("holder", studentID),
	)
	return &dto.SetHolderResponse{NewHolder: studentID, Sequence: updated[0].LastSeq}, nil
}

// ────────────────────── List / History ──────────────────────

func (s *chainService) List(ctx context.Context, sessionID string, phase model.Phase, callerID string) ([]dto.ChainResponse, error) {
	if _, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID); err != nil {
		return nil, err
	}
	chains, err := s.repo.Chain.ListBySession(ctx, sessionID, phase)
	if err != nil {
		return nil, storageFailure(s.logger, "查询接力链失败", err, zap.String("session_id", sessionID))
	}
	out := make([]dto.ChainResponse, 0, len(chains))
	for i := range chains {
		out = append(out, toChainResponse(&chains[i]))
	}
	return out, nil
}

func (s *chainService) History(ctx context.Context, sessionID, chainID, callerID string) ([]dto.ChainHopResponse, error) {
	if _, err := loadOwnedSession(ctx, s.repo, s.logger, sessionID, callerID); err != nil {
		return nil, err
	}
	if _, err := s.loadChain(ctx, sessionID, chainID); err != nil {
		return nil, err
	}
	hops, err := s.repo.Chain.ListHops(ctx, chainID)
	if err != nil {
		return nil, storageFailure(s.logger, "查询交接历史失败", err, zap.String("chain_id", chainID))
	}
	out := make([]dto.ChainHopResponse, 0, len(hops))
	for i := range hops {
		at := hops[i].ScannedAt
		out = append(out, dto.ChainHopResponse{
			Sequence:   hops[i].Sequence,
			FromHolder: hops[i].FromHolder,
			ToHolder:   hops[i].ToHolder,
			ScannedAt:  formatTime(&at),
		})
	}
	return out, nil
}

// ────────────────────── HolderToken ──────────────────────

func (s *chainService) HolderToken(ctx context.Context, sessionID, chainID, studentID string) (*dto.QRPayload, error) {
	sess, err := loadSession(ctx, s.repo, s.logger, sessionID)
	if err != nil {
		return nil, err
	}
	if err := requireActive(sess); err != nil {
		return nil, err
	}

	unlock := s.chainLocks.Lock(chainID)
	defer unlock()

	chain, err := s.loadChain(ctx, sessionID, chainID)
	if err != nil {
		return nil, err
	}
	if chain.State != model.ChainActive {
		return nil, pkgerrors.ErrInvalidState.WithMessage("接力链当前不可交接")
	}
	if chain.Holder() != studentID {
		return nil, pkgerrors.ErrUnauthorized.WithMessage("只有当前持有人可以展示二维码")
	}

	now := s.clock.Now()
	live, err := s.repo.Token.GetLiveChainToken(ctx, chainID)
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storageFailure(s.logger, "查询令牌失败", err, zap.String("chain_id", chainID))
	}
	if err == nil && live.HolderID == studentID && live.ExpiresAt.Sub(now) > s.issuer.ChainTTL()/4 {
		return ChainQR(live, chain.Phase), nil
	}

	next := s.issuer.IssueChainToken(chain, studentID, now)
	if err := s.repo.Chain.RotateToken(ctx, &repository.RotateParams{
		SessionID: sessionID,
		ChainID:   chainID,
		HolderID:  studentID,
		At:        now,
		NextToken: next,
	}); err != nil {
		if conflict := stateConflict(err); conflict != nil {
			return nil, conflict
		}
		if errors.Is(err, pkgerrors.ErrOptimisticLock) {
			return nil, pkgerrors.ErrUnauthorized.WithMessage("持有人已变更")
		}
		return nil, storageFailure(s.logger, "刷新令牌失败", err, zap.String("chain_id", chainID))
	}
	return ChainQR(next, chain.Phase), nil
}

// ── 内部辅助方法 ──

// loadChain 链不存在或不属于该会话时返回 NOT_FOUND
func (s *chainService) loadChain(ctx context.Context, sessionID, chainID string) (*model.Chain, error) {
	chain, err := s.repo.Chain.GetByID(ctx, chainID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.ErrNotFound.WithMessage("接力链不存在")
		}
		return nil, storageFailure(s.logger, "查询接力链失败", err, zap.String("chain_id", chainID))
	}
	if chain.SessionID != sessionID {
		return nil, pkgerrors.ErrNotFound.WithMessage("接力链不存在")
	}
	return chain, nil
}

// eligibleHolders 可作为新链持有人的学生，按学号排序。
// releasing 中的链视为即将让出持有人，其当前持有人重新可选。
func (s *chainService) eligibleHolders(ctx context.Context, sess *model.Session, phase model.Phase, releasing map[string]bool) ([]string, error) {
	records, err := s.repo.Attendance.ListBySession(ctx, sess.SessionID)
	if err != nil {
		return nil, storageFailure(s.logger, "查询考勤记录失败", err, zap.String("session_id", sess.SessionID))
	}
	chains, err := s.repo.Chain.ListBySession(ctx, sess.SessionID, phase)
	if err != nil {
		return nil, storageFailure(s.logger, "查询接力链失败", err, zap.String("session_id", sess.SessionID))
	}

	busy := make(map[string]bool)
	for _, c := range chains {
		if c.State != model.ChainCompleted && !releasing[c.ChainID] && c.Holder() != "" {
			busy[c.Holder()] = true
		}
	}
	byStudent := make(map[string]*model.AttendanceRecord, len(records))
	for i := range records {
		byStudent[records[i].StudentID] = &records[i]
	}

	var pool []string
	if phase == model.PhaseEntry {
		roster, err := s.repo.Enrollment.ListStudentIDs(ctx, sess.ClassID)
		if err != nil {
			return nil, storageFailure(s.logger, "查询名册失败", err, zap.String("class_id", sess.ClassID))
		}
		for _, id := range roster {
			if rec, ok := byStudent[id]; ok && rec.EntryStatus != model.EntryNone {
				continue
			}
			pool = append(pool, id)
		}
	} else {
		for _, rec := range records {
			if rec.EntryStatus == model.EntryNone || rec.ExitVerified || rec.EarlyLeaveAt != nil {
				continue
			}
			pool = append(pool, rec.StudentID)
		}
	}

	out := make([]string, 0, len(pool))
	for _, id := range pool {
		if !busy[id] {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func seedResponse(chains []model.Chain) *dto.SeedResponse {
	resp := &dto.SeedResponse{
		ChainsCreated:  len(chains),
		InitialHolders: make([]string, 0, len(chains)),
		Chains:         make([]dto.ChainResponse, 0, len(chains)),
	}
	for i := range chains {
		resp.InitialHolders = append(resp.InitialHolders, chains[i].Holder())
		resp.Chains = append(resp.Chains, toChainResponse(&chains[i]))
	}
	return resp
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
