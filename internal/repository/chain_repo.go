package repository

import (
	"context"
	"sort"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"baton-attendance/backend/internal/model"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// HandoffParams 一次成功扫码需要原子写入的全部内容
type HandoffParams struct {
	SessionID       string
	ChainID         string
	TokenID         string
	Etag            string // 请求携带的 etag，作为 CAS 比较值
	ConsumedEtag    string // 消费后写回的新 etag，迟到的重复请求必然比对失败
	ExpectedSeq     int64
	FromHolder      string
	ToHolder        string
	At              time.Time
	LocationWarning string
	NextToken       *model.ChainToken
}

// ReassignParams 重新指定持有人（reseed / set-holder）
type ReassignParams struct {
	SessionID     string
	ChainID       string
	AllowedStates []model.ChainState
	NewHolder     string
	At            time.Time
	NextToken     *model.ChainToken
}

// RotateParams 持有人刷新令牌
type RotateParams struct {
	SessionID string
	ChainID   string
	HolderID  string
	At        time.Time
	NextToken *model.ChainToken
}

// CloseParams 人工收链
type CloseParams struct {
	SessionID      string
	ChainID        string
	ExpectedHolder string
	At             time.Time
}

// ChainRepository 接力链数据访问接口
// 所有改变链持有人或令牌的写入都在持有该链行锁的单个事务内完成
type ChainRepository interface {
	CreateChains(ctx context.Context, chains []model.Chain, tokens []model.ChainToken) error
	GetByID(ctx context.Context, id string) (*model.Chain, error)
	ListBySession(ctx context.Context, sessionID string, phase model.Phase) ([]model.Chain, error)
	ApplyHandoff(ctx context.Context, p *HandoffParams) (*model.Chain, error)
	Reassign(ctx context.Context, params []ReassignParams) ([]model.Chain, error)
	RotateToken(ctx context.Context, p *RotateParams) error
	Close(ctx context.Context, p *CloseParams) (*model.Chain, error)
	MarkStalled(ctx context.Context, cutoff time.Time) ([]model.Chain, error)
	ListStalledIDs(ctx context.Context, sessionID string) ([]string, error)
	ListHops(ctx context.Context, chainID string) ([]model.ChainHop, error)
}

type chainRepo struct {
	db *gorm.DB
}

// NewChainRepo 创建 ChainRepository 实例
func NewChainRepo(db *gorm.DB) ChainRepository {
	return &chainRepo{db: db}
}

// CreateChains 播种：链与首枚令牌全部成功或全部回滚，序号接续同阶段已有链
func (r *chainRepo) CreateChains(ctx context.Context, chains []model.Chain, tokens []model.ChainToken) error {
	if len(chains) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockActiveSession(tx, chains[0].SessionID)
		if err != nil {
			return err
		}

		var maxIndex int
		if err := tx.Model(&model.Chain{}).
			Where("session_id = ? AND phase = ?", chains[0].SessionID, chains[0].Phase).
			Select("COALESCE(MAX(chain_index), 0)").
			Scan(&maxIndex).Error; err != nil {
			return err
		}
		for i := range chains {
			chains[i].Index = maxIndex + i + 1
		}

		holders := make([]string, 0, len(chains))
		for i := range chains {
			holders = append(holders, chains[i].Holder())
		}
		sort.Strings(holders)
		for _, holder := range holders {
			if err := claimHolder(tx, sess, chains[0].Phase, holder, nil); err != nil {
				return err
			}
		}

		if err := tx.Create(&chains).Error; err != nil {
			return err
		}
		return tx.Create(&tokens).Error
	})
}

func (r *chainRepo) GetByID(ctx context.Context, id string) (*model.Chain, error) {
	var chain model.Chain
	err := r.db.WithContext(ctx).
		Where("chain_id = ?", id).
		First(&chain).Error
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// ListBySession phase 为空时返回全部阶段
func (r *chainRepo) ListBySession(ctx context.Context, sessionID string, phase model.Phase) ([]model.Chain, error) {
	var chains []model.Chain
	db := r.db.WithContext(ctx).Where("session_id = ?", sessionID)
	if phase != "" {
		db = db.Where("phase = ?", phase)
	}
	err := db.Order("phase ASC, chain_index ASC").Find(&chains).Error
	return chains, err
}

// ApplyHandoff 交接的唯一写入路径：
// 消费令牌（etag CAS）→ 推进序号 → 记录历史 → 确认上一任持有人 → 签发新令牌
func (r *chainRepo) ApplyHandoff(ctx context.Context, p *HandoffParams) (*model.Chain, error) {
	var chain model.Chain
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockActiveSession(tx, p.SessionID)
		if err != nil {
			return err
		}
		if err := lockChain(tx, p.ChainID, &chain); err != nil {
			return err
		}
		if chain.State != model.ChainActive {
			return ErrChainNotActive
		}
		if chain.LastSeq != p.ExpectedSeq || chain.Holder() != p.FromHolder {
			return pkgerrors.ErrOptimisticLock
		}
		if err := claimHolder(tx, sess, chain.Phase, p.ToHolder, []string{chain.ChainID}); err != nil {
			return err
		}

		consumed := tx.Model(&model.ChainToken{}).
			Where("token_id = ? AND etag = ? AND consumed_at IS NULL AND revoked_at IS NULL", p.TokenID, p.Etag).
			Updates(map[string]interface{}{
				"etag":        p.ConsumedEtag,
				"consumed_at": p.At,
				"consumed_by": p.ToHolder,
			})
		if consumed.Error != nil {
			return consumed.Error
		}
		if consumed.RowsAffected == 0 {
			return pkgerrors.ErrOptimisticLock
		}

		nextSeq := chain.LastSeq + 1
		advanced := tx.Model(&model.Chain{}).
			Where("chain_id = ? AND last_seq = ?", chain.ChainID, chain.LastSeq).
			Updates(map[string]interface{}{
				"last_seq":    nextSeq,
				"last_holder": p.ToHolder,
				"last_at":     p.At,
				"version":     chain.Version + 1,
			})
		if advanced.Error != nil {
			return advanced.Error
		}
		if advanced.RowsAffected == 0 {
			return pkgerrors.ErrOptimisticLock
		}

		hop := model.ChainHop{
			ChainID:         chain.ChainID,
			Sequence:        nextSeq,
			FromHolder:      p.FromHolder,
			ToHolder:        p.ToHolder,
			TokenID:         p.TokenID,
			ScannedAt:       p.At,
			LocationWarning: p.LocationWarning,
		}
		if err := tx.Create(&hop).Error; err != nil {
			return err
		}

		if err := markVerified(tx, p.SessionID, p.FromHolder, chain.Phase, p.At); err != nil {
			return err
		}

		if err := tx.Create(p.NextToken).Error; err != nil {
			return err
		}

		holder := p.ToHolder
		at := p.At
		chain.LastSeq = nextSeq
		chain.LastHolder = &holder
		chain.LastAt = &at
		chain.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// Reassign 批量重新指定持有人，任一条链状态不符则整体回滚
func (r *chainRepo) Reassign(ctx context.Context, params []ReassignParams) ([]model.Chain, error) {
	if len(params) == 0 {
		return nil, nil
	}
	result := make([]model.Chain, 0, len(params))
	// 同批链同时换人，彼此的旧持有人不算占用
	batch := make([]string, 0, len(params))
	for i := range params {
		batch = append(batch, params[i].ChainID)
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sess, err := lockActiveSession(tx, params[0].SessionID)
		if err != nil {
			return err
		}
		for i := range params {
			p := &params[i]
			var chain model.Chain
			if err := lockChain(tx, p.ChainID, &chain); err != nil {
				return err
			}
			if !stateIn(chain.State, p.AllowedStates) {
				return ErrChainNotActive
			}
			if err := claimHolder(tx, sess, chain.Phase, p.NewHolder, batch); err != nil {
				return err
			}
			if err := revokeLiveTokens(tx, chain.ChainID, p.At); err != nil {
				return err
			}

			updated := tx.Model(&model.Chain{}).
				Where("chain_id = ? AND version = ?", chain.ChainID, chain.Version).
				Updates(map[string]interface{}{
					"state":       model.ChainActive,
					"last_holder": p.NewHolder,
					"last_at":     p.At,
					"version":     chain.Version + 1,
				})
			if updated.Error != nil {
				return updated.Error
			}
			if updated.RowsAffected == 0 {
				return pkgerrors.ErrOptimisticLock
			}
			if err := tx.Create(p.NextToken).Error; err != nil {
				return err
			}

			holder := p.NewHolder
			at := p.At
			chain.State = model.ChainActive
			chain.LastHolder = &holder
			chain.LastAt = &at
			chain.Version++
			result = append(result, chain)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RotateToken 替换链上的存活令牌，不改变序号与 last_at
func (r *chainRepo) RotateToken(ctx context.Context, p *RotateParams) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockActiveSession(tx, p.SessionID); err != nil {
			return err
		}
		var chain model.Chain
		if err := lockChain(tx, p.ChainID, &chain); err != nil {
			return err
		}
		if chain.State != model.ChainActive {
			return ErrChainNotActive
		}
		if chain.Holder() != p.HolderID {
			return pkgerrors.ErrOptimisticLock
		}
		if err := revokeLiveTokens(tx, chain.ChainID, p.At); err != nil {
			return err
		}
		return tx.Create(p.NextToken).Error
	})
}

// Close 人工收链：链进入 COMPLETED，最后一位持有人视为已确认
func (r *chainRepo) Close(ctx context.Context, p *CloseParams) (*model.Chain, error) {
	var chain model.Chain
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := lockActiveSession(tx, p.SessionID); err != nil {
			return err
		}
		if err := lockChain(tx, p.ChainID, &chain); err != nil {
			return err
		}
		if chain.State == model.ChainCompleted {
			return ErrChainNotActive
		}
		if chain.Holder() == "" || chain.Holder() != p.ExpectedHolder {
			return pkgerrors.ErrOptimisticLock
		}
		if err := revokeLiveTokens(tx, chain.ChainID, p.At); err != nil {
			return err
		}

		updated := tx.Model(&model.Chain{}).
			Where("chain_id = ? AND version = ?", chain.ChainID, chain.Version).
			Updates(map[string]interface{}{
				"state":   model.ChainCompleted,
				"version": chain.Version + 1,
			})
		if updated.Error != nil {
			return updated.Error
		}
		if updated.RowsAffected == 0 {
			return pkgerrors.ErrOptimisticLock
		}
		if err := markVerified(tx, p.SessionID, chain.Holder(), chain.Phase, p.At); err != nil {
			return err
		}

		chain.State = model.ChainCompleted
		chain.Version++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &chain, nil
}

// MarkStalled 将进行中会话里 last_at 早于 cutoff 的 ACTIVE 链置为 STALLED，返回本次新卡住的链。
// 每条链单独条件更新，与并发交接竞争时以 last_at 为准，不会覆盖刚推进的链。
func (r *chainRepo) MarkStalled(ctx context.Context, cutoff time.Time) ([]model.Chain, error) {
	var candidates []model.Chain
	err := r.db.WithContext(ctx).
		Model(&model.Chain{}).
		Joins("JOIN sessions ON sessions.session_id = chains.session_id").
		Where("chains.state = ? AND chains.last_at < ? AND sessions.status = ?",
			model.ChainActive, cutoff, model.SessionActive).
		Find(&candidates).Error
	if err != nil {
		return nil, err
	}

	stalled := make([]model.Chain, 0, len(candidates))
	for i := range candidates {
		c := candidates[i]
		res := r.db.WithContext(ctx).
			Model(&model.Chain{}).
			Where("chain_id = ? AND state = ? AND last_at < ?", c.ChainID, model.ChainActive, cutoff).
			Updates(map[string]interface{}{
				"state":   model.ChainStalled,
				"version": gorm.Expr("version + 1"),
			})
		if res.Error != nil {
			return stalled, res.Error
		}
		if res.RowsAffected == 1 {
			c.State = model.ChainStalled
			c.Version++
			stalled = append(stalled, c)
		}
	}
	return stalled, nil
}

func (r *chainRepo) ListStalledIDs(ctx context.Context, sessionID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&model.Chain{}).
		Where("session_id = ? AND state = ?", sessionID, model.ChainStalled).
		Order("phase ASC, chain_index ASC").
		Pluck("chain_id", &ids).Error
	return ids, err
}

func (r *chainRepo) ListHops(ctx context.Context, chainID string) ([]model.ChainHop, error) {
	var hops []model.ChainHop
	err := r.db.WithContext(ctx).
		Where("chain_id = ?", chainID).
		Order("sequence ASC").
		Find(&hops).Error
	return hops, err
}

// ── 内部辅助方法 ──

func lockChain(tx *gorm.DB, chainID string, dst *model.Chain) error {
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("chain_id = ?", chainID).
		First(dst).Error
}

// claimHolder 锁住学生的名册行后确认其未持有同阶段的其他未完成链。
// 同一学生的并发交接在这把行锁上串行，后到者能看到先到者已提交的持有关系。
func claimHolder(tx *gorm.DB, sess *model.Session, phase model.Phase, studentID string, exceptChains []string) error {
	var enrolled []model.Enrollment
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("class_id = ? AND student_id = ?", sess.ClassID, studentID).
		Find(&enrolled).Error; err != nil {
		return err
	}

	var held int64
	q := tx.Model(&model.Chain{}).
		Where("session_id = ? AND phase = ? AND state <> ? AND last_holder = ?",
			sess.SessionID, phase, model.ChainCompleted, studentID)
	if len(exceptChains) > 0 {
		q = q.Where("chain_id NOT IN ?", exceptChains)
	}
	if err := q.Count(&held).Error; err != nil {
		return err
	}
	if held > 0 {
		return ErrHolderBusy
	}
	return nil
}

func revokeLiveTokens(tx *gorm.DB, chainID string, at time.Time) error {
	return tx.Model(&model.ChainToken{}).
		Where("chain_id = ? AND consumed_at IS NULL AND revoked_at IS NULL", chainID).
		Update("revoked_at", at).Error
}

func stateIn(s model.ChainState, allowed []model.ChainState) bool {
	for _, a := range allowed {
		if s == a {
			return true
		}
	}
	return false
}

// markVerified 确认学生在该阶段到场；记录不存在时懒创建，已确认时不降级
func markVerified(tx *gorm.DB, sessionID, studentID string, phase model.Phase, at time.Time) error {
	rec := model.AttendanceRecord{SessionID: sessionID, StudentID: studentID}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
		return err
	}

	q := tx.Model(&model.AttendanceRecord{}).
		Where("session_id = ? AND student_id = ?", sessionID, studentID)
	if phase == model.PhaseEntry {
		return q.Where("entry_status = ?", model.EntryNone).
			Updates(map[string]interface{}{
				"entry_status": model.EntryPresent,
				"entry_at":     at,
			}).Error
	}
	return q.Where("exit_verified = ?", false).
		Updates(map[string]interface{}{
			"exit_verified":    true,
			"exit_verified_at": at,
		}).Error
}
