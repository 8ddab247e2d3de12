package model

import "time"

// Phase 接力链所属阶段
type Phase string

const (
	PhaseEntry Phase = "ENTRY"
	PhaseExit  Phase = "EXIT"
)

// Valid 是否为合法阶段
func (p Phase) Valid() bool { return p == PhaseEntry || p == PhaseExit }

// ChainState 接力链生命周期
// ACTIVE ⇄ STALLED（卡链检测 / 重新播种），ACTIVE|STALLED → COMPLETED（终态）
type ChainState string

const (
	ChainActive    ChainState = "ACTIVE"
	ChainStalled   ChainState = "STALLED"
	ChainCompleted ChainState = "COMPLETED"
)

// Chain 接力链，对应 chains
type Chain struct {
	ChainID    string     `gorm:"type:varchar(36);primaryKey"                 json:"chain_id"`
	SessionID  string     `gorm:"type:varchar(36);not null;index:idx_chain_session_phase" json:"session_id"`
	Phase      Phase      `gorm:"type:varchar(8);not null;index:idx_chain_session_phase"  json:"phase"`
	Index      int        `gorm:"column:chain_index;not null"                 json:"index"`
	State      ChainState `gorm:"type:varchar(16);not null;index"             json:"state"`
	LastHolder *string    `gorm:"type:varchar(64)"                            json:"last_holder,omitempty"`
	LastSeq    int64      `gorm:"not null;default:0"                          json:"last_seq"`
	LastAt     *time.Time `json:"last_at,omitempty"`
	Version    int        `gorm:"not null;default:1"                          json:"version"`
	BaseModel
}

// TableName 指定表名
func (Chain) TableName() string { return "chains" }

// Holder 当前持有人，无持有人时返回空串
func (c *Chain) Holder() string {
	if c.LastHolder == nil {
		return ""
	}
	return *c.LastHolder
}

// ChainToken 接力令牌，对应 chain_tokens
// 每条 ACTIVE 链同一时刻只有一枚未消费且未作废的令牌
type ChainToken struct {
	TokenID    string     `gorm:"type:varchar(36);primaryKey"     json:"token_id"`
	ChainID    string     `gorm:"type:varchar(36);not null;index" json:"chain_id"`
	SessionID  string     `gorm:"type:varchar(36);not null"       json:"session_id"`
	HolderID   string     `gorm:"type:varchar(64);not null"       json:"holder_id"`
	Etag       string     `gorm:"type:varchar(64);not null"       json:"etag"`
	IssuedAt   time.Time  `gorm:"not null"                        json:"issued_at"`
	ExpiresAt  time.Time  `gorm:"not null"                        json:"expires_at"`
	ConsumedAt *time.Time `json:"consumed_at,omitempty"`
	ConsumedBy *string    `gorm:"type:varchar(64)"                json:"consumed_by,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// TableName 指定表名
func (ChainToken) TableName() string { return "chain_tokens" }

// Live 未消费且未被新令牌替换
func (t *ChainToken) Live() bool {
	return t.ConsumedAt == nil && t.RevokedAt == nil
}

// ChainHop 交接历史，对应 chain_hops，(chain_id, sequence) 唯一
type ChainHop struct {
	HopID           uint      `gorm:"primaryKey;autoIncrement"                    json:"-"`
	ChainID         string    `gorm:"type:varchar(36);not null;uniqueIndex:uq_hop_chain_seq" json:"chain_id"`
	Sequence        int64     `gorm:"not null;uniqueIndex:uq_hop_chain_seq"       json:"sequence"`
	FromHolder      string    `gorm:"type:varchar(64);not null"                   json:"from_holder"`
	ToHolder        string    `gorm:"type:varchar(64);not null"                   json:"to_holder"`
	TokenID         string    `gorm:"type:varchar(36);not null"                   json:"token_id"`
	ScannedAt       time.Time `gorm:"not null"                                    json:"scanned_at"`
	LocationWarning string    `gorm:"type:varchar(32);not null;default:''"        json:"location_warning,omitempty"`
}

// TableName 指定表名
func (ChainHop) TableName() string { return "chain_hops" }
