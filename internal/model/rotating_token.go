package model

import "time"

// RotatingKind 轮换令牌类型
type RotatingKind string

const (
	RotatingLateEntry  RotatingKind = "LATE_ENTRY"
	RotatingEarlyLeave RotatingKind = "EARLY_LEAVE"
)

// RotatingToken 教师端投影的轮换令牌，对应 rotating_tokens
// 不绑定持有人，有效期内可被任意多名学生扫描
type RotatingToken struct {
	TokenID   string       `gorm:"type:varchar(36);primaryKey"                        json:"token_id"`
	SessionID string       `gorm:"type:varchar(36);not null;index:idx_rot_session_kind" json:"session_id"`
	Kind      RotatingKind `gorm:"type:varchar(16);not null;index:idx_rot_session_kind" json:"kind"`
	Etag      string       `gorm:"type:varchar(64);not null"                          json:"etag"`
	IssuedAt  time.Time    `gorm:"not null"                                           json:"issued_at"`
	ExpiresAt time.Time    `gorm:"not null"                                           json:"expires_at"`
}

// TableName 指定表名
func (RotatingToken) TableName() string { return "rotating_tokens" }
