package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SessionStatus 课堂会话状态，ACTIVE → ENDED 单向且只发生一次
type SessionStatus string

const (
	SessionActive SessionStatus = "ACTIVE"
	SessionEnded  SessionStatus = "ENDED"
)

// LocationPolicy 位置约束失败时的处理方式
type LocationPolicy string

const (
	LocationWarn  LocationPolicy = "WARN"  // 记录警告并放行
	LocationBlock LocationPolicy = "BLOCK" // 直接拒绝
)

// Session 课堂签到会话，对应 sessions
type Session struct {
	SessionID         string                      `gorm:"type:varchar(36);primaryKey"           json:"session_id"`
	ClassID           string                      `gorm:"type:varchar(64);not null;index"       json:"class_id"`
	TeacherID         string                      `gorm:"type:varchar(64);not null"             json:"teacher_id"`
	StartAt           time.Time                   `gorm:"not null"                              json:"start_at"`
	EndAt             time.Time                   `gorm:"not null"                              json:"end_at"`
	LateCutoffMinutes int                         `gorm:"not null;default:0"                    json:"late_cutoff_minutes"`
	ExitWindowMinutes int                         `gorm:"not null;default:0"                    json:"exit_window_minutes"`
	Status            SessionStatus               `gorm:"type:varchar(16);not null;index"       json:"status"`
	EarlyLeaveActive  bool                        `gorm:"not null;default:false"                json:"early_leave_active"`
	GeofenceLat       *float64                    `json:"geofence_lat,omitempty"`
	GeofenceLng       *float64                    `json:"geofence_lng,omitempty"`
	GeofenceRadiusM   *float64                    `json:"geofence_radius_m,omitempty"`
	AllowedNetworks   datatypes.JSONSlice[string] `json:"allowed_networks,omitempty"`
	LocationPolicy    LocationPolicy              `gorm:"type:varchar(8);not null;default:'WARN'" json:"location_policy"`
	EndedAt           *time.Time                  `json:"ended_at,omitempty"`
	BaseModel
}

// TableName 指定表名
func (Session) TableName() string { return "sessions" }

// BeforeCreate 生成主键（不依赖数据库端 uuid 函数，sqlite 同样可用）
func (s *Session) BeforeCreate(_ *gorm.DB) error {
	if s.SessionID == "" {
		s.SessionID = uuid.NewString()
	}
	return nil
}

// LateCutoffAt 迟到截止时刻
func (s *Session) LateCutoffAt() time.Time {
	return s.StartAt.Add(time.Duration(s.LateCutoffMinutes) * time.Minute)
}

// LateEntryActive 迟到窗口由时间推导：会话进行中且已过截止时刻
func (s *Session) LateEntryActive(now time.Time) bool {
	return s.Status == SessionActive && !now.Before(s.LateCutoffAt())
}

// ExitWindowOpen 离场窗口是否已开启；ExitWindowMinutes 为 0 表示不限制
func (s *Session) ExitWindowOpen(now time.Time) bool {
	if s.ExitWindowMinutes <= 0 {
		return true
	}
	return !now.Before(s.EndAt.Add(-time.Duration(s.ExitWindowMinutes) * time.Minute))
}

// HasGeofence 是否配置了地理围栏
func (s *Session) HasGeofence() bool {
	return s.GeofenceLat != nil && s.GeofenceLng != nil && s.GeofenceRadiusM != nil && *s.GeofenceRadiusM > 0
}

// Enrollment 班级名册，对应 enrollments
type Enrollment struct {
	ClassID   string    `gorm:"type:varchar(64);primaryKey" json:"class_id"`
	StudentID string    `gorm:"type:varchar(64);primaryKey" json:"student_id"`
	CreatedAt time.Time `gorm:"not null"                    json:"created_at"`
}

// TableName 指定表名
func (Enrollment) TableName() string { return "enrollments" }
