package model

import "time"

// EntryStatus 入场状态，空串表示尚未入场
type EntryStatus string

const (
	EntryNone    EntryStatus = ""
	EntryPresent EntryStatus = "PRESENT_ENTRY"
	EntryLate    EntryStatus = "LATE_ENTRY"
)

// FinalStatus 最终考勤结论，仅在会话结束时写入
type FinalStatus string

const (
	FinalNone       FinalStatus = ""
	FinalPresent    FinalStatus = "PRESENT"
	FinalLate       FinalStatus = "LATE"
	FinalLeftEarly  FinalStatus = "LEFT_EARLY"
	FinalEarlyLeave FinalStatus = "EARLY_LEAVE"
	FinalAbsent     FinalStatus = "ABSENT"
)

// AttendanceRecord 学生考勤记录，对应 attendance_records，(session_id, student_id) 唯一
type AttendanceRecord struct {
	SessionID       string      `gorm:"type:varchar(36);primaryKey"          json:"session_id"`
	StudentID       string      `gorm:"type:varchar(64);primaryKey"          json:"student_id"`
	EntryStatus     EntryStatus `gorm:"type:varchar(16);not null;default:''" json:"entry_status"`
	EntryAt         *time.Time  `json:"entry_at,omitempty"`
	ExitVerified    bool        `gorm:"not null;default:false"               json:"exit_verified"`
	ExitVerifiedAt  *time.Time  `json:"exit_verified_at,omitempty"`
	EarlyLeaveAt    *time.Time  `json:"early_leave_at,omitempty"`
	FinalStatus     FinalStatus `gorm:"type:varchar(16);not null;default:''" json:"final_status"`
	FinalizedAt     *time.Time  `json:"finalized_at,omitempty"`
	LocationWarning string      `gorm:"type:varchar(32);not null;default:''" json:"location_warning,omitempty"`
	BaseModel
}

// TableName 指定表名
func (AttendanceRecord) TableName() string { return "attendance_records" }

// VerifiedIn 学生在该阶段是否已被确认
func (r *AttendanceRecord) VerifiedIn(phase Phase) bool {
	if phase == PhaseEntry {
		return r.EntryStatus != EntryNone
	}
	return r.ExitVerified
}
