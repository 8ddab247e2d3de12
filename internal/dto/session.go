package dto

// ── 会话模块 DTO ──

// GeofenceRequest 地理围栏
type GeofenceRequest struct {
	Lat     float64 `json:"lat"      binding:"min=-90,max=90"`
	Lng     float64 `json:"lng"      binding:"min=-180,max=180"`
	RadiusM float64 `json:"radiusM"  binding:"required,gt=0,max=5000"`
}

// CreateSessionRequest 创建签到会话请求
type CreateSessionRequest struct {
	ClassID           string           `json:"classId"           binding:"required,max=64"`
	StartAt           string           `json:"startAt"           binding:"required"` // RFC3339
	EndAt             string           `json:"endAt"             binding:"required"` // RFC3339
	LateCutoffMinutes int              `json:"lateCutoffMinutes" binding:"min=0,max=240"`
	ExitWindowMinutes int              `json:"exitWindowMinutes" binding:"min=0,max=240"`
	Geofence          *GeofenceRequest `json:"geofence"`
	AllowedNetworks   []string         `json:"allowedNetworks"   binding:"omitempty,max=32,dive,cidr|ip"`
	LocationPolicy    string           `json:"locationPolicy"    binding:"omitempty,oneof=WARN BLOCK"`
	StudentIDs        []string         `json:"studentIds"        binding:"omitempty,max=1000,dive,required,max=64"`
}

// SessionResponse 会话信息响应
type SessionResponse struct {
	ID                string   `json:"sessionId"`
	ClassID           string   `json:"classId"`
	TeacherID         string   `json:"teacherId"`
	StartAt           string   `json:"startAt"`
	EndAt             string   `json:"endAt"`
	LateCutoffMinutes int      `json:"lateCutoffMinutes"`
	ExitWindowMinutes int      `json:"exitWindowMinutes"`
	Status            string   `json:"status"`
	LateEntryActive   bool     `json:"lateEntryActive"`
	EarlyLeaveActive  bool     `json:"earlyLeaveActive"`
	LocationPolicy    string   `json:"locationPolicy"`
	AllowedNetworks   []string `json:"allowedNetworks,omitempty"`
	HasGeofence       bool     `json:"hasGeofence"`
	EndedAt           string   `json:"endedAt,omitempty"`
}

// AttendanceResponse 单个学生考勤记录
type AttendanceResponse struct {
	StudentID       string `json:"studentId"`
	EntryStatus     string `json:"entryStatus,omitempty"`
	EntryAt         string `json:"entryAt,omitempty"`
	ExitVerified    bool   `json:"exitVerified"`
	ExitVerifiedAt  string `json:"exitVerifiedAt,omitempty"`
	EarlyLeaveAt    string `json:"earlyLeaveAt,omitempty"`
	FinalStatus     string `json:"finalStatus,omitempty"`
	LocationWarning string `json:"locationWarning,omitempty"`
}

// EndSessionResponse 结束会话响应（含最终考勤）
type EndSessionResponse struct {
	Session SessionResponse      `json:"session"`
	Records []AttendanceResponse `json:"records"`
}

// ReplaceRosterRequest 覆盖班级名册
type ReplaceRosterRequest struct {
	StudentIDs []string `json:"studentIds" binding:"required,max=1000,dive,required,max=64"`
}

// RosterResponse 班级名册
type RosterResponse struct {
	ClassID    string   `json:"classId"`
	StudentIDs []string `json:"studentIds"`
}
