package model

import "time"

// BaseModel 通用时间审计字段（所有业务模型嵌入）
type BaseModel struct {
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

// All 返回全部模型，供 sqlite AutoMigrate 与测试建表使用
func All() []interface{} {
	return []interface{}{
		&Session{},
		&Enrollment{},
		&Chain{},
		&ChainToken{},
		&ChainHop{},
		&RotatingToken{},
		&AttendanceRecord{},
	}
}
