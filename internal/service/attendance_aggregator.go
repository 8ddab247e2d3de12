package service

import (
	"sort"
	"time"

	"baton-attendance/backend/internal/model"
)

// ComputeFinalStatus 按优先级推导最终考勤：
// 早退 > 未入场（缺勤）> 入场且离场确认（出勤 / 迟到）> 入场未确认离场（中途离开）
func ComputeFinalStatus(rec *model.AttendanceRecord) model.FinalStatus {
	switch {
	case rec.EarlyLeaveAt != nil:
		return model.FinalEarlyLeave
	case rec.EntryStatus == model.EntryNone:
		return model.FinalAbsent
	case rec.ExitVerified && rec.EntryStatus == model.EntryLate:
		return model.FinalLate
	case rec.ExitVerified:
		return model.FinalPresent
	default:
		return model.FinalLeftEarly
	}
}

// Finalize 为名册内与出现过的全部学生生成最终记录，按学号排序。
// 纯函数：不修改入参，相同输入得到相同输出。
func Finalize(sessionID string, roster []string, records []model.AttendanceRecord, at time.Time) []model.AttendanceRecord {
	byStudent := make(map[string]model.AttendanceRecord, len(roster)+len(records))
	for _, rec := range records {
		byStudent[rec.StudentID] = rec
	}
	for _, id := range roster {
		if _, ok := byStudent[id]; !ok {
			byStudent[id] = model.AttendanceRecord{StudentID: id}
		}
	}

	ids := make([]string, 0, len(byStudent))
	for id := range byStudent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	finalizedAt := at
	out := make([]model.AttendanceRecord, 0, len(ids))
	for _, id := range ids {
		rec := byStudent[id]
		rec.SessionID = sessionID
		rec.FinalStatus = ComputeFinalStatus(&rec)
		rec.FinalizedAt = &finalizedAt
		out = append(out, rec)
	}
	return out
}
