package service

import (
	"reflect"
	"testing"
	"time"

	"baton-attendance/backend/internal/model"
)

func TestComputeFinalStatus(t *testing.T) {
	at := testStart
	tests := []struct {
		name string
		rec  model.AttendanceRecord
		want model.FinalStatus
	}{
		{"未入场", model.AttendanceRecord{}, model.FinalAbsent},
		{"入场且离场确认", model.AttendanceRecord{EntryStatus: model.EntryPresent, ExitVerified: true}, model.FinalPresent},
		{"迟到且离场确认", model.AttendanceRecord{EntryStatus: model.EntryLate, ExitVerified: true}, model.FinalLate},
		{"入场未离场确认", model.AttendanceRecord{EntryStatus: model.EntryPresent}, model.FinalLeftEarly},
		{"迟到未离场确认", model.AttendanceRecord{EntryStatus: model.EntryLate}, model.FinalLeftEarly},
		{"早退优先", model.AttendanceRecord{EntryStatus: model.EntryPresent, ExitVerified: true, EarlyLeaveAt: &at}, model.FinalEarlyLeave},
		{"只有早退", model.AttendanceRecord{EarlyLeaveAt: &at}, model.FinalEarlyLeave},
		{"只有离场确认", model.AttendanceRecord{ExitVerified: true}, model.FinalAbsent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeFinalStatus(&tt.rec); got != tt.want {
				t.Errorf("期望 %s，实际 %s", tt.want, got)
			}
		})
	}
}

func TestFinalize_UnionOfRosterAndRecords(t *testing.T) {
	records := []model.AttendanceRecord{
		{SessionID: "s1", StudentID: "S3", EntryStatus: model.EntryPresent, ExitVerified: true},
		{SessionID: "s1", StudentID: "X9", EntryStatus: model.EntryLate},
	}
	out := Finalize("s1", []string{"S3", "S1"}, records, testStart)

	got := make(map[string]model.FinalStatus)
	var order []string
	for _, r := range out {
		got[r.StudentID] = r.FinalStatus
		order = append(order, r.StudentID)
		if r.SessionID != "s1" || r.FinalizedAt == nil || !r.FinalizedAt.Equal(testStart) {
			t.Errorf("记录 %s 缺少会话或定稿时间: %+v", r.StudentID, r)
		}
	}
	if !reflect.DeepEqual(order, []string{"S1", "S3", "X9"}) {
		t.Errorf("结果应按学号排序，实际=%v", order)
	}
	want := map[string]model.FinalStatus{
		"S1": model.FinalAbsent,
		"S3": model.FinalPresent,
		"X9": model.FinalLeftEarly,
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("期望 %v，实际 %v", want, got)
	}
}

func TestFinalize_PureAndIdempotent(t *testing.T) {
	records := []model.AttendanceRecord{
		{SessionID: "s1", StudentID: "S1", EntryStatus: model.EntryPresent},
	}
	first := Finalize("s1", []string{"S1", "S2"}, records, testStart)

	if records[0].FinalStatus != model.FinalNone || records[0].FinalizedAt != nil {
		t.Error("Finalize 不应修改入参")
	}

	second := Finalize("s1", []string{"S1", "S2"}, first, testStart.Add(time.Hour))
	for i := range first {
		if first[i].FinalStatus != second[i].FinalStatus {
			t.Errorf("%s 重复定稿结果不一致: %s / %s", first[i].StudentID, first[i].FinalStatus, second[i].FinalStatus)
		}
	}
}
