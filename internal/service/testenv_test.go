package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"baton-attendance/backend/config"
	"baton-attendance/backend/internal/dto"
	"baton-attendance/backend/internal/event"
	"baton-attendance/backend/internal/model"
	"baton-attendance/backend/pkg/clock"
	pkgerrors "baton-attendance/backend/pkg/errors"
)

// ── 测试辅助 ──

const testTeacher = "t-001"

var testStart = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	return &config.Config{
		Chain: config.ChainConfig{
			TokenTTL:           20 * time.Second,
			RecoveryTokenTTL:   40 * time.Second,
			StallThreshold:     60 * time.Second,
			StallCheckInterval: 5 * time.Second,
		},
		Rotating: config.RotatingConfig{
			TokenTTL:        60 * time.Second,
			RefreshInterval: 55 * time.Second,
		},
		Location: config.LocationConfig{ExitSoft: true},
	}
}

// recordingPublisher 记录全部发布的事件
type recordingPublisher struct {
	mu      sync.Mutex
	events  []event.Event
	forward event.Publisher
}

func (p *recordingPublisher) Publish(ctx context.Context, ev event.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.forward != nil {
		return p.forward.Publish(ctx, ev)
	}
	return nil
}

// forwardTo 记录的同时转发给真实的 Hub
func (p *recordingPublisher) forwardTo(next event.Publisher) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forward = next
}

func (p *recordingPublisher) ofType(t event.Type) []event.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []event.Event
	for _, ev := range p.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type testEnv struct {
	store *memStore
	clock *clock.Fake
	pub   *recordingPublisher
	svc   *Service
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := newMemStore()
	clk := clock.NewFake(testStart)
	pub := &recordingPublisher{}
	svc := NewService(testConfig(), store.repository(), pub, clk, zap.NewNop())
	t.Cleanup(svc.Scheduler.Shutdown)

	// 按学号顺序选持有人，便于断言
	svc.Chain.(*chainService).shuffle = func([]string) {}

	return &testEnv{store: store, clock: clk, pub: pub, svc: svc}
}

// createSession 90 分钟的课，迟到截止 10 分钟，离场窗口 15 分钟
func (e *testEnv) createSession(t *testing.T, roster ...string) string {
	t.Helper()
	req := &dto.CreateSessionRequest{
		ClassID:           "cls-1",
		StartAt:           testStart.Format(time.RFC3339),
		EndAt:             testStart.Add(90 * time.Minute).Format(time.RFC3339),
		LateCutoffMinutes: 10,
		ExitWindowMinutes: 15,
		StudentIDs:        roster,
	}
	sess, err := e.svc.Session.Create(context.Background(), req, testTeacher)
	if err != nil {
		t.Fatalf("创建会话失败: %v", err)
	}
	return sess.ID
}

func (e *testEnv) seed(t *testing.T, sessionID string, phase model.Phase, n int) *dto.SeedResponse {
	t.Helper()
	resp, err := e.svc.Chain.Seed(context.Background(), sessionID, phase, n, testTeacher)
	if err != nil {
		t.Fatalf("播种失败: %v", err)
	}
	return resp
}

func (e *testEnv) liveToken(t *testing.T, chainID string) *model.ChainToken {
	t.Helper()
	tok, err := e.store.repository().Token.GetLiveChainToken(context.Background(), chainID)
	if err != nil {
		t.Fatalf("链 %s 没有存活令牌: %v", chainID, err)
	}
	return tok
}

func (e *testEnv) chain(t *testing.T, chainID string) *model.Chain {
	t.Helper()
	c, err := e.store.repository().Chain.GetByID(context.Background(), chainID)
	if err != nil {
		t.Fatalf("查询链失败: %v", err)
	}
	return c
}

func (e *testEnv) record(sessionID, studentID string) *model.AttendanceRecord {
	rec, err := e.store.repository().Attendance.Get(context.Background(), sessionID, studentID)
	if err != nil {
		return nil
	}
	return rec
}

func (e *testEnv) scan(phase model.Phase, tok *model.ChainToken, scanner string) (*dto.ChainScanResponse, error) {
	req := &dto.ScanRequest{TokenID: tok.TokenID, Etag: tok.Etag}
	return e.svc.Chain.Scan(context.Background(), phase, req, scanner, "10.0.0.8")
}

// markEntered 直接写入入场状态，用于离场相关测试
func (e *testEnv) markEntered(sessionID string, status model.EntryStatus, students ...string) {
	e.store.mu.Lock()
	defer e.store.mu.Unlock()
	for _, id := range students {
		at := testStart
		e.store.records[recordKey(sessionID, id)] = &model.AttendanceRecord{
			SessionID:   sessionID,
			StudentID:   id,
			EntryStatus: status,
			EntryAt:     &at,
		}
	}
}

func assertCode(t *testing.T, err error, want pkgerrors.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("期望错误码 %s，实际成功", want)
	}
	var appErr *pkgerrors.AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("期望错误码 %s，实际非业务错误: %v", want, err)
	}
	if appErr.Code != want {
		t.Fatalf("期望错误码 %s，实际 %s (%s)", want, appErr.Code, appErr.Message)
	}
}
