package clock

import (
	"sync"
	"time"
)

// Clock 抽象当前时间，生产注入 Real()，测试注入 Fake 以确定性地推进时间。
// 令牌过期、卡链判定、迟到窗口都只依赖 Now。
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

// Real 返回系统时钟（统一 UTC）
func Real() Clock { return realClock{} }

// Fake 可手动推进的测试时钟，并发安全
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake 创建起始于 start 的测试时钟
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

// Now 返回当前伪造时间
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance 将时钟向前推进 d
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

// Set 将时钟设置为 t
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	f.now = t
	f.mu.Unlock()
}
