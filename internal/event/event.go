package event

import (
	"context"
	"encoding/json"
	"time"
)

// Type 推送事件类型
type Type string

const (
	TypeAttendanceUpdate Type = "attendanceUpdate"
	TypeChainUpdate      Type = "chainUpdate"
	TypeStallAlert       Type = "stallAlert"
	TypeSessionUpdate    Type = "sessionUpdate"
	TypeRotatingToken    Type = "rotatingToken"
)

// Event 推送给会话订阅者的一条消息，Data 为已序列化的载荷
// Final 标记会话的最后一条事件，投递后 Hub 关闭该会话的全部订阅
type Event struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
	Final     bool            `json:"final,omitempty"`
}

// New 序列化载荷并构造事件
func New(t Type, sessionID string, at time.Time, payload interface{}) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Type: t, SessionID: sessionID, At: at, Data: data}, nil
}

// Publisher 事件发布边界；返回错误表示事件没有送达任何订阅者
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}
