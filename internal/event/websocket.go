package event

import (
	"context"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// WriteWait 单次写入的最长时间
	WriteWait = 10 * time.Second
	// PongWait 等待客户端 pong 的最长时间，超时即断开
	PongWait = 60 * time.Second
	// PingPeriod 必须小于 PongWait
	PingPeriod = PongWait * 9 / 10
)

// errSubscriptionDropped 订阅因缓冲区溢出被 Hub 断开
var errSubscriptionDropped = errors.New("订阅者消费过慢，已断开")

// Conn WebSocket 连接中 Stream 用到的部分，便于测试替换
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteJSON(v interface{}) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Stream 把订阅中的事件按顺序写到 WebSocket 连接，直到任一方结束。
// 读协程只处理控制帧，客户端发来的数据帧一律忽略。
// 订阅被 Hub 断开时以 CloseTryAgainLater 关闭连接，客户端应重连并重新拉取快照。
func Stream(ctx context.Context, conn Conn, sub *Subscription, logger *zap.Logger) error {
	defer sub.Close()
	defer conn.Close()

	if err := conn.SetReadDeadline(time.Now().Add(PongWait)); err != nil {
		return err
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(PongWait))
	})

	g, gctx := errgroup.WithContext(ctx)

	// reader：客户端断开时返回
	g.Go(func() error {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					logger.Debug("WebSocket 读取结束", zap.Error(err))
				}
				return context.Canceled
			}
		}
	})

	// writer + keepalive；退出时关闭连接以唤醒 reader
	g.Go(func() error {
		defer conn.Close()
		ticker := time.NewTicker(PingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case ev, ok := <-sub.C:
				if !ok {
					code, reason := websocket.CloseNormalClosure, "session closed"
					var err error
					if sub.Dropped() {
						code, reason, err = websocket.CloseTryAgainLater, "subscriber too slow", errSubscriptionDropped
					}
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(code, reason), time.Now().Add(WriteWait))
					return err
				}
				if err := conn.SetWriteDeadline(time.Now().Add(WriteWait)); err != nil {
					return err
				}
				if err := conn.WriteJSON(ev); err != nil {
					return err
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(WriteWait)); err != nil {
					return err
				}
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
