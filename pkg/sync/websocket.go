package sync

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/gorilla/websocket"
)

// WebSocketStream 把 WebSocket 连接适配为 Stream。每次 Write 发送一条二进制消息，
// Read 把收到的二进制消息拼接为连续的字节流。
type WebSocketStream struct {
	conn *websocket.Conn

	rmu sync.Mutex
	r   io.Reader

	wmu sync.Mutex
}

// NewWebSocketStream 包装一个已建立的连接。
func NewWebSocketStream(conn *websocket.Conn) *WebSocketStream {
	return &WebSocketStream{conn: conn}
}

func (w *WebSocketStream) Read(p []byte) (int, error) {
	w.rmu.Lock()
	defer w.rmu.Unlock()
	for {
		if w.r == nil {
			mt, r, err := w.conn.NextReader()
			if err != nil {
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			w.r = r
		}
		n, err := w.r.Read(p)
		if err == io.EOF {
			w.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *WebSocketStream) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 发送关闭帧后关闭底层连接。
func (w *WebSocketStream) Close() error {
	w.wmu.Lock()
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	w.wmu.Unlock()
	return w.conn.Close()
}

// SetDeadline 同时设置读写截止时间。
func (w *WebSocketStream) SetDeadline(t time.Time) error {
	if err := w.conn.SetReadDeadline(t); err != nil {
		return err
	}
	return w.conn.SetWriteDeadline(t)
}

// DialWebSocket 连接 url 上的同步端点。
func DialWebSocket(ctx context.Context, url string) (*WebSocketStream, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewWebSocketStream(conn), nil
}

// WebSocketHandler 返回一个 HTTP handler：每个升级成功的连接运行一次同步会话。
func (e *Engine) WebSocketHandler() http.Handler {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  32 << 10,
		WriteBufferSize: 32 << 10,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			level.Warn(e.logger).Log("msg", "websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
			return
		}
		s := NewWebSocketStream(conn)
		defer s.Close()
		if _, err := e.Sync(r.Context(), s); err != nil {
			level.Debug(e.logger).Log("msg", "websocket sync ended with error", "remote", r.RemoteAddr, "err", err)
		}
	})
}
