package wsrelay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"cdproute/pkg/intercept"
	"cdproute/pkg/traffic"
)

var errNotConnected = errors.New("服务端侧未连接")

// leg 一侧连接，gorilla 要求写操作串行
type leg struct {
	wmu  sync.Mutex
	conn *websocket.Conn
}

func (l *leg) write(f traffic.Frame) error {
	msg, err := f.Decode()
	if err != nil {
		return err
	}
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if msg.IsBinary {
		return l.conn.WriteMessage(websocket.BinaryMessage, msg.Binary)
	}
	return l.conn.WriteMessage(websocket.TextMessage, []byte(msg.Text))
}

func (l *leg) close(cmd intercept.CloseCommand) error {
	code := cmd.Code
	switch code {
	case 0, websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		// 这些状态码不能出现在关闭帧中
		code = websocket.CloseNormalClosure
	}
	l.wmu.Lock()
	err := l.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, cmd.Reason), time.Now().Add(time.Second))
	l.wmu.Unlock()
	if cerr := l.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

// read 读取消息直到连接关闭，关闭信息交给 onClose
func (l *leg) read(onFrame func(traffic.Frame), onClose func(intercept.CloseCommand)) {
	for {
		typ, data, err := l.conn.ReadMessage()
		if err != nil {
			cmd := intercept.CloseCommand{Code: websocket.CloseAbnormalClosure, Reason: err.Error()}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				cmd = intercept.CloseCommand{Code: ce.Code, Reason: ce.Text, WasClean: true}
			}
			onClose(cmd)
			return
		}
		if typ == websocket.BinaryMessage {
			onFrame(traffic.BinaryMessage(data).Encode())
		} else {
			onFrame(traffic.TextMessage(string(data)).Encode())
		}
	}
}

// conn 单个被中继的 WebSocket：页面侧已接受，服务端侧按需拨号
type conn struct {
	url    string
	header map[string][]string
	dialer *websocket.Dialer
	page   *leg
	route  *intercept.WebSocketRoute

	pageOnce sync.Once

	mu     sync.Mutex
	server *leg
}

// Connect 拨号真实服务端并开始转发服务端消息
func (c *conn) Connect(ctx context.Context) error {
	ws, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		c.startPage()
		c.route.HandleCloseServer(intercept.CloseCommand{Code: websocket.CloseAbnormalClosure, Reason: err.Error()})
		return errors.Wrapf(err, "连接服务端失败: %s", c.url)
	}
	server := &leg{conn: ws}
	c.mu.Lock()
	c.server = server
	c.mu.Unlock()
	go server.read(c.route.HandleMessageFromServer, c.route.HandleCloseServer)
	c.startPage()
	return nil
}

// EnsureOpened 页面侧在升级时已打开，这里开始读取页面消息
func (c *conn) EnsureOpened(context.Context) error {
	c.startPage()
	return nil
}

func (c *conn) startPage() {
	c.pageOnce.Do(func() {
		go c.page.read(c.route.HandleMessageFromPage, c.route.HandleClosePage)
	})
}

func (c *conn) SendToPage(_ context.Context, f traffic.Frame) error {
	return c.page.write(f)
}

func (c *conn) SendToServer(_ context.Context, f traffic.Frame) error {
	s := c.serverLeg()
	if s == nil {
		return errNotConnected
	}
	return s.write(f)
}

func (c *conn) ClosePage(_ context.Context, cmd intercept.CloseCommand) error {
	return c.page.close(cmd)
}

func (c *conn) CloseServer(_ context.Context, cmd intercept.CloseCommand) error {
	s := c.serverLeg()
	if s == nil {
		return errNotConnected
	}
	return s.close(cmd)
}

func (c *conn) serverLeg() *leg {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.server
}
