package cdp

import (
	"context"
	"sync"
	"time"

	"github.com/mafredri/cdp"
	"github.com/mafredri/cdp/devtool"
	"github.com/mafredri/cdp/protocol/fetch"
	"github.com/mafredri/cdp/protocol/network"
	"github.com/mafredri/cdp/protocol/page"
	"github.com/mafredri/cdp/rpcc"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cdproute/internal/logger"
	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

// Config 管理器配置
type Config struct {
	DevToolsURL      string
	Session          model.SessionID
	Events           chan<- model.Event
	Logger           logger.Logger
	Concurrency      int
	PendingCapacity  int
	ProcessTimeoutMS int
	// InitScripts 每个新文档加载前注入的脚本
	InitScripts      []string
}

// Manager 管理浏览器目标连接，并把 Fetch 拦截事件交给路由分发器
type Manager struct {
	devtoolsURL      string
	session          model.SessionID
	events           chan<- model.Event
	log              logger.Logger
	pool             *workerPool
	processTimeoutMS int
	initScripts      []string

	routerMu sync.RWMutex
	router   *intercept.Router

	targetsMu sync.Mutex
	targets   map[model.TargetID]*targetSession

	patternsMu sync.Mutex
	patterns   []fetch.RequestPattern
}

// targetSession 单个目标的连接与观察状态
type targetSession struct {
	id      model.TargetID
	conn    *rpcc.Conn
	client  *cdp.Client
	ctx     context.Context
	cancel  context.CancelFunc
	scope   *intercept.Scope
	channel *Channel
	obs     *observer
}

// New 创建管理器
func New(cfg Config) *Manager {
	l := cfg.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		devtoolsURL:      cfg.DevToolsURL,
		session:          cfg.Session,
		events:           cfg.Events,
		log:              l,
		pool:             newWorkerPool(cfg.Concurrency, cfg.PendingCapacity),
		processTimeoutMS: cfg.ProcessTimeoutMS,
		initScripts:      cfg.InitScripts,
		targets:          make(map[model.TargetID]*targetSession),
	}
}

// SetRouter 设置接收拦截的分发器
func (m *Manager) SetRouter(r *intercept.Router) {
	m.routerMu.Lock()
	m.router = r
	m.routerMu.Unlock()
}

func (m *Manager) currentRouter() *intercept.Router {
	m.routerMu.RLock()
	defer m.routerMu.RUnlock()
	return m.router
}

// ListTargets 列出浏览器中的页面目标
func (m *Manager) ListTargets(ctx context.Context) ([]model.TargetInfo, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "获取目标列表失败")
	}
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetInfo, 0, len(targets))
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		_, attached := m.targets[model.TargetID(t.ID)]
		out = append(out, model.TargetInfo{
			ID:        model.TargetID(t.ID),
			Type:      string(t.Type),
			URL:       t.URL,
			Title:     t.Title,
			IsCurrent: attached,
		})
	}
	return out, nil
}

// AttachTarget 连接目标并开始消费事件；target 为空时选择第一个页面
func (m *Manager) AttachTarget(ctx context.Context, target model.TargetID) (model.TargetID, error) {
	targets, err := devtool.New(m.devtoolsURL).List(ctx)
	if err != nil {
		return "", errors.Wrap(err, "获取目标列表失败")
	}
	var sel *devtool.Target
	for _, t := range targets {
		if t.Type != devtool.Page {
			continue
		}
		if target == "" || model.TargetID(t.ID) == target {
			sel = t
			break
		}
	}
	if sel == nil {
		return "", errors.Errorf("未找到目标: %s", target)
	}
	id := model.TargetID(sel.ID)

	m.targetsMu.Lock()
	_, exists := m.targets[id]
	m.targetsMu.Unlock()
	if exists {
		return id, nil
	}

	conn, err := rpcc.DialContext(ctx, sel.WebSocketDebuggerURL)
	if err != nil {
		return "", errors.Wrap(err, "连接目标失败")
	}
	tctx, cancel := context.WithCancel(context.Background())
	ts := &targetSession{
		id:     id,
		conn:   conn,
		client: cdp.NewClient(conn),
		ctx:    tctx,
		cancel: cancel,
		scope:  intercept.NewScope(),
		obs:    newObserver(),
	}
	ts.channel = newChannel(ts.client, ts.obs, ts.scope)
	ts.obs.channel = ts.channel

	g, gctx := errgroup.WithContext(tctx)
	s, err := subscribe(gctx, ts.client)
	if err == nil {
		err = m.enable(ctx, ts)
	}
	if err != nil {
		cancel()
		_ = conn.Close()
		return "", err
	}

	m.targetsMu.Lock()
	m.targets[id] = ts
	m.targetsMu.Unlock()

	m.consume(ts, g, s)
	m.log.Info("已连接目标", "target", string(id), "url", sel.URL)
	return id, nil
}

// enable 启用 Network 域、注入脚本并下发当前拦截模式
func (m *Manager) enable(ctx context.Context, ts *targetSession) error {
	if err := ts.client.Network.Enable(ctx, nil); err != nil {
		return errors.Wrap(err, "启用 Network 域失败")
	}
	for _, src := range m.initScripts {
		args := page.NewAddScriptToEvaluateOnNewDocumentArgs(src)
		if _, err := ts.client.Page.AddScriptToEvaluateOnNewDocument(ctx, args); err != nil {
			return errors.Wrap(err, "注入脚本失败")
		}
	}
	return m.applyPatterns(ctx, ts, m.currentPatterns())
}

// Detach 断开目标，挂起中的路由被释放
func (m *Manager) Detach(target model.TargetID) error {
	m.targetsMu.Lock()
	ts, ok := m.targets[target]
	delete(m.targets, target)
	m.targetsMu.Unlock()
	if !ok {
		return errors.Errorf("目标未连接: %s", target)
	}
	return m.closeTargetSession(ts)
}

// Targets 已连接的目标
func (m *Manager) Targets() []model.TargetID {
	m.targetsMu.Lock()
	defer m.targetsMu.Unlock()
	out := make([]model.TargetID, 0, len(m.targets))
	for id := range m.targets {
		out = append(out, id)
	}
	return out
}

// Close 断开全部目标并停止工作池
func (m *Manager) Close() error {
	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for id, ts := range m.targets {
		sessions = append(sessions, ts)
		delete(m.targets, id)
	}
	m.targetsMu.Unlock()

	var first error
	for _, ts := range sessions {
		if err := m.closeTargetSession(ts); err != nil && first == nil {
			first = err
		}
	}
	if m.pool != nil {
		m.pool.close()
	}
	return first
}

func (m *Manager) closeTargetSession(ts *targetSession) error {
	ts.scope.Close(nil)
	ts.cancel()
	return ts.conn.Close()
}

// SetInterceptionPatterns 更新全部目标上的 Fetch 拦截模式，模式为空时关闭拦截
func (m *Manager) SetInterceptionPatterns(ctx context.Context, patterns []intercept.RemotePattern) error {
	converted := fetchPatterns(patterns)
	m.patternsMu.Lock()
	m.patterns = converted
	m.patternsMu.Unlock()

	m.targetsMu.Lock()
	sessions := make([]*targetSession, 0, len(m.targets))
	for _, ts := range m.targets {
		sessions = append(sessions, ts)
	}
	m.targetsMu.Unlock()

	for _, ts := range sessions {
		if err := m.applyPatterns(ctx, ts, converted); err != nil {
			return err
		}
	}
	m.log.Debug("拦截模式已更新", "count", len(converted))
	return nil
}

func (m *Manager) currentPatterns() []fetch.RequestPattern {
	m.patternsMu.Lock()
	defer m.patternsMu.Unlock()
	return m.patterns
}

func (m *Manager) applyPatterns(ctx context.Context, ts *targetSession, patterns []fetch.RequestPattern) error {
	if len(patterns) == 0 {
		if err := ts.client.Fetch.Disable(ctx); err != nil {
			return errors.Wrap(err, "关闭拦截失败")
		}
		return nil
	}
	if err := ts.client.Fetch.Enable(ctx, &fetch.EnableArgs{Patterns: patterns}); err != nil {
		return errors.Wrap(err, "启用拦截失败")
	}
	return nil
}

// streams 目标上订阅的事件流
type streams struct {
	paused        fetch.RequestPausedClient
	sent          network.RequestWillBeSentClient
	sentExtra     network.RequestWillBeSentExtraInfoClient
	received      network.ResponseReceivedClient
	receivedExtra network.ResponseReceivedExtraInfoClient
	finished      network.LoadingFinishedClient
	failed        network.LoadingFailedClient
}

// subscribe 在启用域之前订阅，并让各事件流按到达顺序交付
func subscribe(ctx context.Context, c *cdp.Client) (*streams, error) {
	var (
		s   streams
		err error
	)
	if s.paused, err = c.Fetch.RequestPaused(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 requestPaused 失败")
	}
	if s.sent, err = c.Network.RequestWillBeSent(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 requestWillBeSent 失败")
	}
	if s.sentExtra, err = c.Network.RequestWillBeSentExtraInfo(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 requestWillBeSentExtraInfo 失败")
	}
	if s.received, err = c.Network.ResponseReceived(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 responseReceived 失败")
	}
	if s.receivedExtra, err = c.Network.ResponseReceivedExtraInfo(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 responseReceivedExtraInfo 失败")
	}
	if s.finished, err = c.Network.LoadingFinished(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 loadingFinished 失败")
	}
	if s.failed, err = c.Network.LoadingFailed(ctx); err != nil {
		return nil, errors.Wrap(err, "订阅 loadingFailed 失败")
	}
	if err = cdp.Sync(s.paused, s.sent, s.sentExtra, s.received, s.receivedExtra, s.finished, s.failed); err != nil {
		return nil, errors.Wrap(err, "同步事件流失败")
	}
	return &s, nil
}

// consume 每个事件流一个协程，任一流终止时整个目标结束
func (m *Manager) consume(ts *targetSession, g *errgroup.Group, s *streams) {
	g.Go(func() error {
		defer s.paused.Close()
		for {
			ev, err := s.paused.Recv()
			if err != nil {
				return err
			}
			m.dispatchPaused(ts, ev)
		}
	})
	g.Go(func() error {
		defer s.sent.Close()
		for {
			ev, err := s.sent.Recv()
			if err != nil {
				return err
			}
			ts.obs.onRequestWillBeSent(ev)
		}
	})
	g.Go(func() error {
		defer s.sentExtra.Close()
		for {
			ev, err := s.sentExtra.Recv()
			if err != nil {
				return err
			}
			ts.obs.onRequestExtraInfo(ev)
		}
	})
	g.Go(func() error {
		defer s.received.Close()
		for {
			ev, err := s.received.Recv()
			if err != nil {
				return err
			}
			ts.obs.onResponseReceived(ev)
		}
	})
	g.Go(func() error {
		defer s.receivedExtra.Close()
		for {
			ev, err := s.receivedExtra.Recv()
			if err != nil {
				return err
			}
			ts.obs.onResponseExtraInfo(ev)
		}
	})
	g.Go(func() error {
		defer s.finished.Close()
		for {
			ev, err := s.finished.Recv()
			if err != nil {
				return err
			}
			ts.obs.onLoadingFinished(ev)
		}
	})
	g.Go(func() error {
		defer s.failed.Close()
		for {
			ev, err := s.failed.Recv()
			if err != nil {
				return err
			}
			ts.obs.onLoadingFailed(ev)
		}
	})
	go func() {
		m.handleTargetStreamClosed(ts, g.Wait())
	}()
}

// handleTargetStreamClosed 处理单个目标的事件流终止
func (m *Manager) handleTargetStreamClosed(ts *targetSession, err error) {
	ts.scope.Close(err)
	if ts.ctx.Err() != nil {
		m.log.Info("目标已断开，停止事件消费", "target", string(ts.id))
		return
	}

	m.log.Warn("事件流被中断，自动移除目标", "target", string(ts.id), "error", err)
	m.targetsMu.Lock()
	if cur, ok := m.targets[ts.id]; ok && cur == ts {
		delete(m.targets, ts.id)
	}
	m.targetsMu.Unlock()
	_ = m.closeTargetSession(ts)
	m.sendEvent(model.Event{Type: model.EventTargetGone, Target: ts.id, Error: err})
}

// sendEvent 安全发送事件到通道，自动添加时间戳
func (m *Manager) sendEvent(evt model.Event) {
	if m.events == nil {
		return
	}
	evt.Session = m.session
	evt.Timestamp = time.Now().UnixMilli()
	select {
	case m.events <- evt:
	default:
	}
}
