package session

import (
	"context"
	"sync"

	"cdproute/internal/cdp"
	"cdproute/internal/logger"
	"cdproute/internal/rules"
	"cdproute/internal/wsrelay"
	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

// 事件缓冲大小，满时丢弃
const eventBuffer = 256

// Session 一个浏览器连接及其上的路由分发器
type Session struct {
	ID     model.SessionID
	Config model.SessionConfig

	events   chan model.Event
	done     chan struct{}
	once     sync.Once
	cdp      *cdp.Manager
	router   *intercept.Router
	wsRouter *intercept.WebSocketRouter
	relay    *wsrelay.Relay
	log      logger.Logger

	rulesMu sync.Mutex
	rules   *rules.Installed

	mu    sync.Mutex
	stats model.EngineStats
	subs  []chan model.Event
}

// New 创建会话；配置了中继监听地址时先启动中继，以便把注入脚本交给 CDP 管理器
func New(id model.SessionID, cfg model.SessionConfig, l logger.Logger) (*Session, error) {
	if l == nil {
		l = logger.NewNop()
	}
	l = l.With("session", string(id))
	s := &Session{
		ID:     id,
		Config: cfg,
		events: make(chan model.Event, eventBuffer),
		done:   make(chan struct{}),
		log:    l,
		stats:  model.EngineStats{ByAction: map[string]int64{}},
	}

	var scripts []string
	if cfg.WebSocketListen != "" {
		s.relay = wsrelay.New(wsrelay.Config{Listen: cfg.WebSocketListen, Logger: l})
		if err := s.relay.Start(); err != nil {
			return nil, err
		}
		scripts = append(scripts, s.relay.InjectionScript())
	}

	s.cdp = cdp.New(cdp.Config{
		DevToolsURL:      cfg.DevToolsURL,
		Session:          id,
		Events:           s.events,
		Logger:           l,
		Concurrency:      cfg.Concurrency,
		PendingCapacity:  cfg.PendingCapacity,
		ProcessTimeoutMS: cfg.ProcessTimeoutMS,
		InitScripts:      scripts,
	})
	s.router = intercept.NewRouter(intercept.RouterConfig{
		Registrar: s.cdp,
		Events:    s.events,
		BaseURL:   cfg.BaseURL,
		Session:   id,
		Logger:    l,
	})
	s.cdp.SetRouter(s.router)

	wsCfg := intercept.WebSocketRouterConfig{
		Events:  s.events,
		BaseURL: cfg.BaseURL,
		Session: id,
		Logger:  l,
	}
	if s.relay != nil {
		wsCfg.Registrar = s.relay
	}
	s.wsRouter = intercept.NewWebSocketRouter(wsCfg)
	if s.relay != nil {
		s.relay.SetRouter(s.wsRouter)
	}
	return s, nil
}

// Events 会话产生的事件
func (s *Session) Events() <-chan model.Event { return s.events }

// Done 会话关闭后关闭
func (s *Session) Done() <-chan struct{} { return s.done }

// Router HTTP 分发器
func (s *Session) Router() *intercept.Router { return s.router }

// WebSocketRouter WebSocket 分发器
func (s *Session) WebSocketRouter() *intercept.WebSocketRouter { return s.wsRouter }

// CDP 浏览器连接管理器
func (s *Session) CDP() *cdp.Manager { return s.cdp }

// Relay WebSocket 中继，未启用时为 nil
func (s *Session) Relay() *wsrelay.Relay { return s.relay }

// LoadRules 替换当前规则
func (s *Session) LoadRules(ctx context.Context, f *rules.File) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	if s.rules != nil {
		if err := s.rules.Remove(ctx); err != nil {
			return err
		}
		s.rules = nil
	}
	if f == nil {
		return nil
	}
	inst, err := rules.Install(ctx, f, s.router, s.wsRouter, s.log)
	if err != nil {
		return err
	}
	s.rules = inst
	return nil
}

// Record 累加路由统计
func (s *Session) Record(evt model.Event) {
	if evt.Type != model.EventRouted {
		return
	}
	s.mu.Lock()
	s.stats.Total++
	s.stats.ByAction[evt.Action]++
	s.mu.Unlock()
}

// Stats 路由统计快照
func (s *Session) Stats() model.EngineStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := model.EngineStats{Total: s.stats.Total, ByAction: make(map[string]int64, len(s.stats.ByAction))}
	for k, v := range s.stats.ByAction {
		out.ByAction[k] = v
	}
	return out
}

// Subscribe 新增事件订阅者
func (s *Session) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, eventBuffer)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Publish 非阻塞转发给全部订阅者
func (s *Session) Publish(evt model.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// Close 关闭分发器、目标连接与中继，并结束全部订阅
func (s *Session) Close(ctx context.Context) error {
	s.once.Do(func() { close(s.done) })
	s.router.Close()
	err := s.cdp.Close()
	if s.relay != nil {
		if rerr := s.relay.Close(ctx); err == nil {
			err = rerr
		}
	}
	s.mu.Lock()
	for _, ch := range s.subs {
		close(ch)
	}
	s.subs = nil
	s.mu.Unlock()
	return err
}
