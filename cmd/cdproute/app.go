package main

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"cdproute/internal/config"
	"cdproute/internal/logger"
	"cdproute/internal/metrics"
	"cdproute/internal/rules"
	"cdproute/internal/storage"
	"cdproute/pkg/api"
	"cdproute/pkg/model"
)

// App 命令行应用的依赖与业务逻辑封装
type App struct {
	cfg     *config.Config
	log     logger.Logger
	store   *storage.Store
	metrics *metrics.Metrics
	svc     api.Service
}

// NewApp 按配置创建日志、存储、指标与服务
func NewApp(cfg *config.Config) (*App, error) {
	l := logger.New(logger.Options{
		Level:   cfg.Log.Level,
		Writers: cfg.Log.Writer,
		File:    cfg.Log.File,
	})
	store, err := storage.Open(storage.Options{DSN: cfg.Sqlite.Dsn, Prefix: cfg.Sqlite.Prefix}, l)
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	return &App{
		cfg:     cfg,
		log:     l,
		store:   store,
		metrics: m,
		svc:     api.NewService(api.Options{Logger: l, Store: store, Metrics: m}),
	}, nil
}

// Close 关闭全部会话与数据库
func (a *App) Close(ctx context.Context) error {
	err := a.svc.Close(ctx)
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}

func (a *App) sessionConfig() model.SessionConfig {
	return model.SessionConfig{
		DevToolsURL:      a.cfg.Session.DevToolsURL,
		Concurrency:      a.cfg.Session.Concurrency,
		PendingCapacity:  a.cfg.Session.PendingCapacity,
		ProcessTimeoutMS: a.cfg.Session.ProcessTimeoutMS,
		WebSocketListen:  a.cfg.WebSocket.Listen,
	}
}

// RunOptions run 子命令参数
type RunOptions struct {
	RulesPath string
	Target    model.TargetID
}

// Run 连接浏览器并按规则路由，直到 ctx 结束
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	var ruleFile *rules.File
	if opts.RulesPath != "" {
		f, err := rules.Load(opts.RulesPath)
		if err != nil {
			return err
		}
		ruleFile = f
	}

	id, err := a.svc.StartSession(ctx, a.sessionConfig())
	if err != nil {
		return err
	}
	if err := a.svc.LoadRules(ctx, id, ruleFile); err != nil {
		return err
	}
	events, err := a.svc.SubscribeEvents(id)
	if err != nil {
		return err
	}
	target, err := a.svc.AttachTarget(ctx, id, opts.Target)
	if err != nil {
		return err
	}
	a.log.Info("已连接目标", "session", string(id), "target", string(target))

	g, gctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Listen != "" {
		g.Go(func() error { return a.serveMetrics(gctx) })
	}
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case evt, ok := <-events:
				if !ok {
					return nil
				}
				a.logEvent(evt)
			}
		}
	})
	err = g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if serr := a.svc.StopSession(stopCtx, id); err == nil {
		err = serr
	}
	if st, serr := a.svc.GetStats(id); serr == nil {
		a.log.Info("会话结束", "total", st.Total, "byAction", st.ByAction)
	}
	return err
}

func (a *App) logEvent(evt model.Event) {
	switch evt.Type {
	case model.EventRouted:
		a.log.Info("请求已路由", "method", evt.Method, "url", evt.URL, "action", evt.Action, "outcome", evt.Outcome, "status", evt.Status)
	case model.EventWebSocket:
		a.log.Info("WebSocket 已分发", "url", evt.URL, "action", evt.Action)
	case model.EventDegraded:
		a.log.Warn("请求降级放行", "method", evt.Method, "url", evt.URL)
	case model.EventTargetGone:
		a.log.Warn("目标已关闭", "target", string(evt.Target), "error", evt.Error)
	}
}

// serveMetrics 在配置的地址上暴露 /metrics，ctx 结束时关闭
func (a *App) serveMetrics(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Metrics.Listen)
	if err != nil {
		return errors.Wrapf(err, "监听失败: %s", a.cfg.Metrics.Listen)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	a.log.Info("指标服务已启动", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "指标服务退出")
	}
	return nil
}

// Targets 列出浏览器中的页面目标
func (a *App) Targets(ctx context.Context) ([]model.TargetInfo, error) {
	cfg := a.sessionConfig()
	cfg.WebSocketListen = ""
	id, err := a.svc.StartSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer a.svc.StopSession(ctx, id)
	return a.svc.ListTargets(ctx, id)
}

// History 最近的流量记录
func (a *App) History(ctx context.Context, limit int) ([]storage.TrafficRecord, map[string]int64, error) {
	recs, err := a.store.Recent(ctx, limit)
	if err != nil {
		return nil, nil, err
	}
	counts, err := a.store.CountByAction(ctx)
	if err != nil {
		return nil, nil, err
	}
	return recs, counts, nil
}
