package api

import (
	"context"

	"cdproute/internal/logger"
	"cdproute/internal/metrics"
	"cdproute/internal/rules"
	"cdproute/internal/service"
	"cdproute/internal/storage"
	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

// Service 服务接口
type Service interface {
	// StartSession 启动会话
	StartSession(ctx context.Context, cfg model.SessionConfig) (model.SessionID, error)

	// StopSession 停止会话
	StopSession(ctx context.Context, id model.SessionID) error

	// AttachTarget 附加目标
	AttachTarget(ctx context.Context, id model.SessionID, target model.TargetID) (model.TargetID, error)

	// DetachTarget 分离目标
	DetachTarget(ctx context.Context, id model.SessionID, target model.TargetID) error

	// ListTargets 列出目标
	ListTargets(ctx context.Context, id model.SessionID) ([]model.TargetInfo, error)

	// Routers 获取会话上的分发器，用于注册处理器
	Routers(id model.SessionID) (*intercept.Router, *intercept.WebSocketRouter, error)

	// LoadRules 加载规则配置
	LoadRules(ctx context.Context, id model.SessionID, f *rules.File) error

	// GetStats 获取路由统计信息
	GetStats(id model.SessionID) (model.EngineStats, error)

	// SubscribeEvents 订阅事件
	SubscribeEvents(id model.SessionID) (<-chan model.Event, error)

	// Close 关闭全部会话
	Close(ctx context.Context) error
}

// Options 服务依赖
type Options struct {
	Logger  logger.Logger
	Store   *storage.Store
	Metrics *metrics.Metrics
}

// NewService 创建并返回服务接口实现
func NewService(opts Options) Service {
	return service.New(service.Options{
		Logger:  opts.Logger,
		Store:   opts.Store,
		Metrics: opts.Metrics,
	})
}
