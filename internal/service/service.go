package service

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"cdproute/internal/logger"
	"cdproute/internal/metrics"
	"cdproute/internal/rules"
	"cdproute/internal/session"
	"cdproute/internal/storage"
	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

// 单条记录写库超时
const saveTimeout = 2 * time.Second

// Options 服务依赖，Store 与 Metrics 可为空
type Options struct {
	Logger  logger.Logger
	Store   *storage.Store
	Metrics *metrics.Metrics
}

// Service 会话、分发器与事件记录的组合
type Service struct {
	log      logger.Logger
	sessions *session.Manager
	store    *storage.Store
	metrics  *metrics.Metrics
}

// New 创建服务
func New(opts Options) *Service {
	l := opts.Logger
	if l == nil {
		l = logger.NewNop()
	}
	return &Service{
		log:      l,
		sessions: session.NewManager(l),
		store:    opts.Store,
		metrics:  opts.Metrics,
	}
}

// StartSession 创建会话并开始消费其事件
func (s *Service) StartSession(_ context.Context, cfg model.SessionConfig) (model.SessionID, error) {
	sess, err := s.sessions.Create(cfg)
	if err != nil {
		return "", err
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Inc()
	}
	go s.consume(sess)
	return sess.ID, nil
}

// StopSession 关闭会话
func (s *Service) StopSession(ctx context.Context, id model.SessionID) error {
	if err := s.sessions.Delete(ctx, id); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.SessionsActive.Dec()
	}
	return nil
}

// AttachTarget 连接目标，target 为空时选择第一个页面
func (s *Service) AttachTarget(ctx context.Context, id model.SessionID, target model.TargetID) (model.TargetID, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return "", err
	}
	if target == "" {
		target = sess.Config.Target
	}
	return sess.CDP().AttachTarget(ctx, target)
}

// DetachTarget 断开目标
func (s *Service) DetachTarget(_ context.Context, id model.SessionID, target model.TargetID) error {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return sess.CDP().Detach(target)
}

// ListTargets 列出页面目标
func (s *Service) ListTargets(ctx context.Context, id model.SessionID) ([]model.TargetInfo, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.CDP().ListTargets(ctx)
}

// Routers 会话上的 HTTP 与 WebSocket 分发器，可直接注册处理器
func (s *Service) Routers(id model.SessionID) (*intercept.Router, *intercept.WebSocketRouter, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, nil, err
	}
	return sess.Router(), sess.WebSocketRouter(), nil
}

// LoadRules 替换会话上的规则
func (s *Service) LoadRules(ctx context.Context, id model.SessionID, f *rules.File) error {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return err
	}
	return sess.LoadRules(ctx, f)
}

// GetStats 路由统计
func (s *Service) GetStats(id model.SessionID) (model.EngineStats, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return model.EngineStats{}, err
	}
	return sess.Stats(), nil
}

// SubscribeEvents 订阅会话事件，会话关闭时通道关闭
func (s *Service) SubscribeEvents(id model.SessionID) (<-chan model.Event, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	return sess.Subscribe(), nil
}

// Close 关闭全部会话
func (s *Service) Close(ctx context.Context) error {
	return s.sessions.CloseAll(ctx)
}

// consume 把会话事件写入统计、指标与存储，再转发给订阅者
func (s *Service) consume(sess *session.Session) {
	for {
		select {
		case <-sess.Done():
			return
		case evt := <-sess.Events():
			s.observe(sess, evt)
		}
	}
}

func (s *Service) observe(sess *session.Session, evt model.Event) {
	sess.Record(evt)
	if s.metrics != nil {
		s.metrics.Observe(evt)
	}
	if s.store != nil {
		ctx, cancel := context.WithTimeout(storage.WithSession(context.Background(), sess.ID), saveTimeout)
		if _, err := s.store.Save(ctx, evt); err != nil {
			s.log.Err(errors.WithMessage(err, string(sess.ID)), "记录事件失败", "type", evt.Type)
		}
		cancel()
	}
	sess.Publish(evt)
}
