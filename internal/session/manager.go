package session

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"cdproute/internal/logger"
	"cdproute/pkg/model"
)

// ErrNotFound 会话不存在
var ErrNotFound = errors.New("会话不存在")

// Manager 全局会话管理器
type Manager struct {
	mu       sync.RWMutex
	sessions map[model.SessionID]*Session
	log      logger.Logger
}

// NewManager 创建会话管理器
func NewManager(l logger.Logger) *Manager {
	if l == nil {
		l = logger.NewNop()
	}
	return &Manager{
		sessions: make(map[model.SessionID]*Session),
		log:      l,
	}
}

// Create 创建并注册新会话
func (m *Manager) Create(cfg model.SessionConfig) (*Session, error) {
	id := model.SessionID(uuid.NewString())
	s, err := New(id, cfg, m.log)
	if err != nil {
		return nil, errors.WithMessage(err, "创建会话失败")
	}

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Info("创建业务会话", "sessionID", string(id))
	return s, nil
}

// Get 获取会话
func (m *Manager) Get(id model.SessionID) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, string(id))
	}
	return s, nil
}

// Delete 注销并关闭会话
func (m *Manager) Delete(ctx context.Context, id model.SessionID) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return errors.Wrap(ErrNotFound, string(id))
	}
	m.log.Info("销毁业务会话", "sessionID", string(id))
	return s.Close(ctx)
}

// List 返回所有活动会话
func (m *Manager) List() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		list = append(list, s)
	}
	return list
}

// CloseAll 关闭全部会话
func (m *Manager) CloseAll(ctx context.Context) error {
	var first error
	for _, s := range m.List() {
		if err := m.Delete(ctx, s.ID); err != nil && first == nil {
			first = err
		}
	}
	return first
}
