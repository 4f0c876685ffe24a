package intercept

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Scope 目标生命周期，关闭后所有挂起的操作被释放
type Scope struct {
	once   sync.Once
	done   chan struct{}
	mu     sync.Mutex
	reason error
}

// NewScope 创建处于打开状态的生命周期
func NewScope() *Scope {
	return &Scope{done: make(chan struct{})}
}

// Close 关闭生命周期，可重复调用
func (s *Scope) Close(reason error) {
	s.once.Do(func() {
		if reason == nil {
			reason = ErrTargetClosed
		} else if !errors.Is(reason, ErrTargetClosed) {
			reason = errors.Wrap(ErrTargetClosed, reason.Error())
		}
		s.mu.Lock()
		s.reason = reason
		s.mu.Unlock()
		close(s.done)
	})
}

// Done 关闭时可读
func (s *Scope) Done() <-chan struct{} { return s.done }

// Err 打开时返回 nil
func (s *Scope) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

// Race 执行 fn 并与生命周期关闭竞争；目标先关闭时 released 为 true 且不返回错误
func (s *Scope) Race(ctx context.Context, fn func(ctx context.Context) error) (released bool, err error) {
	select {
	case <-s.done:
		return true, nil
	default:
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- fn(ctx) }()
	select {
	case err = <-errc:
		if err != nil && IsTargetClosed(err) {
			return true, nil
		}
		return false, err
	case <-s.done:
		return true, nil
	}
}
