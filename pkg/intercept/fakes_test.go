package intercept

import (
	"context"
	"sync"

	"cdproute/pkg/traffic"
)

// fakeChannel 记录全部出站命令
type fakeChannel struct {
	mu        sync.Mutex
	continues []ContinueCommand
	aborts    []AbortCommand
	fulfills  []FulfillCommand
	redirects []RedirectCommand
	patterns  [][]RemotePattern
	bodies    map[string][]byte
	headers   []traffic.HeaderEntry
	// block 非 nil 时命令阻塞直到 ctx 取消
	block chan struct{}
	err   error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{bodies: make(map[string][]byte)}
}

func (c *fakeChannel) wait(ctx context.Context) error {
	if c.block == nil {
		return c.err
	}
	select {
	case <-c.block:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeChannel) Continue(ctx context.Context, cmd ContinueCommand) error {
	c.mu.Lock()
	c.continues = append(c.continues, cmd)
	c.mu.Unlock()
	return c.wait(ctx)
}

func (c *fakeChannel) Abort(ctx context.Context, cmd AbortCommand) error {
	c.mu.Lock()
	c.aborts = append(c.aborts, cmd)
	c.mu.Unlock()
	return c.wait(ctx)
}

func (c *fakeChannel) Fulfill(ctx context.Context, cmd FulfillCommand) error {
	c.mu.Lock()
	c.fulfills = append(c.fulfills, cmd)
	c.mu.Unlock()
	return c.wait(ctx)
}

func (c *fakeChannel) RedirectNavigationRequest(ctx context.Context, cmd RedirectCommand) error {
	c.mu.Lock()
	c.redirects = append(c.redirects, cmd)
	c.mu.Unlock()
	return c.wait(ctx)
}

func (c *fakeChannel) RawRequestHeaders(_ context.Context, _ string) ([]traffic.HeaderEntry, error) {
	return c.headers, nil
}

func (c *fakeChannel) RawResponseHeaders(_ context.Context, _ string) ([]traffic.HeaderEntry, error) {
	return c.headers, nil
}

func (c *fakeChannel) ResponseBody(_ context.Context, handle string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bodies[handle], nil
}

func (c *fakeChannel) SetInterceptionPatterns(_ context.Context, patterns []RemotePattern) error {
	c.mu.Lock()
	c.patterns = append(c.patterns, patterns)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) counts() (continues, aborts, fulfills int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.continues), len(c.aborts), len(c.fulfills)
}

type fakeFS struct {
	files map[string][]byte
}

func (f fakeFS) ReadFile(path string) ([]byte, error) {
	b, ok := f.files[path]
	if !ok {
		return nil, context.Canceled
	}
	return b, nil
}

func (fakeFS) MimeType(path string) string {
	if len(path) > 5 && path[len(path)-5:] == ".html" {
		return "text/html"
	}
	return ""
}

func newTestRoute(ch *fakeChannel, rawURL string) *Route {
	req := NewRequest(RequestInit{ID: "req-1", URL: rawURL, Method: "GET", Channel: ch})
	return NewRoute(RouteInit{ID: "intercept-1", Request: req, Channel: ch})
}
