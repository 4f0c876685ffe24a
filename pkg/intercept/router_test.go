package intercept

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdproute/pkg/model"
)

func continueFn(ctx context.Context, route *Route, _ *Request) error {
	return route.Continue(ctx, nil)
}

func fulfillStatus(status int) HandlerFunc {
	return func(ctx context.Context, route *Route, _ *Request) error {
		return route.Fulfill(ctx, FulfillOptions{Status: status})
	}
}

func TestRouterTimesBudget(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{Registrar: ch})

	var calls atomic.Int32
	h, err := r.Route(ctx, Glob(CatchAll), func(ctx context.Context, route *Route, req *Request) error {
		calls.Add(1)
		return route.Continue(ctx, nil)
	}, 2)
	require.NoError(t, err)
	assert.False(t, h.WillExpire())

	out, err := r.Dispatch(ctx, newTestRoute(ch, "https://a.com/1"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)
	assert.True(t, h.WillExpire())
	assert.Len(t, r.Handlers(), 1)

	_, err = r.Dispatch(ctx, newTestRoute(ch, "https://a.com/2"))
	require.NoError(t, err)
	assert.Empty(t, r.Handlers())

	out, err = r.Dispatch(ctx, newTestRoute(ch, "https://a.com/3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 2, h.HandledCount())
	require.Len(t, ch.continues, 3)
	assert.False(t, ch.continues[1].IsFallback)
	assert.True(t, ch.continues[2].IsFallback)
	assert.Nil(t, ch.patterns[len(ch.patterns)-1])
}

func TestRouterMostRecentFirst(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob("**/api/*"), fulfillStatus(201), 0)
	require.NoError(t, err)
	_, err = r.Route(ctx, Glob("**/api/*"), fulfillStatus(202), 0)
	require.NoError(t, err)

	route := newTestRoute(ch, "https://a.com/api/users")
	_, err = r.Dispatch(ctx, route)
	require.NoError(t, err)
	require.Len(t, ch.fulfills, 1)
	assert.Equal(t, 202, ch.fulfills[0].Status)
	assert.Equal(t, ActionFulfill, route.Action())
}

func TestRouterFallbackChainsToParentAndNetwork(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	parent := NewRouter(RouterConfig{})
	child := NewRouter(RouterConfig{Parent: parent})

	var order []string
	_, err := parent.Route(ctx, Glob(CatchAll), func(_ context.Context, route *Route, _ *Request) error {
		order = append(order, "parent")
		return route.Fallback(&Overrides{Method: String("POST")})
	}, 0)
	require.NoError(t, err)
	_, err = child.Route(ctx, Glob(CatchAll), func(_ context.Context, route *Route, _ *Request) error {
		order = append(order, "child-old")
		return route.Fallback(nil)
	}, 0)
	require.NoError(t, err)
	_, err = child.Route(ctx, Glob(CatchAll), func(_ context.Context, route *Route, _ *Request) error {
		order = append(order, "child-new")
		return route.Fallback(&Overrides{Headers: map[string]string{"X-A": "1"}})
	}, 0)
	require.NoError(t, err)

	route := newTestRoute(ch, "https://a.com/x")
	out, err := child.Dispatch(ctx, route)
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)
	assert.Equal(t, []string{"child-new", "child-old", "parent"}, order)
	assert.Equal(t, ActionNetwork, route.Action())

	require.Len(t, ch.continues, 1)
	cmd := ch.continues[0]
	assert.True(t, cmd.IsFallback)
	assert.Equal(t, "POST", cmd.Method)
	assert.Equal(t, "1", headerValue(cmd.Headers, "x-a"))
}

func TestRouterNoMatchContinues(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob("**/*.png"), continueFn, 0)
	require.NoError(t, err)

	out, err := r.Dispatch(ctx, newTestRoute(ch, "https://a.com/index.html"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, out)
	require.Len(t, ch.continues, 1)
	assert.True(t, ch.continues[0].IsFallback)
}

func TestRouterPredicateDegradesPatterns(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{Registrar: ch})
	_, err := r.Route(ctx, Glob("**/*.js"), continueFn, 0)
	require.NoError(t, err)
	assert.Equal(t, []RemotePattern{{Glob: "**/*.js"}}, ch.patterns[0])

	pred := Predicate(func(u *url.URL) bool { return strings.HasSuffix(u.Path, ".css") })
	_, err = r.Route(ctx, pred, fulfillStatus(204), 0)
	require.NoError(t, err)
	assert.Equal(t, []RemotePattern{{Glob: CatchAll}}, ch.patterns[1])

	_, err = r.Dispatch(ctx, newTestRoute(ch, "https://a.com/site.css"))
	require.NoError(t, err)
	require.Len(t, ch.fulfills, 1)
	assert.Equal(t, 204, ch.fulfills[0].Status)

	// 谓词之间不相等，Unroute 无法移除
	require.NoError(t, r.Unroute(ctx, pred, StopDefault))
	assert.Len(t, r.Handlers(), 2)
	require.NoError(t, r.Unroute(ctx, Glob("**/*.js"), StopDefault))
	assert.Len(t, r.Handlers(), 1)
}

func TestRouterHandlerErrorPropagates(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob(CatchAll), func(context.Context, *Route, *Request) error {
		return errors.New("boom")
	}, 0)
	require.NoError(t, err)

	route := newTestRoute(ch, "https://a.com/x")
	_, err = r.Dispatch(ctx, route)
	assert.EqualError(t, err, "boom")
	assert.True(t, route.Threw())
	c, a, f := ch.counts()
	assert.Zero(t, c+a+f)
}

func TestRouterHandlerPanicRecovered(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob(CatchAll), func(context.Context, *Route, *Request) error {
		panic("bad handler")
	}, 0)
	require.NoError(t, err)

	_, err = r.Dispatch(ctx, newTestRoute(newFakeChannel(), "https://a.com/x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad handler")
}

func TestRouterTargetClosedErrorRewritten(t *testing.T) {
	ctx := context.Background()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob(CatchAll), func(context.Context, *Route, *Request) error {
		return errors.Wrap(ErrTargetClosed, "fetch")
	}, 0)
	require.NoError(t, err)

	_, err = r.Dispatch(ctx, newTestRoute(newFakeChannel(), "https://a.com/x"))
	require.Error(t, err)
	assert.True(t, IsTargetClosed(err))
	assert.Contains(t, err.Error(), "UnrouteAll")
}

func TestUnrouteWaitsForRunningHandlers(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	release := make(chan struct{})
	h, err := r.Route(ctx, Glob(CatchAll), func(ctx context.Context, route *Route, _ *Request) error {
		<-release
		return route.Continue(ctx, nil)
	}, 0)
	require.NoError(t, err)

	go func() { _, _ = r.Dispatch(ctx, newTestRoute(ch, "https://a.com/x")) }()
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- r.Unroute(ctx, Glob(CatchAll), StopWait) }()
	select {
	case <-done:
		t.Fatal("unroute returned before the handler finished")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Empty(t, r.Handlers())

	close(release)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("unroute did not return")
	}
	assert.Zero(t, h.ActiveCount())
}

func TestUnrouteAllIgnoreErrors(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	release := make(chan struct{})
	h, err := r.Route(ctx, Glob(CatchAll), func(context.Context, *Route, *Request) error {
		<-release
		return ErrTargetClosed
	}, 0)
	require.NoError(t, err)

	route := newTestRoute(ch, "https://a.com/x")
	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := r.Dispatch(ctx, route)
		res <- result{out, err}
	}()
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, r.UnrouteAll(ctx, StopIgnoreErrors))
	close(release)

	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeHandled, got.out)
	assert.True(t, route.Threw())
	require.Len(t, ch.continues, 1)
	assert.True(t, ch.continues[0].IsFallback)
}

func TestRouterEmitsEvents(t *testing.T) {
	ctx := context.Background()
	events := make(chan model.Event, 4)
	r := NewRouter(RouterConfig{Events: events, Session: "s1", Target: "t1"})
	_, err := r.Route(ctx, Glob(CatchAll), fulfillStatus(418), 0)
	require.NoError(t, err)

	_, err = r.Dispatch(ctx, newTestRoute(newFakeChannel(), "https://a.com/tea"))
	require.NoError(t, err)

	evt := <-events
	assert.Equal(t, model.EventRouted, evt.Type)
	assert.Equal(t, model.SessionID("s1"), evt.Session)
	assert.Equal(t, "fulfill", evt.Action)
	assert.Equal(t, "handled", evt.Outcome)
	assert.Equal(t, 418, evt.Status)
	assert.Equal(t, "https://a.com/tea", evt.URL)
}

func TestRouterClosedReleases(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob(CatchAll), continueFn, 0)
	require.NoError(t, err)
	r.Close()

	out, err := r.Dispatch(ctx, newTestRoute(ch, "https://a.com/x"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, out)
	c, _, _ := ch.counts()
	assert.Zero(t, c)
}

func TestRouterTimesBudgetUnderConcurrentDispatch(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})

	var calls atomic.Int32
	_, err := r.Route(ctx, Glob(CatchAll), func(ctx context.Context, route *Route, _ *Request) error {
		calls.Add(1)
		return route.Fulfill(ctx, FulfillOptions{Status: 200})
	}, 1)
	require.NoError(t, err)

	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	_, err = r.Route(ctx, Glob(CatchAll), func(_ context.Context, route *Route, _ *Request) error {
		entered <- struct{}{}
		<-release
		return route.Fallback(nil)
	}, 0)
	require.NoError(t, err)

	results := make(chan Outcome, 2)
	for _, u := range []string{"https://a.com/1", "https://a.com/2"} {
		route := newTestRoute(ch, u)
		go func() {
			out, err := r.Dispatch(ctx, route)
			assert.NoError(t, err)
			results <- out
		}()
	}
	<-entered
	<-entered
	close(release)
	<-results
	<-results

	assert.Equal(t, int32(1), calls.Load())
	c, _, f := ch.counts()
	assert.Equal(t, 1, f)
	assert.Equal(t, 1, c)
	assert.Len(t, r.Handlers(), 1)
}

func TestIgnoredErrorAfterResolveReportsHandled(t *testing.T) {
	ctx := context.Background()
	ch := newFakeChannel()
	r := NewRouter(RouterConfig{})
	_, err := r.Route(ctx, Glob(CatchAll), continueFn, 0)
	require.NoError(t, err)

	release := make(chan struct{})
	h, err := r.Route(ctx, Glob(CatchAll), func(ctx context.Context, route *Route, _ *Request) error {
		<-release
		if err := route.Fulfill(ctx, FulfillOptions{Status: 204}); err != nil {
			return err
		}
		return errors.New("after fulfill")
	}, 0)
	require.NoError(t, err)

	type result struct {
		out Outcome
		err error
	}
	res := make(chan result, 1)
	go func() {
		out, err := r.Dispatch(ctx, newTestRoute(ch, "https://a.com/x"))
		res <- result{out, err}
	}()
	require.Eventually(t, func() bool { return h.ActiveCount() == 1 }, time.Second, time.Millisecond)
	require.NoError(t, r.RemoveHandler(ctx, h, StopIgnoreErrors))
	close(release)

	got := <-res
	require.NoError(t, got.err)
	assert.Equal(t, OutcomeHandled, got.out)
	c, _, f := ch.counts()
	assert.Equal(t, 1, f)
	assert.Zero(t, c)
}
