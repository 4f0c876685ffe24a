package service

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdproute/internal/metrics"
	"cdproute/internal/rules"
	"cdproute/internal/session"
	"cdproute/internal/storage"
	"cdproute/pkg/intercept"
	"cdproute/pkg/model"
)

type nopChannel struct{}

func (nopChannel) Continue(context.Context, intercept.ContinueCommand) error { return nil }
func (nopChannel) Abort(context.Context, intercept.AbortCommand) error       { return nil }
func (nopChannel) Fulfill(context.Context, intercept.FulfillCommand) error   { return nil }
func (nopChannel) RedirectNavigationRequest(context.Context, intercept.RedirectCommand) error {
	return nil
}

func newRoute(u string) *intercept.Route {
	req := intercept.NewRequest(intercept.RequestInit{ID: u, URL: u})
	return intercept.NewRoute(intercept.RouteInit{Request: req, Channel: nopChannel{}})
}

func TestEventsFlowToStoreMetricsAndSubscribers(t *testing.T) {
	ctx := context.Background()
	store, err := storage.Open(storage.Options{DSN: ":memory:"}, nil)
	require.NoError(t, err)
	defer store.Close()
	m := metrics.New()
	svc := New(Options{Store: store, Metrics: m})
	defer svc.Close(ctx)

	id, err := svc.StartSession(ctx, model.SessionConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionsActive))

	f, err := rules.Parse([]byte("rules:\n  - id: mock\n    url: '**/api'\n    action: {type: fulfill, status: 204}\n"))
	require.NoError(t, err)
	require.NoError(t, svc.LoadRules(ctx, id, f))
	events, err := svc.SubscribeEvents(id)
	require.NoError(t, err)

	router, _, err := svc.Routers(id)
	require.NoError(t, err)
	_, err = router.Dispatch(ctx, newRoute("https://a.com/api"))
	require.NoError(t, err)
	_, err = router.Dispatch(ctx, newRoute("https://a.com/other"))
	require.NoError(t, err)

	select {
	case evt := <-events:
		assert.Equal(t, model.EventRouted, evt.Type)
		assert.Equal(t, id, evt.Session)
		assert.Equal(t, "fulfill", evt.Action)
		assert.Equal(t, 204, evt.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("no event")
	}

	require.Eventually(t, func() bool {
		st, err := svc.GetStats(id)
		return err == nil && st.Total == 2
	}, 5*time.Second, 10*time.Millisecond)
	st, err := svc.GetStats(id)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"fulfill": 1, "network": 1}, st.ByAction)

	require.Eventually(t, func() bool {
		counts, err := store.CountByAction(ctx)
		return err == nil && counts["fulfill"] == 1 && counts["network"] == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RoutesTotal.WithLabelValues("fulfill", "handled")))

	require.NoError(t, svc.StopSession(ctx, id))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SessionsActive))
}

func TestUnknownSession(t *testing.T) {
	ctx := context.Background()
	svc := New(Options{})
	_, err := svc.GetStats("missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	_, err = svc.ListTargets(ctx, "missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
	assert.ErrorIs(t, svc.StopSession(ctx, "missing"), session.ErrNotFound)
	_, _, err = svc.Routers("missing")
	assert.ErrorIs(t, err, session.ErrNotFound)
}
