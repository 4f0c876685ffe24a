package intercept

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdproute/pkg/traffic"
)

func TestPostDataJSON(t *testing.T) {
	form := NewRequest(RequestInit{
		URL:      "https://a.com",
		Method:   "POST",
		PostData: []byte("a=1&b=2"),
		Headers:  []traffic.HeaderEntry{{Name: "Content-Type", Value: "application/x-www-form-urlencoded"}},
	})
	v, err := form.PostDataJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, v)

	repeated := NewRequest(RequestInit{
		PostData: []byte("a=1&a=2"),
		Headers:  []traffic.HeaderEntry{{Name: "content-type", Value: "application/x-www-form-urlencoded; charset=UTF-8"}},
	})
	v, err = repeated.PostDataJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": []string{"1", "2"}}, v)

	js := NewRequest(RequestInit{PostData: []byte(`{"a":1}`)})
	v, err = js.PostDataJSON()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, v)

	bad := NewRequest(RequestInit{PostData: []byte("not json")})
	_, err = bad.PostDataJSON()
	assert.ErrorIs(t, err, ErrMalformedPostData)

	empty := NewRequest(RequestInit{})
	v, err = empty.PostDataJSON()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestApplyOverridesMergesFields(t *testing.T) {
	req := NewRequest(RequestInit{
		URL:      "https://a.com/x",
		Method:   "GET",
		PostData: []byte("orig"),
		Headers:  []traffic.HeaderEntry{{Name: "A", Value: "1"}},
	})
	require.NoError(t, req.ApplyOverrides(&Overrides{Method: String("POST")}))
	require.NoError(t, req.ApplyOverrides(&Overrides{PostData: JSONValue(map[string]int{"n": 1})}))
	require.NoError(t, req.ApplyOverrides(&Overrides{URL: String("https://b.com/y")}))

	assert.Equal(t, "https://b.com/y", req.URL())
	assert.Equal(t, "POST", req.Method())
	assert.Equal(t, `{"n":1}`, string(req.PostData()))
	v, _ := req.Headers().Get("a")
	assert.Equal(t, "1", v)

	require.NoError(t, req.ApplyOverrides(&Overrides{Headers: map[string]string{"B": "2"}, PostData: Text("text")}))
	assert.False(t, req.Headers().Has("a"))
	assert.True(t, req.Headers().Has("b"))
	assert.Equal(t, "text", string(req.PostData()))
	assert.Equal(t, "POST", req.Method())

	err := req.ApplyOverrides(&Overrides{PostData: JSONValue(func() {})})
	assert.Error(t, err)
	assert.Equal(t, "text", string(req.PostData()))
}

func TestRedirectChain(t *testing.T) {
	a := NewRequest(RequestInit{URL: "https://a.com"})
	b := NewRequest(RequestInit{URL: "https://b.com", RedirectedFrom: a})
	c := NewRequest(RequestInit{URL: "https://c.com", RedirectedFrom: b})

	assert.Same(t, c, a.FinalRequest())
	assert.Same(t, b, c.RedirectedFrom())
	assert.Same(t, a, b.RedirectedFrom())
	assert.Nil(t, a.RedirectedFrom())
	assert.Same(t, c, c.FinalRequest())
}

func TestActualHeadersMemoizedAndOverlayShortCircuit(t *testing.T) {
	ch := newFakeChannel()
	ch.headers = []traffic.HeaderEntry{{Name: "Cookie", Value: "a=1"}, {Name: "Accept", Value: "*/*"}}
	req := NewRequest(RequestInit{ID: "r", Channel: ch, Headers: []traffic.HeaderEntry{{Name: "Accept", Value: "*/*"}}})

	all, err := req.AllHeaders(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"cookie": "a=1", "accept": "*/*"}, all)

	ch.headers = nil
	v, ok, err := req.HeaderValue(context.Background(), "COOKIE")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "a=1", v)

	require.NoError(t, req.ApplyOverrides(&Overrides{Headers: map[string]string{"X": "y"}}))
	arr, err := req.HeadersArray(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []traffic.HeaderEntry{{Name: "X", Value: "y"}}, arr)
}

func TestFrameAndScope(t *testing.T) {
	sw := NewRequest(RequestInit{ServiceWorker: true})
	_, err := sw.Frame()
	assert.ErrorIs(t, err, ErrNoAssociatedFrame)

	page := NewRequest(RequestInit{FrameID: "f1"})
	id, err := page.Frame()
	require.NoError(t, err)
	assert.Equal(t, "f1", id)

	assert.NoError(t, page.TargetClosedScope().Err())
	s := NewScope()
	page.BindScope(s)
	assert.Same(t, s, page.TargetClosedScope())
}

func TestTimingAndResponse(t *testing.T) {
	req := NewRequest(RequestInit{URL: "https://a.com"})
	assert.Equal(t, float64(-1), req.Timing().RequestStart)
	req.UpdateTiming(func(tm *traffic.Timing) { tm.RequestStart = 3 })
	assert.Equal(t, float64(3), req.Timing().RequestStart)

	assert.Nil(t, req.Response())
	resp := NewResponse(ResponseInit{Request: req, Status: 204})
	assert.Same(t, resp, req.Response())
	assert.True(t, resp.OK())
	assert.Equal(t, "https://a.com", resp.URL())

	resp.Finish(nil)
	resp.Finish(assert.AnError)
	assert.NoError(t, resp.Finished(context.Background()))
}
