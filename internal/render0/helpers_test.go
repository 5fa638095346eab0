package render0

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"render0/internal/logger"
)

type upstreamReply struct {
	status      int
	contentType string // "" suppresses the header entirely
	body        []byte
}

// fakeUpstream plays the rendering service plus any static asset (CSS,
// sitemaps) a test registers.
type fakeUpstream struct {
	t   *testing.T
	srv *httptest.Server
	mux *http.ServeMux

	mu             sync.Mutex
	contentReqs    []renderRequest
	screenshotReqs []renderRequest
	tokens         []string

	content    func(n int, req renderRequest) upstreamReply
	screenshot func(n int, req renderRequest) upstreamReply
}

func newFakeUpstream(t *testing.T) *fakeUpstream {
	t.Helper()
	f := &fakeUpstream{t: t, mux: http.NewServeMux()}
	f.content = func(int, renderRequest) upstreamReply {
		return upstreamReply{status: http.StatusOK, contentType: "text/html; charset=utf-8", body: []byte("<html><body>hi</body></html>")}
	}
	f.screenshot = func(int, renderRequest) upstreamReply {
		return upstreamReply{status: http.StatusOK, contentType: "image/png", body: []byte("PNGDATA")}
	}
	f.mux.HandleFunc("/content", func(w http.ResponseWriter, r *http.Request) {
		req := f.decode(r)
		f.mu.Lock()
		f.contentReqs = append(f.contentReqs, req)
		n := len(f.contentReqs)
		f.mu.Unlock()
		writeReply(w, f.content(n, req))
	})
	f.mux.HandleFunc("/screenshot", func(w http.ResponseWriter, r *http.Request) {
		req := f.decode(r)
		f.mu.Lock()
		f.screenshotReqs = append(f.screenshotReqs, req)
		n := len(f.screenshotReqs)
		f.mu.Unlock()
		writeReply(w, f.screenshot(n, req))
	})
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeUpstream) decode(r *http.Request) renderRequest {
	var req renderRequest
	assert.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	f.tokens = append(f.tokens, r.URL.Query().Get("token"))
	f.mu.Unlock()
	return req
}

func writeReply(w http.ResponseWriter, rep upstreamReply) {
	if rep.contentType == "" {
		w.Header()["Content-Type"] = nil
	} else {
		w.Header().Set("Content-Type", rep.contentType)
	}
	w.WriteHeader(rep.status)
	_, _ = w.Write(rep.body)
}

func (f *fakeUpstream) contentCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.contentReqs)
}

func (f *fakeUpstream) screenshotCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.screenshotReqs)
}

// rewriteTransport sends every request to the fake server whatever host the
// URL names, so tests can use real-looking page addresses.
type rewriteTransport struct {
	target *url.URL
}

func (rt rewriteTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	r = r.Clone(r.Context())
	r.URL.Scheme = rt.target.Scheme
	r.URL.Host = rt.target.Host
	r.Host = rt.target.Host
	return http.DefaultTransport.RoundTrip(r)
}

func (f *fakeUpstream) client() *http.Client {
	u, err := url.Parse(f.srv.URL)
	require.NoError(f.t, err)
	return &http.Client{Transport: rewriteTransport{target: u}, Timeout: 5 * time.Second}
}

func testConfig(t *testing.T, f *fakeUpstream, mutate func(*Config)) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Upstream.ContentURL = f.srv.URL + "/content"
	cfg.Upstream.ScreenshotURL = f.srv.URL + "/screenshot"
	cfg.Upstream.Token = "secret"
	if mutate != nil {
		mutate(&cfg)
	}
	require.NoError(t, cfg.compile())
	return cfg
}

type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

// newTestService wires a Service to f with instant backoff and stylesheet
// fetches routed to f.
func newTestService(t *testing.T, f *fakeUpstream, mutate func(*Config)) (*Service, *sleepRecorder) {
	t.Helper()
	svc, err := NewService(testConfig(t, f, mutate), logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	rec := &sleepRecorder{}
	svc.upstream.sleep = rec.sleep
	svc.inliner.httpClient = f.client()
	return svc, rec
}
