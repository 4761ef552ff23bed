package swcache

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type page struct {
	status int
	body   string
	header http.Header
}

var errOffline = errors.New("dial tcp: network is unreachable")

// fakeOrigin implements Fetcher and counts requests per path.
type fakeOrigin struct {
	mu      sync.Mutex
	pages   map[string]page
	calls   map[string]int
	offline bool
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{pages: map[string]page{}, calls: map[string]int{}}
}

func (o *fakeOrigin) Set(path string, status int, body string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = page{status: status, body: body}
}

func (o *fakeOrigin) SetWithHeader(path string, status int, body string, h http.Header) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.pages[path] = page{status: status, body: body, header: h}
}

func (o *fakeOrigin) SetOffline(v bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.offline = v
}

func (o *fakeOrigin) Calls(path string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.calls[path]
}

func (o *fakeOrigin) TotalCalls() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, c := range o.calls {
		n += c
	}
	return n
}

func (o *fakeOrigin) Do(req *http.Request) (*http.Response, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	key := req.URL.RequestURI()
	o.calls[key]++
	if o.offline {
		return nil, errOffline
	}
	p, ok := o.pages[key]
	if !ok {
		p = page{status: http.StatusNotFound, body: "not found"}
	}
	h := make(http.Header)
	for k, vs := range p.header {
		h[k] = append([]string(nil), vs...)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", "text/plain")
	}
	return &http.Response{
		StatusCode: p.status,
		Header:     h,
		Body:       io.NopCloser(strings.NewReader(p.body)),
		Request:    req,
	}, nil
}

const baseTestConfig = `
server:
  origin: http://shop.test
  controlToken: test-token
version: v2
cachePrefix: shop
storage:
  inMemory: true
`

// testConfig parses the base config plus extra top-level yaml. The periodic
// sweep is off and the precache manifest empty unless extra sets them.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	if !strings.Contains(extra, "lifecycle:") {
		extra += "\nlifecycle:\n  sweepEvery: 0s\n"
	}
	cfg, err := ParseConfig([]byte(baseTestConfig + extra))
	require.NoError(t, err)
	if !strings.Contains(extra, "precache:") {
		cfg.Precache = nil
	}
	return cfg
}

func testRegistry(t *testing.T, clock *fakeClock) *Registry {
	t.Helper()
	reg, err := OpenRegistry(RegistryOptions{InMemory: true, Now: clock.Now})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	return reg
}

type testEnv struct {
	cfg    Config
	clock  *fakeClock
	origin *fakeOrigin
	reg    *Registry
	worker *Worker
}

// newTestEnv builds an installed and activated worker on an in-memory
// registry. The caller owns nothing; cleanup closes everything.
func newTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	env := newIdleTestEnv(t, extra)
	require.NoError(t, env.worker.Install(t.Context()))
	require.Equal(t, StateActivated, env.worker.State())
	return env
}

func newIdleTestEnv(t *testing.T, extra string) *testEnv {
	t.Helper()
	clock := newFakeClock()
	env := &testEnv{
		cfg:    testConfig(t, extra),
		clock:  clock,
		origin: newFakeOrigin(),
		reg:    testRegistry(t, clock),
	}
	w, err := NewWorker(env.cfg, WithFetcher(env.origin), WithRegistry(env.reg), WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(w.Close)
	env.worker = w
	return env
}

func (e *testEnv) get(t *testing.T, target string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	e.authorize(req)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	e.worker.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) partition(t *testing.T, name string) *Partition {
	t.Helper()
	p, ok := e.reg.Lookup(e.cfg.PartitionName(name))
	require.True(t, ok, "partition %s missing", name)
	return p
}

func (e *testEnv) post(t *testing.T, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	e.authorize(req)
	rec := httptest.NewRecorder()
	e.worker.Handler().ServeHTTP(rec, req)
	return rec
}

// authorize adds the control token to requests for the control endpoints.
func (e *testEnv) authorize(req *http.Request) {
	if strings.HasPrefix(req.URL.Path, e.cfg.Server.ControlPath) {
		req.Header.Set("Authorization", "Bearer "+e.cfg.Server.ControlToken)
	}
}
