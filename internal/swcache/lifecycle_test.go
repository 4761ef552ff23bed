package swcache

import (
	"net/http"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jmgilman/go/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const precacheManifest = `
precache:
  - /
  - /static/css/main.css
  - /static/js/main.js
`

func TestInstallPrecachesManifestAndActivates(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.Set("/", http.StatusOK, "<html>shell</html>")
	env.origin.Set("/static/css/main.css", http.StatusOK, "css")
	env.origin.Set("/static/js/main.js", http.StatusOK, "js")

	require.NoError(t, env.worker.Install(t.Context()))
	assert.Equal(t, StateActivated, env.worker.State())

	static := env.partition(t, "static")
	assert.ElementsMatch(t, []string{"GET /static/css/main.css", "GET /static/js/main.js"}, static.Keys())
	assert.Equal(t, []string{"GET /"}, env.partition(t, "dynamic").Keys(), "the shell lands where page requests look")
	ent, ok, err := static.Match("GET /static/css/main.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "css", string(ent.Body))
	assert.NotEmpty(t, ent.Header.Get(HeaderCacheTime))

	rec := env.get(t, "/static/css/main.css")
	assert.Equal(t, outcomeHit, rec.Header().Get(HeaderOutcome))
	assert.Equal(t, 1, env.origin.Calls("/static/css/main.css"))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.Set("/", http.StatusOK, "shell")
	env.origin.Set("/static/css/main.css", http.StatusOK, "css")
	// /static/js/main.js answers 404

	err := env.worker.Install(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.CodeExecutionFailed, errors.GetCode(err))
	assert.Contains(t, err.Error(), "/static/js/main.js")
	assert.Equal(t, StateParsed, env.worker.State())
	assert.Zero(t, env.reg.EntryCount())

	// Every manifest URL was attempted.
	assert.Equal(t, 1, env.origin.Calls("/"))
	assert.Equal(t, 1, env.origin.Calls("/static/js/main.js"))

	// The failed generation never takes control.
	rec := env.get(t, "/static/css/main.css")
	assert.Equal(t, "css", rec.Body.String())
	assert.Equal(t, outcomeUncontrolled, rec.Header().Get(HeaderOutcome))
	assert.Zero(t, env.reg.EntryCount())

	env.origin.Set("/static/js/main.js", http.StatusOK, "js")
	require.NoError(t, env.worker.Install(t.Context()))
	assert.Equal(t, StateActivated, env.worker.State())
	assert.Equal(t, 3, env.reg.EntryCount())
}

func TestPrecachedShellIsServedOffline(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.SetWithHeader("/", http.StatusOK, "<html>shell</html>", http.Header{"Set-Cookie": {"csrftoken=abc"}})
	env.origin.Set("/static/css/main.css", http.StatusOK, "css")
	env.origin.Set("/static/js/main.js", http.StatusOK, "js")
	require.NoError(t, env.worker.Install(t.Context()))

	env.origin.SetOffline(true)
	rec := env.get(t, "/", "Accept", "text/html")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "<html>shell</html>", rec.Body.String())
	assert.Equal(t, outcomeRevalidate, rec.Header().Get(HeaderOutcome))
	assert.Empty(t, rec.Header().Values("Set-Cookie"), "precached entries carry no cookies")
}

func TestPrecacheFallsBackToStaticPartition(t *testing.T) {
	env := newIdleTestEnv(t, `
precache:
  - /robots.txt
`)
	env.origin.Set("/robots.txt", http.StatusOK, "User-agent: *")
	require.NoError(t, env.worker.Install(t.Context()))
	assert.Equal(t, []string{"GET /robots.txt"}, env.partition(t, "static").Keys())
}

func TestRetryInstallActivatesOnceOriginRecovers(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.Set("/", http.StatusOK, "shell")
	env.origin.Set("/static/css/main.css", http.StatusOK, "css")
	require.Error(t, env.worker.Install(t.Context()))

	require.True(t, env.worker.RetryInstall(backoff.NewConstantBackOff(5*time.Millisecond)))
	require.Eventually(t, func() bool {
		return env.origin.Calls("/static/js/main.js") >= 3
	}, 2*time.Second, 5*time.Millisecond)
	assert.NotEqual(t, StateActivated, env.worker.State())

	env.origin.Set("/static/js/main.js", http.StatusOK, "js")
	require.Eventually(t, func() bool {
		return env.worker.State() == StateActivated
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, env.reg.EntryCount())
}

func TestCloseStopsInstallRetries(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.SetOffline(true)

	require.True(t, env.worker.RetryInstall(backoff.NewConstantBackOff(time.Hour)))
	require.Eventually(t, func() bool {
		return env.origin.Calls("/") >= 1
	}, 2*time.Second, 5*time.Millisecond)

	env.worker.Close()
	assert.Equal(t, StateRedundant, env.worker.State())
	assert.Equal(t, 1, env.origin.Calls("/"))
	assert.False(t, env.worker.RetryInstall(backoff.NewConstantBackOff(time.Millisecond)))
}

func TestInstallFailsOnNetworkError(t *testing.T) {
	env := newIdleTestEnv(t, precacheManifest)
	env.origin.SetOffline(true)

	err := env.worker.Install(t.Context())
	require.Error(t, err)
	assert.ErrorIs(t, err, errOffline)
	assert.Equal(t, StateParsed, env.worker.State())
}

func TestInstallTwiceIsRejected(t *testing.T) {
	env := newTestEnv(t, "")
	err := env.worker.Install(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))
}

func TestActivateRemovesOtherVersions(t *testing.T) {
	env := newIdleTestEnv(t, "")
	for _, name := range []string{"shop-static-v1", "shop-dynamic-v1", "shop-static-v2"} {
		p, err := env.reg.Open(name)
		require.NoError(t, err)
		_, err = p.Put("GET /x", okEntry(name))
		require.NoError(t, err)
	}

	require.NoError(t, env.worker.Install(t.Context()))

	assert.Equal(t, []string{"shop-dynamic-v2", "shop-images-v2", "shop-static-v2"}, env.reg.Names())
	ent, ok, err := env.partition(t, "static").Match("GET /x")
	require.NoError(t, err)
	require.True(t, ok, "current-version entries survive activation")
	assert.Equal(t, "shop-static-v2", string(ent.Body))
}

func TestActivateKeepsOnlyConfiguredPartitions(t *testing.T) {
	env := newIdleTestEnv(t, "")
	stale := []string{"shop-static-x-v2", "legacy-static-v2", "shop-static-2024-v2", "shop-archive-v2"}
	for _, name := range stale {
		p, err := env.reg.Open(name)
		require.NoError(t, err)
		_, err = p.Put("GET /x", okEntry(name))
		require.NoError(t, err)
	}

	require.NoError(t, env.worker.Install(t.Context()))
	assert.Equal(t, []string{"shop-dynamic-v2", "shop-images-v2", "shop-static-v2"}, env.reg.Names())
	assert.Zero(t, env.reg.EntryCount())
}

func TestWaitingWorkerActivatesOnSkipWaitingMessage(t *testing.T) {
	env := newIdleTestEnv(t, `
lifecycle:
  skipWaiting: false
  sweepEvery: 0s
`)
	old, err := env.reg.Open("shop-static-v1")
	require.NoError(t, err)
	_, err = old.Put("GET /static/app.css", okEntry("old"))
	require.NoError(t, err)

	require.NoError(t, env.worker.Install(t.Context()))
	assert.Equal(t, StateInstalled, env.worker.State())
	assert.Equal(t, []string{"shop-static-v1"}, env.reg.Names(), "old generation keeps its partitions while waiting")

	env.origin.Set("/static/app.css", http.StatusOK, "new")
	rec := env.get(t, "/static/app.css")
	assert.Equal(t, outcomeUncontrolled, rec.Header().Get(HeaderOutcome))

	rec = env.post(t, "/__swcache/message", `{"type":"SKIP_WAITING"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true,"state":"activated"}`, rec.Body.String())
	assert.Equal(t, StateActivated, env.worker.State())
	assert.NotContains(t, env.reg.Names(), "shop-static-v1")

	rec = env.get(t, "/static/app.css")
	assert.Equal(t, outcomeMiss, rec.Header().Get(HeaderOutcome))
}

func TestActivateBeforeInstallIsRejected(t *testing.T) {
	env := newIdleTestEnv(t, "")
	err := env.worker.Activate(t.Context())
	require.Error(t, err)
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))
}

func TestSweepRemovesEntriesPastPartitionMaxAge(t *testing.T) {
	env := newTestEnv(t, "")
	static := env.partition(t, "static")
	dynamic := env.partition(t, "dynamic")

	_, err := static.Put("GET /static/old.css", okEntry("old"))
	require.NoError(t, err)
	_, err = dynamic.Put("GET /about", okEntry("about"))
	require.NoError(t, err)

	env.clock.Advance(366 * 24 * time.Hour)
	_, err = static.Put("GET /static/new.css", okEntry("new"))
	require.NoError(t, err)

	assert.Equal(t, 1, env.worker.Sweep())
	assert.Equal(t, []string{"GET /static/new.css"}, static.Keys())
	assert.Equal(t, 1, dynamic.Len(), "partitions without sweepMaxAge are left alone")

	last, ok := env.reg.LastSweep()
	require.True(t, ok)
	assert.Equal(t, env.clock.Now().UnixMilli(), last.UnixMilli())
}

func TestSweepLoopRunsOverdueSweepOnStart(t *testing.T) {
	env := newIdleTestEnv(t, `
lifecycle:
  sweepEvery: 1h
`)
	require.NoError(t, env.reg.SetLastSweep(env.clock.Now().Add(-2*time.Hour)))

	require.NoError(t, env.worker.Install(t.Context()))
	require.Eventually(t, func() bool {
		last, ok := env.reg.LastSweep()
		return ok && last.UnixMilli() == env.clock.Now().UnixMilli()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "parsed", StateParsed.String())
	assert.Equal(t, "activated", StateActivated.String())
	assert.Equal(t, "redundant", StateRedundant.String())
	assert.Equal(t, "state(42)", State(42).String())
}

func TestCloseMarksWorkerRedundant(t *testing.T) {
	env := newTestEnv(t, "")
	env.worker.Close()
	env.worker.Close()
	assert.Equal(t, StateRedundant, env.worker.State())
	assert.False(t, env.worker.waitUntil(func() {}))

	env.origin.Set("/static/app.css", http.StatusOK, "x")
	rec := env.get(t, "/static/app.css")
	assert.Equal(t, outcomeUncontrolled, rec.Header().Get(HeaderOutcome))
}
