package swcache

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Worker is one generation of the caching layer: it owns the strategy
// table, the registry handle and all background work started on its behalf.
// Durable state lives only in the registry, so a restarted process picks up
// where the previous one left off.
type Worker struct {
	cfg        Config
	generation string

	fetcher      Fetcher
	registry     *Registry
	ownsRegistry bool
	selector     *Selector
	now          func() time.Time

	state atomic.Int32
	lcMu  sync.Mutex

	bgSem  chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup
	lifeMu sync.RWMutex
	closed bool

	sweepOnce  sync.Once
	warmupOnce sync.Once

	storeLog *rateLimitedLogger
	netLog   *rateLimitedLogger
	stats    *statsCollector
}

type Option func(*Worker)

func WithFetcher(f Fetcher) Option { return func(w *Worker) { w.fetcher = f } }

// WithRegistry makes the worker use r instead of opening its own. The
// caller keeps ownership and closes it.
func WithRegistry(r *Registry) Option { return func(w *Worker) { w.registry = r } }

func WithClock(now func() time.Time) Option { return func(w *Worker) { w.now = now } }

func NewWorker(cfg Config, opts ...Option) (*Worker, error) {
	w := &Worker{
		cfg:        cfg,
		generation: uuid.NewString(),
		now:        time.Now,
		bgSem:      make(chan struct{}, cfg.Network.MaxConcurrentBackground),
		stopCh:     make(chan struct{}),
		storeLog:   newRateLimitedLogger(1 * time.Minute),
		netLog:     newRateLimitedLogger(10 * time.Second),
		stats:      newStatsCollector(),
	}
	if cap(w.bgSem) == 0 {
		w.bgSem = make(chan struct{}, 32)
	}
	for _, o := range opts {
		o(w)
	}
	if w.fetcher == nil {
		w.fetcher = &http.Client{Timeout: 30 * time.Second}
	}
	if w.registry == nil {
		reg, err := OpenRegistry(RegistryOptions{
			Path:        cfg.Storage.Path,
			InMemory:    cfg.Storage.InMemory,
			HotCapacity: cfg.Storage.Hot.Capacity,
			HotTTL:      cfg.hotTTL,
			Now:         w.now,
		})
		if err != nil {
			return nil, err
		}
		w.registry = reg
		w.ownsRegistry = true
	}
	w.selector = NewSelector(&w.cfg)

	if cfg.logStatsEveryDur > 0 {
		w.waitUntil(func() { w.statsLoop(cfg.logStatsEveryDur) })
	}
	return w, nil
}

// Close stops background loops, waits for in-flight background writes and
// closes the registry if the worker opened it.
func (w *Worker) Close() {
	w.lifeMu.Lock()
	if w.closed {
		w.lifeMu.Unlock()
		return
	}
	w.closed = true
	w.lifeMu.Unlock()

	close(w.stopCh)
	w.wg.Wait()
	w.setState(StateRedundant)
	if w.ownsRegistry {
		if err := w.registry.Close(); err != nil {
			log.Printf("close registry: %v", err)
		}
	}
}

// waitUntil runs fn in the background and keeps the worker alive until it
// returns. It reports false when the worker is already closing.
func (w *Worker) waitUntil(fn func()) bool {
	w.lifeMu.RLock()
	defer w.lifeMu.RUnlock()
	if w.closed {
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		fn()
	}()
	return true
}

func (w *Worker) Generation() string { return w.generation }

func (w *Worker) Handler() http.Handler {
	return http.HandlerFunc(w.handle)
}

func (w *Worker) handle(rw http.ResponseWriter, r *http.Request) {
	if w.isControlRequest(r) {
		w.handleControl(rw, r)
		return
	}
	ent, outcome := w.Fetch(r)
	w.writeEntryWithStats(rw, ent, outcome)
}

// Fetch serves one intercepted request and reports how it was served.
func (w *Worker) Fetch(r *http.Request) (Entry, string) {
	if w.State() != StateActivated {
		return w.passThrough(r, outcomeUncontrolled)
	}
	st, reason := w.selector.Select(r)
	if st == nil {
		return w.passThrough(r, reason)
	}

	ob, err := w.outboundFor(r)
	if err != nil {
		return badGatewayEntry(), outcomeBadGateway
	}
	ev := &fetchEvent{
		key:      requestKey(r.URL),
		strategy: st,
		ob:       ob,
	}
	part, err := w.registry.Open(w.cfg.PartitionName(st.Partition))
	if err != nil {
		w.storeLog.Printf("open partition %s: %v", st.Partition, err)
		w.stats.Count("storage-error")
	} else {
		ev.part = part
	}
	return w.execute(r.Context(), ev)
}

func (w *Worker) passThrough(r *http.Request, reason string) (Entry, string) {
	ob, err := w.outboundFor(r)
	if err != nil {
		return badGatewayEntry(), outcomeBadGateway
	}
	ent, err := w.fetch(r.Context(), ob)
	if err != nil {
		w.netLog.Printf("pass-through %s %s: %v", r.Method, ob.url, err)
		return badGatewayEntry(), outcomeBadGateway
	}
	return ent, reason
}

func badGatewayEntry() Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Entry{Status: http.StatusBadGateway, Header: h, Body: []byte("bad gateway")}
}

func writeEntry(rw http.ResponseWriter, ent Entry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, HeaderOutcome) {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	setOutcomeHeaders(rw.Header(), outcome)
	rw.WriteHeader(ent.Status)
	_, _ = rw.Write(ent.Body)
}

func setOutcomeHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(HeaderOutcome, outcome)
	}
	// Custom headers are invisible to page scripts in a CORS context unless
	// exposed.
	ensureExposedHeader(h, HeaderOutcome)
	ensureExposedHeader(h, HeaderCacheTime)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (w *Worker) writeEntryWithStats(rw http.ResponseWriter, ent Entry, outcome string) {
	writeEntry(rw, ent, outcome)
	w.stats.Count(outcome)
	switch outcome {
	case outcomeHit, outcomeMiss, outcomeRevalidate, outcomeStale:
		w.stats.Observe(len(ent.Body))
	}
}

func (w *Worker) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			w.logStats()
		}
	}
}

func (w *Worker) logStats() {
	ss := w.stats.Snapshot()
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	log.Printf(
		"Cached: Partitions: %d, Entries: %d, Disk usage: %s, RSS: %s, Resp min/avg/max %s/%s/%s, Outcomes: %s",
		len(w.registry.Names()),
		w.registry.EntryCount(),
		formatBytes(uint64(w.registry.TotalSize())),
		rss,
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		formatOutcomes(ss.Outcomes),
	)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
