package swcache

import (
	"context"
	"log"
	"net/http"
)

// X-Swcache values.
const (
	outcomeHit        = "hit"        // cache, no network
	outcomeRevalidate = "revalidate" // cache, background refresh started
	outcomeMiss       = "miss"       // network
	outcomeStale      = "stale"      // cache after a network failure
	outcomeOffline    = "offline"    // fallback, nothing cached and no network
	outcomeBadGateway = "bad-gateway"

	// no active generation yet; straight to the network
	outcomeUncontrolled = "uncontrolled"
)

// fetchEvent is one intercepted request bound to its strategy.
type fetchEvent struct {
	key      string
	strategy *Strategy
	part     *Partition // nil when the partition could not be opened
	ob       outbound
}

func (w *Worker) execute(ctx context.Context, ev *fetchEvent) (Entry, string) {
	switch ev.strategy.Strategy {
	case CacheFirst:
		return w.cacheFirst(ctx, ev)
	case NetworkFirst:
		return w.networkFirst(ctx, ev)
	case StaleWhileRevalidate:
		return w.staleWhileRevalidate(ctx, ev)
	}
	log.Printf("strategy %q: unknown kind %q, using network-first", ev.strategy.Name, ev.strategy.Strategy)
	return w.networkFirst(ctx, ev)
}

func (w *Worker) cacheFirst(ctx context.Context, ev *fetchEvent) (Entry, string) {
	cached, hit := w.lookup(ev)
	if hit && cached.IsFresh(w.now(), ev.strategy.maxAge) {
		return cached, outcomeHit
	}

	ent, err := w.fetch(ctx, ev.ob)
	if err != nil {
		w.netLog.Printf("%s %s: %v", ev.strategy.Strategy, ev.key, err)
		if hit {
			return cached, outcomeStale
		}
		return offlineEntry(), outcomeOffline
	}
	if stored, ok := w.store(ev, ent); ok {
		ent = stored
	}
	return ent, outcomeMiss
}

func (w *Worker) networkFirst(ctx context.Context, ev *fetchEvent) (Entry, string) {
	ent, err := w.fetch(ctx, ev.ob)
	if err == nil {
		if stored, ok := w.store(ev, ent); ok {
			ent = stored
		}
		return ent, outcomeMiss
	}

	w.netLog.Printf("%s %s: %v", ev.strategy.Strategy, ev.key, err)
	if cached, hit := w.lookup(ev); hit {
		return cached, outcomeStale
	}
	return offlineEntry(), outcomeOffline
}

func (w *Worker) staleWhileRevalidate(ctx context.Context, ev *fetchEvent) (Entry, string) {
	if cached, hit := w.lookup(ev); hit {
		if !w.revalidateAsync(ev, cached.Digest) {
			log.Printf("revalidate %s: worker stopping, skipped", ev.key)
		}
		return cached, outcomeRevalidate
	}

	ent, err := w.fetch(ctx, ev.ob)
	if err != nil {
		w.netLog.Printf("%s %s: %v", ev.strategy.Strategy, ev.key, err)
		return offlineEntry(), outcomeOffline
	}
	if stored, ok := w.store(ev, ent); ok {
		ent = stored
	}
	return ent, outcomeMiss
}

// revalidateAsync refreshes ev's entry in the background. The refresh is
// registered with the worker lifetime so Close waits for it.
func (w *Worker) revalidateAsync(ev *fetchEvent, prevDigest uint64) bool {
	return w.waitUntil(func() {
		select {
		case w.bgSem <- struct{}{}:
		case <-w.stopCh:
			return
		}
		defer func() { <-w.bgSem }()

		// Not tied to stopCh: Close waits for the write, fetch has its own timeout.
		w.revalidateOnce(context.Background(), ev, prevDigest)
	})
}

func (w *Worker) revalidateOnce(ctx context.Context, ev *fetchEvent, prevDigest uint64) {
	ent, err := w.fetch(ctx, ev.ob)
	if err != nil {
		w.netLog.Printf("revalidate %s: %v", ev.key, err)
		return
	}
	stored, ok := w.store(ev, ent)
	if !ok {
		return
	}
	if stored.Digest == prevDigest {
		w.stats.Count("refresh-unchanged")
	} else {
		w.stats.Count("refresh-changed")
	}
}

func (w *Worker) lookup(ev *fetchEvent) (Entry, bool) {
	if ev.part == nil {
		return Entry{}, false
	}
	ent, ok, err := ev.part.Match(ev.key)
	if err != nil {
		w.storeLog.Printf("read %s from %s: %v", ev.key, ev.part.Name(), err)
		w.stats.Count("storage-error")
		return Entry{}, false
	}
	return ent, ok
}

// store writes a cacheable network response and trims the partition. A
// storage failure never fails the request; the caller keeps the network
// response.
func (w *Worker) store(ev *fetchEvent, ent Entry) (Entry, bool) {
	if ev.part == nil || ev.ob.method != http.MethodGet || !w.cacheable(ent) {
		return Entry{}, false
	}
	stored, err := ev.part.Put(ev.key, ent)
	if err != nil {
		w.storeLog.Printf("write %s to %s: %v", ev.key, ev.part.Name(), err)
		w.stats.Count("storage-error")
		return Entry{}, false
	}
	if _, err := ev.part.Evict(ev.strategy.MaxEntries); err != nil {
		w.storeLog.Printf("evict %s: %v", ev.part.Name(), err)
	}
	return stored, true
}
