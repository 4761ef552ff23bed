package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmgilman/go/errors"
	"golang.org/x/sync/errgroup"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

const warmupConcurrency = 4

// startWarmup seeds pages listed in the configured sitemaps so first visits
// can be served from cache. Runs once after activation, then every
// rediscoverEvery.
func (w *Worker) startWarmup() {
	if len(w.cfg.Warmup.Sitemaps) == 0 {
		return
	}
	w.warmupOnce.Do(func() {
		w.waitUntil(w.warmupLoop)
	})
}

func (w *Worker) warmupLoop() {
	if d := w.cfg.initialDelayDur; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-w.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}

	runOnce := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		stored, skipped, err := w.WarmupOnce(ctx)
		if err != nil {
			log.Printf("warmup: error: %v", err)
			return
		}
		log.Printf("warmup: stored=%d skipped=%d", stored, skipped)
	}

	runOnce()
	period := w.cfg.rediscoverEveryDur
	if period <= 0 {
		return
	}
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-t.C:
			runOnce()
		}
	}
}

// WarmupOnce walks the sitemaps (following nested indexes) and stores every
// listed page that selects a strategy and is not cached yet.
func (w *Worker) WarmupOnce(ctx context.Context) (stored int, skipped int, _ error) {
	var paths []string
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(w.cfg.Warmup.Sitemaps))
	for _, sm := range w.cfg.Warmup.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, w.normalizeMaybeRelativeURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return 0, 0, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := w.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return 0, 0, errors.Wrapf(err, errors.CodeNetwork, "fetch sitemap %q", smURL)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, w.normalizeMaybeRelativeURL(nested))
			}
		}
		for _, loc := range doc.URLs {
			p := normalizePathFromLoc(loc)
			if p == "" {
				skipped++
				continue
			}
			if _, dup := seenPaths[p]; dup {
				continue
			}
			seenPaths[p] = struct{}{}
			paths = append(paths, p)
		}
		if w.cfg.Logging.LogDiscovered {
			log.Printf("warmup: sitemap=%q urls=%d nested=%d", smURL, len(doc.URLs), len(doc.Sitemaps))
		}
	}

	var nStored, nSkipped atomic.Int64
	nSkipped.Store(int64(skipped))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(warmupConcurrency)
	for _, p := range paths {
		g.Go(func() error {
			select {
			case <-w.stopCh:
				return nil
			default:
			}
			if w.warmPath(gctx, p) {
				nStored.Add(1)
			} else {
				nSkipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(nStored.Load()), int(nSkipped.Load()), nil
}

// warmPath fetches and stores one page unless it is already cached or does
// not select a strategy.
func (w *Worker) warmPath(ctx context.Context, p string) bool {
	u, err := url.Parse(p)
	if err != nil {
		return false
	}
	probe := &http.Request{Method: http.MethodGet, URL: u, Header: http.Header{"Accept": {"text/html"}}}
	st, _ := w.selector.Select(probe)
	if st == nil {
		return false
	}
	part, err := w.registry.Open(w.cfg.PartitionName(st.Partition))
	if err != nil {
		w.storeLog.Printf("warmup: open %s: %v", st.Partition, err)
		return false
	}
	ev := &fetchEvent{
		key:      requestKey(u),
		strategy: st,
		part:     part,
		ob:       w.outboundPath(u.RequestURI(), "text/html"),
	}
	if _, hit := w.lookup(ev); hit {
		return false
	}
	ent, err := w.fetch(ctx, ev.ob)
	if err != nil {
		w.netLog.Printf("warmup %s: %v", p, err)
		return false
	}
	_, ok := w.store(ev, ent)
	return ok
}

func (w *Worker) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return w.cfg.Server.Origin + u
}

func (w *Worker) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	ent, err := w.fetch(ctx, outbound{method: http.MethodGet, url: sitemapURL, header: http.Header{}})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !isSuccess(ent.Status) {
		b := ent.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", ent.Status, strings.TrimSpace(string(b)))
	}

	body := ent.Body
	// Some servers serve a .gz URL with Content-Encoding gzip, in which case
	// the body may already be decompressed; only gunzip on the magic bytes.
	if len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b {
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return sitemapDoc{}, err
		}
		defer gz.Close()
		if body, err = io.ReadAll(gz); err != nil {
			return sitemapDoc{}, err
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

// normalizePathFromLoc keeps path and query of a sitemap <loc>.
func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	out := u.EscapedPath()
	if !strings.HasPrefix(out, "/") {
		out = "/" + out
	}
	if u.RawQuery != "" {
		out += "?" + u.RawQuery
	}
	return out
}
