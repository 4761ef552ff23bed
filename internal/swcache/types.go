package swcache

import (
	"net/http"
	"strconv"
	"time"
)

// HeaderCacheTime carries the epoch-millisecond time an entry was written.
const HeaderCacheTime = "Sw-Cache-Time"

// HeaderOutcome reports how a request was served.
const HeaderOutcome = "X-Swcache"

type Purpose string

const (
	PurposeStatic  Purpose = "static"
	PurposeDynamic Purpose = "dynamic"
	PurposeImage   Purpose = "image"
	PurposeAPI     Purpose = "api"
)

type StrategyKind string

const (
	CacheFirst           StrategyKind = "cache-first"
	NetworkFirst         StrategyKind = "network-first"
	StaleWhileRevalidate StrategyKind = "stale-while-revalidate"
)

type Entry struct {
	Status int         `msgpack:"status"`
	Header http.Header `msgpack:"header"`
	Body   []byte      `msgpack:"body"`

	// StoredAt mirrors the Sw-Cache-Time header (unix milliseconds).
	StoredAt int64 `msgpack:"stored_at"`

	// Seq is the registry-wide write sequence; lower is older.
	Seq    uint64 `msgpack:"seq"`
	Digest uint64 `msgpack:"digest"`
}

// Clone returns a deep copy. Entries handed out by the registry are always
// clones so callers can mutate headers freely.
func (e Entry) Clone() Entry {
	out := e
	out.Header = cloneHeader(e.Header)
	if e.Body != nil {
		out.Body = make([]byte, len(e.Body))
		copy(out.Body, e.Body)
	}
	return out
}

// CacheTime returns the time parsed from the Sw-Cache-Time header.
func (e Entry) CacheTime() (time.Time, bool) {
	v := e.Header.Get(HeaderCacheTime)
	if v == "" {
		if e.StoredAt > 0 {
			return time.UnixMilli(e.StoredAt), true
		}
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// IsFresh reports whether the entry is younger than maxAge at now.
func (e Entry) IsFresh(now time.Time, maxAge time.Duration) bool {
	t, ok := e.CacheTime()
	if !ok {
		return false
	}
	return now.Sub(t) < maxAge
}

func isSuccess(status int) bool { return status >= 200 && status < 300 }

// isStorable reports whether a response status may stand in for the whole
// resource. Partial content never does.
func isStorable(status int) bool { return isSuccess(status) && status != http.StatusPartialContent }

func offlineEntry() Entry {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return Entry{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte("Offline"),
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}
