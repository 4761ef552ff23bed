package swcache

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"github.com/jmgilman/go/errors"
)

// Fetcher performs network requests. *http.Client satisfies it.
type Fetcher interface {
	Do(req *http.Request) (*http.Response, error)
}

// outbound is a network request detached from the incoming one, so it can
// be replayed after the handler has returned.
type outbound struct {
	method string
	url    string
	header http.Header
	body   []byte
}

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func (w *Worker) outboundFor(r *http.Request) (outbound, error) {
	ob := outbound{
		method: r.Method,
		url:    w.targetURL(r),
		header: make(http.Header, len(r.Header)),
	}
	copyHeaders(ob.header, r.Header)
	if r.Body != nil && r.Method != http.MethodGet && r.Method != http.MethodHead {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			return outbound{}, errors.Wrap(err, errors.CodeInvalidInput, "read request body")
		}
		ob.body = b
	}
	return ob, nil
}

// outboundPath builds a plain GET for a same-origin path.
func (w *Worker) outboundPath(path string, accept string) outbound {
	h := make(http.Header)
	if accept != "" {
		h.Set("Accept", accept)
	}
	return outbound{method: http.MethodGet, url: w.cfg.Server.Origin + path, header: h}
}

func (w *Worker) targetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}
	return w.cfg.Server.Origin + r.URL.RequestURI()
}

// fetch performs ob against the network. Only transport-level failures are
// errors; any HTTP status is a successful fetch.
func (w *Worker) fetch(ctx context.Context, ob outbound) (Entry, error) {
	if w.cfg.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.timeout)
		defer cancel()
	}

	var body io.Reader
	if ob.body != nil {
		body = bytes.NewReader(ob.body)
	}
	req, err := http.NewRequestWithContext(ctx, ob.method, ob.url, body)
	if err != nil {
		return Entry{}, errors.Wrapf(err, errors.CodeInvalidInput, "build request %s", ob.url)
	}
	copyHeaders(req.Header, ob.header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := w.fetcher.Do(req)
	if err != nil {
		return Entry{}, networkError(ctx, err, ob.url)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, networkError(ctx, err, ob.url)
	}

	ent := Entry{
		Status: resp.StatusCode,
		Header: cloneHeader(resp.Header),
		Body:   b,
	}
	ent.Header.Del("Content-Length")
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func networkError(ctx context.Context, err error, url string) error {
	code := errors.CodeNetwork
	if stderrors.Is(err, context.DeadlineExceeded) || stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		code = errors.CodeTimeout
	}
	return errors.WrapWithContext(err, code, "fetch failed", map[string]interface{}{"url": url})
}

// cacheable reports whether a network response may be written to the
// registry: a full 2xx, not private or no-store, no Set-Cookie, and within
// the size limit. Entries are shared by every client.
func (w *Worker) cacheable(ent Entry) bool {
	if !isStorable(ent.Status) {
		return false
	}
	if len(ent.Header.Values("Set-Cookie")) > 0 {
		return false
	}
	cc := strings.ToLower(strings.Join(ent.Header.Values("Cache-Control"), ","))
	if strings.Contains(cc, "no-store") || strings.Contains(cc, "private") {
		return false
	}
	return w.cfg.maxEntryBytes <= 0 || int64(len(ent.Body)) <= w.cfg.maxEntryBytes
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}
