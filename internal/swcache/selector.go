package swcache

import (
	"net/http"
	"net/url"
	"strings"
)

// Pass-through reasons reported when Select returns no strategy.
const (
	reasonMethod      = "bypass-method"
	reasonAllowList   = "bypass-allow-list"
	reasonCrossOrigin = "bypass-cross-origin"
	reasonRange       = "bypass-range"
	reasonCookie      = "bypass-cookie"
	reasonUnmatched   = "bypass"
)

// Selector classifies requests against the ordered strategy table.
type Selector struct {
	strategies []Strategy
	originHost string
	allowList  map[string]struct{}
}

func NewSelector(cfg *Config) *Selector {
	s := &Selector{
		strategies: cfg.Strategies,
		allowList:  map[string]struct{}{},
	}
	if u, err := url.Parse(cfg.Server.Origin); err == nil {
		s.originHost = strings.ToLower(u.Hostname())
	}
	for _, h := range cfg.AllowList {
		h = strings.ToLower(strings.TrimSpace(h))
		if h != "" {
			s.allowList[h] = struct{}{}
		}
	}
	return s
}

// Select returns the first strategy matching r, or nil and the reason the
// request must go straight to the network.
func (s *Selector) Select(r *http.Request) (*Strategy, string) {
	if r.Method != http.MethodGet {
		return nil, reasonMethod
	}
	if host := strings.ToLower(r.URL.Hostname()); host != "" && host != s.originHost {
		if _, ok := s.allowList[host]; ok {
			return nil, reasonAllowList
		}
		return nil, reasonCrossOrigin
	}

	if r.Header.Get("Range") != "" {
		return nil, reasonRange
	}

	in := newRequestInfo(r)
	for i := range s.strategies {
		st := &s.strategies[i]
		if !st.Matches(in) {
			continue
		}
		if hasAnyCookie(r, st.BypassWhenCookies) {
			return nil, reasonCookie
		}
		return st, ""
	}
	return nil, reasonUnmatched
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

// requestKey canonicalizes a GET request URL into its cache key: method,
// escaped path and raw query. Scheme, host and fragment are dropped.
func requestKey(u *url.URL) string {
	uri := u.EscapedPath()
	if uri == "" {
		uri = "/"
	}
	if u.RawQuery != "" {
		uri += "?" + u.RawQuery
	}
	return http.MethodGet + " " + uri
}
