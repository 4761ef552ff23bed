package swcache

import (
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
)

type requestInfo struct {
	Path   string
	Ext    string
	Accept string
}

func newRequestInfo(r *http.Request) requestInfo {
	p := r.URL.Path
	if p == "" {
		p = "/"
	}
	return requestInfo{
		Path:   p,
		Ext:    strings.TrimPrefix(strings.ToLower(path.Ext(p)), "."),
		Accept: strings.ToLower(r.Header.Get("Accept")),
	}
}

type matcher interface {
	Match(in requestInfo) bool
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(in requestInfo) bool { return strings.HasPrefix(in.Path, m.Prefix) }

type extMatcher struct{ Exts map[string]struct{} }

func (m extMatcher) Match(in requestInfo) bool {
	if in.Ext == "" {
		return false
	}
	_, ok := m.Exts[in.Ext]
	return ok
}

type acceptMatcher struct{ MediaType string }

func (m acceptMatcher) Match(in requestInfo) bool { return strings.Contains(in.Accept, m.MediaType) }

type globMatcher struct {
	Pattern string
	g       glob.Glob
}

func (m globMatcher) Match(in requestInfo) bool { return m.g.Match(in.Path) }

type regexpMatcher struct{ re *regexp.Regexp }

func (m regexpMatcher) Match(in requestInfo) bool { return m.re.MatchString(in.Path) }

// pageMatcher matches document-like paths: a trailing slash or a last
// segment without a file extension.
type pageMatcher struct{}

func (pageMatcher) Match(in requestInfo) bool {
	if !strings.HasPrefix(in.Path, "/") {
		return false
	}
	return strings.HasSuffix(in.Path, "/") || in.Ext == ""
}

type allOf []matcher

func (a allOf) Match(in requestInfo) bool {
	for _, m := range a {
		if !m.Match(in) {
			return false
		}
	}
	return len(a) > 0
}

// parseMatch compiles an expression such as
//
//	PathPrefix(/static/) | Ext(css,js) | PathPrefix(/media/) & Ext(png)
//
// into alternatives; '&' binds tighter than '|'.
func parseMatch(expr string) ([]matcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	alts, err := splitTopLevel(expr, '|')
	if err != nil {
		return nil, err
	}
	out := make([]matcher, 0, len(alts))
	for _, alt := range alts {
		alt = strings.TrimSpace(alt)
		if alt == "" {
			continue
		}
		terms, err := splitTopLevel(alt, '&')
		if err != nil {
			return nil, err
		}
		var group allOf
		for _, t := range terms {
			t = strings.TrimSpace(t)
			if t == "" {
				return nil, fmt.Errorf("empty term in %q", alt)
			}
			m, err := parseTerm(t)
			if err != nil {
				return nil, err
			}
			group = append(group, m)
		}
		if len(group) == 1 {
			out = append(out, group[0])
		} else {
			out = append(out, group)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTopLevel splits on sep outside of parentheses.
func splitTopLevel(s string, sep byte) ([]string, error) {
	var parts []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return nil, fmt.Errorf("unbalanced parentheses in %q", s)
			}
		case sep:
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("unbalanced parentheses in %q", s)
	}
	return append(parts, s[start:]), nil
}

func parseTerm(t string) (matcher, error) {
	open := strings.IndexByte(t, '(')
	if open <= 0 || !strings.HasSuffix(t, ")") {
		return nil, fmt.Errorf("expected Name(...), got %q", t)
	}
	name := strings.TrimSpace(t[:open])
	inside := strings.TrimSpace(t[open+1 : len(t)-1])

	switch name {
	case "PathPrefix":
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		return pathPrefixMatcher{Prefix: inside}, nil
	case "Ext":
		exts := map[string]struct{}{}
		for _, e := range strings.Split(inside, ",") {
			e = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(e)), ".")
			if e != "" {
				exts[e] = struct{}{}
			}
		}
		if len(exts) == 0 {
			return nil, fmt.Errorf("Ext() needs at least one extension")
		}
		return extMatcher{Exts: exts}, nil
	case "Accept":
		if inside == "" {
			return nil, fmt.Errorf("Accept() needs a media type")
		}
		return acceptMatcher{MediaType: strings.ToLower(inside)}, nil
	case "Glob":
		g, err := glob.Compile(inside, '/')
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", inside, err)
		}
		return globMatcher{Pattern: inside, g: g}, nil
	case "Regexp":
		re, err := regexp.Compile(inside)
		if err != nil {
			return nil, fmt.Errorf("regexp %q: %w", inside, err)
		}
		return regexpMatcher{re: re}, nil
	case "Page":
		if inside != "" {
			return nil, fmt.Errorf("Page() takes no arguments")
		}
		return pageMatcher{}, nil
	}
	return nil, fmt.Errorf("unknown matcher %q", name)
}
