package swcache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(path, accept string) requestInfo {
	in := requestInfo{Path: path, Accept: accept}
	for i := len(path) - 1; i >= 0 && path[i] != '/'; i-- {
		if path[i] == '.' {
			in.Ext = path[i+1:]
			break
		}
	}
	return in
}

func matchAny(ms []matcher, in requestInfo) bool {
	for _, m := range ms {
		if m.Match(in) {
			return true
		}
	}
	return false
}

func TestParseMatch(t *testing.T) {
	tests := []struct {
		expr string
		yes  []requestInfo
		no   []requestInfo
	}{
		{
			expr: "PathPrefix(/static/)",
			yes:  []requestInfo{info("/static/a.css", "")},
			no:   []requestInfo{info("/statics/a.css", ""), info("/", "")},
		},
		{
			expr: "Ext(css, .JS)",
			yes:  []requestInfo{info("/a.css", ""), info("/x/y.js", "")},
			no:   []requestInfo{info("/a.cssx", ""), info("/css", "")},
		},
		{
			expr: "Accept(text/html)",
			yes:  []requestInfo{info("/a", "text/html,application/xhtml+xml")},
			no:   []requestInfo{info("/a", "application/json")},
		},
		{
			expr: "PathPrefix(/media/) & Ext(png) | PathPrefix(/api/)",
			yes:  []requestInfo{info("/media/a.png", ""), info("/api/x", "")},
			no:   []requestInfo{info("/media/a.gif", ""), info("/b.png", "")},
		},
		{
			expr: "Glob(/docs/*/index.html)",
			yes:  []requestInfo{info("/docs/v1/index.html", "")},
			no:   []requestInfo{info("/docs/v1/x/index.html", "")},
		},
		{
			expr: "Regexp(^/p/[0-9]+$)",
			yes:  []requestInfo{info("/p/42", "")},
			no:   []requestInfo{info("/p/42/edit", "")},
		},
		{
			expr: "Regexp(^/(a|b)/)",
			yes:  []requestInfo{info("/a/x", ""), info("/b/y", "")},
			no:   []requestInfo{info("/c/z", "")},
		},
		{
			expr: "Page()",
			yes:  []requestInfo{info("/", ""), info("/about", ""), info("/blog/", "")},
			no:   []requestInfo{info("/a.css", "")},
		},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			ms, err := parseMatch(tt.expr)
			require.NoError(t, err)
			for _, in := range tt.yes {
				assert.True(t, matchAny(ms, in), "expected %q to match", in.Path)
			}
			for _, in := range tt.no {
				assert.False(t, matchAny(ms, in), "expected %q not to match", in.Path)
			}
		})
	}
}

func TestParseMatchErrors(t *testing.T) {
	for _, expr := range []string{
		"",
		"   ",
		"PathPrefix(static)",
		"PathPrefix(/a/",
		"PathPrefix(/a/))",
		"Ext()",
		"Accept()",
		"Page(x)",
		"Nope(/a)",
		"PathPrefix(/a/) & ",
		"Regexp([)",
		"Glob([)",
		"/static/",
	} {
		_, err := parseMatch(expr)
		assert.Error(t, err, "%q", expr)
	}
}

func TestAllOfEmptyNeverMatches(t *testing.T) {
	assert.False(t, allOf{}.Match(info("/", "")))
}
