package dispatch

import (
	"net/http"
	"path"
	"strings"

	"github.com/labstack/echo/v4"
)

// Normalize returns the canonical form of a request path: backslashes become
// forward slashes, repeated separators collapse, and "." and ".." segments are
// resolved. A trailing slash survives normalization.
func Normalize(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	if p == "" {
		return "/"
	}
	trailing := strings.HasSuffix(p, "/")
	clean := path.Clean(p)
	if trailing && clean != "/" {
		clean += "/"
	}
	return clean
}

var escapedBackslash = strings.NewReplacer("%5C", "/", "%5c", "/")

// canonicalTarget returns the redirect target for a non-canonical request and
// false when the request is already canonical. An empty query marker ("/x?")
// counts as non-canonical. A raw backslash in the request line reaches us
// escaped as %5C, so it is turned back into a separator before normalizing.
func canonicalTarget(r *http.Request) (string, bool) {
	escaped := r.URL.EscapedPath()
	normal := Normalize(escapedBackslash.Replace(escaped))
	emptyQuery := r.URL.ForceQuery && r.URL.RawQuery == ""

	if normal == escaped && !emptyQuery {
		return "", false
	}

	target := normal
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}
	return target, true
}

// canonicalize redirects non-canonical paths before the router sees them.
func (d *Dispatcher) canonicalize(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if target, ok := canonicalTarget(c.Request()); ok {
			d.reject("redirect")
			return c.Redirect(http.StatusMovedPermanently, target)
		}
		return next(c)
	}
}
