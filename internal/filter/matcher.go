package filter

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// uriVariable matches a "{name}" or "{name:regex}" path variable.
var uriVariable = regexp.MustCompile(`\{[^/{}]*\}`)

// MatchPath reports whether path satisfies the glob template.
//
// Matching is anchored and case-sensitive: "*" matches characters within a
// single segment and "**" matches zero or more whole segments, so
// "/rest/**" matches "/rest/monitor/requests.json" but "/rest/*" does not.
// A "{name}" variable matches like "*"; a regex after the colon is ignored.
func MatchPath(template, path string) bool {
	return matchGlob(globPattern(template), path)
}

func matchGlob(pattern, path string) bool {
	ok, err := doublestar.Match(pattern, path)
	return err == nil && ok
}

// globPattern rewrites path variables to single-segment wildcards.
func globPattern(template string) string {
	if !strings.Contains(template, "{") {
		return template
	}
	return uriVariable.ReplaceAllString(template, "*")
}

// MatchQuery reports whether params satisfy every pattern in patterns.
// For each key at least one bound value must fully match the pattern; a
// missing key or a key with no values fails the match. An empty pattern map
// always matches.
func MatchQuery(params url.Values, patterns map[string]*regexp.Regexp) bool {
	for key, pattern := range patterns {
		values := params[key]
		if len(values) == 0 {
			return false
		}
		matched := false
		for _, v := range values {
			if pattern.MatchString(v) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

// compilePath validates a path template and returns the glob it matches
// with, so bad templates fail at load time.
func compilePath(template string) (string, error) {
	if template == "" {
		return "", fmt.Errorf("%w: empty path template", ErrMatchCompile)
	}
	pattern := globPattern(template)
	if strings.ContainsAny(pattern, "{}") {
		return "", fmt.Errorf("%w: unsupported path variable in %q", ErrMatchCompile, template)
	}
	if !doublestar.ValidatePattern(pattern) {
		return "", fmt.Errorf("%w: invalid path template %q", ErrMatchCompile, template)
	}
	return pattern, nil
}

// compileFull compiles expr so that it only matches whole values.
func compileFull(expr string) (*regexp.Regexp, error) {
	re, err := regexp.Compile(`^(?:` + expr + `)$`)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrMatchCompile, expr, err)
	}
	return re, nil
}
