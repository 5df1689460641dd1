// Package filter decides which inbound requests are recorded by the monitor.
//
// Two filter modes exist. The advanced mode evaluates an ordered chain of
// include/exclude rules, each combining a path template with query parameter
// patterns. The include mode is the legacy path-only list where the first
// matching pattern wins. Both are loaded from a file that is hot-reloaded by
// a Watcher and published through a Cell.
package filter

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

var (
	// ErrConfigParse indicates a malformed rule resource.
	ErrConfigParse = errors.New("filter config parse error")

	// ErrMatchCompile indicates a rule whose path template or query pattern
	// cannot be compiled. The whole chain fails to load.
	ErrMatchCompile = errors.New("filter pattern compile error")
)

// Filter classifies a request as monitored or not.
// Implementations are immutable once built and safe for concurrent use.
type Filter interface {
	Monitor(path string, query url.Values) bool
}

// Kind is the decision a rule applies when it matches.
type Kind int

const (
	Include Kind = iota
	Exclude
)

func (k Kind) String() string {
	switch k {
	case Include:
		return "include"
	case Exclude:
		return "exclude"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind parses a decision name case-insensitively. An empty name is
// Include.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "include":
		return Include, nil
	case "exclude":
		return Exclude, nil
	default:
		return 0, fmt.Errorf("%w: unknown filter type %q", ErrConfigParse, s)
	}
}

// Rule pairs a decision with a path template and query patterns.
type Rule struct {
	Kind  Kind
	Path  string
	Query map[string]*regexp.Regexp

	pattern string
}

// NewRule compiles a rule. Query values are regular expressions that must
// match a whole parameter value.
func NewRule(kind Kind, path string, query map[string]string) (Rule, error) {
	pattern, err := compilePath(path)
	if err != nil {
		return Rule{}, err
	}
	compiled := make(map[string]*regexp.Regexp, len(query))
	for key, expr := range query {
		re, err := compileFull(expr)
		if err != nil {
			return Rule{}, fmt.Errorf("query %q: %w", key, err)
		}
		compiled[key] = re
	}
	return Rule{Kind: kind, Path: path, Query: compiled, pattern: pattern}, nil
}

// Matches reports whether both the path and the query dimension match.
func (r Rule) Matches(path string, query url.Values) bool {
	return matchGlob(r.pattern, path) && MatchQuery(query, r.Query)
}

func (r Rule) String() string {
	keys := make([]string, 0, len(r.Query))
	for k := range r.Query {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return fmt.Sprintf("%s %s %v", r.Kind, r.Path, keys)
}

// Chain is an ordered rule table. Later matching rules override earlier
// ones and an empty chain monitors nothing.
type Chain struct {
	rules []Rule
}

// NewChain builds a chain from rules in evaluation order.
func NewChain(rules ...Rule) *Chain {
	c := &Chain{rules: make([]Rule, len(rules))}
	copy(c.rules, rules)
	return c
}

// Monitor runs the request through every rule and returns the final state.
func (c *Chain) Monitor(path string, query url.Values) bool {
	monitor := false
	for _, rule := range c.rules {
		if !rule.Matches(path, query) {
			continue
		}
		switch rule.Kind {
		case Include:
			monitor = true
		case Exclude:
			monitor = false
		}
	}
	return monitor
}

// Len returns the number of rules.
func (c *Chain) Len() int {
	return len(c.rules)
}

// Rules returns a copy of the rule table.
func (c *Chain) Rules() []Rule {
	out := make([]Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

// PathFilter is the legacy include list: a request is monitored when its
// full path matches any pattern.
type PathFilter struct {
	patterns []*regexp.Regexp
}

// NewPathFilter compiles path regular expressions.
func NewPathFilter(exprs ...string) (*PathFilter, error) {
	f := &PathFilter{patterns: make([]*regexp.Regexp, 0, len(exprs))}
	for _, expr := range exprs {
		re, err := compileFull(expr)
		if err != nil {
			return nil, err
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Monitor ignores query parameters and returns true on the first match.
func (f *PathFilter) Monitor(path string, _ url.Values) bool {
	for _, re := range f.patterns {
		if re.MatchString(path) {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (f *PathFilter) Len() int {
	return len(f.patterns)
}
