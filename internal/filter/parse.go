package filter

import (
	"bufio"
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Mode selects how the rule resource is interpreted.
type Mode string

const (
	// ModeAdvanced loads an include/exclude rule chain (filter.json).
	ModeAdvanced Mode = "advanced"
	// ModeInclude loads the legacy path-regex list (filter.properties).
	ModeInclude Mode = "include"
)

// Parser turns the bytes of a rule resource into a Filter.
type Parser func(data []byte) (Filter, error)

//go:embed defaults/filter.json defaults/filter.properties
var defaults embed.FS

// ruleSet is the on-disk shape of an advanced rule resource.
//
//	{"filters": [{"type": "include", "path": "/**", "query": {"service": "(?i)wms"}}]}
type ruleSet struct {
	Filters []ruleSpec `json:"filters" yaml:"filters"`
}

type ruleSpec struct {
	Type  string            `json:"type" yaml:"type"`
	Path  string            `json:"path" yaml:"path"`
	Query map[string]string `json:"query" yaml:"query"`
}

// ParseChain parses an advanced rule resource. JSON documents are decoded
// as JSON, anything else as YAML.
func ParseChain(data []byte) (*Chain, error) {
	var set ruleSet
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty rule resource", ErrConfigParse)
	}
	var err error
	if trimmed[0] == '{' {
		err = json.Unmarshal(trimmed, &set)
	} else {
		err = yaml.Unmarshal(trimmed, &set)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	if set.Filters == nil {
		return nil, fmt.Errorf("%w: missing \"filters\" list", ErrConfigParse)
	}

	rules := make([]Rule, 0, len(set.Filters))
	for i, spec := range set.Filters {
		kind, err := ParseKind(spec.Type)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		if spec.Path == "" {
			return nil, fmt.Errorf("filter %d: %w: missing path", i, ErrConfigParse)
		}
		rule, err := NewRule(kind, spec.Path, spec.Query)
		if err != nil {
			return nil, fmt.Errorf("filter %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return NewChain(rules...), nil
}

// ParsePathFilter parses the legacy line-oriented resource: one path regex
// per line, blank lines and lines starting with '#' skipped.
func ParsePathFilter(data []byte) (*PathFilter, error) {
	var exprs []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exprs = append(exprs, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigParse, err)
	}
	return NewPathFilter(exprs...)
}

// ParserFor returns the parser for mode.
func ParserFor(mode Mode) (Parser, error) {
	switch mode {
	case ModeAdvanced, "":
		return func(data []byte) (Filter, error) { return ParseChain(data) }, nil
	case ModeInclude:
		return func(data []byte) (Filter, error) { return ParsePathFilter(data) }, nil
	default:
		return nil, fmt.Errorf("unknown filter mode: %s (valid: advanced, include)", mode)
	}
}

// DefaultResource returns the bundled rule resource for mode.
func DefaultResource(mode Mode) []byte {
	name := "defaults/filter.json"
	if mode == ModeInclude {
		name = "defaults/filter.properties"
	}
	data, err := defaults.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("filter: bundled resource %s missing: %v", name, err))
	}
	return data
}
