package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseChain_JSON(t *testing.T) {
	data := []byte(`{
		"filters": [
			{"type": "include", "path": "/**", "query": {"service": "(?i)wms|wfs"}},
			{"path": "/gwc/**"},
			{"type": "EXCLUDE", "path": "/rest/monitor/**", "query": {}}
		]
	}`)

	chain, err := ParseChain(data)
	require.NoError(t, err)
	require.Equal(t, 3, chain.Len())

	rules := chain.Rules()
	assert.Equal(t, Include, rules[1].Kind, "missing type defaults to include")
	assert.Equal(t, Exclude, rules[2].Kind)

	assert.True(t, chain.Monitor("/ows", url.Values{"service": {"WFS"}}))
	assert.False(t, chain.Monitor("/ows", url.Values{"service": {"WCS"}}))
	assert.True(t, chain.Monitor("/gwc/service/wmts", nil))
	assert.False(t, chain.Monitor("/rest/monitor/requests", url.Values{"service": {"wms"}}))
}

func TestParseChain_YAML(t *testing.T) {
	data := []byte(`
filters:
  - type: include
    path: /**
  - type: exclude
    path: /web/**
`)

	chain, err := ParseChain(data)
	require.NoError(t, err)
	assert.Equal(t, 2, chain.Len())
	assert.True(t, chain.Monitor("/wms", nil))
	assert.False(t, chain.Monitor("/web/index.html", nil))
}

func TestParseChain_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
		want error
	}{
		{"empty", "", ErrConfigParse},
		{"malformed json", `{"filters": [`, ErrConfigParse},
		{"missing filters", `{"rules": []}`, ErrConfigParse},
		{"missing path", `{"filters": [{"type": "include"}]}`, ErrConfigParse},
		{"unknown type", `{"filters": [{"type": "maybe", "path": "/**"}]}`, ErrConfigParse},
		{"non-string query", `{"filters": [{"path": "/**", "query": {"k": 1}}]}`, ErrConfigParse},
		{"bad regex", `{"filters": [{"path": "/**", "query": {"k": "(a"}}]}`, ErrMatchCompile},
		{"bad glob", `{"filters": [{"path": "/a/[b"}]}`, ErrMatchCompile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChain([]byte(tt.data))
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestParseChain_EmptyListMonitorsNothing(t *testing.T) {
	chain, err := ParseChain([]byte(`{"filters": []}`))
	require.NoError(t, err)
	assert.False(t, chain.Monitor("/wms", nil))
}

func TestParsePathFilter(t *testing.T) {
	data := []byte("# comment\n\n/wms.*\r\n/[^/]+/ows\n")

	f, err := ParsePathFilter(data)
	require.NoError(t, err)
	assert.Equal(t, 2, f.Len())
	assert.True(t, f.Monitor("/wms", nil))
	assert.True(t, f.Monitor("/topp/ows", nil))
	assert.False(t, f.Monitor("/# comment", nil))
}

func TestParsePathFilter_BadRegex(t *testing.T) {
	_, err := ParsePathFilter([]byte("/ok\n/bad(\n"))
	require.ErrorIs(t, err, ErrMatchCompile)
}

func TestDefaultResourcesParse(t *testing.T) {
	advanced, err := ParserFor(ModeAdvanced)
	require.NoError(t, err)
	f, err := advanced(DefaultResource(ModeAdvanced))
	require.NoError(t, err)
	assert.True(t, f.Monitor("/wms", url.Values{"service": {"WMS"}}))
	assert.False(t, f.Monitor("/rest/monitor/requests.json", nil))
	assert.False(t, f.Monitor("/health", nil))

	include, err := ParserFor(ModeInclude)
	require.NoError(t, err)
	f, err = include(DefaultResource(ModeInclude))
	require.NoError(t, err)
	assert.True(t, f.Monitor("/topp/wms", nil))
	assert.False(t, f.Monitor("/rest/about", nil))
}

func TestParserFor_UnknownMode(t *testing.T) {
	_, err := ParserFor(Mode("fancy"))
	require.Error(t, err)
}
