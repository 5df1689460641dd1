package filter

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustRule(t *testing.T, kind Kind, path string, query map[string]string) Rule {
	t.Helper()
	r, err := NewRule(kind, path, query)
	require.NoError(t, err)
	return r
}

func TestChain_LaterRulesOverride(t *testing.T) {
	chain := NewChain(
		mustRule(t, Include, "/a/**", nil),
		mustRule(t, Exclude, "/a/secret", nil),
	)

	assert.False(t, chain.Monitor("/a/secret", nil))
	assert.True(t, chain.Monitor("/a/public", nil))
	assert.False(t, chain.Monitor("/b", nil), "unmatched request stays excluded")

	reversed := NewChain(
		mustRule(t, Exclude, "/a/secret", nil),
		mustRule(t, Include, "/a/**", nil),
	)
	assert.True(t, reversed.Monitor("/a/secret", nil))
}

func TestChain_EmptyMonitorsNothing(t *testing.T) {
	chain := NewChain()
	assert.False(t, chain.Monitor("/", nil))
	assert.False(t, chain.Monitor("/wms", url.Values{"service": {"WMS"}}))
	assert.Equal(t, 0, chain.Len())
}

func TestChain_MonitorEndpointExcluded(t *testing.T) {
	chain := NewChain(
		mustRule(t, Include, "/**", map[string]string{}),
		mustRule(t, Exclude, "/rest/monitor/**", map[string]string{}),
	)

	assert.False(t, chain.Monitor("/rest/monitor/requests.json", nil))
	assert.True(t, chain.Monitor("/wms", url.Values{"service": {"WMS"}}))
}

func TestChain_QueryPredicate(t *testing.T) {
	chain := NewChain(mustRule(t, Include, "/ows", map[string]string{"k": "(.+)"}))

	assert.False(t, chain.Monitor("/ows", url.Values{}))
	assert.False(t, chain.Monitor("/ows", url.Values{"k": {""}}))
	assert.True(t, chain.Monitor("/ows", url.Values{"k": {"", "x"}}))
	assert.False(t, chain.Monitor("/other", url.Values{"k": {"x"}}))
}

func TestChain_ExcludeByQuery(t *testing.T) {
	chain := NewChain(
		mustRule(t, Include, "/**", nil),
		mustRule(t, Exclude, "/**", map[string]string{"request": "(?i)GetCapabilities"}),
	)

	assert.True(t, chain.Monitor("/wms", url.Values{"request": {"GetMap"}}))
	assert.False(t, chain.Monitor("/wms", url.Values{"request": {"getcapabilities"}}))
}

func TestChain_IsPure(t *testing.T) {
	chain := NewChain(
		mustRule(t, Include, "/**", nil),
		mustRule(t, Exclude, "/rest/**", nil),
		mustRule(t, Include, "/rest/workspaces", map[string]string{"format": "json|xml"}),
	)
	query := url.Values{"format": {"json"}}

	first := chain.Monitor("/rest/workspaces", query)
	for i := 0; i < 50; i++ {
		require.Equal(t, first, chain.Monitor("/rest/workspaces", query))
	}
	assert.True(t, first)
}

func TestChain_RulesReturnsCopy(t *testing.T) {
	chain := NewChain(mustRule(t, Include, "/**", nil))
	rules := chain.Rules()
	rules[0].Kind = Exclude

	assert.True(t, chain.Monitor("/x", nil))
}

func TestNewRule_InvalidQueryPattern(t *testing.T) {
	_, err := NewRule(Include, "/**", map[string]string{"k": "(a"})
	require.ErrorIs(t, err, ErrMatchCompile)
}

func TestParseKind(t *testing.T) {
	tests := []struct {
		in      string
		want    Kind
		wantErr bool
	}{
		{"", Include, false},
		{"include", Include, false},
		{"INCLUDE", Include, false},
		{"Exclude", Exclude, false},
		{"skip", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if tt.wantErr {
			assert.ErrorIs(t, err, ErrConfigParse)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestPathFilter_FirstMatchWins(t *testing.T) {
	f, err := NewPathFilter(`/wms.*`, `/[^/]+/wfs`)
	require.NoError(t, err)

	assert.True(t, f.Monitor("/wms", nil))
	assert.True(t, f.Monitor("/wms/reflect", nil))
	assert.True(t, f.Monitor("/topp/wfs", nil))
	assert.False(t, f.Monitor("/topp/wfs/extra", nil))
	assert.False(t, f.Monitor("/rest/about", nil))
}

func TestPathFilter_EmptyMonitorsNothing(t *testing.T) {
	f, err := NewPathFilter()
	require.NoError(t, err)
	assert.False(t, f.Monitor("/wms", nil))
}
