package rewrite

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatchFetchData(t *testing.T) {
	tests := []struct {
		name    string
		sql     string
		wantURL string
		match   bool
	}{
		{
			name:    "basic",
			sql:     "SELECT md_fetch_data('https://example.com/wfs?typeName=x')",
			wantURL: "https://example.com/wfs?typeName=x",
			match:   true,
		},
		{
			name:    "trailing semicolon and whitespace",
			sql:     "  select MD_FETCH_DATA( 'https://example.com/wfs?typeName=x' ) ;  ",
			wantURL: "https://example.com/wfs?typeName=x",
			match:   true,
		},
		{
			name:  "argument is not a url",
			sql:   "SELECT md_fetch_data('not-a-url')",
			match: false,
		},
		{
			name:  "extra projection disqualifies",
			sql:   "SELECT md_fetch_data('https://example.com/wfs?typeName=x'), 1",
			match: false,
		},
		{
			name:  "embedded in larger statement",
			sql:   "SELECT * FROM t WHERE x = md_fetch_data('https://example.com/wfs?typeName=x')",
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url, ok := MatchFetchData(tt.sql)
			require.Equal(t, tt.match, ok)
			assert.Equal(t, tt.wantURL, url)
		})
	}
}

func TestMatchListDataLoaders(t *testing.T) {
	assert.True(t, MatchListDataLoaders("SELECT md_list_data_loaders()"))
	assert.True(t, MatchListDataLoaders("select md_list_data_loaders ( ) ;"))
	assert.False(t, MatchListDataLoaders("SELECT md_list_data_loaders('x')"))
	assert.False(t, MatchListDataLoaders("SELECT * FROM md_list_data_loaders"))
}

func TestMatchRemoveData(t *testing.T) {
	url, ok := MatchRemoveData("SELECT md_remove_data('https://example.com/wfs?typeName=x');")
	require.True(t, ok)
	assert.Equal(t, "https://example.com/wfs?typeName=x", url)

	_, ok = MatchRemoveData("SELECT md_remove_data('nope')")
	assert.False(t, ok)
}

func TestMatchMediatorError(t *testing.T) {
	msg, ok := MatchMediatorError("SELECT md_mediator_error('something went wrong')")
	require.True(t, ok)
	assert.Equal(t, "something went wrong", msg)

	// Doubled quotes in the literal come back unescaped.
	msg, ok = MatchMediatorError("SELECT md_mediator_error('it''s broken');")
	require.True(t, ok)
	assert.Equal(t, "it's broken", msg)

	_, ok = MatchMediatorError("SELECT md_mediator_error(42)")
	assert.False(t, ok)
}
