package plumb_test

import (
	"testing"

	"github.com/github/go-plumb/plumb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuoteUnquoteRoundTrip(t *testing.T) {
	examples := [][]string{
		{"simple"},
		{"a", "b", "c"},
		{"with space"},
		{"with'quote"},
		{`with"double`},
		{"with\nnewline"},
		{""},
		{"-x", "--flag=value", "/path/to/thing"},
	}

	for _, words := range examples {
		line, err := plumb.Quote(words)
		require.NoError(t, err)

		got, err := plumb.Unquote(line)
		require.NoError(t, err)
		assert.Equal(t, words, got)
	}
}

func TestQuoteUnquoteEmpty(t *testing.T) {
	line, err := plumb.Quote(nil)
	require.NoError(t, err)
	assert.Equal(t, "", line)

	got, err := plumb.Unquote(line)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQuoteRejectsNUL(t *testing.T) {
	_, err := plumb.Quote([]string{"a\x00b"})
	require.Error(t, err)
	var perr *plumb.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, plumb.ConfigurationError, perr.Kind)
}

func TestUnquoteMalformed(t *testing.T) {
	examples := []string{
		`'unterminated`,
		`"unterminated`,
		`trailing\`,
	}
	for _, in := range examples {
		_, err := plumb.Unquote(in)
		require.Error(t, err)
		var perr *plumb.Error
		require.ErrorAs(t, err, &perr)
		assert.Equal(t, plumb.ParseError, perr.Kind)
	}
}

func TestUnquoteWhitespaceHandling(t *testing.T) {
	got, err := plumb.Unquote("  one   two\tthree\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestUnquoteMixedQuoting(t *testing.T) {
	got, err := plumb.Unquote(`foo'bar baz'qux "a b" plain\ word`)
	require.NoError(t, err)
	assert.Equal(t, []string{"foobar bazqux", "a b", "plain word"}, got)
}
