package validation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClean(t *testing.T) {
	assert.Equal(t, "Mohammed Ahmed", Clean("  Mohammed \t  Ahmed \n"))
	assert.Equal(t, "", Clean("   "))
}

func TestName_Arabic(t *testing.T) {
	got, err := Name("  محمد   أحمد ", ScriptArabic)
	require.NoError(t, err)
	assert.Equal(t, "محمد أحمد", got)

	_, err = Name("محمد Smith", ScriptArabic)
	assert.ErrorIs(t, err, ErrNotArabic)

	_, err = Name("", ScriptArabic)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestName_English(t *testing.T) {
	got, err := Name("Mohammed  Ahmed", ScriptEnglish)
	require.NoError(t, err)
	assert.Equal(t, "Mohammed Ahmed", got)

	// apostrophes, hyphens, dots and digits are allowed
	got, err = Name("O'Neil-Smith Jr. 2", ScriptEnglish)
	require.NoError(t, err)
	assert.Equal(t, "O'Neil-Smith Jr. 2", got)

	_, err = Name("محمد", ScriptEnglish)
	assert.ErrorIs(t, err, ErrNotEnglish)
}

func TestName_TooLong(t *testing.T) {
	_, err := Name(strings.Repeat("a", MaxNameLen+1), ScriptEnglish)
	assert.ErrorIs(t, err, ErrTooLong)

	// exactly at the bound passes
	_, err = Name(strings.Repeat("a", MaxNameLen), ScriptEnglish)
	assert.NoError(t, err)
}

func TestName_UnknownScript(t *testing.T) {
	_, err := Name("anything", Script("el"))
	assert.ErrorIs(t, err, ErrUnknownRules)
}
