package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsCommand(t *testing.T) {
	assert.True(t, IsCommand("@@help"))
	assert.True(t, IsCommand("  @@help"))
	assert.True(t, IsCommand("@@"))
	assert.False(t, IsCommand("hello"))
	assert.False(t, IsCommand("mail me at x@@y"))
	assert.False(t, IsCommand(""))
}

func TestParse(t *testing.T) {
	cmd, err := Parse("@@switch web")
	require.NoError(t, err)
	assert.Equal(t, "switch", cmd.Name)
	assert.Equal(t, []string{"web"}, cmd.Args)

	// Names fold to lower case, arguments keep their case.
	cmd, err = Parse("@@SWITCH Web")
	require.NoError(t, err)
	assert.Equal(t, "switch", cmd.Name)
	assert.Equal(t, []string{"Web"}, cmd.Args)

	cmd, err = Parse("@@projects")
	require.NoError(t, err)
	assert.Equal(t, "projects", cmd.Name)
	assert.Empty(t, cmd.Args)

	cmd, err = Parse("  @@queue_add feat do the thing  ")
	require.NoError(t, err)
	assert.Equal(t, "queue_add", cmd.Name)
	assert.Equal(t, []string{"feat", "do", "the", "thing"}, cmd.Args)
}

func TestParseQuotedArguments(t *testing.T) {
	cmd, err := Parse(`@@cron "0 */2 * * *" clean_code,run_tests`)
	require.NoError(t, err)
	assert.Equal(t, "cron", cmd.Name)
	assert.Equal(t, []string{"0 */2 * * *", "clean_code,run_tests"}, cmd.Args)

	cmd, err = Parse(`@@queue_add feat "Implement user auth"`)
	require.NoError(t, err)
	assert.Equal(t, []string{"feat", "Implement user auth"}, cmd.Args)

	// An empty quoted argument is still an argument.
	cmd, err = Parse(`@@queue_add feat ""`)
	require.NoError(t, err)
	assert.Equal(t, []string{"feat", ""}, cmd.Args)
}

func TestParseUnterminatedQuote(t *testing.T) {
	_, err := Parse(`@@cron "0 * * * *`)
	require.ErrorIs(t, err, ErrUnterminatedQuote)
}

func TestTokenize(t *testing.T) {
	args, err := tokenize(`a "b c" d`)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b c", "d"}, args)

	args, err = tokenize("")
	require.NoError(t, err)
	assert.Empty(t, args)

	args, err = tokenize("   ")
	require.NoError(t, err)
	assert.Empty(t, args)
}
