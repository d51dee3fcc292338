package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecReader(t *testing.T) {
	t.Parallel()

	var lines []string
	input := "first\n\n  # comment\n second  \r\nthird"
	require.NoError(t, ExecReader(strings.NewReader(input), func(line string) { lines = append(lines, line) }))
	assert.Equal(t, []string{"first", "second", "third"}, lines)
}
