package cores

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got, err := Parse("0-2, 5,1")
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1, 2, 5}, got)

	all, err := Parse("all")
	require.NoError(t, err)
	assert.Len(t, all, Available())

	for _, bad := range []string{"x", "3-1", "-1", "1-y"} {
		_, err := Parse(bad)
		assert.Error(t, err, bad)
	}
}
