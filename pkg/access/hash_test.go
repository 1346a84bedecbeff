package access

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashKeyDeterministicAndDistinct(t *testing.T) {
	a, err := hashKey([]byte("key-one"))
	require.NoError(t, err)
	b, err := hashKey([]byte("key-one"))
	require.NoError(t, err)
	require.Equal(t, a, b, "same raw key must hash identically under the fixed salt")

	c, err := hashKey([]byte("key-two"))
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}
