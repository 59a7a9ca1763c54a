package checksum

import (
	"testing"

	"replnet/internal/pkg/state"

	"github.com/stretchr/testify/require"
)

var entries = []state.Entry{
	{Version: 1, Op: []byte("set 1"), Value: 1},
	{Version: 2, Op: []byte("add 2"), Value: 3},
}

func TestSum(t *testing.T) {
	a, err := Sum(entries...)
	require.NoError(t, err)
	b, err := Sum(entries...)
	require.NoError(t, err)
	require.Equal(t, a, b)

	prefix, err := Sum(entries[0])
	require.NoError(t, err)
	require.NotEqual(t, a, prefix)

	changed := []state.Entry{entries[0], {Version: 2, Op: []byte("add 2"), Value: 4}}
	c, err := Sum(changed...)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestSumGap(t *testing.T) {
	_, err := Sum(entries[1])
	require.ErrorIs(t, err, ErrSequenceGap)
}
