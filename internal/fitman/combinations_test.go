package fitman

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCartesianSingleSet(t *testing.T) {
	it, err := newCartesian([][]int{{3, 1, 2}})
	require.NoError(t, err)
	require.Equal(t, 3, it.count())

	var got [][]int
	for {
		c, ok := it.next()
		if !ok {
			break
		}
		got = append(got, c)
	}
	require.Equal(t, [][]int{{3}, {1}, {2}}, got, "input order is preserved")
}

func TestCartesianRowMajorOrder(t *testing.T) {
	it, err := newCartesian([][]int{{0, 1}, {5, 6, 7}})
	require.NoError(t, err)
	require.Equal(t, 6, it.count())

	var got [][]int
	for {
		c, ok := it.next()
		if !ok {
			break
		}
		got = append(got, c)
	}
	require.Equal(t, [][]int{
		{0, 5}, {0, 6}, {0, 7},
		{1, 5}, {1, 6}, {1, 7},
	}, got, "the last slot varies fastest")
}

func TestCartesianRejectsEmptyInput(t *testing.T) {
	_, err := newCartesian(nil)
	require.Error(t, err)

	_, err = newCartesian([][]int{{1}, {}})
	require.Error(t, err)
}

func TestCartesianExhausted(t *testing.T) {
	it, err := newCartesian([][]int{{4}})
	require.NoError(t, err)
	_, ok := it.next()
	require.True(t, ok)
	_, ok = it.next()
	require.False(t, ok)
	_, ok = it.next()
	require.False(t, ok)
}

func TestCartesianOwnsReturnedSlice(t *testing.T) {
	it, err := newCartesian([][]int{{1, 2}})
	require.NoError(t, err)
	first, _ := it.next()
	first[0] = 99
	second, _ := it.next()
	require.Equal(t, []int{2}, second)
}
