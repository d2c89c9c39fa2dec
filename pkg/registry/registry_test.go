package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndGet(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))

	got, ok := r.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, got)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegisterRejectsDuplicatesAndEmptyNames(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("a", "x"))
	assert.Error(t, r.Register("a", "y"))
	assert.Error(t, r.Register("", "z"))
}

func TestReplaceOverwrites(t *testing.T) {
	r := NewBaseRegistry[string]()
	require.NoError(t, r.Register("a", "old"))
	require.NoError(t, r.Replace("a", "new"))

	got, _ := r.Get("a")
	assert.Equal(t, "new", got)
}

func TestNamesAndListAreSorted(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("c", 3))
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Register("b", 2))

	assert.Equal(t, []string{"a", "b", "c"}, r.Names())
	assert.Equal(t, []int{1, 2, 3}, r.List())
	assert.Equal(t, 3, r.Count())
}

func TestRemove(t *testing.T) {
	r := NewBaseRegistry[int]()
	require.NoError(t, r.Register("a", 1))
	require.NoError(t, r.Remove("a"))
	assert.Error(t, r.Remove("a"))
	assert.Equal(t, 0, r.Count())
}
