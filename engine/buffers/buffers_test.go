package buffers

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircularPushAndView(t *testing.T) {
	c := NewCircular[int](3)
	assert.Equal(t, 0, c.Len())
	assert.False(t, c.Full())

	c.Push(1)
	c.Push(2)
	assert.Equal(t, []int{1, 2}, c.View())
	assert.False(t, c.Full())

	c.Push(3)
	assert.True(t, c.Full())
	assert.Equal(t, []int{1, 2, 3}, c.View())

	c.Push(4) // overwrites 1
	assert.Equal(t, []int{2, 3, 4}, c.View())
	assert.Equal(t, 3, c.Len())
}

func TestCircularAtIndexesBackFromLatest(t *testing.T) {
	c := NewCircular[string](4)
	c.Push("a")
	c.Push("b")
	c.Push("c")
	assert.Equal(t, "c", c.At(0))
	assert.Equal(t, "b", c.At(1))
	assert.Equal(t, "a", c.At(2))
}

func TestCircularAtOutOfRangePanics(t *testing.T) {
	c := NewCircular[int](2)
	c.Push(1)
	assert.Panics(t, func() { c.At(1) })
}

func TestCircularViewIsACopy(t *testing.T) {
	c := NewCircular[int](2)
	c.Push(1)
	c.Push(2)
	v := c.View()
	v[0] = 99
	assert.Equal(t, []int{1, 2}, c.View())
}

func TestNewCircularRejectsNonPositiveCapacity(t *testing.T) {
	assert.Panics(t, func() { NewCircular[int](0) })
}

func TestAppendGrowsAndRetainsEverything(t *testing.T) {
	a := NewAppend[float64](0)
	for i := 0; i < 5; i++ {
		a.Push(float64(i))
	}
	require.Equal(t, 5, a.Len())
	assert.Equal(t, []float64{0, 1, 2, 3, 4}, a.View())

	last, ok := a.Last()
	require.True(t, ok)
	assert.Equal(t, 4.0, last)
}

func TestAppendLastOnEmpty(t *testing.T) {
	a := NewAppend[int](0)
	_, ok := a.Last()
	assert.False(t, ok)
}
