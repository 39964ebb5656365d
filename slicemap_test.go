package mcap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSlicemapLength(t *testing.T) {
	var s slicemap[string]
	val := "hello"
	assert.Empty(t, s.items)

	// setting the first value expands the slice enough to fit it
	s.set(0, &val)
	assert.Equal(t, &val, s.get(0))
	assert.Len(t, s.items, 1)

	// setting another higher expands the slice enough to fit it
	s.set(5, &val)
	assert.Equal(t, &val, s.get(5))
	assert.Len(t, s.items, 6)

	// setting a value <= len does not expand the slice
	s.set(1, &val)
	assert.Equal(t, &val, s.get(1))
	assert.Len(t, s.items, 6)

	// getting a value > len does not expand the slice
	var nilString *string
	assert.Equal(t, nilString, s.get(10))
	assert.Len(t, s.items, 6)
}
