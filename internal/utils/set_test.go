package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := MakeSet[int](4)
	assert.False(t, s.Has(1))
	s.Insert(1, 2)
	assert.True(t, s.Has(1))
	assert.True(t, s.Has(2))
	assert.False(t, s.Has(3))

	named := SetWith("batch", "data")
	assert.True(t, named.Has("batch"))
	assert.False(t, named.Has("width"))
}

func TestNormalizeIdentifier(t *testing.T) {
	assert.Equal(t, "", NormalizeIdentifier(""))
	assert.Equal(t, "mesh_0", NormalizeIdentifier("mesh 0"))
	assert.Equal(t, "_2d", NormalizeIdentifier("2d"))
	assert.Equal(t, "already_fine", NormalizeIdentifier("already_fine"))
}
