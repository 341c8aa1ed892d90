package dtensor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapTree(t *testing.T) {
	tree := []any{1, []any{2, 3}, map[string]any{"a": 4}}
	got := MapTree(tree, func(leaf any) any {
		return leaf.(int) * 10
	})
	assert.Equal(t, []any{10, []any{20, 30}, map[string]any{"a": 40}}, got)
	// The input tree is not modified.
	assert.Equal(t, []any{1, []any{2, 3}, map[string]any{"a": 4}}, tree)
}

func TestMapTree2(t *testing.T) {
	tree := []any{1, []any{2, 3}}
	other := []any{10, []any{20, 30}}
	got := MapTree2(tree, other, func(leaf, otherLeaf any) any {
		return leaf.(int) + otherLeaf.(int)
	})
	assert.Equal(t, []any{11, []any{22, 33}}, got)
}

func TestMapArgsKwargs(t *testing.T) {
	double := func(leaf any) any { return leaf.(int) * 2 }
	assert.Equal(t, []any{2, 4}, MapArgs([]any{1, 2}, double))
	assert.Equal(t, map[string]any{"a": 2}, MapKwargs(map[string]any{"a": 1}, double))
	assert.Nil(t, MapKwargs(nil, double))
}
