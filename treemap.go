package dtensor

// MapTree applies fn to every leaf of a tree of nested []any and map[string]any
// containers and returns a tree of the same shape with the mapped leaves. Anything
// that is not one of the two container types is a leaf. The input tree is not
// modified; containers are rebuilt.
func MapTree(tree any, fn func(leaf any) any) any {
	switch node := tree.(type) {
	case []any:
		mapped := make([]any, len(node))
		for i, child := range node {
			mapped[i] = MapTree(child, fn)
		}
		return mapped
	case map[string]any:
		mapped := make(map[string]any, len(node))
		for name, child := range node {
			mapped[name] = MapTree(child, fn)
		}
		return mapped
	default:
		return fn(node)
	}
}

// MapTree2 maps fn over two trees of the same shape in lockstep: leaf i of the first
// tree is combined with leaf i of the second. It is used to walk the original
// arguments next to their schema counterparts.
func MapTree2(tree, other any, fn func(leaf, otherLeaf any) any) any {
	switch node := tree.(type) {
	case []any:
		otherNode := other.([]any)
		mapped := make([]any, len(node))
		for i, child := range node {
			mapped[i] = MapTree2(child, otherNode[i], fn)
		}
		return mapped
	case map[string]any:
		otherNode := other.(map[string]any)
		mapped := make(map[string]any, len(node))
		for name, child := range node {
			mapped[name] = MapTree2(child, otherNode[name], fn)
		}
		return mapped
	default:
		return fn(node, other)
	}
}

// MapArgs applies MapTree to a positional argument list, keeping the []any type.
func MapArgs(args []any, fn func(leaf any) any) []any {
	return MapTree(args, fn).([]any)
}

// MapKwargs applies MapTree to a keyword argument map, keeping the map type.
func MapKwargs(kwargs map[string]any, fn func(leaf any) any) map[string]any {
	if kwargs == nil {
		return nil
	}
	return MapTree(kwargs, fn).(map[string]any)
}
