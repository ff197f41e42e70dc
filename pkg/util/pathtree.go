package util

type (
	// PathTree indexes values by hierarchical string paths, so that
	// everything under a shared prefix can be found and removed together
	PathTree[T any] struct {
		root *pathNode[T]
		size int
	}

	pathNode[T any] struct {
		value    *T
		children map[string]*pathNode[T]
	}
)

// NewPathTree creates an empty PathTree
func NewPathTree[T any]() *PathTree[T] {
	return &PathTree[T]{root: newPathNode[T]()}
}

func newPathNode[T any]() *pathNode[T] {
	return &pathNode[T]{children: map[string]*pathNode[T]{}}
}

// Len returns the number of stored values
func (t *PathTree[T]) Len() int {
	return t.size
}

// Insert stores v at path, replacing any value already there
func (t *PathTree[T]) Insert(path []string, v T) {
	n := t.root
	for _, seg := range path {
		next, ok := n.children[seg]
		if !ok {
			next = newPathNode[T]()
			n.children[seg] = next
		}
		n = next
	}
	if n.value == nil {
		t.size++
	}
	n.value = &v
}

// Remove clears the value at path and prunes branches left empty
func (t *PathTree[T]) Remove(path []string) {
	trail := make([]*pathNode[T], 0, len(path)+1)
	n := t.root
	trail = append(trail, n)
	for _, seg := range path {
		next, ok := n.children[seg]
		if !ok {
			return
		}
		n = next
		trail = append(trail, n)
	}
	if n.value == nil {
		return
	}
	n.value = nil
	t.size--

	for i := len(path); i > 0; i-- {
		child := trail[i]
		if child.value != nil || len(child.children) != 0 {
			return
		}
		delete(trail[i-1].children, path[i-1])
	}
}

// Detach removes the subtree under prefix and returns its values
func (t *PathTree[T]) Detach(prefix []string) []T {
	if len(prefix) == 0 {
		old := t.root
		t.root = newPathNode[T]()
		t.size = 0
		return old.collect(nil)
	}

	parent := t.root
	for _, seg := range prefix[:len(prefix)-1] {
		next, ok := parent.children[seg]
		if !ok {
			return nil
		}
		parent = next
	}
	last := prefix[len(prefix)-1]
	sub, ok := parent.children[last]
	if !ok {
		return nil
	}
	delete(parent.children, last)

	res := sub.collect(nil)
	t.size -= len(res)
	return res
}

// DetachWith removes the subtree under prefix and calls fn with each of
// its values
func (t *PathTree[T]) DetachWith(prefix []string, fn func(T)) {
	for _, v := range t.Detach(prefix) {
		fn(v)
	}
}

func (n *pathNode[T]) collect(res []T) []T {
	if n.value != nil {
		res = append(res, *n.value)
	}
	for _, child := range n.children {
		res = child.collect(res)
	}
	return res
}
