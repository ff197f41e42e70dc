package util

// Set holds distinct comparable values
type Set[K comparable] map[K]struct{}

// SetOf returns a Set holding elems
func SetOf[K comparable](elems ...K) Set[K] {
	s := make(Set[K], len(elems))
	for _, e := range elems {
		s.Add(e)
	}
	return s
}

// Add inserts key
func (s Set[K]) Add(key K) {
	s[key] = struct{}{}
}

// Remove deletes key if present
func (s Set[K]) Remove(key K) {
	delete(s, key)
}

// Contains reports whether key is in the set
func (s Set[K]) Contains(key K) bool {
	_, ok := s[key]
	return ok
}

// Len returns the number of values in the set
func (s Set[K]) Len() int {
	return len(s)
}
