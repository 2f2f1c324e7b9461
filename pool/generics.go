package pool

import "unsafe"

// RetrieveType retrieves a slot and returns it as *T, the Go generics
// equivalent of the original library's C++ template poolRetrieve<T>.
// The pool's element size must already be at least sizeof(T); this is not
// re-checked per call.
func RetrieveType[T any](p *Pool) (*T, error) {
	ptr, err := p.Retrieve()
	if err != nil {
		return nil, err
	}
	return (*T)(ptr), nil
}
