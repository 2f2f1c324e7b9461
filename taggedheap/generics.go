package taggedheap

import "unsafe"

// AllocType allocates space for one T under tag and returns a pointer to
// it, the Go generics equivalent of the original library's C++ template
// overload of wb_taggedAlloc<T>.
func AllocType[T any](h *Heap, tag int) (*T, error) {
	var zero T
	p, err := h.Alloc(tag, unsafe.Sizeof(zero))
	if err != nil {
		return nil, err
	}
	return (*T)(p), nil
}
