package arena

import "unsafe"

// PushType pushes space for one T and returns a pointer to it, the Go
// generics equivalent of the original library's C++ template overload of
// arenaPush<T>.
func PushType[T any](a *Arena) (*T, error) {
	var zero T
	p, err := a.Push(unsafe.Sizeof(zero))
	if err != nil {
		return nil, err
	}
	return (*T)(p), nil
}

// PushSlice pushes space for n contiguous T values and returns it as a
// slice, the equivalent of the original's arenaPushArray<T>.
func PushSlice[T any](a *Arena, n int) ([]T, error) {
	var zero T
	p, err := a.Push(unsafe.Sizeof(zero) * uintptr(n))
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*T)(p), n), nil
}
