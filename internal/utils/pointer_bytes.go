package utils

import (
	"unsafe"
)

// PointerToBytes returns the memory of val as a byte slice.
func PointerToBytes[T any](val *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(val)), unsafe.Sizeof(*val))
}

// BytesToPointer reinterprets the start of b as a *T. The slice must be at
// least as long as T and suitably aligned; both are checked since a short
// view into shared memory would read a neighbour's bytes.
func BytesToPointer[T any](b []byte) *T {
	var zero T

	if uintptr(len(b)) < unsafe.Sizeof(zero) {
		panic("utils: byte slice shorter than target type")
	}

	p := unsafe.Pointer(unsafe.SliceData(b))

	if uintptr(p)%unsafe.Alignof(zero) != 0 {
		panic("utils: misaligned view")
	}

	return (*T)(p)
}

// BytesToSlice reinterprets b as n consecutive values of T.
func BytesToSlice[T any](b []byte, n int) []T {
	var zero T

	if uintptr(len(b)) < unsafe.Sizeof(zero)*uintptr(n) {
		panic("utils: byte slice shorter than target slice")
	}

	if n == 0 {
		return nil
	}

	return unsafe.Slice(BytesToPointer[T](b), n)
}

// SizeOf returns the in-memory size of T.
func SizeOf[T any]() uint64 {
	var zero T
	return uint64(unsafe.Sizeof(zero))
}
