package utils

type Unsigned interface {
	~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Align rounds n up to the next multiple of a, which must be a power of two.
func Align[T Unsigned](n, a T) T {
	return (n + a - 1) &^ (a - 1)
}
