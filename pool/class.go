package pool

// Size classes. A request for s payload bytes needs
//
//	total = max(s, MinSize) + HeaderSize
//
// bytes. Up to FineThreshold, totals are rounded up to the next multiple of
// FineGranularity above the smallest possible total; past it, to the next
// multiple of CoarseGranularity above FineThreshold. Never change these once a
// segment exists: the class index is stamped into every pooled buffer.
const (
	MinSize           = 16
	HeaderSize        = 40
	FineGranularity   = 8
	FineThreshold     = 32 * 1024
	CoarseGranularity = 256
	MaxBufferSize     = 1024 * 1024

	baseTotal   = MinSize + HeaderSize
	fineClasses = (FineThreshold-baseTotal)/FineGranularity + 1

	// MaxClasses bounds the class table.
	MaxClasses = fineClasses + (MaxBufferSize-FineThreshold)/CoarseGranularity

	// MaxPayload is the largest request that maps to a class.
	MaxPayload = MaxBufferSize - HeaderSize
)

// ClassOf returns the size class serving a payload of size bytes. It is pure
// and non-decreasing in size.
func ClassOf(size uint64) (int, error) {
	if size > MaxPayload {
		return 0, ErrClassOverflow
	}

	total := max(size, MinSize) + HeaderSize

	if total <= FineThreshold {
		return int(ceilDiv(total-baseTotal, FineGranularity)), nil
	}

	return fineClasses + int(ceilDiv(total-FineThreshold, CoarseGranularity)) - 1, nil
}

// ClassSize returns the total bytes, header included, of buffers in class c.
func ClassSize(c int) uint64 {
	if c < fineClasses {
		return baseTotal + uint64(c)*FineGranularity
	}

	return FineThreshold + uint64(c-fineClasses+1)*CoarseGranularity
}

// ClassCapacity returns the payload bytes a buffer of class c can hold.
func ClassCapacity(c int) uint64 {
	return ClassSize(c) - HeaderSize
}

func ceilDiv(n, d uint64) uint64 {
	return (n + d - 1) / d
}
