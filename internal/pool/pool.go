package pool

import "sync"

// FrameBufSize covers nearly every request and response frame; larger
// frames are allocated directly.
const FrameBufSize = 8192

var framePool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, FrameBufSize)
		return &b
	},
}

// GetFrame returns a buffer of length n. Buffers up to FrameBufSize come from
// the pool; callers must hand them back with PutFrame once decoded.
func GetFrame(n int) *[]byte {
	if n > FrameBufSize {
		b := make([]byte, n)
		return &b
	}
	b := framePool.Get().(*[]byte)
	*b = (*b)[:n]
	return b
}

// PutFrame returns a buffer obtained from GetFrame. Oversized buffers are
// dropped.
func PutFrame(b *[]byte) {
	if b == nil || cap(*b) != FrameBufSize {
		return
	}
	*b = (*b)[:FrameBufSize]
	framePool.Put(b)
}
