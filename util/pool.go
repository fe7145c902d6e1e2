package util

import "sync"

// DefaultBufSize is the capacity of pooled buffers.  Most request
// frames and pipe chunks fit without growing.
const DefaultBufSize = 32 * 1024

// BufPool provides reusable byte buffers for frame encoding, reducing
// GC pressure on the command hot path.
var BufPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, DefaultBufSize)
		return &buf
	},
}

// GetBuf retrieves an empty buffer from the pool.  Callers must return
// it with [PutBuf] when finished.
func GetBuf() *[]byte {
	buf := BufPool.Get().(*[]byte)
	*buf = (*buf)[:0]
	return buf
}

// PutBuf returns a buffer to the pool for reuse.  Buffers that grew
// past four times the default size are dropped instead of pinned.
func PutBuf(buf *[]byte) {
	if buf == nil || cap(*buf) > 4*DefaultBufSize {
		return
	}
	BufPool.Put(buf)
}
