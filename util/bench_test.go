package util

import (
	"io"
	"testing"
)

// BenchmarkBufPool measures the allocation advantage of sync.Pool
// buffer reuse versus fresh allocation.
func BenchmarkBufPool(b *testing.B) {
	b.Run("pool", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := GetBuf()
			*buf = append(*buf, 1)
			PutBuf(buf)
		}
	})
	b.Run("alloc", func(b *testing.B) {
		for i := 0; i < b.N; i++ {
			buf := make([]byte, 0, DefaultBufSize)
			_ = append(buf, 1)
		}
	})
}

func BenchmarkLogger_Filtered(b *testing.B) {
	l := NewLogger(1)
	l.SetOutput(io.Discard)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		l.Debug("frame %d", i)
	}
}
