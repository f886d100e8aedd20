// Package pool provides buffer pools for zero-allocation snapshot streaming.
// Uses sync.Pool so page staging buffers are reused across snapshots.
package pool

import (
	"sync"

	"github.com/hupe1980/walloc/internal/memory"
)

// pagePool is the global pool of page-sized staging buffers.
var pagePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, memory.PageSize)
		return &buf
	},
}

// GetPage retrieves a PageSize buffer from the pool. Contents are
// unspecified; callers overwrite the full buffer before use.
func GetPage() []byte {
	return *pagePool.Get().(*[]byte)
}

// PutPage returns a buffer to the pool for reuse. Buffers of any other
// length are dropped; a short buffer would truncate later page reads.
func PutPage(buf []byte) {
	if len(buf) != memory.PageSize {
		return
	}
	pagePool.Put(&buf)
}
