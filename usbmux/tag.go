package usbmux

import (
	"math"
	"sync/atomic"
)

// TagAllocator hands out the tags that correlate requests with their Result. Tags start at 1,
// strictly increase and are never reused. It is safe for concurrent use.
type TagAllocator struct {
	last atomic.Uint32
}

// NewTagAllocator returns an allocator whose first tag is 1.
func NewTagAllocator() *TagAllocator {
	return &TagAllocator{}
}

// Next returns the next tag. Running out of tags is a bug, not a runtime condition, so it panics.
func (a *TagAllocator) Next() uint32 {
	for {
		last := a.last.Load()
		if last == math.MaxUint32 {
			panic("usbmux: tag space exhausted")
		}
		if a.last.CompareAndSwap(last, last+1) {
			return last + 1
		}
	}
}

// defaultTags is shared by every connection of the process so tags stay unique across sessions.
var defaultTags = NewTagAllocator()
