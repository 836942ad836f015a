package handle

import (
	"strconv"
	"sync/atomic"
)

// Handle is an opaque token naming a visual object owned by the presentation layer.
// The zero value means "no handle".
type Handle uint64

// Valid reports whether the handle refers to an allocated token.
func (h Handle) Valid() bool { return h != 0 }

func (h Handle) String() string {
	if h == 0 {
		return "none"
	}
	return "h" + strconv.FormatUint(uint64(h), 10)
}

// Allocator hands out monotonically increasing handles starting at 1.
type Allocator struct {
	last atomic.Uint64
}

// NewAllocator constructs an allocator whose first handle is 1.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Next returns a fresh handle.
func (a *Allocator) Next() Handle {
	if a == nil {
		return 0
	}
	return Handle(a.last.Add(1))
}

// Last reports the most recently issued handle, or zero when none was issued.
func (a *Allocator) Last() Handle {
	if a == nil {
		return 0
	}
	return Handle(a.last.Load())
}

// Reserve makes sure h is never issued by Next. It is used when handles from a
// recorded world are restored.
func (a *Allocator) Reserve(h Handle) {
	if a == nil {
		return
	}
	for {
		last := a.last.Load()
		if uint64(h) <= last || a.last.CompareAndSwap(last, uint64(h)) {
			return
		}
	}
}
