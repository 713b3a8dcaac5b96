package shared

import (
	"runtime"
	"sync/atomic"
	"unsafe"
)

// invalidSlot marks a buffer nothing has ever been published into.
const invalidSlot = ^uint32(0)

// tripleHeader lives in the shared region, immediately ahead of the slots.
// published is the index of the newest consistent slot; seq are per-slot
// seqlock counters, odd while the writer is inside the slot.
type tripleHeader struct {
	published uint32
	seq       [3]uint32
	_         [4]uint32
}

// TripleBuffer is a single-writer/multi-reader exchange structure over three
// slots of T in shared memory. The writer never blocks and never targets the
// slot it just published; readers lock the newest published slot without
// blocking the writer and keep their last copy until they lock again.
//
// writeSlot is writer-local and lastLock is reader-local: each process keeps
// its own TripleBuffer view over the same mapped bytes, only hdr and slots
// are shared.
type TripleBuffer[T any] struct {
	hdr   *tripleHeader
	slots *[3]T

	writeSlot uint32
	lastLock  uint32
}

// tripleBufferSize is the number of region bytes a TripleBuffer[T] occupies.
func tripleBufferSize[T any]() uintptr {
	var v T
	return unsafe.Sizeof(tripleHeader{}) + 3*unsafe.Sizeof(v)
}

// mapTripleBuffer overlays a TripleBuffer view at offset inside an already
// mapped region. init must be true exactly once, on the creating side.
func mapTripleBuffer[T any](base unsafe.Pointer, offset uintptr, init bool) *TripleBuffer[T] {
	hdr := (*tripleHeader)(unsafe.Add(base, offset))
	slots := (*[3]T)(unsafe.Add(base, offset+unsafe.Sizeof(tripleHeader{})))
	if init {
		atomic.StoreUint32(&hdr.published, invalidSlot)
		for i := range hdr.seq {
			atomic.StoreUint32(&hdr.seq[i], 0)
		}
	}
	return &TripleBuffer[T]{
		hdr:      hdr,
		slots:    slots,
		lastLock: invalidSlot,
	}
}

// Publish copies v into the next free slot and atomically republishes the
// slot pointer. Only the single writer may call this.
func (tb *TripleBuffer[T]) Publish(v *T) {
	slot := tb.writeSlot
	seq := &tb.hdr.seq[slot]

	atomic.AddUint32(seq, 1)
	tb.slots[slot] = *v
	atomic.AddUint32(seq, 1)

	atomic.StoreUint32(&tb.hdr.published, slot)
	tb.writeSlot = (slot + 1) % 3
}

// Lock copies the newest published slot into out and reports whether that
// slot is newer than the previous Lock. When nothing has ever been published
// it returns false and leaves out untouched. If the writer republishes while
// the copy is in flight the seqlock detects it and the read chases the new
// newest slot, so out is always a fully consistent value.
func (tb *TripleBuffer[T]) Lock(out *T) bool {
	slot := atomic.LoadUint32(&tb.hdr.published)
	if slot == invalidSlot {
		return false
	}

	fresh := slot != tb.lastLock
	for {
		s1 := atomic.LoadUint32(&tb.hdr.seq[slot])
		if s1&1 == 1 {
			runtime.Gosched()
			continue
		}
		*out = tb.slots[slot]
		if atomic.LoadUint32(&tb.hdr.seq[slot]) == s1 {
			break
		}
		// The writer lapped us. The published pointer has moved on too.
		slot = atomic.LoadUint32(&tb.hdr.published)
		fresh = fresh || slot != tb.lastLock
	}

	tb.lastLock = slot
	return fresh
}

// HasPublished reports whether any value was ever published.
func (tb *TripleBuffer[T]) HasPublished() bool {
	return atomic.LoadUint32(&tb.hdr.published) != invalidSlot
}
