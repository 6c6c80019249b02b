package hushvac

import "unsafe"

// Alloc allocates n bytes from the process-wide default Heap. See
// (*Heap).Alloc.
func Alloc(n int) unsafe.Pointer { return defaultHeapInstance().Alloc(n) }

// Calloc allocates m*n zeroed bytes from the default Heap. See
// (*Heap).Calloc.
func Calloc(m, n int) unsafe.Pointer { return defaultHeapInstance().Calloc(m, n) }

// Realloc resizes p, previously returned by Alloc/Calloc/Realloc, to n
// bytes. See (*Heap).Realloc.
func Realloc(p unsafe.Pointer, n int) unsafe.Pointer { return defaultHeapInstance().Realloc(p, n) }

// Free releases p. See (*Heap).Free.
func Free(p unsafe.Pointer) { defaultHeapInstance().Free(p) }

// AlignedAlloc returns a pointer aligned to align sized for n bytes.
// See (*Heap).AlignedAlloc.
func AlignedAlloc(align, n int) unsafe.Pointer { return defaultHeapInstance().AlignedAlloc(align, n) }

// PosixMemalign implements posix_memalign(3) against the default Heap.
// See (*Heap).PosixMemalign.
func PosixMemalign(pp *unsafe.Pointer, align, n int) error {
	return defaultHeapInstance().PosixMemalign(pp, align, n)
}

// UsableSize reports the usable size of the allocation owning p. See
// (*Heap).UsableSize.
func UsableSize(p unsafe.Pointer) int { return defaultHeapInstance().UsableSize(p) }

// GetStats returns a snapshot of the default Heap's diagnostic counters.
func GetStats() Stats { return defaultHeapInstance().Stats() }
