//go:build linux

// Package vmm is hushvac's component A: the raw virtual-memory primitive
// the rest of the allocator is built on. It exposes reserve/commit,
// decommit, and release at page granularity, plus a process-wide
// high-water mark used to size the sweeper's address-mark bitmap.
//
// Grounded on (*mheap).sysAlloc / sysReserve / sysReserveAligned in
// mheap.go: the first reservation is placed by the kernel, every later
// one is requested at the tracked watermark (with no fallback to kernel
// placement), and the watermark only ever grows forward.
//
// Linux/amd64 only, matching the Non-goals (64-bit address spaces only).
package vmm

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const guardGap = 64 << 10 // keep in sync with internal/layout.GuardGapSize

// state is the process-wide reservation bookkeeping: exactly one per
// process, mirroring mheap_ being a single package-level var in the
// teacher.
var state struct {
	highWater uint64 // no address at or above this value has ever been reserved
	lowAddr   uint64 // first address ever reserved, 0 until set once
}

// HighWater returns the current process-wide high-water mark.
func HighWater() uintptr { return uintptr(atomic.LoadUint64(&state.highWater)) }

// LowAddr returns the lowest address ever reserved, or 0 if nothing has
// been reserved yet.
func LowAddr() uintptr { return uintptr(atomic.LoadUint64(&state.lowAddr)) }

func bumpHighWater(end uint64) {
	end += guardGap
	for {
		cur := atomic.LoadUint64(&state.highWater)
		if end <= cur {
			return
		}
		if atomic.CompareAndSwapUint64(&state.highWater, cur, end) {
			return
		}
	}
}

func recordLowAddr(base uint64) {
	for {
		cur := atomic.LoadUint64(&state.lowAddr)
		if cur != 0 && cur <= base {
			return
		}
		if atomic.CompareAndSwapUint64(&state.lowAddr, cur, base) {
			return
		}
	}
}

// maxReserveRetries bounds the collision-retry loop in Reserve. A
// collision means some unrelated mapping (not tracked by hushvac) already
// occupies the address the high-water mark names; this is rare once the
// watermark is past the process's initial mappings, but must not loop
// forever.
const maxReserveRetries = 64

// Reserve maps a fresh, read-write anonymous region of size bytes at an
// address no lower than the process-wide high-water mark, per spec.md
// §4.A ("reserves size bytes of read/write anonymous memory at an
// address no lower than a process-wide poolHighWater, fails-and-retries
// on collision, and atomically bumps poolHighWater past the new
// reservation"). This is the mechanism that actually gives hushvac its
// name: by always requesting a specific, ever-increasing address with
// MAP_FIXED_NOREPLACE rather than letting the kernel place the mapping,
// an address already handed out (and later released) is never handed
// back by a subsequent plain Reserve — only ReserveAt, called solely
// from the sweeper-certified reuse path, may do that.
func Reserve(size uintptr) (uintptr, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmm: zero-size reservation")
	}

	// The very first reservation has no watermark to build on; let the
	// kernel place it to establish the process's heap region, then every
	// later call walks forward from there.
	if atomic.LoadUint64(&state.highWater) == 0 {
		b, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			return 0, fmt.Errorf("vmm: reserve %d bytes: %w", size, err)
		}
		base := uintptr(unsafe.Pointer(&b[0]))
		recordLowAddr(uint64(base))
		bumpHighWater(uint64(base) + uint64(size))
		return base, nil
	}

	for attempt := 0; attempt < maxReserveRetries; attempt++ {
		addr := uintptr(atomic.LoadUint64(&state.highWater))
		if err := reserveFixed(addr, size); err == nil {
			bumpHighWater(uint64(addr) + uint64(size))
			return addr, nil
		}
		// Collision with an unrelated mapping (or a racing reservation
		// that already advanced the watermark): push the watermark past
		// this address and retry at the new position.
		bumpHighWater(uint64(addr) + uint64(size))
	}
	return 0, fmt.Errorf("vmm: reserve %d bytes: exhausted %d collision retries", size, maxReserveRetries)
}

// reserveFixed is ReserveAt's syscall body, factored out so Reserve can
// reuse it for its own forward-walking collision retry without claiming
// (in the log/comment sense) that it is reusing a previously-freed
// address — it never is, since it only ever targets addresses at or
// past the current high-water mark.
func reserveFixed(addr, size uintptr) error {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED_NOREPLACE,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return fmt.Errorf("vmm: reserve-fixed %#x (%d bytes): %w", addr, size, errno)
	}
	if r1 != addr {
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, r1, size, 0)
		return fmt.Errorf("vmm: reserve-fixed %#x returned %#x instead", addr, r1)
	}
	recordLowAddr(uint64(addr))
	return nil
}

// ReserveAt re-maps the exact address range [addr, addr+size), and is the
// only call in the package allowed to hand out an address that was
// previously in use. Callers must only invoke this once the sweeper has
// certified the range unreferenced and it has been fully Released.
func ReserveAt(addr, size uintptr) error {
	r1, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED,
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return fmt.Errorf("vmm: reserve-at %#x (%d bytes): %w", addr, size, errno)
	}
	if r1 != addr {
		// Should be impossible with MAP_FIXED, but never silently accept
		// a different address: that would be a silent reuse violation.
		_, _, _ = unix.Syscall(unix.SYS_MUNMAP, r1, size, 0)
		return fmt.Errorf("vmm: reserve-at %#x returned %#x instead", addr, r1)
	}
	bumpHighWater(uint64(addr) + uint64(size))
	return nil
}

// Decommit returns the physical pages backing [addr, addr+size) to the OS
// (MADV_DONTNEED) while leaving the address range reserved: no other
// mapping may claim those addresses, and any future access from stale
// pointers will fault or read fresh zero pages rather than live data.
func Decommit(addr, size uintptr) error {
	if err := unix.Madvise(bytesAt(addr, size), unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("vmm: decommit %#x (%d bytes): %w", addr, size, err)
	}
	return nil
}

// Release fully unmaps [addr, addr+size), returning the address range
// itself to the OS. This is the only way an address may later recur, and
// only via the explicit ReserveAt reuse path.
func Release(addr, size uintptr) error {
	if err := unix.Munmap(bytesAt(addr, size)); err != nil {
		return fmt.Errorf("vmm: release %#x (%d bytes): %w", addr, size, err)
	}
	return nil
}

// bytesAt builds a []byte view over raw memory without allocating, for
// passing to unix helpers that insist on a slice. It does not copy or own
// the memory.
func bytesAt(addr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
}
