package hushvac

import "fmt"

// Sentinel errors for hushvac's recoverable error kinds (spec.md §7).
// Checked with errors.Is, never compared by value.
var (
	// ErrOutOfAddressSpace is returned when alloc_highwater failed after
	// retrying: no more virtual address space could be reserved.
	ErrOutOfAddressSpace = fmt.Errorf("hushvac: out of address space")

	// ErrInvalidArgument covers a non-power-of-two alignment, an
	// overflowing size, or an unsupported alignment request for a
	// jumbo allocation.
	ErrInvalidArgument = fmt.Errorf("hushvac: invalid argument")

	// ErrArenaLimit is returned by ArenaCreate once every arena slot is
	// occupied.
	ErrArenaLimit = fmt.Errorf("hushvac: arena limit reached")
)

// FatalKind names one of hushvac's two unrecoverable error kinds.
type FatalKind int

const (
	// BadPointer: a pointer passed to Free/Realloc was not found in the
	// radix tree, or was found but fails the owning pool's liveness
	// check. Spec.md §7 mandates abort: a silent return here would
	// make the address-non-reuse invariant unenforceable.
	BadPointer FatalKind = iota
	// MetadataExhaustion: the internal metadata arena could not grow.
	MetadataExhaustion
)

func (k FatalKind) String() string {
	switch k {
	case BadPointer:
		return "BadPointer"
	case MetadataExhaustion:
		return "MetadataExhaustion"
	default:
		return "unknown"
	}
}

// FatalError is hushvac's unrecoverable-abort type, mirroring the
// runtime's throw(): constructed, logged, then always panicked with —
// never returned as an ordinary error for a caller to inspect and
// ignore.
type FatalError struct {
	Kind   FatalKind
	Detail string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("hushvac: fatal: %s: %s", e.Kind, e.Detail)
}

// fatal logs e at Error level (if logging is enabled) then panics with
// it. Every call site funnels through here so the log-then-panic
// ordering can never be forgotten at one call site.
func (h *Heap) fatal(kind FatalKind, detail string) {
	err := &FatalError{Kind: kind, Detail: detail}
	h.logger.Error(err.Error())
	panic(err)
}
