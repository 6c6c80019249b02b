//go:build linux

// Package osquery provides the per-page status query and process
// memory-map walker that spec.md §1 names as external collaborators the
// core consumes rather than a component the core itself builds. hushvac
// still has to provide *something* here to be a runnable, testable
// module, so this package is that thin OS-facing shim, kept deliberately
// separate from the ten lettered components (A–J) it feeds.
//
// Linux-only: reads /proc/self/pagemap for present/soft-dirty bits and
// /proc/self/maps for the memory map, and writes /proc/self/clear_refs to
// reset soft-dirty at the start of each concurrent sweep phase.
package osquery

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/cssl-unist/hushvac/internal/layout"
)

const (
	pagemapEntrySize = 8
	pmPresentBit     = uint64(1) << 63
	pmSoftDirtyBit   = uint64(1) << 55
)

// PageStatus reports whether the page containing addr is resident
// (present) and, if so, whether it has been written since the last
// ClearSoftDirty call (soft-dirty). A pagemap read failure is reported to
// the caller, not swallowed here — the sweeper is responsible for
// treating that as "skip this cycle" per spec.md §7.
func PageStatus(addr uintptr) (present, softDirty bool, err error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return false, false, fmt.Errorf("osquery: open pagemap: %w", err)
	}
	defer f.Close()

	pageIdx := addr / layout.PageSize
	buf := make([]byte, pagemapEntrySize)
	if _, err := f.ReadAt(buf, int64(pageIdx*pagemapEntrySize)); err != nil {
		return false, false, fmt.Errorf("osquery: read pagemap entry for %#x: %w", addr, err)
	}
	entry := uint64(0)
	for i := 7; i >= 0; i-- {
		entry = entry<<8 | uint64(buf[i])
	}
	present = entry&pmPresentBit != 0
	softDirty = entry&pmSoftDirtyBit != 0
	return present, softDirty, nil
}

// ClearSoftDirty resets the soft-dirty bit for every page in the process,
// per spec.md §4.I: "Soft-dirty is cleared at the start of each concurrent
// phase and reset by the OS when a page is next written."
func ClearSoftDirty() error {
	f, err := os.OpenFile("/proc/self/clear_refs", os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("osquery: open clear_refs: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString("4\n"); err != nil {
		return fmt.Errorf("osquery: write clear_refs: %w", err)
	}
	return nil
}

// Region is one mapping from the process memory map, of any permissions.
type Region struct {
	Start, End       uintptr
	Readable, Writable, Executable bool
	Private          bool // copy-on-write / private, as opposed to shared
	Anonymous        bool // path field was empty or a bracketed pseudo-path other than [heap], like [stack]
	Path             string
}

// MemoryMap parses /proc/self/maps into a list of regions, in address
// order, for the sweeper's root enumeration (spec.md §4.I "Roots").
func MemoryMap() ([]Region, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("osquery: open maps: %w", err)
	}
	defer f.Close()

	var regions []Region
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		r, ok, perr := parseMapsLine(sc.Text())
		if perr != nil {
			return nil, perr
		}
		if ok {
			regions = append(regions, r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("osquery: scan maps: %w", err)
	}
	return regions, nil
}

// parseMapsLine parses one /proc/self/maps line of the form:
//
//	7f2c1a400000-7f2c1a421000 rw-p 00000000 00:00 0     [heap]
func parseMapsLine(line string) (Region, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return Region{}, false, nil
	}
	addrs := strings.SplitN(fields[0], "-", 2)
	if len(addrs) != 2 {
		return Region{}, false, nil
	}
	start, err := strconv.ParseUint(addrs[0], 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("osquery: parse start addr %q: %w", addrs[0], err)
	}
	end, err := strconv.ParseUint(addrs[1], 16, 64)
	if err != nil {
		return Region{}, false, fmt.Errorf("osquery: parse end addr %q: %w", addrs[1], err)
	}
	perms := fields[1]
	path := ""
	if len(fields) >= 6 {
		path = strings.Join(fields[5:], " ")
	}
	r := Region{
		Start:      uintptr(start),
		End:        uintptr(end),
		Readable:   strings.Contains(perms, "r"),
		Writable:   strings.Contains(perms, "w"),
		Executable: strings.Contains(perms, "x"),
		Private:    strings.Contains(perms, "p"),
		Path:       path,
		Anonymous:  path == "" || strings.HasPrefix(path, "[") && path != "[heap]",
	}
	return r, true, nil
}
