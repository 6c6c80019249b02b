package sweep

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cssl-unist/hushvac/internal/layout"
)

func TestBitmapMarkAndRangeMarked(t *testing.T) {
	var b Bitmap
	low := uintptr(0x1000)
	high := low + 1024*uintptr(layout.MinAlignment)
	b.Reset(low, high)

	require.False(t, b.RangeMarked(low, low+uintptr(layout.MinAlignment)))

	target := low + 40*uintptr(layout.MinAlignment)
	b.Mark(target)
	require.True(t, b.RangeMarked(low, target+uintptr(layout.MinAlignment)))
	require.False(t, b.RangeMarked(low, target))
}

func TestBitmapMarkOutsideSpanIsIgnored(t *testing.T) {
	var b Bitmap
	b.Reset(0x1000, 0x2000)
	b.Mark(0x500) // below base
	b.Mark(0x5000) // above the span
	require.False(t, b.RangeMarked(0x1000, 0x2000))
}

func TestBitmapResetClearsPriorMarks(t *testing.T) {
	var b Bitmap
	low, high := uintptr(0x1000), uintptr(0x1000+1024*uintptr(layout.MinAlignment))
	b.Reset(low, high)
	b.Mark(low)
	require.True(t, b.RangeMarked(low, low+uintptr(layout.MinAlignment)))

	b.Reset(low, high)
	require.False(t, b.RangeMarked(low, low+uintptr(layout.MinAlignment)))
}
