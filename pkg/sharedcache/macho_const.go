package sharedcache

import mtypes "github.com/blacktop/go-macho/types"

// A handful of Mach-O ABI constants that github.com/blacktop/go-macho/types
// does not currently expose (section attribute bits and the big-endian
// magic pairs). These are straight transcriptions of
// <mach-o/loader.h>, not anything specific to this
// package's domain -- see DESIGN.md for why they're declared locally
// instead of imported.
const (
	machMagic32     uint32 = 0xfeedface
	machMagic64     uint32 = 0xfeedfacf
	machCigam32     uint32 = 0xcefaedfe
	machCigam64     uint32 = 0xcffaedfe
)

// Section type/attribute bits (mach-o/loader.h S_* constants).
const (
	sectionTypeMask uint32 = 0x000000ff

	sAttrPureInstructions  uint32 = 0x80000000
	sAttrSomeInstructions  uint32 = 0x00000400
	sAttrSelfModifyingCode uint32 = 0x04000000

	sNonLazySymbolPointers uint32 = 6
	sLazySymbolPointers    uint32 = 7
	sSymbolStubs           uint32 = 8
)

func sectionIsSymbolStubs(flags uint32) bool {
	return flags&sectionTypeMask == sSymbolStubs
}

func sectionIsSymbolPointers(flags uint32) bool {
	t := flags & sectionTypeMask
	return t == sNonLazySymbolPointers || t == sLazySymbolPointers
}

func segmentFlagsFromProtections(init, max mtypes.VmProtection) SegmentFlags {
	var f SegmentFlags
	if init.Read() {
		f |= SegmentReadable
	}
	if init.Write() {
		f |= SegmentWritable
	}
	if init.Execute() {
		f |= SegmentExecutable
	}
	if !init.Write() && !max.Write() {
		f |= SegmentDenyWrite
	}
	if !init.Execute() && !max.Execute() {
		f |= SegmentDenyExecute
	}
	return f
}
