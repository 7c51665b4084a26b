package sharedcache

// HostView is the seam between this package and whatever analysis
// engine embeds it. The controller drives it to materialize segments,
// register symbols, and bracket undo groups; this package never
// assumes anything about what's on the other side beyond this
// interface.
type HostView interface {
	AddSegment(start, size, dataOffset, dataSize uint64, flags SegmentFlags) error
	AddUserSegment(start, size, dataOffset, dataSize uint64, flags SegmentFlags) error
	WriteBuffer(offset uint64, data []byte) (int, error)
	DefineAutoSymbol(addr uint64, kind SymbolKind, name string) error
	DefineImportedSymbol(addr uint64, kind SymbolKind, name string) error
	AddFunctionForAnalysis(addr uint64) error
	BeginUndoActions() (undoID string)
	CommitUndoActions(undoID string)
	StoreMetadata(tag string, value string) error
	QueryMetadata(tag string) (string, bool)
}

// SymbolQuerier is an optional HostView extension. A host that already
// tracks its own symbol table can implement it so
// FindSymbolAtAddrAndApplyToAddr consults the host's existing symbol
// at an address before falling back to the owning image's export
// trie, the same "host, then export trie" order the original loader
// uses. Hosts that don't implement it simply always fall back.
type SymbolQuerier interface {
	SymbolAtAddress(addr uint64) (name string, kind SymbolKind, ok bool)
}

// TypeLibraryResolver supplies a type library for an image's install
// name, if the embedder has one loaded. Optional: the controller only
// logs when a library is found (on image load and on symbol copy) and
// applies no types from it; a nil resolver skips those lookups.
type TypeLibraryResolver interface {
	TypeLibraryForImage(installName string) (TypeLibrary, bool)
}

// ObjCProcessor is the black-box ObjC metadata post-processor referred
// to throughout the controller's loading operations. It is never
// implemented by this package -- only invoked, optionally, after an
// image's segments have been materialized.
type ObjCProcessor interface {
	ProcessImage(installName string, vm *VM, processCFStrings, processObjC bool) error
}
