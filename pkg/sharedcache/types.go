package sharedcache

import (
	"sync"
	"sync/atomic"

	mtypes "github.com/blacktop/go-macho/types"
)

// CacheFormat identifies which of the four on-disk layouts a dyld
// shared cache header describes. The layout determines where the
// image table lives, how many backing files make up the cache, and
// how sub-caches are discovered.
type CacheFormat int

const (
	FormatUnknown CacheFormat = iota
	FormatRegular
	FormatSplit
	FormatLarge
	FormatIOS16
)

func (f CacheFormat) String() string {
	switch f {
	case FormatRegular:
		return "regular"
	case FormatSplit:
		return "split"
	case FormatLarge:
		return "large"
	case FormatIOS16:
		return "ios16"
	default:
		return "unknown"
	}
}

// ViewState mirrors the controller's coarse progress through the load
// pipeline: no cache opened yet, caches mapped and images enumerated
// but no image materialized into the host, or at least one image's
// segments/symbols pushed into the host.
type ViewState int

const (
	Unloaded ViewState = iota
	Loaded
	LoadedWithImages
)

func (s ViewState) String() string {
	switch s {
	case Loaded:
		return "loaded"
	case LoadedWithImages:
		return "loaded-with-images"
	default:
		return "unloaded"
	}
}

// LoadProgress is a cooperative cancellation sentinel. Long-running
// loads advance it; callers may poll it instead of forcing an abort.
type LoadProgress int32

const (
	NotStarted LoadProgress = iota
	LoadingCaches
	LoadingImages
	Finished
)

// RegionClass classifies a MemoryRegion for host presentation and for
// the overlap-reconciliation pass run after the initial load.
type RegionClass int

const (
	NonImage RegionClass = iota
	ImageSegment
	StubIsland
	DyldData
)

func (c RegionClass) String() string {
	switch c {
	case ImageSegment:
		return "image-segment"
	case StubIsland:
		return "stub-island"
	case DyldData:
		return "dyld-data"
	default:
		return "non-image"
	}
}

// SegmentFlags is the protection/classification bitset passed to the
// HostView when a region is materialized.
type SegmentFlags uint32

const (
	SegmentReadable SegmentFlags = 1 << iota
	SegmentWritable
	SegmentExecutable
	SegmentDenyWrite
	SegmentDenyExecute
)

// SymbolKind distinguishes function vs. data symbols surfaced through
// the export trie and through LoadAllSymbolsAndWait.
type SymbolKind int

const (
	DataSymbol SymbolKind = iota
	FunctionSymbol
)

// Mapping is the in-memory form of dyld_cache_mapping_info: a single
// contiguous VA range backed by one file at a fixed file offset, with
// the protections dyld originally mapped it with.
type Mapping struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    mtypes.VmProtection
	InitProt   mtypes.VmProtection

	// SlideInfoFileOffset/Size are non-zero only for caches carrying
	// per-mapping slide info (dyld_cache_mapping_and_slide_info); zero
	// means this mapping has no chained-pointer fixups to apply. The
	// slide info version itself is read directly from the file at
	// SlideInfoFileOffset (see readSlideInfoHeader), not cached here.
	SlideInfoFileOffset uint64
	SlideInfoSize       uint64
}

// BackingCache is one file that contributes mappings to the overall
// cache: the main file for Regular caches, or one of N sub-cache files
// plus the main file for Split/Large/iOS16.
type BackingCache struct {
	Path      string
	IsPrimary bool
	Mappings  []Mapping

	// CodeSignatureRange records the code-signature blob location for
	// display purposes; the signature itself is never verified.
	CodeSignatureRange [2]uint64

	// ImagesCountOld/ImagesCount/ImagesTextOffset are copied from this
	// backing file's own header (not the primary cache's) by
	// attachMappings. A stub-island sub-cache carries no images of its
	// own, so all three are zero there -- the same signal the original
	// loader uses to tell a stub island apart from a dyld-data sub-cache.
	ImagesCountOld   uint32
	ImagesCount      uint32
	ImagesTextOffset uint64
}

// MemoryRegion is one named, flagged span of address space backed by
// a single BackingCache mapping (or a fragment thereof, after overlap
// reconciliation splits a non-image region around an image segment).
type MemoryRegion struct {
	PrettyName            string
	Start                 uint64
	Size                  uint64
	Loaded                bool
	RawViewOffsetIfLoaded uint64
	HeaderInitialized     bool
	Flags                 SegmentFlags
	Class                 RegionClass
}

// CacheImage is one dylib/framework/executable embedded in the cache:
// its install name, the VA of its Mach-O header, and the memory
// regions (segments) it claims.
type CacheImage struct {
	InstallName    string
	HeaderLocation uint64
	Regions        []MemoryRegion
	UUID           [16]byte `json:"uuid,omitempty"`
}

// EntryPoint is a (address, fromLC_MAIN) pair recorded while scanning
// load commands.
type EntryPoint struct {
	Address uint64
	FromMain bool
}

// MachOHeader is the parsed-but-not-yet-materialized load-command
// view of one cache image, keyed by its text segment's VA.
type MachOHeader struct {
	TextBase          uint64
	LoadCommandOffset uint64
	Ident             mtypes.HeaderFlag
	CPU               mtypes.CPU
	SubCPU            uint32
	FileType          mtypes.HeaderFileType
	NCmds             uint32
	SizeOfCmds        uint32

	IdentifierPrefix string
	InstallName      string

	EntryPoints []EntryPoint

	SymtabOffset    uint64
	SymtabSize      uint64
	SymtabPresent   bool
	StrtabOffset    uint64
	StrtabSize      uint64

	Dysymtab       mtypes.DysymtabCmd
	DysymPresent   bool

	DyldInfo        DyldInfo
	DyldInfoPresent bool

	FunctionStartsOffset uint64
	FunctionStartsSize   uint64
	FunctionStartsPresent bool

	ExportTrieOffset  uint64
	ExportTrieSize    uint64
	ExportTriePresent bool
	ExportTriePath    string

	ChainedFixupsOffset  uint64
	ChainedFixupsSize    uint64
	ChainedFixupsPresent bool

	RelocationBase uint64

	Segments          []SegmentCommand
	LinkeditSegment   SegmentCommand
	LinkeditPresent   bool
	Sections          []SectionHeader
	ModuleInitSections   []int
	SymbolStubSections   []int
	SymbolPointerSections []int

	Dylibs []string

	BuildVersion      mtypes.BuildVersionCmd
	BuildToolVersions []BuildToolVersion

	Relocatable bool
}

// SegmentCommand is a widened (always-64-bit) view of LC_SEGMENT or
// LC_SEGMENT_64.
type SegmentCommand struct {
	Name     string
	VMAddr   uint64
	VMSize   uint64
	FileOff  uint64
	FileSize uint64
	MaxProt  mtypes.VmProtection
	InitProt mtypes.VmProtection
	NSects   uint32
	Flags    uint32
}

// SectionHeader is a widened view of a Mach-O section_64.
type SectionHeader struct {
	SegName string
	SectName string
	Addr    uint64
	Size    uint64
	Offset  uint32
	Flags   uint32
}

// BuildToolVersion is one (tool, version) pair trailing a
// LC_BUILD_VERSION command; go-macho/types models only the command
// header, not the trailing array, so we keep our own small struct.
type BuildToolVersion struct {
	Tool    uint32
	Version mtypes.Version
}

// DyldInfo mirrors the offset/size table from LC_DYLD_INFO[_ONLY].
type DyldInfo struct {
	RebaseOff, RebaseSize     uint32
	BindOff, BindSize         uint32
	WeakBindOff, WeakBindSize uint32
	LazyBindOff, LazyBindSize uint32
	ExportOff, ExportSize     uint32
}

// ExportInfo is one resolved entry from an image's export trie.
type ExportInfo struct {
	Name    string
	Address uint64
	Kind    SymbolKind
}

// SymbolInfo pairs an install name with one of its exports, the shape
// LoadAllSymbolsAndWait returns.
type SymbolInfo struct {
	InstallName string
	Export      ExportInfo
}

// ObjCOptimizationHeader records the objc optimization data range from
// the cache header, read but never interpreted by this package.
type ObjCOptimizationHeader struct {
	Offset uint64
	Size   uint64
}

// TypeLibrary is an opaque handle a TypeLibraryResolver may return;
// this package never inspects it and does not pass it on to the
// HostView.
type TypeLibrary any

// Options configures a Controller's behavior. All fields are safe to
// leave at their zero value; see NewController for resulting defaults.
type Options struct {
	// AutoLoadLibSystem is carried in Options but not consulted:
	// PerformInitialLoad materializes no image, whatever its value.
	AutoLoadLibSystem bool

	// SkipFunctionStarts disables registering function-start addresses
	// with the host as analysis seeds when an image is loaded. Left
	// false (the default) function starts are always processed: they
	// only add analysis entry points, never mutate persisted state, so
	// there is no reason to default this off.
	SkipFunctionStarts bool

	// AllowLoadingLinkeditSegments, when false (the default), skips
	// mapping __LINKEDIT regions into the host on image load -- they
	// are large and rarely useful for static analysis.
	AllowLoadingLinkeditSegments bool

	// SkipObjC disables the ObjCProcessor hook entirely, even if one was
	// supplied to NewController.
	SkipObjC bool

	// MaxConcurrentMappedFiles bounds how many backing files may be
	// mmap'd at once. Zero selects a small default.
	MaxConcurrentMappedFiles int64

	// MappedFileLRUSize bounds how many mmap'd files are kept strongly
	// referenced (and therefore open) after their last lock is
	// released. Zero selects a small default.
	MappedFileLRUSize int
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrentMappedFiles <= 0 {
		o.MaxConcurrentMappedFiles = 32
	}
	if o.MappedFileLRUSize <= 0 {
		o.MappedFileLRUSize = 16
	}
	return o
}

// persistedState is the copy-on-write, JSON-serializable snapshot the
// controller mutates under WillMutateState and hands out read-only
// otherwise. It has no mutexes of its own -- ownership discipline is
// enforced by Controller, not by this type.
type persistedState struct {
	MetadataVersion int `json:"metadataVersion"`

	ViewStateValue ViewState               `json:"viewState"`
	BackingCaches  []BackingCache          `json:"backingCaches"`
	Images         []CacheImage            `json:"images"`
	Headers        map[uint64]MachOHeader  `json:"headers"`
	ImageStarts    map[string]uint64       `json:"imageStarts"`
	NonImageRegions []MemoryRegion         `json:"nonImageRegions"`
	Format          CacheFormat            `json:"format"`
	BaseAddress     uint64                 `json:"baseAddress"`
	ObjCOptimization ObjCOptimizationHeader `json:"objcOptimization"`

	ExportInfos map[uint64][]ExportInfo `json:"exportInfos,omitempty"`

	// LocalSymbols holds the best-effort stripped-symbol table parsed
	// from the cache's dyld_cache_local_symbols_info chunk, keyed by
	// image header VA. It is never populated from the export trie --
	// see ReadLocalSymbols -- and is persisted separately via gob
	// (SaveLocalSymbolCache/LoadLocalSymbolCache) rather than as part
	// of the JSON SaveState/LoadState snapshot, since it can be large
	// and is cheap to recompute from the cache file.
	LocalSymbols map[uint64][]ExportInfo `json:"-"`

	regionsMappedIntoMemory []string
}

func (s *persistedState) clone() *persistedState {
	if s == nil {
		return &persistedState{MetadataVersion: currentMetadataVersion, Headers: map[uint64]MachOHeader{}, ImageStarts: map[string]uint64{}}
	}
	n := *s
	n.BackingCaches = append([]BackingCache(nil), s.BackingCaches...)
	n.Images = append([]CacheImage(nil), s.Images...)
	n.NonImageRegions = append([]MemoryRegion(nil), s.NonImageRegions...)
	n.Headers = make(map[uint64]MachOHeader, len(s.Headers))
	for k, v := range s.Headers {
		n.Headers[k] = v
	}
	n.ImageStarts = make(map[string]uint64, len(s.ImageStarts))
	for k, v := range s.ImageStarts {
		n.ImageStarts[k] = v
	}
	if s.ExportInfos != nil {
		n.ExportInfos = make(map[uint64][]ExportInfo, len(s.ExportInfos))
		for k, v := range s.ExportInfos {
			n.ExportInfos[k] = append([]ExportInfo(nil), v...)
		}
	}
	if s.LocalSymbols != nil {
		n.LocalSymbols = make(map[uint64][]ExportInfo, len(s.LocalSymbols))
		for k, v := range s.LocalSymbols {
			n.LocalSymbols[k] = append([]ExportInfo(nil), v...)
		}
	}
	n.regionsMappedIntoMemory = append([]string(nil), s.regionsMappedIntoMemory...)
	return &n
}

// sharedStateHandle wraps *persistedState with the shared flag that makes
// WillMutateState's copy-on-write check meaningful: a handle shared
// between a live Controller and, say, a snapshot taken for another
// view session must be cloned before any field is touched.
type sharedStateHandle struct {
	mu     sync.Mutex
	state  *persistedState
	shared atomic.Bool
}
