package sharedcache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"unsafe"

	mtypes "github.com/blacktop/go-macho/types"
	"github.com/apex/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// rawCacheHeader is the on-disk dyld_cache_header, wide enough to
// drive format detection and every offset the scanner needs. Fields
// the loader never reads (patch tables, prebuilt loader sets, Swift
// optimizations, Rosetta regions) are kept as raw padding so the
// struct's size and layout still match the real header exactly.
type rawCacheHeader struct {
	Magic                     [16]byte
	MappingOffset             uint32
	MappingCount              uint32
	ImagesOffsetOld           uint32
	ImagesCountOld            uint32
	DyldBaseAddress           uint64
	CodeSignatureOffset       uint64
	CodeSignatureSize         uint64
	SlideInfoOffsetUnused     uint64
	SlideInfoSizeUnused       uint64
	LocalSymbolsOffset        uint64
	LocalSymbolsSize          uint64
	UUID                      [16]byte
	CacheType                 uint64
	BranchPoolsOffset         uint32
	BranchPoolsCount          uint32
	AccelerateInfoAddr        uint64
	AccelerateInfoSize        uint64
	ImagesTextOffset          uint64
	ImagesTextCount           uint64
	PatchInfoAddr             uint64
	PatchInfoSize             uint64
	OtherImageGroupAddr       uint64
	OtherImageGroupSize       uint64
	ProgClosuresAddr          uint64
	ProgClosuresSize          uint64
	ProgClosuresTrieAddr      uint64
	ProgClosuresTrieSize      uint64
	Platform                  uint32
	FormatVersion             uint32
	SharedRegionStart         uint64
	SharedRegionSize          uint64
	MaxSlide                  uint64
	DylibsImageArrayAddr      uint64
	DylibsImageArraySize      uint64
	DylibsTrieAddr            uint64
	DylibsTrieSize            uint64
	OtherImageArrayAddr       uint64
	OtherImageArraySize       uint64
	OtherTrieAddr             uint64
	OtherTrieSize             uint64
	MappingWithSlideOffset    uint32
	MappingWithSlideCount     uint32
	DylibsPblStateArrayUnused uint64
	DylibsPblSetAddr          uint64
	ProgramsPblSetPoolAddr    uint64
	ProgramsPblSetPoolSize    uint64
	ProgramTrieAddr           uint64
	ProgramTrieSize           uint32
	OsVersion                 uint32
	AltPlatform               uint32
	AltOsVersion              uint32
	SwiftOptsOffset           uint64
	SwiftOptsSize             uint64
	SubCacheArrayOffset       uint32
	SubCacheArrayCount        uint32
	SymbolFileUUID            [16]byte
	RosettaReadOnlyAddr       uint64
	RosettaReadOnlySize       uint64
	RosettaReadWriteAddr      uint64
	RosettaReadWriteSize      uint64
	ImagesOffset              uint32
	ImagesCount               uint32
	CacheSubType              uint32
	Padding2                  uint32
	ObjcOptsOffset            uint64
	ObjcOptsSize              uint64
	CacheAtlasOffset          uint64
	CacheAtlasSize            uint64
	DynamicDataOffset         uint64
	DynamicDataMaxSize        uint64
	TPROMappingOffset         uint32
	TPROMappingCount          uint32
}

type rawMappingInfo struct {
	Address    uint64
	Size       uint64
	FileOffset uint64
	MaxProt    uint32
	InitProt   uint32
}

type rawMappingAndSlideInfo struct {
	Address             uint64
	Size                uint64
	FileOffset          uint64
	SlideInfoFileOffset uint64
	SlideInfoFileSize   uint64
	Flags               uint64
	MaxProt              uint32
	InitProt             uint32
}

type rawImageInfo struct {
	Address        uint64
	ModTime        uint64
	INode          uint64
	PathFileOffset uint32
	Pad            uint32
}

type rawSubCacheEntry2 struct {
	UUID          [16]byte
	Address       uint64
	FileExtension [32]byte
}

type rawSubCacheEntry struct {
	UUID    [16]byte
	Address uint64
}

// ScanResult is everything the header scanner produces from the
// primary cache file: the detected format, one BackingCache per file
// (with its mappings), and the raw image-start table keyed by install
// name, ready for the controller to feed into a VM and a Mach-O parse
// pass.
type ScanResult struct {
	Format          CacheFormat
	BackingCaches   []BackingCache
	ImageStarts     map[string]uint64
	ObjCOptimization ObjCOptimizationHeader
	UUID            uuid.UUID

	// LocalSymbolsOffset/Size locate the primary header's
	// dyld_cache_local_symbols_info chunk, if any. Zero means the cache
	// carries no local (stripped) symbol table.
	LocalSymbolsOffset uint64
	LocalSymbolsSize   uint64
}

// ScanCache detects the cache format rooted at primaryPath and
// enumerates every backing file and image start it implies. It does
// no mmap'ing of its own -- only enough direct file reads to resolve
// headers -- leaving the mapped-file pool and VM construction to the
// controller.
func ScanCache(primaryPath string) (*ScanResult, error) {
	primary, err := readRawHeader(primaryPath)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(primary.Magic[:], []byte("dyld")) {
		return nil, errors.Wrapf(ErrUnknownFormat, "%s: magic %q", primaryPath, primary.Magic[:])
	}

	format := detectFormat(primary, primaryPath)

	result := &ScanResult{
		Format:      format,
		ImageStarts: map[string]uint64{},
		UUID:        uuid.UUID(primary.UUID),
	}
	if primary.ObjcOptsOffset != 0 && primary.ObjcOptsSize != 0 {
		result.ObjCOptimization = ObjCOptimizationHeader{Offset: primary.ObjcOptsOffset, Size: primary.ObjcOptsSize}
	}
	result.LocalSymbolsOffset = primary.LocalSymbolsOffset
	result.LocalSymbolsSize = primary.LocalSymbolsSize

	primaryBacking := BackingCache{
		Path:               primaryPath,
		IsPrimary:          true,
		CodeSignatureRange: [2]uint64{primary.CodeSignatureOffset, primary.CodeSignatureOffset + primary.CodeSignatureSize},
	}

	switch format {
	case FormatRegular:
		if err := scanRegular(primaryPath, primary, &primaryBacking, result); err != nil {
			return nil, err
		}
		result.BackingCaches = []BackingCache{primaryBacking}

	case FormatSplit:
		if err := scanModern(primaryPath, primary, &primaryBacking, result); err != nil {
			return nil, err
		}
		result.BackingCaches = append([]BackingCache{primaryBacking}, enumerateSplitSubCaches(primaryPath, primary)...)

	case FormatLarge, FormatIOS16:
		if err := scanModern(primaryPath, primary, &primaryBacking, result); err != nil {
			return nil, err
		}
		subs, err := enumerateSubCacheEntries2(primaryPath, primary)
		if err != nil {
			return nil, err
		}
		result.BackingCaches = append([]BackingCache{primaryBacking}, subs...)

	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "%s", primaryPath)
	}

	for i := range result.BackingCaches {
		bc := &result.BackingCaches[i]
		if err := attachMappings(bc); err != nil {
			log.WithField("file", bc.Path).Errorf("read mappings: %v", err)
		}
	}

	return result, nil
}

// detectFormat implements the same decision table as the original
// loader's PerformInitialLoad: imagesCountOld implies a tentative
// Regular cache; otherwise headerEnd vs. subCacheArrayOffset plus
// cacheType and the presence of a ".01" sibling distinguish the rest.
func detectFormat(h rawCacheHeader, primaryPath string) CacheFormat {
	if h.ImagesCountOld != 0 {
		return FormatRegular
	}
	headerEnd := h.MappingOffset
	subCacheOff := uint32(unsafe.Offsetof(rawCacheHeader{}.SubCacheArrayOffset))

	if headerEnd > subCacheOff {
		if h.CacheType != 2 {
			if _, err := os.Stat(primaryPath + ".01"); err == nil {
				return FormatLarge
			}
			return FormatSplit
		}
		return FormatIOS16
	}
	return FormatIOS16
}

func scanRegular(path string, h rawCacheHeader, bc *BackingCache, result *ScanResult) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open primary cache")
	}
	defer f.Close()

	if h.ImagesOffsetOld != 0 && h.ImagesCountOld != 0 {
		images, err := readImageInfos(f, h.ImagesOffsetOld, h.ImagesCountOld)
		if err != nil {
			return err
		}
		for _, img := range images {
			name, err := readNullTermString(f, img.PathFileOffset)
			if err != nil {
				log.Errorf("read install name at %#x: %v", img.PathFileOffset, err)
				continue
			}
			result.ImageStarts[name] = img.Address
		}
	}

	if h.BranchPoolsOffset != 0 && h.BranchPoolsCount != 0 {
		addrs, err := readUint64Array(f, h.BranchPoolsOffset, h.BranchPoolsCount)
		if err != nil {
			return err
		}
		for i, addr := range addrs {
			result.ImageStarts[fmt.Sprintf("dyld_shared_cache_branch_islands_%d", i)] = addr
		}
	}
	return nil
}

func scanModern(path string, h rawCacheHeader, bc *BackingCache, result *ScanResult) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrap(err, "open primary cache")
	}
	defer f.Close()

	if h.ImagesOffset != 0 && h.ImagesCount != 0 {
		images, err := readImageInfos(f, h.ImagesOffset, h.ImagesCount)
		if err != nil {
			return err
		}
		for _, img := range images {
			name, err := readNullTermString(f, img.PathFileOffset)
			if err != nil {
				log.Errorf("read install name at %#x: %v", img.PathFileOffset, err)
				continue
			}
			result.ImageStarts[name] = img.Address
		}
	}

	if h.BranchPoolsOffset != 0 && h.BranchPoolsCount != 0 {
		addrs, err := readUint64Array(f, h.BranchPoolsOffset, h.BranchPoolsCount)
		if err != nil {
			return err
		}
		for i, addr := range addrs {
			result.ImageStarts[fmt.Sprintf("dyld_shared_cache_branch_islands_%d", i)] = addr
		}
	}
	return nil
}

// enumerateSplitSubCaches builds the <path>.1..N (+ ".symbols")
// sibling set Split caches use; sub-cache headers aren't separately
// parsed for Split (there is no dyld_subcache_entry array), they're
// just additional mapping sources discovered by attachMappings.
func enumerateSplitSubCaches(primaryPath string, h rawCacheHeader) []BackingCache {
	var out []BackingCache
	for i := 1; ; i++ {
		p := fmt.Sprintf("%s.%d", primaryPath, i)
		if _, err := os.Stat(p); err != nil {
			break
		}
		out = append(out, BackingCache{Path: p})
	}
	if p := primaryPath + ".symbols"; fileExists(p) {
		out = append(out, BackingCache{Path: p})
	}
	return out
}

// enumerateSubCacheEntries2 reads the dyld_subcache_entry2 array for
// Large/iOS16 caches, reconstructing each sub-cache's path from its
// file extension (appended verbatim if it already starts with '.',
// prefixed with '.' otherwise), plus a trailing ".symbols" sibling.
func enumerateSubCacheEntries2(primaryPath string, h rawCacheHeader) ([]BackingCache, error) {
	if h.SubCacheArrayOffset == 0 || h.SubCacheArrayCount == 0 {
		return nil, nil
	}
	f, err := os.Open(primaryPath)
	if err != nil {
		return nil, errors.Wrap(err, "open primary cache")
	}
	defer f.Close()

	var out []BackingCache
	entrySize := binary.Size(rawSubCacheEntry2{})
	for i := uint32(0); i < h.SubCacheArrayCount; i++ {
		var e rawSubCacheEntry2
		off := int64(h.SubCacheArrayOffset) + int64(i)*int64(entrySize)
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return out, err
		}
		if err := binary.Read(f, binary.LittleEndian, &e); err != nil {
			return out, err
		}
		ext := strings.TrimRight(string(e.FileExtension[:]), "\x00")
		var p string
		if strings.HasPrefix(ext, ".") {
			p = primaryPath + ext
		} else {
			p = primaryPath + "." + ext
		}
		out = append(out, BackingCache{Path: p})
	}
	if p := primaryPath + ".symbols"; fileExists(p) {
		out = append(out, BackingCache{Path: p})
	}
	return out, nil
}

func fileExists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// attachMappings reads the mapping table (v2 mapping-and-slide form if
// present, else the plain form) for one backing cache's own header.
func attachMappings(bc *BackingCache) error {
	h, err := readRawHeader(bc.Path)
	if err != nil {
		return err
	}
	bc.ImagesCountOld = h.ImagesCountOld
	bc.ImagesCount = h.ImagesCount
	bc.ImagesTextOffset = h.ImagesTextOffset

	f, err := os.Open(bc.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	if h.MappingWithSlideOffset != 0 && h.MappingWithSlideCount != 0 {
		entrySize := binary.Size(rawMappingAndSlideInfo{})
		for i := uint32(0); i < h.MappingWithSlideCount; i++ {
			var m rawMappingAndSlideInfo
			off := int64(h.MappingWithSlideOffset) + int64(i)*int64(entrySize)
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				return err
			}
			if err := binary.Read(f, binary.LittleEndian, &m); err != nil {
				return err
			}
			bc.Mappings = append(bc.Mappings, Mapping{
				Address:             m.Address,
				Size:                m.Size,
				FileOffset:          m.FileOffset,
				MaxProt:             mtypes.VmProtection(m.MaxProt),
				InitProt:            mtypes.VmProtection(m.InitProt),
				SlideInfoFileOffset: m.SlideInfoFileOffset,
				SlideInfoSize:       m.SlideInfoFileSize,
			})
		}
		return nil
	}

	if h.MappingOffset != 0 && h.MappingCount != 0 {
		entrySize := binary.Size(rawMappingInfo{})
		for i := uint32(0); i < h.MappingCount; i++ {
			var m rawMappingInfo
			off := int64(h.MappingOffset) + int64(i)*int64(entrySize)
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				return err
			}
			if err := binary.Read(f, binary.LittleEndian, &m); err != nil {
				return err
			}
			bc.Mappings = append(bc.Mappings, Mapping{
				Address:    m.Address,
				Size:       m.Size,
				FileOffset: m.FileOffset,
				MaxProt:    mtypes.VmProtection(m.MaxProt),
				InitProt:   mtypes.VmProtection(m.InitProt),
			})
		}
	}
	return nil
}

func readRawHeader(path string) (rawCacheHeader, error) {
	var h rawCacheHeader
	f, err := os.Open(path)
	if err != nil {
		return h, errors.Wrapf(ErrFileMissing, "open %s: %v", path, err)
	}
	defer f.Close()
	if err := binary.Read(f, binary.LittleEndian, &h); err != nil {
		return h, errors.Wrapf(err, "read header %s", path)
	}
	return h, nil
}

func readImageInfos(f *os.File, offset uint32, count uint32) ([]rawImageInfo, error) {
	entrySize := binary.Size(rawImageInfo{})
	out := make([]rawImageInfo, 0, count)
	for i := uint32(0); i < count; i++ {
		var img rawImageInfo
		off := int64(offset) + int64(i)*int64(entrySize)
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return out, err
		}
		if err := binary.Read(f, binary.LittleEndian, &img); err != nil {
			return out, err
		}
		out = append(out, img)
	}
	return out, nil
}

func readUint64Array(f *os.File, offset uint32, count uint32) ([]uint64, error) {
	out := make([]uint64, count)
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.LittleEndian, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func readNullTermString(f *os.File, offset uint32) (string, error) {
	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	b := make([]byte, 1)
	for {
		if _, err := f.Read(b); err != nil {
			return "", err
		}
		if b[0] == 0 {
			break
		}
		buf.WriteByte(b[0])
	}
	return buf.String(), nil
}

// sortedInstallNames returns result's image starts sorted for
// deterministic iteration (map order is not), used by the controller
// when building the initial image list.
func (r *ScanResult) sortedInstallNames() []string {
	names := make([]string, 0, len(r.ImageStarts))
	for n := range r.ImageStarts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func backingCacheBasename(bc BackingCache) string {
	return filepath.Base(bc.Path)
}
