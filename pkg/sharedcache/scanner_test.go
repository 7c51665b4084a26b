package sharedcache

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"unsafe"
)

// buildRegularCacheFile lays out a minimal Regular-format dyld shared
// cache: a header with ImagesCountOld set, one plain mapping entry,
// one image-info entry, and the image's null-terminated install name.
func buildRegularCacheFile(t *testing.T) string {
	t.Helper()

	headerSize := binary.Size(rawCacheHeader{})
	mappingSize := binary.Size(rawMappingInfo{})
	imageInfoSize := binary.Size(rawImageInfo{})

	mappingOffset := uint32(headerSize)
	imagesOffset := mappingOffset + uint32(mappingSize)
	nameOffset := imagesOffset + uint32(imageInfoSize)

	var h rawCacheHeader
	copy(h.Magic[:], "dyld_v1  arm64e")
	h.MappingOffset = mappingOffset
	h.MappingCount = 1
	h.ImagesOffsetOld = imagesOffset
	h.ImagesCountOld = 1

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}

	mapping := rawMappingInfo{Address: 0x1000, Size: 0x1000, FileOffset: 0, MaxProt: 7, InitProt: 3}
	if err := binary.Write(&buf, binary.LittleEndian, &mapping); err != nil {
		t.Fatalf("write mapping: %v", err)
	}

	img := rawImageInfo{Address: 0x1000, PathFileOffset: nameOffset}
	if err := binary.Write(&buf, binary.LittleEndian, &img); err != nil {
		t.Fatalf("write image info: %v", err)
	}

	buf.WriteString("/usr/lib/libfoo.dylib")
	buf.WriteByte(0)

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestScanCacheRegularFormat(t *testing.T) {
	path := buildRegularCacheFile(t)

	result, err := ScanCache(path)
	if err != nil {
		t.Fatalf("ScanCache: %v", err)
	}
	if result.Format != FormatRegular {
		t.Errorf("Format = %v, want FormatRegular", result.Format)
	}
	if len(result.BackingCaches) != 1 {
		t.Fatalf("BackingCaches = %d, want 1", len(result.BackingCaches))
	}
	bc := result.BackingCaches[0]
	if !bc.IsPrimary {
		t.Error("primary backing cache should be marked IsPrimary")
	}
	if len(bc.Mappings) != 1 || bc.Mappings[0].Address != 0x1000 || bc.Mappings[0].Size != 0x1000 {
		t.Errorf("Mappings = %+v", bc.Mappings)
	}
	addr, ok := result.ImageStarts["/usr/lib/libfoo.dylib"]
	if !ok || addr != 0x1000 {
		t.Errorf("ImageStarts[libfoo] = %#x, ok=%v, want 0x1000, true", addr, ok)
	}
}

// TestDetectFormatComparesStructOffsetNotFieldValue guards the format
// decision table against comparing mappingOffset to the runtime value
// of SubCacheArrayOffset (which points deep into a real cache file)
// instead of that field's byte offset within the header struct.
// Regressing to the field value would make this case fall through to
// the iOS16 default instead of Split.
func TestDetectFormatComparesStructOffsetNotFieldValue(t *testing.T) {
	primaryPath := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	var h rawCacheHeader
	h.MappingOffset = uint32(unsafe.Offsetof(rawCacheHeader{}.SubCacheArrayOffset)) + 0x10
	h.SubCacheArrayOffset = 0x80000
	h.CacheType = 0
	if got := detectFormat(h, primaryPath); got != FormatSplit {
		t.Errorf("detectFormat = %v, want FormatSplit", got)
	}
}

func TestDetectFormatRegularTakesPriority(t *testing.T) {
	primaryPath := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	var h rawCacheHeader
	h.ImagesCountOld = 1
	h.MappingOffset = uint32(unsafe.Offsetof(rawCacheHeader{}.SubCacheArrayOffset)) + 0x10
	h.SubCacheArrayOffset = 0x80000
	if got := detectFormat(h, primaryPath); got != FormatRegular {
		t.Errorf("detectFormat = %v, want FormatRegular", got)
	}
}

func TestDetectFormatIOS16(t *testing.T) {
	primaryPath := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	var h rawCacheHeader
	h.MappingOffset = uint32(unsafe.Offsetof(rawCacheHeader{}.SubCacheArrayOffset)) + 0x10
	h.CacheType = 2
	if got := detectFormat(h, primaryPath); got != FormatIOS16 {
		t.Errorf("detectFormat = %v, want FormatIOS16", got)
	}
}

func TestDetectFormatLargeWhenDotZeroOneSiblingExists(t *testing.T) {
	primaryPath := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(primaryPath+".01", nil, 0o644); err != nil {
		t.Fatalf("WriteFile sibling: %v", err)
	}
	var h rawCacheHeader
	h.MappingOffset = uint32(unsafe.Offsetof(rawCacheHeader{}.SubCacheArrayOffset)) + 0x10
	h.CacheType = 0
	if got := detectFormat(h, primaryPath); got != FormatLarge {
		t.Errorf("detectFormat = %v, want FormatLarge", got)
	}
}

// writeZeroedHeaderFile writes a file just large enough to hold a
// zeroed rawCacheHeader -- enough for attachMappings/readRawHeader to
// succeed on a sub-cache with no mappings/images of its own.
func writeZeroedHeaderFile(t *testing.T, path string) {
	t.Helper()
	var h rawCacheHeader
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write zeroed header: %v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

// buildSplitCacheFile lays out a Split-format primary cache: no
// imagesCountOld, mappingOffset past subCacheArrayOffset's struct
// offset, cacheType 0, and no ".01" sibling -- plus one ".1" sibling
// sub-cache file, the naming convention Split uses.
func buildSplitCacheFile(t *testing.T) string {
	t.Helper()
	headerSize := binary.Size(rawCacheHeader{})

	var h rawCacheHeader
	copy(h.Magic[:], "dyld_v1  arm64e")
	h.MappingOffset = uint32(headerSize)
	h.MappingCount = 1
	h.CacheType = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	mapping := rawMappingInfo{Address: 0x1000, Size: 0x1000, FileOffset: 0, MaxProt: 7, InitProt: 3}
	if err := binary.Write(&buf, binary.LittleEndian, &mapping); err != nil {
		t.Fatalf("write mapping: %v", err)
	}

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	writeZeroedHeaderFile(t, path+".1")
	return path
}

func TestScanCacheSplitFormat(t *testing.T) {
	path := buildSplitCacheFile(t)

	result, err := ScanCache(path)
	if err != nil {
		t.Fatalf("ScanCache: %v", err)
	}
	if result.Format != FormatSplit {
		t.Errorf("Format = %v, want FormatSplit", result.Format)
	}
	if len(result.BackingCaches) != 2 {
		t.Fatalf("BackingCaches = %d, want 2 (primary + .1)", len(result.BackingCaches))
	}
	if !result.BackingCaches[0].IsPrimary {
		t.Error("first backing cache should be primary")
	}
	if filepath.Base(result.BackingCaches[1].Path) != filepath.Base(path)+".1" {
		t.Errorf("sub-cache path = %q", result.BackingCaches[1].Path)
	}
}

// buildSubCacheArrayCacheFile lays out a Large or iOS16-format primary
// cache (they share a layout: a dyld_subcache_entry2 array at
// subCacheArrayOffset) with cacheType distinguishing the two, plus one
// sub-cache file named by the entry's file extension.
func buildSubCacheArrayCacheFile(t *testing.T, cacheType uint64, ext string) string {
	t.Helper()
	headerSize := binary.Size(rawCacheHeader{})
	mappingSize := binary.Size(rawMappingInfo{})

	mappingOffset := uint32(headerSize)
	subCacheArrayOffset := mappingOffset + uint32(mappingSize)

	var h rawCacheHeader
	copy(h.Magic[:], "dyld_v1  arm64e")
	h.MappingOffset = mappingOffset
	h.MappingCount = 1
	h.CacheType = cacheType
	h.SubCacheArrayOffset = subCacheArrayOffset
	h.SubCacheArrayCount = 1

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	mapping := rawMappingInfo{Address: 0x1000, Size: 0x1000, FileOffset: 0, MaxProt: 7, InitProt: 3}
	if err := binary.Write(&buf, binary.LittleEndian, &mapping); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	var entry rawSubCacheEntry2
	copy(entry.FileExtension[:], ext)
	if err := binary.Write(&buf, binary.LittleEndian, &entry); err != nil {
		t.Fatalf("write sub-cache entry: %v", err)
	}

	path := filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	writeZeroedHeaderFile(t, path+"."+ext)
	return path
}

func TestScanCacheLargeFormat(t *testing.T) {
	path := buildSubCacheArrayCacheFile(t, 0, "01")

	result, err := ScanCache(path)
	if err != nil {
		t.Fatalf("ScanCache: %v", err)
	}
	if result.Format != FormatLarge {
		t.Errorf("Format = %v, want FormatLarge", result.Format)
	}
	if len(result.BackingCaches) != 2 {
		t.Fatalf("BackingCaches = %d, want 2 (primary + sub-cache)", len(result.BackingCaches))
	}
}

func TestScanCacheIOS16Format(t *testing.T) {
	path := buildSubCacheArrayCacheFile(t, 2, "20")

	result, err := ScanCache(path)
	if err != nil {
		t.Fatalf("ScanCache: %v", err)
	}
	if result.Format != FormatIOS16 {
		t.Errorf("Format = %v, want FormatIOS16", result.Format)
	}
	if len(result.BackingCaches) != 2 {
		t.Fatalf("BackingCaches = %d, want 2 (primary + sub-cache)", len(result.BackingCaches))
	}
}

func TestScanCacheRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "not_a_cache")
	if err := os.WriteFile(path, make([]byte, 512), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := ScanCache(path); err == nil {
		t.Fatal("expected error for file with no dyld magic")
	}
}

func TestSortedInstallNamesIsDeterministic(t *testing.T) {
	r := &ScanResult{ImageStarts: map[string]uint64{
		"/usr/lib/libc.dylib":    1,
		"/usr/lib/liba.dylib":    2,
		"/usr/lib/libsystem.dylib": 3,
	}}
	names := r.sortedInstallNames()
	want := []string{"/usr/lib/liba.dylib", "/usr/lib/libc.dylib", "/usr/lib/libsystem.dylib"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestBackingCacheBasename(t *testing.T) {
	bc := BackingCache{Path: "/var/db/dyld/dyld_shared_cache_arm64e.1"}
	if got := backingCacheBasename(bc); got != "dyld_shared_cache_arm64e.1" {
		t.Errorf("backingCacheBasename = %q", got)
	}
}
