package sharedcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// fakeHost is a minimal, recording HostView used to drive the
// controller end to end without a real analysis engine attached.
type fakeHost struct {
	segments []struct{ start, size, dataOffset, dataSize uint64 }
	writes   []struct {
		offset uint64
		data   []byte
	}
	autoSymbols     map[uint64]string
	importedSymbols map[uint64]string
	functions       []uint64
	metadata        map[string]string
	undosOpen       int
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		autoSymbols:     map[uint64]string{},
		importedSymbols: map[uint64]string{},
		metadata:        map[string]string{},
	}
}

func (f *fakeHost) AddSegment(start, size, dataOffset, dataSize uint64, flags SegmentFlags) error {
	f.segments = append(f.segments, struct{ start, size, dataOffset, dataSize uint64 }{start, size, dataOffset, dataSize})
	return nil
}
func (f *fakeHost) AddUserSegment(start, size, dataOffset, dataSize uint64, flags SegmentFlags) error {
	return f.AddSegment(start, size, dataOffset, dataSize, flags)
}
func (f *fakeHost) WriteBuffer(offset uint64, data []byte) (int, error) {
	cp := append([]byte(nil), data...)
	f.writes = append(f.writes, struct {
		offset uint64
		data   []byte
	}{offset, cp})
	return len(data), nil
}
func (f *fakeHost) DefineAutoSymbol(addr uint64, kind SymbolKind, name string) error {
	f.autoSymbols[addr] = name
	return nil
}
func (f *fakeHost) DefineImportedSymbol(addr uint64, kind SymbolKind, name string) error {
	f.importedSymbols[addr] = name
	return nil
}
func (f *fakeHost) AddFunctionForAnalysis(addr uint64) error {
	f.functions = append(f.functions, addr)
	return nil
}
func (f *fakeHost) BeginUndoActions() string { f.undosOpen++; return "undo" }
func (f *fakeHost) CommitUndoActions(undoID string) { f.undosOpen-- }
func (f *fakeHost) StoreMetadata(tag string, value string) error {
	f.metadata[tag] = value
	return nil
}
func (f *fakeHost) QueryMetadata(tag string) (string, bool) {
	v, ok := f.metadata[tag]
	return v, ok
}

// buildMachOImageAt lays out the same 64-bit Mach-O header and
// LC_SEGMENT_64 as buildMinimalMachOImage, without the LC_SYMTAB, and
// with the __TEXT segment (and its one section) based at textBase
// instead of a fixed address.
func buildMachOImageAt(textBase uint64) []byte {
	const (
		lcSegment64 = 0x19
	)
	buf := make([]byte, 184)

	binary.LittleEndian.PutUint32(buf[0:], machMagic64)
	binary.LittleEndian.PutUint32(buf[4:], 0x0100000c)
	binary.LittleEndian.PutUint32(buf[8:], 0)
	binary.LittleEndian.PutUint32(buf[12:], 6)
	binary.LittleEndian.PutUint32(buf[16:], 1) // ncmds
	binary.LittleEndian.PutUint32(buf[20:], 152)
	binary.LittleEndian.PutUint32(buf[24:], 0)
	binary.LittleEndian.PutUint32(buf[28:], 0)

	binary.LittleEndian.PutUint32(buf[32:], lcSegment64)
	binary.LittleEndian.PutUint32(buf[36:], 152)
	putFixedName(buf, 40, "__TEXT")
	binary.LittleEndian.PutUint64(buf[56:], textBase)
	binary.LittleEndian.PutUint64(buf[64:], 0x1000)
	binary.LittleEndian.PutUint64(buf[72:], 0)
	binary.LittleEndian.PutUint64(buf[80:], 0x1000)
	binary.LittleEndian.PutUint32(buf[88:], 5)
	binary.LittleEndian.PutUint32(buf[92:], 5)
	binary.LittleEndian.PutUint32(buf[96:], 1)
	binary.LittleEndian.PutUint32(buf[100:], 0)

	putFixedName(buf, 104, "__text")
	putFixedName(buf, 120, "__TEXT")
	binary.LittleEndian.PutUint64(buf[136:], textBase)
	binary.LittleEndian.PutUint64(buf[144:], 0x1000)
	binary.LittleEndian.PutUint32(buf[152:], 0)
	binary.LittleEndian.PutUint32(buf[156:], 0)
	binary.LittleEndian.PutUint32(buf[160:], 0)
	binary.LittleEndian.PutUint32(buf[164:], 0)
	binary.LittleEndian.PutUint32(buf[168:], 0x80000400)

	return buf
}

// buildEndToEndCacheFile assembles a complete, minimal Regular-format
// dyld shared cache: a header, one plain mapping covering 0x100000,
// one image-info entry naming that mapping's base as a Mach-O header,
// and the Mach-O bytes themselves sitting inside the mapping's backing
// file range.
func buildEndToEndCacheFile(t *testing.T) (path string, textBase uint64) {
	t.Helper()
	const (
		mappingAddr = 0x100000
		mappingFileOff = 0x2000
		mappingSize = 0x2000
	)

	headerSize := binary.Size(rawCacheHeader{})
	mappingEntrySize := binary.Size(rawMappingInfo{})
	imageInfoSize := binary.Size(rawImageInfo{})

	mappingOffset := uint32(headerSize)
	imagesOffset := mappingOffset + uint32(mappingEntrySize)
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
	mapping := rawMappingInfo{Address: mappingAddr, Size: mappingSize, FileOffset: mappingFileOff, MaxProt: 3, InitProt: 3}
	if err := binary.Write(&buf, binary.LittleEndian, &mapping); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	img := rawImageInfo{Address: mappingAddr, PathFileOffset: nameOffset}
	if err := binary.Write(&buf, binary.LittleEndian, &img); err != nil {
		t.Fatalf("write image info: %v", err)
	}
	buf.WriteString("/usr/lib/libfoo.dylib")
	buf.WriteByte(0)

	out := make([]byte, mappingFileOff+mappingSize)
	copy(out, buf.Bytes())
	copy(out[mappingFileOff:], buildMachOImageAt(mappingAddr))

	path = filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path, mappingAddr
}

// buildSplitCacheWithStubIsland assembles a Split-format cache: a
// primary file with one image-bearing mapping plus a ".1" sub-cache
// file whose single mapping carries none of its own images -- the
// header-field signature the original loader uses to recognize a
// stub island.
func buildSplitCacheWithStubIsland(t *testing.T) (path string, textBase, stubIslandBase uint64) {
	t.Helper()
	const (
		mappingAddr    = 0x100000
		mappingFileOff = 0x2000
		mappingSize    = 0x2000
		stubAddr       = 0x200000
		stubSize       = 0x4000
	)

	headerSize := binary.Size(rawCacheHeader{})
	mappingEntrySize := binary.Size(rawMappingInfo{})
	imageInfoSize := binary.Size(rawImageInfo{})

	mappingOffset := uint32(headerSize)
	imagesOffset := mappingOffset + uint32(mappingEntrySize)
	nameOffset := imagesOffset + uint32(imageInfoSize)

	var h rawCacheHeader
	copy(h.Magic[:], "dyld_v1  arm64e")
	h.MappingOffset = mappingOffset
	h.MappingCount = 1
	h.ImagesOffset = imagesOffset
	h.ImagesCount = 1
	h.CacheType = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &h); err != nil {
		t.Fatalf("write header: %v", err)
	}
	mapping := rawMappingInfo{Address: mappingAddr, Size: mappingSize, FileOffset: mappingFileOff, MaxProt: 3, InitProt: 3}
	if err := binary.Write(&buf, binary.LittleEndian, &mapping); err != nil {
		t.Fatalf("write mapping: %v", err)
	}
	img := rawImageInfo{Address: mappingAddr, PathFileOffset: nameOffset}
	if err := binary.Write(&buf, binary.LittleEndian, &img); err != nil {
		t.Fatalf("write image info: %v", err)
	}
	buf.WriteString("/usr/lib/libfoo.dylib")
	buf.WriteByte(0)

	out := make([]byte, mappingFileOff+mappingSize)
	copy(out, buf.Bytes())
	copy(out[mappingFileOff:], buildMachOImageAt(mappingAddr))

	path = filepath.Join(t.TempDir(), "dyld_shared_cache_arm64e")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	var sh rawCacheHeader
	copy(sh.Magic[:], "dyld_v1  arm64e")
	sh.MappingOffset = uint32(headerSize)
	sh.MappingCount = 1
	// ImagesCountOld/ImagesCount/ImagesTextOffset all stay zero: the
	// stub-island signature.

	var subBuf bytes.Buffer
	if err := binary.Write(&subBuf, binary.LittleEndian, &sh); err != nil {
		t.Fatalf("write sub-cache header: %v", err)
	}
	stubMapping := rawMappingInfo{Address: stubAddr, Size: stubSize, FileOffset: 0, MaxProt: 5, InitProt: 5}
	if err := binary.Write(&subBuf, binary.LittleEndian, &stubMapping); err != nil {
		t.Fatalf("write sub-cache mapping: %v", err)
	}
	subOut := make([]byte, stubSize)
	copy(subOut, subBuf.Bytes())
	if err := os.WriteFile(path+".1", subOut, 0o644); err != nil {
		t.Fatalf("WriteFile sub-cache: %v", err)
	}

	return path, mappingAddr, stubAddr
}

func TestControllerLoadSectionAtAddressLoadsStubIsland(t *testing.T) {
	path, _, stubIslandBase := buildSplitCacheWithStubIsland(t)
	host := newFakeHost()
	c := NewController(host, nil, nil, Options{})
	defer c.Close()

	if err := c.PerformInitialLoad(context.Background(), path); err != nil {
		t.Fatalf("PerformInitialLoad: %v", err)
	}

	name, ok := c.ImageNameForAddress(stubIslandBase)
	if !ok {
		t.Fatalf("ImageNameForAddress(%#x) = false, want a stub-island region name", stubIslandBase)
	}
	if !strings.Contains(name, "_stubs") {
		t.Errorf("ImageNameForAddress(%#x) = %q, want a name containing \"_stubs\"", stubIslandBase, name)
	}

	if len(host.segments) != 0 {
		t.Fatal("stub island should not be materialized on the host before LoadSectionAtAddress")
	}

	loaded, err := c.LoadSectionAtAddress(context.Background(), stubIslandBase)
	if err != nil {
		t.Fatalf("LoadSectionAtAddress: %v", err)
	}
	if !loaded {
		t.Fatal("expected LoadSectionAtAddress to report newly-loaded region")
	}
	if len(host.segments) != 1 || host.segments[0].start != stubIslandBase {
		t.Errorf("segments = %+v", host.segments)
	}

	// Loading the same region again should report nothing new to load.
	loaded, err = c.LoadSectionAtAddress(context.Background(), stubIslandBase)
	if err != nil {
		t.Fatalf("second LoadSectionAtAddress: %v", err)
	}
	if loaded {
		t.Error("expected second LoadSectionAtAddress to report no newly-loaded region")
	}
}

func TestControllerPerformInitialLoad(t *testing.T) {
	path, textBase := buildEndToEndCacheFile(t)
	host := newFakeHost()
	c := NewController(host, nil, nil, Options{})
	defer c.Close()

	if err := c.PerformInitialLoad(context.Background(), path); err != nil {
		t.Fatalf("PerformInitialLoad: %v", err)
	}
	if c.ViewState() != Loaded {
		t.Errorf("ViewState() = %v, want Loaded", c.ViewState())
	}
	if c.GetLoadProgress() != Finished {
		t.Errorf("GetLoadProgress() = %v, want Finished", c.GetLoadProgress())
	}

	images := c.GetImages()
	if len(images) != 1 {
		t.Fatalf("GetImages() = %d, want 1", len(images))
	}
	if images[0].InstallName != "/usr/lib/libfoo.dylib" {
		t.Errorf("InstallName = %q", images[0].InstallName)
	}
	if images[0].HeaderLocation != textBase {
		t.Errorf("HeaderLocation = %#x, want %#x", images[0].HeaderLocation, textBase)
	}
	if len(images[0].Regions) != 1 {
		t.Fatalf("Regions = %d, want 1", len(images[0].Regions))
	}
	if !c.IsMemoryMapped(textBase) {
		t.Error("expected text base to be mapped")
	}

	name, ok := c.ImageNameForAddress(textBase)
	if !ok || name != "/usr/lib/libfoo.dylib" {
		t.Errorf("ImageNameForAddress(%#x) = %q, %v", textBase, name, ok)
	}
}

func TestControllerLoadImageWithInstallName(t *testing.T) {
	path, textBase := buildEndToEndCacheFile(t)
	host := newFakeHost()
	c := NewController(host, nil, nil, Options{})
	defer c.Close()

	if err := c.PerformInitialLoad(context.Background(), path); err != nil {
		t.Fatalf("PerformInitialLoad: %v", err)
	}

	loaded, err := c.LoadImageWithInstallName(context.Background(), "/usr/lib/libfoo.dylib")
	if err != nil {
		t.Fatalf("LoadImageWithInstallName: %v", err)
	}
	if !loaded {
		t.Fatal("expected LoadImageWithInstallName to report newly-loaded regions")
	}
	if len(host.segments) != 1 {
		t.Fatalf("AddSegment calls = %d, want 1", len(host.segments))
	}
	if host.segments[0].start != textBase || host.segments[0].size != 0x1000 {
		t.Errorf("segment = %+v", host.segments[0])
	}
	if len(host.writes) != 1 || host.writes[0].offset != textBase {
		t.Fatalf("writes = %+v", host.writes)
	}
	if len(host.writes[0].data) != 0x1000 {
		t.Errorf("written data len = %d, want 0x1000", len(host.writes[0].data))
	}
	if host.undosOpen != 0 {
		t.Errorf("undosOpen = %d, want 0 (every begin must be committed)", host.undosOpen)
	}

	// Loading the same image again should report nothing new to load.
	loaded, err = c.LoadImageWithInstallName(context.Background(), "/usr/lib/libfoo.dylib")
	if err != nil {
		t.Fatalf("second LoadImageWithInstallName: %v", err)
	}
	if loaded {
		t.Error("expected second load to report no newly-loaded regions")
	}
}

func TestControllerLoadImageWithInstallNameUnknownImage(t *testing.T) {
	path, _ := buildEndToEndCacheFile(t)
	host := newFakeHost()
	c := NewController(host, nil, nil, Options{})
	defer c.Close()

	if err := c.PerformInitialLoad(context.Background(), path); err != nil {
		t.Fatalf("PerformInitialLoad: %v", err)
	}
	if _, err := c.LoadImageWithInstallName(context.Background(), "/no/such/image"); err == nil {
		t.Fatal("expected error for unknown install name")
	}
}

func TestControllerLoadAllSymbolsAndWaitEmpty(t *testing.T) {
	path, _ := buildEndToEndCacheFile(t)
	host := newFakeHost()
	c := NewController(host, nil, nil, Options{})
	defer c.Close()

	if err := c.PerformInitialLoad(context.Background(), path); err != nil {
		t.Fatalf("PerformInitialLoad: %v", err)
	}
	syms, err := c.LoadAllSymbolsAndWait(context.Background())
	if err != nil {
		t.Fatalf("LoadAllSymbolsAndWait: %v", err)
	}
	if len(syms) != 0 {
		t.Errorf("syms = %v, want none (no export trie in this fixture)", syms)
	}
}
