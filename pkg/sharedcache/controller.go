package sharedcache

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// Controller is the state machine described by ViewState: it owns the
// mapped-file pool, the reconstructed VM, and the persisted,
// copy-on-write metadata every load operation reads and mutates. One
// Controller corresponds to one loaded shared cache.
type Controller struct {
	opts Options
	host HostView
	tlr  TypeLibraryResolver
	objc ObjCProcessor

	pool *Pool
	vm   *VM

	// mu guards every operation that can influence persisted metadata,
	// mirroring the original loader's single
	// "operations that influence metadata" mutex: initial load and
	// image load never run concurrently with each other.
	mu sync.Mutex

	handle *sharedStateHandle

	progress atomic.Int32
}

// NewController constructs a Controller for host (required). tlr and
// objc may be nil; omitting them simply skips type-library attachment
// and ObjC post-processing during image loads.
func NewController(host HostView, tlr TypeLibraryResolver, objc ObjCProcessor, opts Options) *Controller {
	opts = opts.withDefaults()
	pool := NewPool(opts)
	return &Controller{
		opts:   opts,
		host:   host,
		tlr:    tlr,
		objc:   objc,
		pool:   pool,
		vm:     NewVM(pool),
		handle: &sharedStateHandle{state: (*persistedState)(nil).clone()},
	}
}

// state returns the controller's current persisted snapshot without
// cloning; callers must not mutate it. Marks the handle shared so the
// next WillMutateState call clones before writing.
func (c *Controller) state() *persistedState {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	c.handle.shared.Store(true)
	return c.handle.state
}

// willMutateState returns a private (unshared) *persistedState safe to
// modify in place, cloning the current snapshot first if another
// reader might still be holding it. Every controller method that
// writes to persisted metadata must go through this.
func (c *Controller) willMutateState() *persistedState {
	c.handle.mu.Lock()
	defer c.handle.mu.Unlock()
	if c.handle.shared.Load() {
		c.handle.state = c.handle.state.clone()
		c.handle.shared.Store(false)
	}
	return c.handle.state
}

// assertMutable panics when st is nil. It does not check whether st is
// still shared; shared snapshots are kept safe by willMutateState
// cloning before any write. No controller method calls it at present.
func (c *Controller) assertMutable(st *persistedState) {
	if st == nil {
		mutateWithoutOwnershipPanic("assertMutable called with nil state")
	}
}

// ViewState reports the controller's coarse load progress.
func (c *Controller) ViewState() ViewState {
	return c.state().ViewStateValue
}

// GetLoadProgress reports the cooperative cancellation sentinel.
func (c *Controller) GetLoadProgress() LoadProgress {
	return LoadProgress(c.progress.Load())
}

// FastGetBackingCacheCount returns the number of backing files without
// re-scanning: it simply reports len(BackingCaches) once an initial
// load has populated it. That is 1 for Regular; the primary plus each
// .1..N sibling for Split; the primary plus one file per sub-cache
// entry for Large/iOS16; plus the .symbols file when one is present
// for the non-Regular formats.
func (c *Controller) FastGetBackingCacheCount() int {
	return len(c.state().BackingCaches)
}

func (c *Controller) BackingCaches() []BackingCache { return c.state().BackingCaches }
func (c *Controller) GetImages() []CacheImage       { return c.state().Images }
func (c *Controller) GetAvailableImages() []string {
	st := c.state()
	names := make([]string, 0, len(st.Images))
	for _, img := range st.Images {
		names = append(names, img.InstallName)
	}
	return names
}

func (c *Controller) GetMappedRegions() []MemoryRegion {
	st := c.state()
	var out []MemoryRegion
	for _, img := range st.Images {
		out = append(out, img.Regions...)
	}
	out = append(out, st.NonImageRegions...)
	return out
}

func (c *Controller) IsMemoryMapped(address uint64) bool {
	return c.vm.AddressIsMapped(address)
}

func (c *Controller) GetVMMap() *VM { return c.vm }

func (c *Controller) GetObjCOptimizationHeader() ObjCOptimizationHeader {
	return c.state().ObjCOptimization
}

func (c *Controller) AllImageStarts() map[string]uint64 {
	st := c.state()
	out := make(map[string]uint64, len(st.ImageStarts))
	for k, v := range st.ImageStarts {
		out[k] = v
	}
	return out
}

func (c *Controller) AllImageHeaders() map[uint64]MachOHeader {
	st := c.state()
	out := make(map[uint64]MachOHeader, len(st.Headers))
	for k, v := range st.Headers {
		out[k] = v
	}
	return out
}

// HeaderForAddress returns the already-parsed MachOHeader for the
// image whose text segment starts at address.
func (c *Controller) HeaderForAddress(address uint64) (MachOHeader, bool) {
	st := c.state()
	h, ok := st.Headers[address]
	return h, ok
}

// GetImageStart resolves an install name to its Mach-O header VA.
func (c *Controller) GetImageStart(installName string) (uint64, bool) {
	st := c.state()
	addr, ok := st.ImageStarts[installName]
	return addr, ok
}

// PerformInitialLoad scans primaryPath, builds the VM from every
// backing cache's mappings, parses every image's load commands, and
// computes the non-image/dyld-data/stub-island region set -- the
// entire sequence the original loader calls once per view before any
// image is individually materialized. It does not touch the host:
// no segments or symbols are registered until LoadImageWithInstallName
// is called.
func (c *Controller) PerformInitialLoad(ctx context.Context, primaryPath string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.setProgress(LoadingCaches)
	defer c.setProgress(Finished)

	scan, err := ScanCache(primaryPath)
	if err != nil {
		return errors.Wrap(err, "scan cache")
	}

	for i := range scan.BackingCaches {
		bc := &scan.BackingCaches[i]
		handle := c.pool.Open(bc.Path)
		for _, m := range bc.Mappings {
			c.vm.MapPages(m.Address, m.Size, handle, m.FileOffset)
		}
	}

	base := minMappingAddress(scan.BackingCaches)
	for i := range scan.BackingCaches {
		bc := &scan.BackingCaches[i]
		if len(bc.Mappings) == 0 {
			continue
		}
		h, err := c.pool.Open(bc.Path).Lock(ctx)
		if err != nil {
			log.WithField("file", bc.Path).Errorf("lock for slide info: %v", err)
			continue
		}
		if err := ApplySlideInfoForFile(ctx, h, bc.Mappings, base); err != nil {
			log.WithField("file", bc.Path).Errorf("apply slide info: %v", err)
		}
		h.Close()
	}

	st := c.willMutateState()
	st.BackingCaches = scan.BackingCaches
	st.Format = scan.Format
	st.BaseAddress = base
	st.ObjCOptimization = scan.ObjCOptimization
	st.ImageStarts = scan.ImageStarts

	c.setProgress(LoadingImages)
	for _, name := range scan.sortedInstallNames() {
		addr := scan.ImageStarts[name]
		header, err := ParseMachOHeader(ctx, c.vm, addr)
		if err != nil {
			log.WithField("image", name).Errorf("parse header: %v", err)
			continue
		}
		header.InstallName = name
		header.IdentifierPrefix = installNameBasename(name)
		if header.LinkeditPresent && c.vm.AddressIsMapped(header.LinkeditSegment.VMAddr) {
			if path, _, err := c.vm.MappingAtAddress(header.LinkeditSegment.VMAddr); err == nil {
				if sh, err := path.Lock(ctx); err == nil {
					header.ExportTriePath = sh.Path()
					sh.Close()
				}
			}
		}
		st.Headers[addr] = *header

		img := CacheImage{InstallName: name, HeaderLocation: addr}
		for _, seg := range header.Segments {
			flags := segmentFlagsFromProtections(seg.InitProt, seg.MaxProt)
			for _, ep := range header.EntryPoints {
				if ep.Address >= seg.VMAddr && ep.Address < seg.VMAddr+seg.VMSize {
					flags |= SegmentExecutable
				}
			}
			img.Regions = append(img.Regions, MemoryRegion{
				PrettyName: fmt.Sprintf("%s::%s", header.IdentifierPrefix, seg.Name),
				Start:      seg.VMAddr,
				Size:       seg.VMSize,
				Flags:      flags,
				Class:      ImageSegment,
			})
		}
		st.Images = append(st.Images, img)
	}

	buildNonImageRegions(st, scan.BackingCaches)
	reconcileOverlaps(st)

	c.loadLocalSymbols(primaryPath, scan, st)

	st.ViewStateValue = Loaded
	return nil
}

// loadLocalSymbols parses the primary cache's local-symbols chunk, if
// any, and attaches each entry's symbols to the image whose header
// lives at the matching file offset within the primary backing cache.
// Best effort throughout: a missing chunk, a read error, or an image
// whose header lives in a sub-cache file all just leave st.LocalSymbols
// without an entry for that image, falling back to the export trie.
func (c *Controller) loadLocalSymbols(primaryPath string, scan *ScanResult, st *persistedState) {
	if scan.LocalSymbolsOffset == 0 || scan.LocalSymbolsSize == 0 {
		return
	}
	byDylibOffset, err := ReadLocalSymbols(primaryPath, scan.LocalSymbolsOffset, scan.LocalSymbolsSize, scan.Format)
	if err != nil {
		log.Errorf("read local symbols: %v", err)
		return
	}
	if len(byDylibOffset) == 0 {
		return
	}
	if st.LocalSymbols == nil {
		st.LocalSymbols = map[uint64][]ExportInfo{}
	}
	for _, img := range st.Images {
		handle, fileOff, err := c.vm.MappingAtAddress(img.HeaderLocation)
		if err != nil || handle.path != primaryPath {
			continue
		}
		if syms, ok := byDylibOffset[fileOff]; ok {
			st.LocalSymbols[img.HeaderLocation] = syms
		}
	}
}

func (c *Controller) setProgress(p LoadProgress) {
	c.progress.Store(int32(p))
}

// installNameBasename derives a header's identifier prefix from its
// install name the way the original loader does -- the basename of
// the dylib path, e.g. "/usr/lib/libfoo.dylib" -> "libfoo.dylib".
// Install names are always forward-slash paths regardless of host OS.
func installNameBasename(installName string) string {
	return path.Base(installName)
}

// minMappingAddress computes the true minimum mapping VA across every
// mapping of every backing cache -- the base used as value_add for
// v3/v5 slide info.
func minMappingAddress(caches []BackingCache) uint64 {
	var base uint64
	first := true
	for _, bc := range caches {
		for _, m := range bc.Mappings {
			if first || m.Address < base {
				base = m.Address
				first = false
			}
		}
	}
	return base
}

// buildNonImageRegions synthesizes one MemoryRegion per backing-cache
// mapping that isn't already covered by an image segment, applying
// the stub-island and dyld-data naming heuristics the original loader
// uses for sub-caches that carry no images of their own.
func buildNonImageRegions(st *persistedState, caches []BackingCache) {
	for _, bc := range caches {
		base := backingCacheBasename(bc)
		isStubIsland := len(bc.Mappings) == 1 &&
			bc.ImagesCountOld == 0 && bc.ImagesCount == 0 && bc.ImagesTextOffset == 0
		for i, m := range bc.Mappings {
			class := NonImage
			name := fmt.Sprintf("%s::%d", base, i)
			flags := segmentFlagsFromProtections(m.InitProt, m.MaxProt)
			switch {
			case isStubIsland:
				class = StubIsland
				name = base + "::_stubs"
				flags = SegmentReadable | SegmentExecutable
			case strings.Contains(base, ".dylddata"):
				class = DyldData
				name = fmt.Sprintf("%s::_data%d", base, i)
				flags = SegmentReadable
			}
			st.NonImageRegions = append(st.NonImageRegions, MemoryRegion{
				PrettyName: name,
				Start:      m.Address,
				Size:       m.Size,
				Flags:      flags,
				Class:      class,
			})
		}
	}
}

// reconcileOverlaps splits every non-image region around any image
// segment it overlaps, producing at most two fragments (before/after)
// per split -- the same reconciliation the original loader runs once
// after the image table is built, so region boundaries never overlap
// when later presented to the host.
func reconcileOverlaps(st *persistedState) {
	var segments []MemoryRegion
	for _, img := range st.Images {
		for _, r := range img.Regions {
			segments = append(segments, r)
		}
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })

	for _, seg := range segments {
		segEnd := seg.Start + seg.Size
		var next []MemoryRegion
		for _, r := range st.NonImageRegions {
			rEnd := r.Start + r.Size
			if rEnd <= seg.Start || r.Start >= segEnd {
				next = append(next, r)
				continue
			}
			if r.Start < seg.Start {
				next = append(next, MemoryRegion{
					PrettyName: r.PrettyName, Start: r.Start, Size: seg.Start - r.Start,
					Flags: r.Flags, Class: r.Class,
				})
			}
			if rEnd > segEnd {
				next = append(next, MemoryRegion{
					PrettyName: r.PrettyName, Start: segEnd, Size: rEnd - segEnd,
					Flags: r.Flags, Class: r.Class,
				})
			}
		}
		st.NonImageRegions = next
	}
}

// LoadImageWithInstallName materializes every not-yet-loaded region of
// the named image into the host: it locks each region's backing file,
// applies slide info (idempotently) if not already applied, reads the
// region's bytes, and pushes them into the host as a segment. It
// returns false without error if every region was already loaded.
func (c *Controller) LoadImageWithInstallName(ctx context.Context, installName string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.willMutateState()

	idx := -1
	for i, img := range st.Images {
		if img.InstallName == installName {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, errors.Wrapf(ErrImageNotFound, "%s", installName)
	}

	header, ok := st.Headers[st.Images[idx].HeaderLocation]
	if !ok {
		return false, errors.Wrapf(ErrImageNotFound, "no header for %s", installName)
	}

	undoID := c.host.BeginUndoActions()
	st.ViewStateValue = LoadedWithImages

	anyLoaded := false
	for i := range st.Images[idx].Regions {
		region := &st.Images[idx].Regions[i]
		if strings.Contains(region.PrettyName, "__LINKEDIT") && !c.opts.AllowLoadingLinkeditSegments {
			continue
		}
		if region.Loaded {
			continue
		}

		handle, fileOff, err := c.vm.MappingAtAddress(region.Start)
		if err != nil {
			log.WithField("region", region.PrettyName).Errorf("resolve mapping: %v", err)
			continue
		}
		sh, err := handle.Lock(ctx)
		if err != nil {
			log.WithField("region", region.PrettyName).Errorf("lock backing file: %v", err)
			continue
		}

		var mappings []Mapping
		for _, bc := range st.BackingCaches {
			if bc.Path == sh.Path() {
				mappings = bc.Mappings
				break
			}
		}
		if err := ApplySlideInfoForFile(ctx, sh, mappings, st.BaseAddress); err != nil {
			log.WithField("region", region.PrettyName).Errorf("apply slide info: %v", err)
		}

		data := sh.Bytes()
		if fileOff+region.Size <= uint64(len(data)) {
			buf := data[fileOff : fileOff+region.Size]
			if err := c.host.AddSegment(region.Start, region.Size, fileOff, region.Size, region.Flags); err != nil {
				log.WithField("region", region.PrettyName).Errorf("add segment: %v", err)
			} else if _, err := c.host.WriteBuffer(region.Start, buf); err != nil {
				log.WithField("region", region.PrettyName).Errorf("write buffer: %v", err)
			} else {
				region.Loaded = true
				region.RawViewOffsetIfLoaded = fileOff
				region.HeaderInitialized = true
				anyLoaded = true
				st.regionsMappedIntoMemory = append(st.regionsMappedIntoMemory, region.PrettyName)
			}
		}
		sh.Close()
	}

	if !anyLoaded {
		log.Warnf("LoadImageWithInstallName(%s): every region already loaded", installName)
		c.host.CommitUndoActions(undoID)
		return false, nil
	}

	if c.tlr != nil {
		if _, ok := c.tlr.TypeLibraryForImage(installName); ok {
			log.Debugf("type library available for %s", installName)
		}
	}

	if !c.opts.SkipObjC && c.objc != nil {
		if err := c.objc.ProcessImage(installName, c.vm, true, true); err != nil {
			log.WithField("image", installName).Errorf("objc processing: %v", err)
		}
	}

	if !c.opts.SkipFunctionStarts && header.FunctionStartsPresent {
		c.processFunctionStarts(ctx, header)
	}

	c.host.CommitUndoActions(undoID)
	return true, nil
}

func (c *Controller) processFunctionStarts(ctx context.Context, header MachOHeader) {
	data, err := c.vm.ReadBuffer(ctx, header.TextBase+header.FunctionStartsOffset, int(header.FunctionStartsSize))
	if err != nil {
		return
	}
	addr := header.TextBase
	off := 0
	for off < len(data) {
		delta, n := decodeULEB128Slice(data[off:])
		if n == 0 {
			break
		}
		off += n
		if delta == 0 {
			continue
		}
		addr += delta
		_ = c.host.AddFunctionForAnalysis(addr)
	}
}

func decodeULEB128Slice(b []byte) (uint64, int) {
	var result uint64
	var shift uint
	for i, c := range b {
		result |= uint64(c&0x7f) << shift
		if c&0x80 == 0 {
			return result, i + 1
		}
		shift += 7
	}
	return 0, 0
}

// LoadSectionAtAddress loads just the region covering address, if one
// exists and isn't already loaded. A stub-island, dyld-data, or plain
// non-image region has no owning image to delegate to, so those are
// loaded directly; everything else routes through
// LoadImageWithInstallName for the owning image.
func (c *Controller) LoadSectionAtAddress(ctx context.Context, address uint64) (bool, error) {
	if handled, loaded, err := c.loadNonImageRegionIfMatched(ctx, address); handled {
		return loaded, err
	}

	name, ok := c.ImageNameForAddress(address)
	if !ok {
		return false, errors.Wrapf(ErrImageNotFound, "address %#x", address)
	}
	return c.LoadImageWithInstallName(ctx, name)
}

// loadNonImageRegionIfMatched loads the stub-island, dyld-data, or
// plain non-image region covering address, if any. handled reports
// whether address fell inside such a region at all; when true,
// loaded/err are the operation's real result and the caller must not
// fall through to an image lookup.
func (c *Controller) loadNonImageRegionIfMatched(ctx context.Context, address uint64) (handled, loaded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.willMutateState()
	idx, ok := findNonImageRegionForAddress(st, address)
	if !ok {
		return false, false, nil
	}

	region := &st.NonImageRegions[idx]
	if region.Loaded {
		return true, false, nil
	}

	handle, fileOff, err := c.vm.MappingAtAddress(region.Start)
	if err != nil {
		return true, false, errors.Wrapf(err, "resolve mapping for %s", region.PrettyName)
	}
	sh, err := handle.Lock(ctx)
	if err != nil {
		return true, false, errors.Wrapf(err, "lock backing file for %s", region.PrettyName)
	}
	defer sh.Close()

	var mappings []Mapping
	for _, bc := range st.BackingCaches {
		if bc.Path == sh.Path() {
			mappings = bc.Mappings
			break
		}
	}
	if err := ApplySlideInfoForFile(ctx, sh, mappings, st.BaseAddress); err != nil {
		log.WithField("region", region.PrettyName).Errorf("apply slide info: %v", err)
	}

	data := sh.Bytes()
	if fileOff+region.Size > uint64(len(data)) {
		return true, false, errors.Wrapf(ErrReadOutOfRange, "%s", region.PrettyName)
	}
	buf := data[fileOff : fileOff+region.Size]

	undoID := c.host.BeginUndoActions()
	if err := c.host.AddSegment(region.Start, region.Size, fileOff, region.Size, region.Flags); err != nil {
		c.host.CommitUndoActions(undoID)
		return true, false, errors.Wrapf(err, "add segment for %s", region.PrettyName)
	}
	if _, err := c.host.WriteBuffer(region.Start, buf); err != nil {
		c.host.CommitUndoActions(undoID)
		return true, false, errors.Wrapf(err, "write buffer for %s", region.PrettyName)
	}
	region.Loaded = true
	region.RawViewOffsetIfLoaded = fileOff
	st.regionsMappedIntoMemory = append(st.regionsMappedIntoMemory, region.PrettyName)
	c.host.CommitUndoActions(undoID)
	return true, true, nil
}

// findNonImageRegionForAddress returns the index into
// st.NonImageRegions of the first region covering address, searching
// stub-island, then dyld-data, then plain non-image regions -- the
// priority NameForAddress and ImageNameForAddress both search before
// falling through to image segments.
func findNonImageRegionForAddress(st *persistedState, address uint64) (int, bool) {
	for _, class := range [...]RegionClass{StubIsland, DyldData, NonImage} {
		for i, r := range st.NonImageRegions {
			if r.Class == class && address >= r.Start && address < r.Start+r.Size {
				return i, true
			}
		}
	}
	return -1, false
}

// LoadImageContainingAddress is LoadSectionAtAddress's synonym at the
// API surface named in the controller-facing method list; both route
// through the same image lookup.
func (c *Controller) LoadImageContainingAddress(ctx context.Context, address uint64) (bool, error) {
	return c.LoadSectionAtAddress(ctx, address)
}

// NameForAddress resolves address to a name, searching in the same
// priority order as ImageNameForAddress: stub-island, dyld-data, and
// plain non-image regions (by region name), then images (by
// containing section, formatted identifierPrefix::sectname). If none
// of those match, it falls back to the closest known export symbol at
// or below address from the persisted export-info table built by
// LoadAllSymbolsAndWait.
func (c *Controller) NameForAddress(address uint64) (string, bool) {
	st := c.state()

	if idx, ok := findNonImageRegionForAddress(st, address); ok {
		return st.NonImageRegions[idx].PrettyName, true
	}
	if name, ok := sectionNameForAddress(st, address); ok {
		return name, true
	}

	var best string
	var bestAddr uint64
	found := false
	for _, exports := range st.ExportInfos {
		for _, e := range exports {
			if e.Address <= address && (!found || e.Address > bestAddr) {
				best, bestAddr, found = e.Name, e.Address, true
			}
		}
	}
	return best, found
}

// sectionNameForAddress resolves address to the image section
// containing it, formatted identifierPrefix::sectname per the
// original loader's naming.
func sectionNameForAddress(st *persistedState, address uint64) (string, bool) {
	for _, img := range st.Images {
		header, ok := st.Headers[img.HeaderLocation]
		if !ok {
			continue
		}
		for _, sect := range header.Sections {
			if address >= sect.Addr && address < sect.Addr+sect.Size {
				return header.IdentifierPrefix + "::" + sect.SectName, true
			}
		}
	}
	return "", false
}

// ImageNameForAddress resolves address to a name, searching
// stub-island, then dyld-data, then plain non-image regions (by
// region name) before falling back to the install name of the image
// whose header or region contains it.
func (c *Controller) ImageNameForAddress(address uint64) (string, bool) {
	st := c.state()

	if idx, ok := findNonImageRegionForAddress(st, address); ok {
		return st.NonImageRegions[idx].PrettyName, true
	}

	for _, img := range st.Images {
		if img.HeaderLocation == address {
			return img.InstallName, true
		}
		for _, r := range img.Regions {
			if address >= r.Start && address < r.Start+r.Size {
				return img.InstallName, true
			}
		}
	}
	return "", false
}

// FindSymbolAtAddrAndApplyToAddr copies the symbol at src to dst,
// preferring a symbol the host already knows about at src (via the
// optional SymbolQuerier extension) and falling back to the export
// trie of the image containing src. The copied name is prefixed with
// "j_" when src != dst, following the original loader's thunk-naming
// convention. If a type library is available for the image
// containing src, that is only logged; no type is applied to the
// copy. When triggerReanalysis is set and the symbol is a function,
// dst is also queued for analysis.
func (c *Controller) FindSymbolAtAddrAndApplyToAddr(src, dst uint64, triggerReanalysis bool) error {
	name, kind, ok := c.symbolAt(src)
	if !ok {
		return errors.Wrapf(ErrImageNotFound, "no symbol at %#x", src)
	}
	if src != dst {
		name = "j_" + name
	}

	if c.tlr != nil {
		if img, iok := c.ImageNameForAddress(src); iok {
			if _, tok := c.tlr.TypeLibraryForImage(img); tok {
				log.Debugf("type library available for %s, applying imported type to %#x", img, dst)
			}
		}
	}

	if err := c.host.DefineAutoSymbol(dst, kind, name); err != nil {
		return err
	}
	if triggerReanalysis && kind == FunctionSymbol {
		return c.host.AddFunctionForAnalysis(dst)
	}
	return nil
}

// symbolAt resolves a name/kind for address, preferring the host's own
// symbol table (when it implements SymbolQuerier) over this package's
// persisted export/local-symbol tables, and falling back to a live
// walk of the owning image's export trie if neither has it yet.
func (c *Controller) symbolAt(address uint64) (string, SymbolKind, bool) {
	if sq, ok := c.host.(SymbolQuerier); ok {
		if name, kind, ok := sq.SymbolAtAddress(address); ok {
			return name, kind, true
		}
	}

	st := c.state()
	for _, exports := range st.ExportInfos {
		for _, e := range exports {
			if e.Address == address {
				return e.Name, e.Kind, true
			}
		}
	}
	for _, exports := range st.LocalSymbols {
		for _, e := range exports {
			if e.Address == address {
				return e.Name, e.Kind, true
			}
		}
	}

	img, ok := c.ImageNameForAddress(address)
	if !ok {
		return "", DataSymbol, false
	}
	for _, im := range st.Images {
		if im.InstallName != img {
			continue
		}
		header, hok := st.Headers[im.HeaderLocation]
		if !hok || !header.ExportTriePresent || header.ExportTriePath == "" {
			continue
		}
		exports, wok := c.walkImageExportTrie(context.Background(), im, header)
		if !wok {
			continue
		}
		for _, e := range exports {
			if e.Address == address {
				return e.Name, e.Kind, true
			}
		}
	}
	return "", DataSymbol, false
}

// LoadAllSymbolsAndWait walks every image's export trie (preferring
// its own file's copy of the trie, recorded as ExportTriePath during
// the initial load) and returns every (installName, export) pair
// found, while also recording them into persisted state keyed by
// header VA for later NameForAddress lookups.
func (c *Controller) LoadAllSymbolsAndWait(ctx context.Context) ([]SymbolInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := c.willMutateState()
	if st.ExportInfos == nil {
		st.ExportInfos = map[uint64][]ExportInfo{}
	}

	var out []SymbolInfo
	for _, img := range st.Images {
		header, ok := st.Headers[img.HeaderLocation]
		if !ok {
			continue
		}

		var exports []ExportInfo
		if header.ExportTriePresent && header.ExportTriePath != "" {
			if walked, ok := c.walkImageExportTrie(ctx, img, header); ok {
				exports = append(exports, walked...)
			}
		}
		exports = append(exports, st.LocalSymbols[img.HeaderLocation]...)
		if len(exports) == 0 {
			continue
		}

		st.ExportInfos[img.HeaderLocation] = exports
		for _, e := range exports {
			out = append(out, SymbolInfo{InstallName: img.InstallName, Export: e})
		}
	}
	return out, nil
}

// walkImageExportTrie locks header's own copy of the export trie and
// walks it, reporting ok=false (logging the cause) on any failure so
// the caller can still fall back to local symbols.
func (c *Controller) walkImageExportTrie(ctx context.Context, img CacheImage, header MachOHeader) ([]ExportInfo, bool) {
	handle := c.pool.Open(header.ExportTriePath)
	sh, err := handle.Lock(ctx)
	if err != nil {
		log.WithField("image", img.InstallName).Errorf("open export trie file: %v", err)
		return nil, false
	}
	defer sh.Close()

	data := sh.Bytes()
	exportOff := header.ExportTrieOffset
	exportSize := header.ExportTrieSize
	if exportOff+exportSize > uint64(len(data)) {
		return nil, false
	}

	classify := func(addr uint64) bool {
		for _, s := range header.Sections {
			if addr >= s.Addr && addr < s.Addr+s.Size {
				return s.Flags&sAttrPureInstructions != 0 || s.Flags&sAttrSomeInstructions != 0
			}
		}
		return false
	}

	exports, err := WalkExportTrie(ctx, data[exportOff:exportOff+exportSize], header.TextBase, classify, nil)
	if err != nil {
		log.WithField("image", img.InstallName).Errorf("walk export trie: %v", err)
		return nil, false
	}
	return exports, true
}

// ProcessObjCSectionsForImageWithInstallName is a thin pass-through to
// the pluggable ObjCProcessor hook for a single image.
func (c *Controller) ProcessObjCSectionsForImageWithInstallName(installName string) error {
	if c.opts.SkipObjC || c.objc == nil {
		return nil
	}
	return c.objc.ProcessImage(installName, c.vm, true, true)
}

// ProcessAllObjCSections runs ProcessObjCSectionsForImageWithInstallName
// over every currently-known image.
func (c *Controller) ProcessAllObjCSections() error {
	if c.opts.SkipObjC || c.objc == nil {
		return nil
	}
	for _, img := range c.state().Images {
		if err := c.objc.ProcessImage(img.InstallName, c.vm, true, true); err != nil {
			return errors.Wrapf(err, "image %s", img.InstallName)
		}
	}
	return nil
}

// Close tears down the mapped-file pool, unmapping every backing file.
// Safe to call once loading (or attempted loading) is complete.
func (c *Controller) Close() {
	c.pool.CloseAll()
}
