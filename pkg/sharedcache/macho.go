package sharedcache

import (
	"context"
	"encoding/binary"
	"strings"

	mtypes "github.com/blacktop/go-macho/types"
	"github.com/pkg/errors"
)

// ParseMachOHeader walks the load commands of the Mach-O image whose
// header starts at textBase, reading through vm rather than a plain
// io.Reader since the image's bytes live inside the shared cache's
// reconstructed address space, not a standalone file.
//
// LC_FILESET_ENTRY aborts the parse with ErrUnsupportedCommand: that
// command only appears in kernel collections, and seeing one here
// means textBase was not actually a dyld shared cache image header.
func ParseMachOHeader(ctx context.Context, vm *VM, textBase uint64) (*MachOHeader, error) {
	magicBytes, err := vm.ReadBuffer(ctx, textBase, 4)
	if err != nil {
		return nil, errors.Wrapf(err, "read magic at %#x", textBase)
	}
	magic := binary.LittleEndian.Uint32(magicBytes)

	var order binary.ByteOrder = binary.LittleEndian
	switch magic {
	case machMagic64, machMagic32:
		order = binary.LittleEndian
	case machCigam64, machCigam32:
		order = binary.BigEndian
	default:
		return nil, errors.Wrapf(ErrUnknownFormat, "magic %#x at %#x is not a Mach-O header", magic, textBase)
	}

	r := NewReader(ctx, vm, textBase, 8, order)
	_, _ = r.Read32() // magic, already consumed above

	cpu, err := r.Read32()
	if err != nil {
		return nil, err
	}
	subcpu, err := r.Read32()
	if err != nil {
		return nil, err
	}
	filetype, err := r.Read32()
	if err != nil {
		return nil, err
	}
	ncmds, err := r.Read32()
	if err != nil {
		return nil, err
	}
	sizeofcmds, err := r.Read32()
	if err != nil {
		return nil, err
	}
	flags, err := r.Read32()
	if err != nil {
		return nil, err
	}
	if magic == machMagic64 || magic == machCigam64 {
		if _, err := r.Read32(); err != nil { // reserved
			return nil, err
		}
	}

	h := &MachOHeader{
		TextBase:          textBase,
		LoadCommandOffset: r.Offset(),
		Ident:             mtypes.HeaderFlag(flags),
		CPU:               mtypes.CPU(cpu),
		SubCPU:            subcpu,
		FileType:          mtypes.HeaderFileType(filetype),
		NCmds:             ncmds,
		SizeOfCmds:        sizeofcmds,
	}

	cmdCursor := r.Offset()
	for i := uint32(0); i < ncmds; i++ {
		r.Seek(cmdCursor)
		cmd, err := r.Read32()
		if err != nil {
			return nil, errors.Wrapf(err, "load command %d header", i)
		}
		cmdsize, err := r.Read32()
		if err != nil {
			return nil, errors.Wrapf(err, "load command %d size", i)
		}
		if cmdsize < 8 {
			return nil, errors.Wrapf(ErrUnsupportedCommand, "load command %d has impossible size %d", i, cmdsize)
		}
		bodyOffset := r.Offset()

		if err := parseOneCommand(r, h, mtypes.LoadCmd(cmd), bodyOffset); err != nil {
			return nil, err
		}

		cmdCursor += uint64(cmdsize)
	}
	return h, nil
}

func parseOneCommand(r *Reader, h *MachOHeader, cmd mtypes.LoadCmd, bodyOffset uint64) error {
	r.Seek(bodyOffset)

	switch cmd {
	case mtypes.LC_FILESET_ENTRY:
		return errors.Wrapf(ErrUnsupportedCommand, "LC_FILESET_ENTRY at %#x", bodyOffset)

	case mtypes.LC_SEGMENT_64:
		seg, sects, err := readSegment64(r)
		if err != nil {
			return err
		}
		return applySegment(h, seg, sects)

	case mtypes.LC_SEGMENT:
		seg, sects, err := readSegment32Widened(r)
		if err != nil {
			return err
		}
		return applySegment(h, seg, sects)

	case mtypes.LC_SYMTAB:
		symoff, _ := r.Read32()
		nsyms, _ := r.Read32()
		stroff, _ := r.Read32()
		strsize, _ := r.Read32()
		h.SymtabOffset = uint64(symoff)
		h.SymtabSize = uint64(nsyms)
		h.StrtabOffset = uint64(stroff)
		h.StrtabSize = uint64(strsize)
		h.SymtabPresent = true

	case mtypes.LC_DYSYMTAB:
		var d mtypes.DysymtabCmd
		if err := readStruct(r, &d); err != nil {
			return err
		}
		h.Dysymtab = d
		h.DysymPresent = true

	case mtypes.LC_DYLD_INFO, mtypes.LC_DYLD_INFO_ONLY:
		var di DyldInfo
		fields := []*uint32{
			new(uint32), new(uint32), new(uint32), new(uint32),
			new(uint32), new(uint32), new(uint32), new(uint32),
			new(uint32), new(uint32),
		}
		for _, f := range fields {
			v, err := r.Read32()
			if err != nil {
				return err
			}
			*f = v
		}
		di.RebaseOff, di.RebaseSize = *fields[0], *fields[1]
		di.BindOff, di.BindSize = *fields[2], *fields[3]
		di.WeakBindOff, di.WeakBindSize = *fields[4], *fields[5]
		di.LazyBindOff, di.LazyBindSize = *fields[6], *fields[7]
		di.ExportOff, di.ExportSize = *fields[8], *fields[9]
		h.DyldInfo = di
		h.DyldInfoPresent = true

	case mtypes.LC_DYLD_EXPORTS_TRIE:
		off, size, err := readLinkEditData(r)
		if err != nil {
			return err
		}
		h.ExportTrieOffset, h.ExportTrieSize = off, size
		h.ExportTriePresent = true

	case mtypes.LC_DYLD_CHAINED_FIXUPS:
		off, size, err := readLinkEditData(r)
		if err != nil {
			return err
		}
		h.ChainedFixupsOffset, h.ChainedFixupsSize = off, size
		h.ChainedFixupsPresent = true

	case mtypes.LC_FUNCTION_STARTS:
		off, size, err := readLinkEditData(r)
		if err != nil {
			return err
		}
		h.FunctionStartsOffset, h.FunctionStartsSize = off, size
		h.FunctionStartsPresent = true

	case mtypes.LC_ROUTINES, mtypes.LC_ROUTINES_64:
		// Intentionally not modeled: the original loader's own
		// (de)serialization for this command is commented out
		// ("FIXME CRASH") and nothing in the load pipeline consumes
		// it, so there is no behavior to preserve here beyond
		// recognizing and skipping the command.

	case mtypes.LC_MAIN:
		off, err := r.Read64()
		if err != nil {
			return err
		}
		if _, err := r.Read64(); err != nil { // stack size, unused
			return err
		}
		h.EntryPoints = append(h.EntryPoints, EntryPoint{Address: h.TextBase + off, FromMain: true})

	case mtypes.LC_LOAD_DYLIB, mtypes.LC_ID_DYLIB, mtypes.LC_LOAD_WEAK_DYLIB, mtypes.LC_REEXPORT_DYLIB:
		nameOff, err := r.Read32()
		if err != nil {
			return err
		}
		if _, err := r.Read32(); err != nil { // timestamp
			return err
		}
		if _, err := r.Read32(); err != nil { // current version
			return err
		}
		if _, err := r.Read32(); err != nil { // compat version
			return err
		}
		r.Seek(bodyOffset - 8 + uint64(nameOff))
		name, err := r.ReadCString()
		if err != nil {
			return err
		}
		h.Dylibs = append(h.Dylibs, name)

	case mtypes.LC_UUID:
		// 16 raw bytes, not surfaced on MachOHeader today but
		// consumed so the cursor math above stays correct for
		// commands that follow.
		if _, err := r.ReadBuffer(16); err != nil {
			return err
		}

	case mtypes.LC_BUILD_VERSION:
		platform, err := r.Read32()
		if err != nil {
			return err
		}
		minos, err := r.Read32()
		if err != nil {
			return err
		}
		sdk, err := r.Read32()
		if err != nil {
			return err
		}
		ntools, err := r.Read32()
		if err != nil {
			return err
		}
		h.BuildVersion = mtypes.BuildVersionCmd{
			Platform: mtypes.Platform(platform),
			Minos:    mtypes.Version(minos),
			Sdk:      mtypes.Version(sdk),
			NumTools: ntools,
		}
		for i := uint32(0); i < ntools; i++ {
			tool, err := r.Read32()
			if err != nil {
				return err
			}
			ver, err := r.Read32()
			if err != nil {
				return err
			}
			h.BuildToolVersions = append(h.BuildToolVersions, BuildToolVersion{Tool: tool, Version: mtypes.Version(ver)})
		}

	default:
		// Every other load command is intentionally ignored: this
		// parser only extracts what the load pipeline needs.
	}
	return nil
}

func readStruct(r *Reader, d *mtypes.DysymtabCmd) error {
	vals := make([]uint32, 18)
	for i := range vals {
		v, err := r.Read32()
		if err != nil {
			return err
		}
		vals[i] = v
	}
	d.Ilocalsym, d.Nlocalsym = vals[0], vals[1]
	d.Iextdefsym, d.Nextdefsym = vals[2], vals[3]
	d.Iundefsym, d.Nundefsym = vals[4], vals[5]
	d.Tocoffset, d.Ntoc = vals[6], vals[7]
	d.Modtaboff, d.Nmodtab = vals[8], vals[9]
	d.Extrefsymoff, d.Nextrefsyms = vals[10], vals[11]
	d.Indirectsymoff, d.Nindirectsyms = vals[12], vals[13]
	d.Extreloff, d.Nextrel = vals[14], vals[15]
	d.Locreloff, d.Nlocrel = vals[16], vals[17]
	return nil
}

func readLinkEditData(r *Reader) (offset, size uint64, err error) {
	o, err := r.Read32()
	if err != nil {
		return 0, 0, err
	}
	s, err := r.Read32()
	if err != nil {
		return 0, 0, err
	}
	return uint64(o), uint64(s), nil
}

func readSegment64(r *Reader) (SegmentCommand, []SectionHeader, error) {
	nameBytes, err := r.ReadBuffer(16)
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	addr, err := r.Read64()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	memsz, err := r.Read64()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	off, err := r.Read64()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	filesz, err := r.Read64()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	maxprot, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	initprot, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	nsect, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	segFlags, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}

	seg := SegmentCommand{
		Name:     cstr(nameBytes),
		VMAddr:   addr,
		VMSize:   memsz,
		FileOff:  off,
		FileSize: filesz,
		MaxProt:  mtypes.VmProtection(maxprot),
		InitProt: mtypes.VmProtection(initprot),
		NSects:   nsect,
		Flags:    segFlags,
	}

	sects := make([]SectionHeader, 0, nsect)
	for i := uint32(0); i < nsect; i++ {
		sectName, err := r.ReadBuffer(16)
		if err != nil {
			return seg, sects, err
		}
		segName, err := r.ReadBuffer(16)
		if err != nil {
			return seg, sects, err
		}
		sAddr, err := r.Read64()
		if err != nil {
			return seg, sects, err
		}
		sSize, err := r.Read64()
		if err != nil {
			return seg, sects, err
		}
		sOffset, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil { // align
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil { // reloff
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil { // nreloc
			return seg, sects, err
		}
		sFlags, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		if _, err := r.ReadBuffer(12); err != nil { // reserved1-3
			return seg, sects, err
		}
		sects = append(sects, SectionHeader{
			SegName:  cstr(segName),
			SectName: cstr(sectName),
			Addr:     sAddr,
			Size:     sSize,
			Offset:   sOffset,
			Flags:    sFlags,
		})
	}
	return seg, sects, nil
}

// readSegment32Widened reads a 32-bit LC_SEGMENT and widens every
// field into the same SegmentCommand/SectionHeader shape LC_SEGMENT_64
// uses, exactly as the original loader manually widens 32-bit segments
// inline rather than keeping two header types downstream.
func readSegment32Widened(r *Reader) (SegmentCommand, []SectionHeader, error) {
	nameBytes, err := r.ReadBuffer(16)
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	addr, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	memsz, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	off, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	filesz, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	maxprot, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	initprot, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	nsect, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}
	segFlags, err := r.Read32()
	if err != nil {
		return SegmentCommand{}, nil, err
	}

	seg := SegmentCommand{
		Name:     cstr(nameBytes),
		VMAddr:   uint64(addr),
		VMSize:   uint64(memsz),
		FileOff:  uint64(off),
		FileSize: uint64(filesz),
		MaxProt:  mtypes.VmProtection(maxprot),
		InitProt: mtypes.VmProtection(initprot),
		NSects:   nsect,
		Flags:    segFlags,
	}

	sects := make([]SectionHeader, 0, nsect)
	for i := uint32(0); i < nsect; i++ {
		sectName, err := r.ReadBuffer(16)
		if err != nil {
			return seg, sects, err
		}
		segName, err := r.ReadBuffer(16)
		if err != nil {
			return seg, sects, err
		}
		sAddr, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		sSize, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		sOffset, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil {
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil {
			return seg, sects, err
		}
		if _, err := r.Read32(); err != nil {
			return seg, sects, err
		}
		sFlags, err := r.Read32()
		if err != nil {
			return seg, sects, err
		}
		if _, err := r.ReadBuffer(8); err != nil { // reserved1-2 (32-bit has only two)
			return seg, sects, err
		}
		sects = append(sects, SectionHeader{
			SegName:  cstr(segName),
			SectName: cstr(sectName),
			Addr:     uint64(sAddr),
			Size:     uint64(sSize),
			Offset:   sOffset,
			Flags:    sFlags,
		})
	}
	return seg, sects, nil
}

func cstr(b []byte) string {
	return strings.TrimRight(string(b), "\x00")
}

// applySegment folds one parsed segment (and its sections) into h,
// classifying sections into the module-init/symbol-stub/symbol-pointer
// buckets and fixing relocationBase and the __LINKEDIT pointer the way
// the original loader's inline segment handling does.
func applySegment(h *MachOHeader, seg SegmentCommand, sects []SectionHeader) error {
	h.Segments = append(h.Segments, seg)

	// The first segment that is either not split-segs-eligible (not
	// Intel, no MH_SPLIT_SEGS) or is writable fixes relocationBase;
	// once set it never moves.
	if h.RelocationBase == 0 {
		splitSegsOrIntel := h.Ident&mtypes.HeaderFlag(0x20) /* MH_SPLIT_SEGS */ != 0 || h.CPU == mtypes.CPUAmd64
		if !splitSegsOrIntel || seg.InitProt.Write() {
			h.RelocationBase = seg.VMAddr
		}
	}

	if strings.HasPrefix(seg.Name, "__LINKEDIT") {
		h.LinkeditSegment = seg
		h.LinkeditPresent = true
	}

	for _, s := range sects {
		h.Sections = append(h.Sections, s)
		si := len(h.Sections) - 1
		switch {
		case s.SectName == "__mod_init_func":
			h.ModuleInitSections = append(h.ModuleInitSections, si)
		case sectionIsSymbolStubs(s.Flags):
			h.SymbolStubSections = append(h.SymbolStubSections, si)
		case sectionIsSymbolPointers(s.Flags):
			h.SymbolPointerSections = append(h.SymbolPointerSections, si)
		}
	}
	return nil
}
