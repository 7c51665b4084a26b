package sharedcache

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

// rawLocalSymbolsInfo is dyld_cache_local_symbols_info: the chunk
// header pointed to by the cache header's LocalSymbolsOffset, laying
// out an nlist array, a string table, and a per-dylib entry array that
// slices the nlist array.
type rawLocalSymbolsInfo struct {
	NlistOffset   uint32
	NlistCount    uint32
	StringsOffset uint32
	StringsSize   uint32
	EntriesOffset uint32
	EntriesCount  uint32
}

// rawLocalSymbolsEntry32 is dyld_cache_local_symbols_entry, used by
// Regular-format caches whose dylib offsets fit in 32 bits.
type rawLocalSymbolsEntry32 struct {
	DylibOffset     uint32
	NlistStartIndex uint32
	NlistCount      uint32
}

// rawLocalSymbolsEntry64 is dyld_cache_local_symbols_entry_64, used by
// every modern (Split/Large/iOS16) format.
type rawLocalSymbolsEntry64 struct {
	DylibOffset     uint64
	NlistStartIndex uint32
	NlistCount      uint32
}

// rawNlist64 is the on-disk nlist_64 entry; the cache always stores
// 64-bit symbol tables regardless of the dylib's own bitness.
type rawNlist64 struct {
	StrX  uint32
	Type  uint8
	Sect  uint8
	Desc  uint16
	Value uint64
}

// ReadLocalSymbols parses the dyld_cache_local_symbols_info chunk at
// chunkOffset/chunkSize in primaryPath and groups the resulting nlist
// entries by the file offset of the dylib header each belongs to. A
// nil, nil return means the cache carries no local symbols chunk.
//
// This is a best-effort supplemental symbol source: dylibOffset is
// only meaningful relative to the primary backing cache, so images
// whose Mach-O header lives in a sub-cache file never resolve here --
// LoadAllSymbolsAndWait falls back to the export trie for those.
func ReadLocalSymbols(primaryPath string, chunkOffset, chunkSize uint64, format CacheFormat) (map[uint64][]ExportInfo, error) {
	if chunkOffset == 0 || chunkSize == 0 {
		return nil, nil
	}

	f, err := os.Open(primaryPath)
	if err != nil {
		return nil, errors.Wrapf(ErrFileMissing, "open %s: %v", primaryPath, err)
	}
	defer f.Close()

	var info rawLocalSymbolsInfo
	if _, err := f.Seek(int64(chunkOffset), io.SeekStart); err != nil {
		return nil, err
	}
	if err := binary.Read(f, binary.LittleEndian, &info); err != nil {
		return nil, errors.Wrap(err, "read local symbols info")
	}

	type entry struct {
		dylibOffset     uint64
		nlistStartIndex uint32
		nlistCount      uint32
	}

	use64 := format != FormatRegular
	entries := make([]entry, 0, info.EntriesCount)
	for i := uint32(0); i < info.EntriesCount; i++ {
		if use64 {
			var e rawLocalSymbolsEntry64
			off := int64(chunkOffset) + int64(info.EntriesOffset) + int64(i)*int64(binary.Size(e))
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				return nil, err
			}
			if err := binary.Read(f, binary.LittleEndian, &e); err != nil {
				return nil, err
			}
			entries = append(entries, entry{e.DylibOffset, e.NlistStartIndex, e.NlistCount})
		} else {
			var e rawLocalSymbolsEntry32
			off := int64(chunkOffset) + int64(info.EntriesOffset) + int64(i)*int64(binary.Size(e))
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				return nil, err
			}
			if err := binary.Read(f, binary.LittleEndian, &e); err != nil {
				return nil, err
			}
			entries = append(entries, entry{uint64(e.DylibOffset), e.NlistStartIndex, e.NlistCount})
		}
	}

	stringsBase := chunkOffset + uint64(info.StringsOffset)
	nlistBase := chunkOffset + uint64(info.NlistOffset)

	out := make(map[uint64][]ExportInfo, len(entries))
	for _, e := range entries {
		var syms []ExportInfo
		for i := uint32(0); i < e.nlistCount; i++ {
			var nl rawNlist64
			off := int64(nlistBase) + int64(e.nlistStartIndex+i)*int64(binary.Size(nl))
			if _, err := f.Seek(off, io.SeekStart); err != nil {
				log.Errorf("seek local nlist entry: %v", err)
				break
			}
			if err := binary.Read(f, binary.LittleEndian, &nl); err != nil {
				log.Errorf("read local nlist entry: %v", err)
				break
			}
			if nl.Value == 0 {
				continue
			}
			name, err := readNullTermStringAt(f, stringsBase+uint64(nl.StrX))
			if err != nil || name == "" {
				continue
			}
			// Local symbols carry no section index we can cross-reference
			// against the image's section table (the cache strips it),
			// so classification is limited to N_SECT vs. everything else.
			kind := DataSymbol
			if nl.Type&nlistTypeMask == nlistTypeSect {
				kind = FunctionSymbol
			}
			syms = append(syms, ExportInfo{Name: name, Address: nl.Value, Kind: kind})
		}
		if len(syms) > 0 {
			out[e.dylibOffset] = syms
		}
	}
	return out, nil
}

const (
	nlistTypeMask = 0x0e // N_TYPE, the bits of n_type that select among N_UNDF/N_ABS/N_SECT/...
	nlistTypeSect = 0x0e // N_SECT: symbol defined within a section
)

// readNullTermStringAt reads a NUL-terminated string at a uint64 file
// offset -- readNullTermString's uint32-offset signature matches the
// cache header's own path-offset fields, but local-symbol string table
// offsets are additive against the (potentially large) chunk offset,
// so this keeps the arithmetic in 64 bits.
func readNullTermStringAt(f *os.File, offset uint64) (string, error) {
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
