package sharedcache

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/apex/log"
	"github.com/pkg/errors"
)

const (
	slideV2PageAttrExtra    = 0x8000
	slideV2PageAttrNoRebase = 0x4000
	slideV2PageAttrEnd      = 0x8000
	slideV2PageStartsMask   = 0x3fff

	slideV3PageAttrNoRebase = 0xffff
	slideV5PageAttrNoRebase = 0xffff
)

type rewrite struct {
	fileOffset uint64
	value      uint64
}

// slideInfoHeader is the version-tagged union of
// dyld_cache_slide_info_{v2,v3,v5}; only the fields each version
// actually uses are populated by readSlideInfoHeader.
type slideInfoHeader struct {
	version uint32

	pageSize        uint32
	pageStartsOff   uint32
	pageStartsCount uint32
	pageExtrasOff   uint32
	pageExtrasCount uint32
	deltaMask       uint64
	valueAdd        uint64
}

// ApplySlideInfoForFile rebases every chained pointer described by the
// slide info attached to mappings backed by h, writing the resolved
// values back into h's mmap. It is idempotent: a file that has already
// been rebased is a no-op, mirroring the original loader's
// SlideInfoWasApplied sticky flag.
//
// base is the minimum mapping VA across every backing cache in the
// loaded set (computed by the controller, not by this function), used
// as value_add for v3/v5 slide info the way the original loader
// overrides auth_value_add/value_add unconditionally.
func ApplySlideInfoForFile(ctx context.Context, h StrongHandle, mappings []Mapping, base uint64) error {
	if h.slideInfoWasApplied() {
		return nil
	}

	var rewrites []rewrite
	data := h.Bytes()

	for _, m := range mappings {
		if m.SlideInfoFileOffset == 0 || m.SlideInfoSize == 0 {
			continue
		}
		hdr, err := readSlideInfoHeader(data, m.SlideInfoFileOffset)
		if err != nil {
			log.WithField("file", h.Path()).Errorf("read slide info header: %v", err)
			continue
		}

		switch hdr.version {
		case 2:
			rw, err := walkSlideV2(data, m, hdr)
			if err != nil {
				log.WithField("file", h.Path()).Errorf("slide info v2: %v", err)
				continue
			}
			rewrites = append(rewrites, rw...)
		case 3:
			hdr.valueAdd = base
			rw, err := walkSlideV3(data, m, hdr)
			if err != nil {
				log.WithField("file", h.Path()).Errorf("slide info v3: %v", err)
				continue
			}
			rewrites = append(rewrites, rw...)
		case 5:
			hdr.valueAdd = base
			rw, err := walkSlideV5(data, m, hdr)
			if err != nil {
				log.WithField("file", h.Path()).Errorf("slide info v5: %v", err)
				continue
			}
			rewrites = append(rewrites, rw...)
		default:
			log.WithField("file", h.Path()).Errorf("unsupported slide info version %d", hdr.version)
		}
	}

	for _, rw := range rewrites {
		if err := h.WritePointer(rw.fileOffset, rw.value); err != nil {
			return errors.Wrapf(err, "write rebased pointer at %#x", rw.fileOffset)
		}
	}

	h.setSlideInfoWasApplied(true)
	return nil
}

func readSlideInfoHeader(data []byte, off uint64) (slideInfoHeader, error) {
	if off+4 > uint64(len(data)) {
		return slideInfoHeader{}, errors.Wrap(ErrReadOutOfRange, "slide info header version")
	}
	version := binary.LittleEndian.Uint32(data[off:])
	var h slideInfoHeader
	h.version = version

	switch version {
	case 2:
		if off+0x38 > uint64(len(data)) {
			return h, errors.Wrap(ErrReadOutOfRange, "slide info v2 header")
		}
		h.pageSize = binary.LittleEndian.Uint32(data[off+4:])
		h.pageStartsOff = binary.LittleEndian.Uint32(data[off+8:])
		h.pageStartsCount = binary.LittleEndian.Uint32(data[off+12:])
		h.pageExtrasOff = binary.LittleEndian.Uint32(data[off+16:])
		h.pageExtrasCount = binary.LittleEndian.Uint32(data[off+20:])
		h.deltaMask = binary.LittleEndian.Uint64(data[off+24:])
		h.valueAdd = binary.LittleEndian.Uint64(data[off+32:])
	case 3:
		if off+0x14 > uint64(len(data)) {
			return h, errors.Wrap(ErrReadOutOfRange, "slide info v3 header")
		}
		h.pageSize = binary.LittleEndian.Uint32(data[off+4:])
		h.pageStartsCount = binary.LittleEndian.Uint32(data[off+8:])
		// pad_i_guess at off+12, auth_value_add at off+16 (overridden by caller)
	case 5:
		if off+0x14 > uint64(len(data)) {
			return h, errors.Wrap(ErrReadOutOfRange, "slide info v5 header")
		}
		h.pageSize = binary.LittleEndian.Uint32(data[off+4:])
		h.pageStartsCount = binary.LittleEndian.Uint32(data[off+8:])
		// pad at off+12, value_add at off+16 (overridden by caller)
	default:
		return h, errors.Wrapf(ErrUnknownFormat, "slide info version %d", version)
	}
	return h, nil
}

func walkSlideV2(data []byte, m Mapping, hdr slideInfoHeader) ([]rewrite, error) {
	var out []rewrite
	pageStartsBase := m.SlideInfoFileOffset + uint64(hdr.pageStartsOff)
	pageExtrasBase := m.SlideInfoFileOffset + uint64(hdr.pageExtrasOff)

	deltaShift := bits.TrailingZeros64(hdr.deltaMask)
	if hdr.deltaMask == 0 {
		deltaShift = 0
	} else {
		deltaShift -= 2
	}
	valueMask := ^hdr.deltaMask

	rebaseChain := func(page uint64, startOffset uint16) error {
		pageOffset := uint64(startOffset) * 4
		for {
			loc := page + pageOffset
			if loc+8 > uint64(len(data)) {
				return errors.Wrap(ErrReadOutOfRange, "v2 chain walk")
			}
			raw := binary.LittleEndian.Uint64(data[loc:])
			delta := (raw & hdr.deltaMask) >> uint(deltaShift)
			value := raw & valueMask
			if value != 0 {
				value += hdr.valueAdd
			}
			out = append(out, rewrite{fileOffset: loc, value: value})
			if delta == 0 {
				return nil
			}
			pageOffset += delta
		}
	}

	for i := uint32(0); i < hdr.pageStartsCount; i++ {
		off := pageStartsBase + uint64(i)*2
		if off+2 > uint64(len(data)) {
			return out, errors.Wrap(ErrReadOutOfRange, "v2 page starts")
		}
		start := binary.LittleEndian.Uint16(data[off:])
		if start == slideV2PageAttrNoRebase {
			continue
		}
		page := m.FileOffset + uint64(hdr.pageSize)*uint64(i)

		if start&slideV2PageAttrExtra != 0 {
			j := start & slideV2PageStartsMask
			for {
				extraOff := pageExtrasBase + uint64(j)*2
				if extraOff+2 > uint64(len(data)) {
					return out, errors.Wrap(ErrReadOutOfRange, "v2 page extras")
				}
				extra := binary.LittleEndian.Uint16(data[extraOff:])
				pageStartOffset := (extra & slideV2PageStartsMask) * 4
				if err := rebaseChain(page, uint16(pageStartOffset/4)); err != nil {
					log.Errorf("v2 chain at extra %d: %v", j, err)
					break
				}
				j++
				if extra&slideV2PageAttrEnd != 0 {
					break
				}
			}
		} else {
			if err := rebaseChain(page, start); err != nil {
				log.Errorf("v2 chain at page %d: %v", i, err)
			}
		}
	}
	return out, nil
}

func walkSlideV3(data []byte, m Mapping, hdr slideInfoHeader) ([]rewrite, error) {
	var out []rewrite
	const headerSize = 0x18
	pageStartsBase := m.SlideInfoFileOffset + headerSize

	for i := uint32(0); i < hdr.pageStartsCount; i++ {
		off := pageStartsBase + uint64(i)*2
		if off+2 > uint64(len(data)) {
			return out, errors.Wrap(ErrReadOutOfRange, "v3 page starts")
		}
		deltaBytes := binary.LittleEndian.Uint16(data[off:])
		if deltaBytes == slideV3PageAttrNoRebase {
			continue
		}
		delta := uint64(deltaBytes) / 8

		loc := m.FileOffset + uint64(hdr.pageSize)*uint64(i)
		for {
			loc += delta * 8
			if loc+8 > uint64(len(data)) {
				log.Errorf("v3 chain at page %d: %v", i, errors.Wrap(ErrReadOutOfRange, "v3 chain walk"))
				break
			}
			raw := binary.LittleEndian.Uint64(data[loc:])

			authenticated := (raw>>63)&1 != 0
			next := (raw >> 51) & 0x7ff

			var value uint64
			if authenticated {
				offsetFromBase := raw & 0xffffffff
				value = offsetFromBase + hdr.valueAdd
			} else {
				value51 := raw & 0x7ffffffffffff
				top8 := value51 & 0x0007F80000000000
				bottom43 := value51 & 0x000007FFFFFFFFFF
				value = (top8 << 13) | bottom43
			}
			out = append(out, rewrite{fileOffset: loc, value: value})

			if next == 0 {
				break
			}
			delta = next
		}
	}
	return out, nil
}

func walkSlideV5(data []byte, m Mapping, hdr slideInfoHeader) ([]rewrite, error) {
	var out []rewrite
	const headerSize = 0x18
	pageStartsBase := m.SlideInfoFileOffset + headerSize

	for i := uint32(0); i < hdr.pageStartsCount; i++ {
		off := pageStartsBase + uint64(i)*2
		if off+2 > uint64(len(data)) {
			return out, errors.Wrap(ErrReadOutOfRange, "v5 page starts")
		}
		deltaBytes := binary.LittleEndian.Uint16(data[off:])
		if deltaBytes == slideV5PageAttrNoRebase {
			continue
		}
		delta := uint64(deltaBytes) / 8

		loc := m.FileOffset + uint64(hdr.pageSize)*uint64(i)
		for {
			loc += delta * 8
			if loc+8 > uint64(len(data)) {
				log.Errorf("v5 chain at page %d: %v", i, errors.Wrap(ErrReadOutOfRange, "v5 chain walk"))
				break
			}
			raw := binary.LittleEndian.Uint64(data[loc:])

			auth := (raw>>63)&1 != 0
			var next, value uint64
			if auth {
				// dyld_chained_ptr_arm64e_shared_cache_auth_rebase:
				// runtimeOffset:34, diversity:16, addrDiv:1, keyIsData:1, next:11, auth:1
				runtimeOffset := raw & 0x3ffffffff
				next = (raw >> 52) & 0x7ff
				value = hdr.valueAdd + runtimeOffset
			} else {
				// dyld_chained_ptr_arm64e_shared_cache_rebase:
				// runtimeOffset:34, high8:8, unused:10, next:11, auth:1
				runtimeOffset := raw & 0x3ffffffff
				next = (raw >> 52) & 0x7ff
				value = hdr.valueAdd + runtimeOffset
			}
			out = append(out, rewrite{fileOffset: loc, value: value})

			if next == 0 {
				break
			}
			delta = next
		}
	}
	return out, nil
}
