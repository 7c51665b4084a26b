package sharedcache

import (
	"context"
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// pageRange is one entry in the VM's sorted range table: a half-open
// VA span [Start, Start+Size) backed by a single file at fileOffset.
type pageRange struct {
	Start      uint64
	Size       uint64
	handle     LazyHandle
	fileOffset uint64
}

func (r pageRange) end() uint64 { return r.Start + r.Size }

// VM reconstructs the shared cache's unified address space out of
// every backing file's mappings. It never copies mapped bytes into its
// own memory; every read locks the owning mappedFile just long enough
// to copy the requested span out.
//
// The original loader keeps this table in a std::map with a
// transparent comparator; a sorted slice searched with sort.Search is
// the idiomatic Go shape for the same "find the range containing this
// address" query and needs no comparator type of its own.
type VM struct {
	pool   *Pool
	ranges []pageRange
}

// NewVM creates an empty VM backed by pool. Pages are added with
// MapPages as each BackingCache's mappings are discovered.
func NewVM(pool *Pool) *VM {
	return &VM{pool: pool}
}

// MapPages installs one mapping's address range into the VM, backed
// by handle at fileOffset. It panics if the new range overlaps an
// already-mapped range: two backing caches claiming the same address
// space is a corrupt-cache condition the original loader also treats
// as unrecoverable (MappingCollisionException), not an ordinary error.
func (vm *VM) MapPages(address, size uint64, handle LazyHandle, fileOffset uint64) {
	newRange := pageRange{Start: address, Size: size, handle: handle, fileOffset: fileOffset}
	i := sort.Search(len(vm.ranges), func(i int) bool { return vm.ranges[i].Start >= address })
	if i > 0 && vm.ranges[i-1].end() > address {
		mutateWithoutOwnershipPanic("MappingCollision: new range overlaps preceding mapping")
	}
	if i < len(vm.ranges) && vm.ranges[i].Start < newRange.end() {
		mutateWithoutOwnershipPanic("MappingCollision: new range overlaps following mapping")
	}
	vm.ranges = append(vm.ranges, pageRange{})
	copy(vm.ranges[i+1:], vm.ranges[i:])
	vm.ranges[i] = newRange
}

// rangeAt returns the pageRange containing address, or false.
func (vm *VM) rangeAt(address uint64) (pageRange, bool) {
	i := sort.Search(len(vm.ranges), func(i int) bool { return vm.ranges[i].end() > address })
	if i < len(vm.ranges) && vm.ranges[i].Start <= address {
		return vm.ranges[i], true
	}
	return pageRange{}, false
}

// AddressIsMapped reports whether address falls within some mapping.
func (vm *VM) AddressIsMapped(address uint64) bool {
	_, ok := vm.rangeAt(address)
	return ok
}

// MappingAtAddress resolves address to its owning LazyHandle and the
// file offset corresponding to that address, for callers (the
// controller's region and symbol loads) that need to lock the backing
// file themselves.
func (vm *VM) MappingAtAddress(address uint64) (LazyHandle, uint64, error) {
	r, ok := vm.rangeAt(address)
	if !ok {
		return LazyHandle{}, 0, errors.Wrapf(ErrReadOutOfRange, "address %#x", address)
	}
	return r.handle, r.fileOffset + (address - r.Start), nil
}

// ReadBuffer copies n bytes starting at address. The read may not
// span two backing mappings -- each MemoryRegion is by construction
// contained within a single mapping, so any legitimate read the
// controller issues honors this.
func (vm *VM) ReadBuffer(ctx context.Context, address uint64, n int) ([]byte, error) {
	r, ok := vm.rangeAt(address)
	if !ok || address+uint64(n) > r.end() {
		return nil, errors.Wrapf(ErrReadOutOfRange, "address %#x len %d", address, n)
	}
	h, err := r.handle.Lock(ctx)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	off := r.fileOffset + (address - r.Start)
	b := h.Bytes()
	if off+uint64(n) > uint64(len(b)) {
		return nil, errors.Wrapf(ErrReadOutOfRange, "file offset %#x len %d exceeds file", off, n)
	}
	out := make([]byte, n)
	copy(out, b[off:off+uint64(n)])
	return out, nil
}

func (vm *VM) readU(ctx context.Context, address uint64, n int) (uint64, error) {
	b, err := vm.ReadBuffer(ctx, address, n)
	if err != nil {
		return 0, err
	}
	switch n {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		return binary.LittleEndian.Uint64(b), nil
	}
	panic("sharedcache: readU: unsupported width")
}

func (vm *VM) ReadU8(ctx context.Context, address uint64) (uint8, error) {
	v, err := vm.readU(ctx, address, 1)
	return uint8(v), err
}
func (vm *VM) ReadU16(ctx context.Context, address uint64) (uint16, error) {
	v, err := vm.readU(ctx, address, 2)
	return uint16(v), err
}
func (vm *VM) ReadU32(ctx context.Context, address uint64) (uint32, error) {
	v, err := vm.readU(ctx, address, 4)
	return uint32(v), err
}
func (vm *VM) ReadU64(ctx context.Context, address uint64) (uint64, error) {
	return vm.readU(ctx, address, 8)
}

// ReadCString reads a NUL-terminated string starting at address,
// refusing to scan past the end of the owning mapping.
func (vm *VM) ReadCString(ctx context.Context, address uint64) (string, error) {
	r, ok := vm.rangeAt(address)
	if !ok {
		return "", errors.Wrapf(ErrReadOutOfRange, "address %#x", address)
	}
	h, err := r.handle.Lock(ctx)
	if err != nil {
		return "", err
	}
	defer h.Close()

	off := r.fileOffset + (address - r.Start)
	b := h.Bytes()
	limit := r.fileOffset + r.Size
	i := off
	for i < limit && i < uint64(len(b)) && b[i] != 0 {
		i++
	}
	if i >= uint64(len(b)) {
		return "", errors.Wrapf(ErrReadOutOfRange, "unterminated string at %#x", address)
	}
	return string(b[off:i]), nil
}

// Reader is a cursor over a VM, the address-space analogue of
// io.Reader/io.Seeker for typed, endian-aware, pointer-width-aware
// reads -- mirroring the original loader's VMReader.
type Reader struct {
	vm          *VM
	ctx         context.Context
	cursor      uint64
	addressSize int
	order       binary.ByteOrder
}

// NewReader returns a Reader positioned at address, reading
// addressSize (4 or 8)-byte pointers in the given byte order.
func NewReader(ctx context.Context, vm *VM, address uint64, addressSize int, order binary.ByteOrder) *Reader {
	return &Reader{vm: vm, ctx: ctx, cursor: address, addressSize: addressSize, order: order}
}

func (r *Reader) Seek(address uint64)      { r.cursor = address }
func (r *Reader) SeekRelative(delta int64) { r.cursor = uint64(int64(r.cursor) + delta) }
func (r *Reader) Offset() uint64           { return r.cursor }

func (r *Reader) Read8() (uint8, error) {
	v, err := r.vm.ReadU8(r.ctx, r.cursor)
	if err == nil {
		r.cursor++
	}
	return v, err
}

func (r *Reader) Read16() (uint16, error) {
	b, err := r.ReadBuffer(2)
	if err != nil {
		return 0, err
	}
	return r.order.Uint16(b), nil
}

func (r *Reader) Read32() (uint32, error) {
	b, err := r.ReadBuffer(4)
	if err != nil {
		return 0, err
	}
	return r.order.Uint32(b), nil
}

func (r *Reader) Read64() (uint64, error) {
	b, err := r.ReadBuffer(8)
	if err != nil {
		return 0, err
	}
	return r.order.Uint64(b), nil
}

// ReadPointer reads r.addressSize bytes (4 or 8) as an unsigned
// integer, advancing the cursor by that width.
func (r *Reader) ReadPointer() (uint64, error) {
	if r.addressSize == 4 {
		v, err := r.Read32()
		return uint64(v), err
	}
	return r.Read64()
}

func (r *Reader) ReadCString() (string, error) {
	s, err := r.vm.ReadCString(r.ctx, r.cursor)
	if err == nil {
		r.cursor += uint64(len(s)) + 1
	}
	return s, err
}

func (r *Reader) ReadBuffer(n int) ([]byte, error) {
	b, err := r.vm.ReadBuffer(r.ctx, r.cursor, n)
	if err == nil {
		r.cursor += uint64(n)
	}
	return b, err
}

// ReadULEB128 reads an unsigned LEB128 integer, stopping at cursorLimit
// (exclusive) the way the original loader's trie walk bounds every
// variable-length read against an end guard.
func (r *Reader) ReadULEB128(cursorLimit uint64) (uint64, error) {
	var result uint64
	var shift uint
	for {
		if cursorLimit != 0 && r.cursor >= cursorLimit {
			return 0, errors.Wrap(ErrTrieRead, "ULEB128 ran past cursor limit")
		}
		b, err := r.Read8()
		if err != nil {
			return 0, err
		}
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, nil
}
