package sharedcache

import (
	"context"
	"encoding/binary"
	"testing"
)

func newTestVM(t *testing.T, contents []byte, address, fileOffset, size uint64) *VM {
	t.Helper()
	path := writeTempFile(t, contents)
	p := NewPool(Options{}.withDefaults())
	t.Cleanup(p.CloseAll)
	vm := NewVM(p)
	vm.MapPages(address, size, p.Open(path), fileOffset)
	return vm
}

func TestVMReadBuffer(t *testing.T) {
	vm := newTestVM(t, []byte("0123456789"), 0x1000, 0, 10)
	got, err := vm.ReadBuffer(context.Background(), 0x1003, 4)
	if err != nil {
		t.Fatalf("ReadBuffer: %v", err)
	}
	if string(got) != "3456" {
		t.Errorf("ReadBuffer = %q, want %q", got, "3456")
	}
}

func TestVMReadOutOfRange(t *testing.T) {
	vm := newTestVM(t, []byte("0123456789"), 0x1000, 0, 10)
	if _, err := vm.ReadBuffer(context.Background(), 0x1008, 4); err == nil {
		t.Fatal("expected error reading past end of mapping")
	}
	if _, err := vm.ReadBuffer(context.Background(), 0x2000, 1); err == nil {
		t.Fatal("expected error reading unmapped address")
	}
}

func TestVMAddressIsMapped(t *testing.T) {
	vm := newTestVM(t, make([]byte, 0x100), 0x4000, 0, 0x100)
	if !vm.AddressIsMapped(0x4050) {
		t.Error("0x4050 should be mapped")
	}
	if vm.AddressIsMapped(0x5000) {
		t.Error("0x5000 should not be mapped")
	}
	if vm.AddressIsMapped(0x4100) {
		t.Error("0x4100 is the exclusive end, should not be mapped")
	}
}

func TestVMMapPagesCollisionPanics(t *testing.T) {
	path := writeTempFile(t, make([]byte, 0x1000))
	p := NewPool(Options{}.withDefaults())
	defer p.CloseAll()
	vm := NewVM(p)
	vm.MapPages(0x1000, 0x100, p.Open(path), 0)

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on overlapping mapping")
		}
	}()
	vm.MapPages(0x1080, 0x100, p.Open(path), 0)
}

func TestVMReadCString(t *testing.T) {
	data := append([]byte("hello\x00"), []byte("garbage")...)
	vm := newTestVM(t, data, 0x2000, 0, uint64(len(data)))
	s, err := vm.ReadCString(context.Background(), 0x2000)
	if err != nil {
		t.Fatalf("ReadCString: %v", err)
	}
	if s != "hello" {
		t.Errorf("ReadCString = %q, want %q", s, "hello")
	}
}

func TestReaderSequentialReads(t *testing.T) {
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:], 0xdeadbeef)
	binary.LittleEndian.PutUint64(buf[4:], 0x0102030405060708)
	vm := newTestVM(t, buf[:], 0x3000, 0, uint64(len(buf)))

	r := NewReader(context.Background(), vm, 0x3000, 8, binary.LittleEndian)
	v32, err := r.Read32()
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if v32 != 0xdeadbeef {
		t.Errorf("Read32 = %#x, want %#x", v32, 0xdeadbeef)
	}
	v64, err := r.Read64()
	if err != nil {
		t.Fatalf("Read64: %v", err)
	}
	if v64 != 0x0102030405060708 {
		t.Errorf("Read64 = %#x, want %#x", v64, 0x0102030405060708)
	}
	if r.Offset() != 0x300c {
		t.Errorf("Offset() = %#x, want %#x", r.Offset(), 0x300c)
	}
}

func TestReaderReadULEB128(t *testing.T) {
	// 300 encoded as ULEB128 is [0xAC, 0x02]
	vm := newTestVM(t, []byte{0xAC, 0x02, 0}, 0x5000, 0, 3)
	r := NewReader(context.Background(), vm, 0x5000, 8, binary.LittleEndian)
	v, err := r.ReadULEB128(0)
	if err != nil {
		t.Fatalf("ReadULEB128: %v", err)
	}
	if v != 300 {
		t.Errorf("ReadULEB128 = %d, want 300", v)
	}
}

func TestReaderReadPointerWidth(t *testing.T) {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:], 0xcafef00d)
	vm := newTestVM(t, buf[:], 0x6000, 0, 8)

	r := NewReader(context.Background(), vm, 0x6000, 4, binary.LittleEndian)
	v, err := r.ReadPointer()
	if err != nil {
		t.Fatalf("ReadPointer: %v", err)
	}
	if v != 0xcafef00d {
		t.Errorf("ReadPointer = %#x, want %#x", v, 0xcafef00d)
	}
	if r.Offset() != 0x6004 {
		t.Errorf("Offset() = %#x, want %#x", r.Offset(), 0x6004)
	}
}
