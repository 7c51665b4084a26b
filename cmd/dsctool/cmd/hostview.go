/*
Copyright © 2018-2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"sync"

	"dsctool/pkg/sharedcache"

	"github.com/apex/log"
)

// recordingHost is a HostView good enough to drive the controller
// pipeline end to end without a real analysis engine attached: it
// counts/records what would otherwise become segments, symbols, and
// analysis queue entries in a GUI host, and logs each WriteBuffer call
// at debug level so -V shows the buffer writes a real host would receive.
type recordingHost struct {
	mu sync.Mutex

	Segments     []SegmentRecord
	AutoSymbols  map[uint64]string
	Imported     map[uint64]string
	Functions    []uint64
	metadata     map[string]string
	undoDepth    int
}

// SegmentRecord is one AddSegment/AddUserSegment call, kept for the
// `load` subcommand's summary printout.
type SegmentRecord struct {
	Start, Size, DataOffset, DataSize uint64
	Flags                             sharedcache.SegmentFlags
	User                              bool
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		AutoSymbols: map[uint64]string{},
		Imported:    map[uint64]string{},
		metadata:    map[string]string{},
	}
}

func (h *recordingHost) AddSegment(start, size, dataOffset, dataSize uint64, flags sharedcache.SegmentFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Segments = append(h.Segments, SegmentRecord{start, size, dataOffset, dataSize, flags, false})
	return nil
}

func (h *recordingHost) AddUserSegment(start, size, dataOffset, dataSize uint64, flags sharedcache.SegmentFlags) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Segments = append(h.Segments, SegmentRecord{start, size, dataOffset, dataSize, flags, true})
	return nil
}

func (h *recordingHost) WriteBuffer(offset uint64, data []byte) (int, error) {
	log.Debugf("WriteBuffer: %#x (%d bytes)", offset, len(data))
	return len(data), nil
}

func (h *recordingHost) DefineAutoSymbol(addr uint64, kind sharedcache.SymbolKind, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.AutoSymbols[addr] = name
	return nil
}

func (h *recordingHost) DefineImportedSymbol(addr uint64, kind sharedcache.SymbolKind, name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Imported[addr] = name
	return nil
}

func (h *recordingHost) AddFunctionForAnalysis(addr uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Functions = append(h.Functions, addr)
	return nil
}

func (h *recordingHost) BeginUndoActions() string {
	h.mu.Lock()
	h.undoDepth++
	h.mu.Unlock()
	return "dsctool-undo"
}

func (h *recordingHost) CommitUndoActions(undoID string) {
	h.mu.Lock()
	h.undoDepth--
	h.mu.Unlock()
}

func (h *recordingHost) StoreMetadata(tag string, value string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.metadata[tag] = value
	return nil
}

func (h *recordingHost) QueryMetadata(tag string) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	v, ok := h.metadata[tag]
	return v, ok
}
