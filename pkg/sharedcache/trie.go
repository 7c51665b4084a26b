package sharedcache

import (
	"context"

	"github.com/pkg/errors"
)

const exportSymbolFlagsReexport = 0x8

// trieFrame is one node awaiting expansion on the walker's explicit
// stack. Using a stack instead of native recursion means a
// pathologically deep or cyclic trie degrades the heap, not the Go
// stack -- the same reasoning pkg/dyld's own trie walker already
// follows. Like that walker, this one reads a single flat buffer.
type trieFrame struct {
	nodeOffset uint64
	prefix     string
}

// sectionClassifier reports whether address falls inside a section
// whose attributes mark it executable (PURE_INSTRUCTIONS or
// SOME_INSTRUCTIONS). Passed in by the controller, which has the
// MachOHeader's section table; the trie walker itself holds no header
// state.
type sectionClassifier func(address uint64) bool

// hasAnalysisFunction lets the controller tell the walker whether the
// host already has a function defined at a candidate address; when
// true that alone is enough to classify the export as a function.
type hasAnalysisFunction func(address uint64) bool

// WalkExportTrie walks the export trie held in data with an explicit
// stack, starting at offset 0, calling hasFunc and classifyExec for
// each terminal node to decide FunctionSymbol vs DataSymbol. It returns
// every (name, address, kind) triple reachable from the root.
//
// The end guard is len(data); any read at or past it aborts with
// ErrTrieRead, matching the original walker's cursor bound.
func WalkExportTrie(ctx context.Context, data []byte, textBase uint64, classifyExec sectionClassifier, hasFunc hasAnalysisFunction) ([]ExportInfo, error) {
	endGuard := uint64(len(data))
	var out []ExportInfo
	stack := []trieFrame{{nodeOffset: 0, prefix: ""}}

	for len(stack) > 0 {
		frame := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		cursor := frame.nodeOffset
		if cursor > endGuard {
			return nil, errors.Wrapf(ErrTrieRead, "node offset %#x past end guard %#x", cursor, endGuard)
		}

		terminalSize, cursor, err := readULEB128Bytes(data, cursor, endGuard)
		if err != nil {
			return nil, err
		}
		childCursor := cursor

		if terminalSize != 0 {
			termStart := cursor
			flags, c2, err := readULEB128Bytes(data, cursor, endGuard)
			if err != nil {
				return nil, err
			}
			cursor = c2

			if flags&exportSymbolFlagsReexport == 0 {
				imageOffset, c3, err := readULEB128Bytes(data, cursor, endGuard)
				if err != nil {
					return nil, err
				}
				cursor = c3

				addr := textBase + imageOffset
				kind := DataSymbol
				if (hasFunc != nil && hasFunc(addr)) || (classifyExec != nil && classifyExec(addr)) {
					kind = FunctionSymbol
				}
				out = append(out, ExportInfo{Name: frame.prefix, Address: addr, Kind: kind})
			}
			childCursor = termStart + terminalSize
		}

		if childCursor >= endGuard {
			return nil, errors.Wrapf(ErrTrieRead, "child section offset %#x past end guard", childCursor)
		}
		childCount := data[childCursor]
		childCursor++

		for i := byte(0); i < childCount; i++ {
			suffixStart := childCursor
			for childCursor < endGuard && data[childCursor] != 0 {
				childCursor++
			}
			if childCursor >= endGuard {
				return nil, errors.Wrap(ErrTrieRead, "unterminated child edge label")
			}
			suffix := string(data[suffixStart:childCursor])
			childCursor++ // skip the NUL

			next, c4, err := readULEB128Bytes(data, childCursor, endGuard)
			if err != nil {
				return nil, err
			}
			childCursor = c4
			if next == 0 {
				return nil, errors.Wrap(ErrTrieRead, "zero child node offset")
			}
			stack = append(stack, trieFrame{nodeOffset: next, prefix: frame.prefix + suffix})
		}
	}
	return out, nil
}

// readULEB128Bytes reads an unsigned LEB128 value out of a plain byte
// slice, refusing to read at or past limit.
func readULEB128Bytes(data []byte, cursor, limit uint64) (uint64, uint64, error) {
	var result uint64
	var shift uint
	for {
		if cursor >= limit {
			return 0, cursor, errors.Wrap(ErrTrieRead, "ULEB128 ran past end guard")
		}
		b := data[cursor]
		cursor++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, cursor, nil
}
