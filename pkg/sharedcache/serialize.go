package sharedcache

import (
	"bytes"
	"encoding/gob"
	"encoding/json"

	"github.com/pkg/errors"
)

// currentMetadataVersion is bumped whenever persistedState's on-disk
// shape changes incompatibly. LoadState refuses to load anything
// written by a different version rather than guess at a migration.
const currentMetadataVersion = 1

// SaveState serializes the controller's current persisted state to
// JSON. It never mutates the controller -- callers typically stash the
// result as host-view metadata (see HostView.StoreMetadata) and
// reload it on the next session via LoadState.
func (c *Controller) SaveState() ([]byte, error) {
	c.mu.Lock()
	st := c.state()
	c.mu.Unlock()

	buf, err := json.Marshal(st)
	if err != nil {
		return nil, errors.Wrap(err, "sharedcache: marshal state")
	}
	return buf, nil
}

// LoadState replaces the controller's persisted state with a
// previously-saved snapshot. It returns ErrMetadataVersionMismatch,
// leaving the controller Unloaded, if the snapshot was written by an
// incompatible version. Runtime-only fields (mapped-file handles,
// locks) are never part of the snapshot and are left untouched.
func (c *Controller) LoadState(data []byte) error {
	var probe struct {
		MetadataVersion int `json:"metadataVersion"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return errors.Wrap(err, "sharedcache: probe state version")
	}
	if probe.MetadataVersion != currentMetadataVersion {
		c.mu.Lock()
		c.handle.mu.Lock()
		c.handle.state = (*persistedState)(nil).clone()
		c.handle.shared.Store(false)
		c.handle.mu.Unlock()
		c.mu.Unlock()
		return ErrMetadataVersionMismatch
	}

	st := &persistedState{}
	if err := json.Unmarshal(data, st); err != nil {
		return errors.Wrap(err, "sharedcache: unmarshal state")
	}
	if st.Headers == nil {
		st.Headers = map[uint64]MachOHeader{}
	}
	if st.ImageStarts == nil {
		st.ImageStarts = map[string]uint64{}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle.mu.Lock()
	c.handle.state = st
	c.handle.shared.Store(false)
	c.handle.mu.Unlock()
	return nil
}

// localSymbolCache is the gob envelope for SaveLocalSymbolCache: kept
// separate from persistedState's JSON snapshot because it can be large
// (every stripped local in the cache) and is cheap to recompute from
// the cache file via ReadLocalSymbols, so versioning it as strictly as
// currentMetadataVersion would buy nothing.
type localSymbolCache struct {
	Symbols map[uint64][]ExportInfo
}

// SaveLocalSymbolCache gob-encodes the local-symbol table built during
// PerformInitialLoad, keyed by image header VA. Returns a nil slice,
// nil error if the cache carried no local symbols chunk.
func (c *Controller) SaveLocalSymbolCache() ([]byte, error) {
	c.mu.Lock()
	st := c.state()
	c.mu.Unlock()
	if len(st.LocalSymbols) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(localSymbolCache{Symbols: st.LocalSymbols}); err != nil {
		return nil, errors.Wrap(err, "sharedcache: gob-encode local symbol cache")
	}
	return buf.Bytes(), nil
}

// LoadLocalSymbolCache replaces the controller's in-memory local-symbol
// table with a previously-saved one, skipping the cache-file re-parse
// ReadLocalSymbols would otherwise require. Safe to call with an empty
// slice, which leaves the current table untouched.
func (c *Controller) LoadLocalSymbolCache(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	var cache localSymbolCache
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&cache); err != nil {
		return errors.Wrap(err, "sharedcache: gob-decode local symbol cache")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.willMutateState()
	st.LocalSymbols = cache.Symbols
	return nil
}
