package sharedcache

import (
	"encoding/json"
	"testing"
)

func TestSaveAndLoadStateRoundTrip(t *testing.T) {
	c := NewController(nil, nil, nil, Options{})

	data, err := c.SaveState()
	if err != nil {
		t.Fatalf("SaveState: %v", err)
	}

	var probe struct {
		MetadataVersion int       `json:"metadataVersion"`
		ViewState       ViewState `json:"viewState"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if probe.MetadataVersion != currentMetadataVersion {
		t.Errorf("MetadataVersion = %d, want %d", probe.MetadataVersion, currentMetadataVersion)
	}

	c2 := NewController(nil, nil, nil, Options{})
	if err := c2.LoadState(data); err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if c2.ViewState() != Unloaded {
		t.Errorf("ViewState() = %v, want Unloaded", c2.ViewState())
	}
}

func TestLoadStateRejectsVersionMismatch(t *testing.T) {
	c := NewController(nil, nil, nil, Options{})
	bad, _ := json.Marshal(map[string]any{"metadataVersion": 999})

	err := c.LoadState(bad)
	if err != ErrMetadataVersionMismatch {
		t.Fatalf("LoadState error = %v, want ErrMetadataVersionMismatch", err)
	}
}
