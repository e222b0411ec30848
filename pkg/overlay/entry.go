package overlay

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	overlayPrefix = "ovl:"
	curSegment    = ":cur:"
	initSegment   = ":init:"
)

// Entry is one tracked object inside a workspace overlay. Tombstone entries
// record a pending deletion; Initial entries hold the immutable pre-edit
// snapshot taken on first write (Missing marks keys that did not exist in
// the base store at that point).
type Entry struct {
	Workspace  string    `json:"workspace"`
	Collection string    `json:"collection"`
	Key        string    `json:"key"`
	Payload    []byte    `json:"payload,omitempty"`
	Tombstone  bool      `json:"tombstone,omitempty"`
	Missing    bool      `json:"missing,omitempty"`
	Revision   string    `json:"revision"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func curKey(workspace, collection, key string) []byte {
	return []byte(overlayPrefix + workspace + curSegment + collection + ":" + key)
}

func initKey(workspace, collection, key string) []byte {
	return []byte(overlayPrefix + workspace + initSegment + collection + ":" + key)
}

func encodeEntry(e *Entry) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding overlay entry %s:%s: %w", e.Collection, e.Key, err)
	}
	return data, nil
}

func decodeEntry(data []byte) (*Entry, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decoding overlay entry: %w", err)
	}
	return &e, nil
}
