package server

import (
	"encoding/json"

	"github.com/zeusync/nodesync/pkg/encoding"
)

// Client-issued operations.
const (
	OpSubscribe     = "subscribe"
	OpUnsubscribe   = "unsubscribe"
	OpWrite         = "write"
	OpWritePriority = "write_priority"
	OpRemove        = "remove"
)

// Server-issued notifications.
const (
	OpValue        = "value"
	OpChildAdded   = "child_added"
	OpChildMoved   = "child_moved"
	OpChildRemoved = "child_removed"
	OpError        = "error"
)

// Frame is one gateway message in either direction.
type Frame struct {
	Op       string         `json:"op"`
	Path     string         `json:"path,omitempty"`
	Key      string         `json:"key,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Priority any            `json:"priority,omitempty"`
	PrevKey  string         `json:"prev_key,omitempty"`
	Error    string         `json:"error,omitempty"`
}

var _ encoding.Serializable[Frame] = (*Frame)(nil)

func (f *Frame) Serialize() ([]byte, error) {
	return json.Marshal(f)
}

func (f *Frame) Deserialize(data []byte) error {
	return json.Unmarshal(data, f)
}
