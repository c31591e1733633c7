package protocol

import "encoding/json"

// RejectedMutation names a mutation the server skipped and why.
type RejectedMutation struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

// UploadResponse is returned by POST /sync/upload.
type UploadResponse struct {
	AcceptedIDs   []string           `json:"acceptedIds"`
	ServerVersion int64              `json:"serverVersion"`
	Rejected      []RejectedMutation `json:"rejected,omitempty"`
}

// Row is a single changefeed entry.
type Row struct {
	Table   string          `json:"table"`
	ID      string          `json:"id"`
	Version int64           `json:"version"`
	Op      ChangeKind      `json:"op"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// PullResponse is returned by GET /sync/pull.
type PullResponse struct {
	Rows          []Row `json:"rows"`
	ServerVersion int64 `json:"serverVersion"`
	HasMore       bool  `json:"hasMore"`
}

// ChangefeedEvent is pushed over /sync/events when the changefeed advances.
type ChangefeedEvent struct {
	Type          string   `json:"type"`
	ServerVersion int64    `json:"serverVersion"`
	Tables        []string `json:"tables,omitempty"`
}

// Event types carried by ChangefeedEvent.
const (
	EventChangefeedAdvanced = "changefeed-advanced"
	EventHeartbeat          = "heartbeat"
)
