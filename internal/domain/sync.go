package domain

import "time"

// StorageEvent is delivered to every store handle except the writer whenever a key changes.
type StorageEvent struct {
	Key      string
	NewValue string
	Removed  bool
	Origin   string
}

// SyncStatus reports the outcome of a forced sync.
type SyncStatus struct {
	Synced int `json:"synced"`
	Total  int `json:"total"`
}

// Environment is a coarse classification of the client a registry runs for.
type Environment struct {
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Status is the diagnostic snapshot exposed to dashboards.
type Status struct {
	InstanceID   string         `json:"instanceId"`
	Partitions   map[string]int `json:"partitions"`
	LastSyncTime *time.Time     `json:"lastSyncTime,omitempty"`
	Environment  Environment    `json:"environment"`
	AutoSync     bool           `json:"autoSync"`
	Version      string         `json:"version"`
}
