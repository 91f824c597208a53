package domain

import (
	"fmt"
	"time"
)

// ProviderMode tags which storage variant satisfies the contract.
type ProviderMode string

const (
	ModeLocal   ProviderMode = "local"
	ModeDurable ProviderMode = "durable"
	ModeHybrid  ProviderMode = "hybrid"
)

// ParseProviderMode validates a mode string.
func ParseProviderMode(s string) (ProviderMode, error) {
	switch m := ProviderMode(s); m {
	case ModeLocal, ModeDurable, ModeHybrid:
		return m, nil
	}
	return "", fmt.Errorf("%w: unknown provider mode %q", ErrValidation, s)
}

// StorageInfo is the operational snapshot polled by dashboards.
type StorageInfo struct {
	Mode            ProviderMode   `json:"mode"`
	TotalSessions   int            `json:"totalSessions"`
	MaxSessions     int            `json:"maxSessions"`
	Projects        int            `json:"projects"`
	FocusedSessions int            `json:"focusedSessions"`
	ByStatus        map[Status]int `json:"byStatus"`
	Suspended       int            `json:"suspended"`
	CacheEntries    int            `json:"cacheEntries,omitempty"`
	QueueDepth      int            `json:"queueDepth,omitempty"`
	Conflicts       int            `json:"conflicts,omitempty"`
	LastFlush       *time.Time     `json:"lastFlush,omitempty"`
	LastSync        *time.Time     `json:"lastSync,omitempty"`
	Backend         string         `json:"backend,omitempty"`
	// Tiers holds per-tier detail for composite providers.
	Tiers map[string]*StorageInfo `json:"tiers,omitempty"`
}

// Health is the result of a health check.
type Health struct {
	Healthy   bool              `json:"healthy"`
	Mode      ProviderMode      `json:"mode"`
	Latency   time.Duration     `json:"latency"`
	Details   map[string]string `json:"details,omitempty"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// Capabilities describe the trade-offs of a provider mode.
type Capabilities struct {
	Mode        ProviderMode `json:"mode"`
	Persistent  bool         `json:"persistent"`
	CrossTier   bool         `json:"crossTierSync"`
	Performance string       `json:"performance"`
	Scalability string       `json:"scalability"`
	Description string       `json:"description"`
}
