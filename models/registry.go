package models

import (
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// ModelInfo is the in-memory projection of a registry entry that the router
// selects over. Latency and Available are runtime state layered on top of the
// persisted ModelConfig.
type ModelInfo struct {
	ID           string   `json:"id"`
	Provider     string   `json:"provider"`
	Capabilities []string `json:"capabilities"`
	Cost         float64  `json:"cost"`    // USD per 1K tokens
	Quality      float64  `json:"quality"` // 0..1
	MaxTokens    int      `json:"max_tokens"`
	Latency      float64  `json:"latency"` // rolling average ms
	Priority     int      `json:"priority"`
	Available    bool     `json:"available"`
}

// HasCapability reports whether the model advertises the given tag.
func (m *ModelInfo) HasCapability(tag string) bool {
	for _, c := range m.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Covers reports whether the model's capabilities include every required tag.
func (m *ModelInfo) Covers(required []string) bool {
	return m.Coverage(required) == len(required)
}

// Coverage counts how many of the required tags the model advertises.
func (m *ModelInfo) Coverage(required []string) int {
	n := 0
	for _, tag := range required {
		if m.HasCapability(tag) {
			n++
		}
	}
	return n
}

// latencyWindowSize bounds the rolling per-model latency samples.
const latencyWindowSize = 10

// LatencyWindow is a bounded ring of the last measured per-call latencies.
// Safe for concurrent use.
type LatencyWindow struct {
	mu      sync.Mutex
	samples [latencyWindowSize]float64
	next    int
	count   int
}

// Record adds one latency sample in milliseconds.
func (w *LatencyWindow) Record(ms float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencyWindowSize
	if w.count < latencyWindowSize {
		w.count++
	}
}

// Average returns the mean of the recorded samples, or 0 when empty.
func (w *LatencyWindow) Average() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.samples[i]
	}
	return sum / float64(w.count)
}

// ConfigEntry is one row of the dynamic configuration store. Encrypted
// credentials live under "api_key.<provider>" keys.
type ConfigEntry struct {
	Key       string    `json:"key" gorm:"primaryKey;column:key"`
	Value     string    `json:"value" gorm:"column:value;type:text"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName keeps the table name singular to match the deployed schema.
func (ConfigEntry) TableName() string {
	return "config"
}

// ModelConfig is the persisted model catalog row.
type ModelConfig struct {
	ID           string         `json:"id" gorm:"primaryKey"`
	Name         string         `json:"name"`
	Provider     string         `json:"provider" gorm:"index"`
	Enabled      bool           `json:"enabled"`
	Priority     int            `json:"priority"`
	Capabilities pq.StringArray `json:"capabilities" gorm:"type:text[]"`
	Config       datatypes.JSON `json:"config" gorm:"type:jsonb"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (ModelConfig) TableName() string {
	return "model_config"
}

// ModelParams is the shape of ModelConfig.Config.
type ModelParams struct {
	Cost      float64 `json:"cost_per_1k_tokens"`
	Quality   float64 `json:"quality"`
	MaxTokens int     `json:"max_tokens"`
	LatencyMs float64 `json:"avg_latency_ms"`
	BaseURL   string  `json:"base_url,omitempty"`
}

// ConfigChangeEvent is delivered to dynamic-config listeners on every write.
type ConfigChangeEvent struct {
	Key       string    `json:"key"`
	OldValue  string    `json:"old_value"`
	NewValue  string    `json:"new_value"`
	Timestamp time.Time `json:"timestamp"`
}
