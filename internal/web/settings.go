package web

import (
	"sync"

	"github.com/opencode-mem/opencode-mem/internal/config"
)

// Settings are the runtime-adjustable flags. They start from config and
// change through the settings endpoint without a restart.
type Settings struct {
	SearchUseFTS      bool `json:"search_use_fts"`
	SearchUseSemantic bool `json:"search_use_semantic"`
	SSEEnabled        bool `json:"sse_enabled"`
	StripPrivateTags  bool `json:"strip_private_tags"`
	RedactSecrets     bool `json:"redact_secrets"`
}

// settingsRegistry guards runtime settings for concurrent handler access.
type settingsRegistry struct {
	mu sync.RWMutex
	s  Settings
}

func newSettingsRegistry(cfg *config.Config) *settingsRegistry {
	return &settingsRegistry{
		s: Settings{
			SearchUseFTS:      cfg.SearchUseFTS,
			SearchUseSemantic: cfg.SearchUseSemantic,
			SSEEnabled:        cfg.SSEEnabled,
			StripPrivateTags:  cfg.StripPrivateTags,
			RedactSecrets:     cfg.RedactSecrets,
		},
	}
}

func (r *settingsRegistry) get() Settings {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.s
}

func (r *settingsRegistry) set(s Settings) {
	r.mu.Lock()
	r.s = s
	r.mu.Unlock()
}
