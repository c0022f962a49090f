package config

import (
	"bytes"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Version is set at build time via -ldflags.
var Version = "dev"

// Config holds all runtime configuration for the memory service.
type Config struct {
	Port        int
	StoragePath string

	// Embedding provider (pluggable HTTP endpoint).
	EmbeddingEnabled bool
	EmbeddingURL     string
	EmbeddingModel   string

	// External vector store replication.
	ChromaURL        string
	ChromaCollection string
	SyncIntervalSecs int

	// Ingest queue processing.
	IngestIntervalMs   int
	IngestBatchSize    int
	IngestMaxRetries   int
	IngestRetryDelayMs int

	// Privacy filter toggles.
	StripPrivateTags bool
	RedactSecrets    bool

	// Context injection budgets.
	ContextMaxTokens   int
	ContextMaxMemories int

	// Search strategy defaults.
	SearchUseFTS      bool
	SearchUseSemantic bool

	// Live event stream.
	SSEEnabled bool

	// Optional LLM polish for session summaries. Empty disables it.
	SummaryModel string
}

// Load reads configuration from viper, which merges flag values, env vars,
// the user config file, and defaults (set up by the cobra command in
// cmd/opencode-mem). Path values starting with "~" are expanded to the user
// home directory. The PORT env var overrides the listen port when running
// as a subprocess.
func Load() Config {
	mergeUserConfig()

	cfg := Config{
		Port:               viper.GetInt("port"),
		StoragePath:        expandHome(viper.GetString("storage_path")),
		EmbeddingEnabled:   viper.GetBool("embedding_enabled"),
		EmbeddingURL:       viper.GetString("embedding_url"),
		EmbeddingModel:     viper.GetString("embedding_model"),
		ChromaURL:          viper.GetString("chroma_url"),
		ChromaCollection:   viper.GetString("chroma_collection"),
		SyncIntervalSecs:   viper.GetInt("sync_interval"),
		IngestIntervalMs:   viper.GetInt("ingest_interval_ms"),
		IngestBatchSize:    viper.GetInt("ingest_batch_size"),
		IngestMaxRetries:   viper.GetInt("ingest_max_retries"),
		IngestRetryDelayMs: viper.GetInt("ingest_retry_delay_ms"),
		StripPrivateTags:   viper.GetBool("strip_private_tags"),
		RedactSecrets:      viper.GetBool("redact_secrets"),
		ContextMaxTokens:   viper.GetInt("context_max_tokens"),
		ContextMaxMemories: viper.GetInt("context_max_memories"),
		SearchUseFTS:       viper.GetBool("search_use_fts"),
		SearchUseSemantic:  viper.GetBool("search_use_semantic"),
		SSEEnabled:         viper.GetBool("sse_enabled"),
		SummaryModel:       viper.GetString("summary_model"),
	}

	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Port = n
		}
	}

	return cfg
}

// mergeUserConfig loads ~/.config/opencode/opencode-mem.jsonc (or the .json
// sibling) into viper beneath flags and env vars. Comments are stripped so
// the file may be annotated. A missing file is not an error.
func mergeUserConfig() {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	for _, name := range []string{"opencode-mem.jsonc", "opencode-mem.json"} {
		path := filepath.Join(home, ".config", "opencode", name)
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		viper.SetConfigType("json")
		if err := viper.MergeConfig(bytes.NewReader(StripJSONComments(raw))); err != nil {
			log.Printf("[config] %s: %v", path, err)
		}
		return
	}
}

// StripJSONComments removes // line comments and /* */ block comments from
// JSONC input, leaving string contents untouched.
func StripJSONComments(src []byte) []byte {
	out := make([]byte, 0, len(src))
	inString, inLine, inBlock := false, false, false
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case inLine:
			if c == '\n' {
				inLine = false
				out = append(out, c)
			}
		case inBlock:
			if c == '*' && i+1 < len(src) && src[i+1] == '/' {
				inBlock = false
				i++
			}
		case inString:
			out = append(out, c)
			if c == '\\' && i+1 < len(src) {
				i++
				out = append(out, src[i])
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
			out = append(out, c)
		case c == '/' && i+1 < len(src) && src[i+1] == '/':
			inLine = true
			i++
		case c == '/' && i+1 < len(src) && src[i+1] == '*':
			inBlock = true
			i++
		default:
			out = append(out, c)
		}
	}
	return out
}

// DatabasePath returns the location of the SQLite database file.
func (c Config) DatabasePath() string {
	return filepath.Join(c.StoragePath, "opencodemem.db")
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}
