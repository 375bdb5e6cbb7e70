package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultModel    = "nova-2"
	DefaultLanguage = "en-US"
	DefaultChunkMs  = 250
)

// Config holds everything the session manager needs to start a recording.
// The API key is intentionally allowed to be empty here: presence is
// validated at session start, not at load time.
type Config struct {
	APIKey        string
	Model         string
	Language      string
	SmartFormat   bool
	ChunkInterval time.Duration
}

// Load reads configuration from the environment, after loading a .env file
// from the working directory if one exists.
func Load() (Config, error) {
	godotenv.Load()

	cfg := Config{
		APIKey:        os.Getenv("DEEPGRAM_API_KEY"),
		Model:         DefaultModel,
		Language:      DefaultLanguage,
		SmartFormat:   true,
		ChunkInterval: DefaultChunkMs * time.Millisecond,
	}

	if v := os.Getenv("SCRIBE_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("SCRIBE_LANGUAGE"); v != "" {
		cfg.Language = v
	}
	if v := os.Getenv("SCRIBE_SMART_FORMAT"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("SCRIBE_SMART_FORMAT: %w", err)
		}
		cfg.SmartFormat = b
	}
	if v := os.Getenv("SCRIBE_CHUNK_MS"); v != "" {
		ms, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("SCRIBE_CHUNK_MS: %w", err)
		}
		if ms <= 0 {
			return Config{}, fmt.Errorf("SCRIBE_CHUNK_MS must be positive, got %d", ms)
		}
		cfg.ChunkInterval = time.Duration(ms) * time.Millisecond
	}

	return cfg, nil
}
