// Package config loads environment-driven settings: which oracle
// provider to use for cleaning/arbitration and its credential, and the
// SerpAPI credential for the web-search branch.
package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
)

// Provider identifies which remote LLM backend the Oracle should call.
type Provider string

const (
	ProviderOffline   Provider = "offline"
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
)

// Oracle holds the resolved provider and credential for the cleaning
// Oracle. When APIKey is empty the pipeline must fall back to the
// offline heuristic implementation.
type Oracle struct {
	Provider Provider
	APIKey   string
	Model    string
}

// Load reads a .env file (if present) and returns the Oracle config
// derived from the environment, mirroring the teacher's
// godotenv.Load + os.Getenv pattern.
func Load() Oracle {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file loaded: %v", err)
	}

	provider := Provider(os.Getenv("ORACLE_PROVIDER"))
	if provider == "" {
		provider = ProviderOffline
	}

	var key string
	switch provider {
	case ProviderOpenAI:
		key = os.Getenv("OPENAI_API_KEY")
	case ProviderAnthropic:
		key = os.Getenv("ANTHROPIC_API_KEY")
	case ProviderGemini:
		key = os.Getenv("GEMINI_API_KEY")
	}

	if provider != ProviderOffline && key == "" {
		log.Printf("[config] provider %q requested but no API key set, falling back to offline", provider)
		provider = ProviderOffline
	}

	model := os.Getenv("ORACLE_MODEL")
	return Oracle{Provider: provider, APIKey: key, Model: model}
}

// SerpAPIKey returns the configured SerpAPI credential for the web
// search branch, or "" if unset.
func SerpAPIKey() string {
	return os.Getenv("SERPAPI_KEY")
}
