package config

// Config represents the main service configuration (tazaticket.yaml)
type Config struct {
	Name     string         `yaml:"name" json:"name"`
	Version  string         `yaml:"version" json:"version"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Memory   MemoryConfig   `yaml:"memory" json:"memory"`
	Provider ProviderConfig `yaml:"provider" json:"provider"`
	Flight   FlightConfig   `yaml:"flight" json:"flight"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig configures the webhook HTTP server
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
}

// StoreConfig configures the durable chat-history store
type StoreConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite, postgres, memory
	Path   string `yaml:"path" json:"path"`     // sqlite file path
	URL    string `yaml:"url" json:"url"`       // postgres connection string
}

// MemoryConfig configures the conversation memory manager
type MemoryConfig struct {
	SessionIdleSeconds int `yaml:"session_idle_seconds" json:"session_idle_seconds"`
	ContextPairs       int `yaml:"context_pairs" json:"context_pairs"`
	BatchPairs         int `yaml:"batch_pairs" json:"batch_pairs"`
	MaxRAMPairs        int `yaml:"max_ram_pairs" json:"max_ram_pairs"`
	FlushMaxRetries    int `yaml:"flush_max_retries" json:"flush_max_retries"`
}

// ProviderConfig configures the LLM provider
type ProviderConfig struct {
	Name    string `yaml:"name" json:"name"`   // openai
	Model   string `yaml:"model" json:"model"` // gpt-4o-mini, etc.
	APIKey  string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url,omitempty" json:"base_url,omitempty"`
}

// FlightConfig configures the outbound flight-search API
type FlightConfig struct {
	CatalogURL   string `yaml:"catalog_url,omitempty" json:"catalog_url,omitempty"`
	OAuthURL     string `yaml:"oauth_url,omitempty" json:"oauth_url,omitempty"`
	ClientID     string `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	ClientSecret string `yaml:"client_secret,omitempty" json:"client_secret,omitempty"`
	Username     string `yaml:"username,omitempty" json:"username,omitempty"`
	Password     string `yaml:"password,omitempty" json:"password,omitempty"`
	AccessGroup  string `yaml:"access_group,omitempty" json:"access_group,omitempty"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format string `yaml:"format" json:"format"` // text, json
	File   string `yaml:"file,omitempty" json:"file,omitempty"`
}
