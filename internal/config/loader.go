package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	ticketErrors "github.com/HummdG/tazaticket/internal/errors"
)

// Load loads the service configuration from dir/tazaticket.yaml.
// Precedence: defaults -> yaml file (with ${env.VAR} interpolation) ->
// environment overrides.
func Load(dir string) (*Config, error) {
	// .env is optional; ignore a missing file.
	_ = godotenv.Load(filepath.Join(dir, ".env"))

	cfg := defaultConfig()

	configFile := filepath.Join(dir, "tazaticket.yaml")
	content, err := os.ReadFile(configFile)
	if err == nil {
		content = []byte(interpolateEnv(string(content)))
		if err := yaml.Unmarshal(content, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnv(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// interpolateEnv replaces ${env.VAR} and ${VAR} with environment values
func interpolateEnv(content string) string {
	envPattern := regexp.MustCompile(`\$\{env\.([^}]+)\}`)
	content = envPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := envPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match // keep original if not found
	})

	varPattern := regexp.MustCompile(`\$\{([^}]+)\}`)
	content = varPattern.ReplaceAllStringFunc(content, func(match string) string {
		varName := varPattern.FindStringSubmatch(match)[1]
		if val := os.Getenv(varName); val != "" {
			return val
		}
		return match
	})

	return content
}

// applyEnv maps the flat environment surface onto the config. Environment
// values win over the yaml file so container deployments can override
// without editing files.
func applyEnv(cfg *Config) {
	applyString("HOST", &cfg.Server.Host)
	applyInt("PORT", &cfg.Server.Port)

	applyString("STORE_DRIVER", &cfg.Store.Driver)
	applyString("CHAT_HISTORY_PATH", &cfg.Store.Path)
	applyString("DATABASE_URL", &cfg.Store.URL)

	applyInt("SESSION_IDLE_SECONDS", &cfg.Memory.SessionIdleSeconds)
	applyInt("CONTEXT_PAIRS", &cfg.Memory.ContextPairs)
	applyInt("BATCH_PAIRS", &cfg.Memory.BatchPairs)
	applyInt("MAX_RAM_PAIRS", &cfg.Memory.MaxRAMPairs)
	applyInt("FLUSH_MAX_RETRIES", &cfg.Memory.FlushMaxRetries)

	applyString("OPENAI_API_KEY", &cfg.Provider.APIKey)
	applyString("OPENAI_BASE_URL", &cfg.Provider.BaseURL)
	applyString("LLM_MODEL", &cfg.Provider.Model)

	applyString("TRAVELPORT_CATALOG_URL", &cfg.Flight.CatalogURL)
	applyString("TRAVELPORT_OAUTH_URL", &cfg.Flight.OAuthURL)
	applyString("TRAVELPORT_CLIENT_ID", &cfg.Flight.ClientID)
	applyString("TRAVELPORT_CLIENT_SECRET", &cfg.Flight.ClientSecret)
	applyString("TRAVELPORT_USERNAME", &cfg.Flight.Username)
	applyString("TRAVELPORT_PASSWORD", &cfg.Flight.Password)
	applyString("TRAVELPORT_ACCESS_GROUP", &cfg.Flight.AccessGroup)

	applyString("LOG_LEVEL", &cfg.Logging.Level)
	applyString("LOG_FORMAT", &cfg.Logging.Format)
	applyString("LOG_FILE", &cfg.Logging.File)
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func defaultConfig() *Config {
	return &Config{
		Name:    "tazaticket",
		Version: "1.0",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8000,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   ".tazaticket/chat_history.db",
		},
		Memory: MemoryConfig{
			SessionIdleSeconds: 21600, // 6 hours
			ContextPairs:       15,
			BatchPairs:         10,
			MaxRAMPairs:        50,
			FlushMaxRetries:    3,
		},
		Provider: ProviderConfig{
			Name:  "openai",
			Model: "gpt-4o-mini",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8000
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = "sqlite"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = ".tazaticket/chat_history.db"
	}
	if cfg.Memory.SessionIdleSeconds == 0 {
		cfg.Memory.SessionIdleSeconds = 21600
	}
	if cfg.Memory.ContextPairs == 0 {
		cfg.Memory.ContextPairs = 15
	}
	if cfg.Memory.BatchPairs == 0 {
		cfg.Memory.BatchPairs = 10
	}
	if cfg.Memory.MaxRAMPairs == 0 {
		cfg.Memory.MaxRAMPairs = 50
	}
	if cfg.Memory.FlushMaxRetries == 0 {
		cfg.Memory.FlushMaxRetries = 3
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = "openai"
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = "gpt-4o-mini"
	}
	if cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validate(cfg *Config) error {
	if cfg.Memory.ContextPairs < 1 {
		return ticketErrors.New(ticketErrors.CodeConfigInvalid, "context_pairs must be at least 1")
	}
	if cfg.Memory.BatchPairs < 1 {
		return ticketErrors.New(ticketErrors.CodeConfigInvalid, "batch_pairs must be at least 1")
	}
	if cfg.Memory.MaxRAMPairs < cfg.Memory.ContextPairs {
		return ticketErrors.New(ticketErrors.CodeConfigInvalid,
			"max_ram_pairs must not be smaller than context_pairs").
			WithSuggestion("Raise MAX_RAM_PAIRS or lower CONTEXT_PAIRS")
	}
	if cfg.Memory.SessionIdleSeconds < 1 {
		return ticketErrors.New(ticketErrors.CodeConfigInvalid, "session_idle_seconds must be positive")
	}
	switch cfg.Store.Driver {
	case "sqlite", "memory":
	case "postgres":
		if strings.TrimSpace(cfg.Store.URL) == "" {
			return ticketErrors.New(ticketErrors.CodeConfigInvalid,
				"postgres store requires a connection URL").
				WithSuggestion("Set DATABASE_URL or store.url in tazaticket.yaml")
		}
	default:
		return ticketErrors.New(ticketErrors.CodeConfigInvalid,
			fmt.Sprintf("unsupported store driver: %s", cfg.Store.Driver))
	}
	return nil
}
