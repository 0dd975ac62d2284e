package bot

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds the bot configuration.
type Config struct {
	Name     string `json:"name"`
	HTTPAddr string `json:"http_addr,omitempty"`
	DataDir  string `json:"data_dir,omitempty"`

	Matrix  MatrixConfig  `json:"matrix"`
	LLM     LLMConfig     `json:"llm"`
	Catalog CatalogConfig `json:"catalog"`
	Storage StorageConfig `json:"storage"`
	Prune   PruneConfig   `json:"prune"`
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver   string   `json:"homeserver"`    // e.g. http://synapse:8008
	UserID       string   `json:"user_id"`       // localpart
	Password     string   `json:"password"`      // can use "$MATRIX_PASSWORD"
	ServerName   string   `json:"server_name"`   // e.g. matrix.example.com
	AllowedUsers []string `json:"allowed_users"` // ":example.org" allows a server
}

// LLMConfig configures completion backends. Ids with the "anthropic/" prefix
// go to Anthropic, prefixes listed in Routes go to their endpoint, and
// everything else goes to OpenAI.
type LLMConfig struct {
	Anthropic ProviderConfig            `json:"anthropic"`
	OpenAI    ProviderConfig            `json:"openai"`
	Routes    map[string]ProviderConfig `json:"routes,omitempty"`

	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// ProviderConfig holds settings for a single provider endpoint.
type ProviderConfig struct {
	APIKey  string `json:"api_key"`            // can use "$ENV_VAR"
	BaseURL string `json:"base_url,omitempty"` // optional override
	// StripPrefix sends "deepseek-chat" instead of "deepseek/deepseek-chat".
	StripPrefix bool `json:"strip_prefix,omitempty"`
}

// CatalogConfig selects where the model catalog comes from.
type CatalogConfig struct {
	LiveURL      string            `json:"live_url,omitempty"`
	LiveAPIKey   string            `json:"live_api_key,omitempty"`
	LiveProvider string            `json:"live_provider,omitempty"`
	File         string            `json:"file,omitempty"`
	DefaultModel string            `json:"default_model,omitempty"`
	Aliases      map[string]string `json:"aliases,omitempty"`
}

// StorageConfig selects the preference store.
type StorageConfig struct {
	Driver      string `json:"driver"` // "sqlite" or "postgres"
	Path        string `json:"path,omitempty"`
	PostgresURL string `json:"postgres_url,omitempty"`
}

// PruneConfig controls the usage-stats retention job.
type PruneConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"` // cron spec or "@daily"
	MaxAgeDays int    `json:"max_age_days,omitempty"`
}

// LoadDotEnv loads a .env file into the environment if it exists. Variables
// already set win.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// LoadConfig merges the JSON file at path (optional) and the private overlay
// named by MODELSWITCH_PRIVATE_CONFIG onto env-derived defaults.
func LoadConfig(path string) (*Config, error) {
	baseJSON, err := json.Marshal(defaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("MODELSWITCH_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := os.ReadFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config %s: %w", overlay, err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.resolve()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// resolve replaces $ENV references and fills zero values.
func (c *Config) resolve() {
	c.HTTPAddr = resolveEnv(c.HTTPAddr)
	c.DataDir = resolveEnv(c.DataDir)
	c.Matrix.Homeserver = resolveEnv(c.Matrix.Homeserver)
	c.Matrix.UserID = resolveEnv(c.Matrix.UserID)
	c.Matrix.Password = resolveEnv(c.Matrix.Password)
	c.Matrix.ServerName = resolveEnv(c.Matrix.ServerName)
	c.LLM.Anthropic.APIKey = resolveEnv(c.LLM.Anthropic.APIKey)
	c.LLM.Anthropic.BaseURL = resolveEnv(c.LLM.Anthropic.BaseURL)
	c.LLM.OpenAI.APIKey = resolveEnv(c.LLM.OpenAI.APIKey)
	c.LLM.OpenAI.BaseURL = resolveEnv(c.LLM.OpenAI.BaseURL)
	for prefix, route := range c.LLM.Routes {
		route.APIKey = resolveEnv(route.APIKey)
		route.BaseURL = resolveEnv(route.BaseURL)
		c.LLM.Routes[prefix] = route
	}
	c.Catalog.LiveURL = resolveEnv(c.Catalog.LiveURL)
	c.Catalog.LiveAPIKey = resolveEnv(c.Catalog.LiveAPIKey)
	c.Storage.PostgresURL = resolveEnv(c.Storage.PostgresURL)
	c.Storage.Path = resolveEnv(c.Storage.Path)

	if c.Name == "" {
		c.Name = "modelswitch"
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = ":8080"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
	if c.Prune.Schedule == "" {
		c.Prune.Schedule = "@daily"
	}
	if c.Prune.MaxAgeDays <= 0 {
		c.Prune.MaxAgeDays = 90
	}
}

func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for sqlite")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return fmt.Errorf("storage.postgres_url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// resolveEnv replaces a "$ENV_VAR" value with the variable's value.
func resolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// defaultConfig reads MODELSWITCH_* variables, suitable for a container
// deployment with no config file.
func defaultConfig() *Config {
	dataDir := envOr("MODELSWITCH_DATA_DIR", "data")
	return &Config{
		Name:     "modelswitch",
		HTTPAddr: envOr("MODELSWITCH_HTTP_ADDR", ":8080"),
		DataDir:  dataDir,
		Matrix: MatrixConfig{
			Homeserver: envOr("MATRIX_HOMESERVER", ""),
			UserID:     envOr("MATRIX_USER", "modelbot"),
			Password:   envOr("MATRIX_PASSWORD", ""),
			ServerName: envOr("MATRIX_SERVER_NAME", ""),
		},
		LLM: LLMConfig{
			Anthropic: ProviderConfig{APIKey: envOr("ANTHROPIC_API_KEY", "")},
			OpenAI: ProviderConfig{
				APIKey:  envOr("OPENAI_API_KEY", ""),
				BaseURL: envOr("OPENAI_BASE_URL", ""),
			},
			MaxTokens: envInt("MODELSWITCH_MAX_TOKENS", 4096),
		},
		Catalog: CatalogConfig{
			LiveURL:      envOr("MODELSWITCH_CATALOG_URL", ""),
			LiveAPIKey:   envOr("MODELSWITCH_CATALOG_API_KEY", ""),
			LiveProvider: envOr("MODELSWITCH_CATALOG_PROVIDER", ""),
			File:         envOr("MODELSWITCH_CATALOG_FILE", ""),
			DefaultModel: envOr("MODELSWITCH_DEFAULT_MODEL", ""),
		},
		Storage: StorageConfig{
			Driver:      envOr("MODELSWITCH_STORAGE", "sqlite"),
			Path:        envOr("MODELSWITCH_DB_PATH", dataDir+"/prefs.db"),
			PostgresURL: envOr("MODELSWITCH_PG_URL", ""),
		},
		Prune: PruneConfig{
			Disabled:   envOr("MODELSWITCH_PRUNE_DISABLED", "") != "",
			Schedule:   envOr("MODELSWITCH_PRUNE_SCHEDULE", "@daily"),
			MaxAgeDays: envInt("MODELSWITCH_PRUNE_MAX_AGE_DAYS", 90),
		},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
