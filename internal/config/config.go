package config

import (
	"errors"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/m-mizutani/goerr/v2"
	"github.com/spf13/viper"
)

// ClientType is the transport used to reach an MCP server.
type ClientType string

const (
	ClientTypeSSE            ClientType = "sse"
	ClientTypeStreamableHTTP ClientType = "streamable_http"
	ClientTypeStdio          ClientType = "stdio"
	// ClientTypeInProcess connects to a server living in the same binary (the labs toolset).
	ClientTypeInProcess ClientType = "inprocess"
)

// Config holds the application configuration
type Config struct {
	LLM          LLMConfig          `mapstructure:"llm"`
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	History      HistoryConfig      `mapstructure:"history"`
	MCPServers   []MCPServerConfig  `mapstructure:"mcp_servers"`
	Confirmation ConfirmationConfig `mapstructure:"confirmation"`
	Notion       NotionConfig       `mapstructure:"notion"`
	Google       GoogleConfig       `mapstructure:"google"`
	Slack        SlackConfig        `mapstructure:"slack"`
	Labs         LabsConfig         `mapstructure:"labs"`
}

// LLMConfig holds the LLM configuration
type LLMConfig struct {
	Provider        string `mapstructure:"provider"`
	BaseURL         string `mapstructure:"base_url"`
	APIKey          string `mapstructure:"api_key"`
	Model           string `mapstructure:"model"`
	NormalizerModel string `mapstructure:"normalizer_model"`
	SystemPrompt    string `mapstructure:"system_prompt"`
	MaxTurns        int    `mapstructure:"max_turns"`
}

// ServerConfig holds the server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port string `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HistoryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// MCPServerConfig describes one external tool provider.
type MCPServerConfig struct {
	Name    string            `mapstructure:"name"`
	Type    ClientType        `mapstructure:"type"`
	URL     string            `mapstructure:"url"`
	Command string            `mapstructure:"command"`
	Args    []string          `mapstructure:"args"`
	Env     map[string]string `mapstructure:"env"`
	Headers map[string]string `mapstructure:"headers"`
}

// ConfirmationConfig lists the tools that need explicit user approval.
// A zero TTL keeps pending confirmations forever.
type ConfirmationConfig struct {
	Tools []string      `mapstructure:"tools"`
	TTL   time.Duration `mapstructure:"ttl"`
}

// Requires reports whether the named tool is confirmation-gated.
func (c ConfirmationConfig) Requires(name string) bool {
	return slices.Contains(c.Tools, name)
}

type NotionConfig struct {
	APIKey     string `mapstructure:"api_key"`
	PageID     string `mapstructure:"page_id"`
	ScheduleDB string `mapstructure:"schedule_db"`
	Version    string `mapstructure:"version"`
	BaseURL    string `mapstructure:"base_url"`
}

// GoogleConfig holds the service account used to read Google Docs.
type GoogleConfig struct {
	CredentialsJSON string `mapstructure:"credentials_json"`
}

type SlackConfig struct {
	Conversation string `mapstructure:"conversation"`
}

type LabsConfig struct {
	Timezone string `mapstructure:"timezone"`
	Embedded bool   `mapstructure:"embedded"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.normalizer_model", "")
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.max_turns", 5)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("history.db_path", "history.db")
	v.SetDefault("confirmation.tools", []string{"addLabItem", "addScheduleItem"})
	v.SetDefault("confirmation.ttl", time.Duration(0))
	v.SetDefault("notion.api_key", "")
	v.SetDefault("notion.page_id", "")
	v.SetDefault("notion.schedule_db", "")
	v.SetDefault("notion.version", "2022-06-28")
	v.SetDefault("notion.base_url", "https://api.notion.com/v1")
	v.SetDefault("google.credentials_json", "")
	v.SetDefault("slack.conversation", "slack-automation")
	v.SetDefault("labs.timezone", "America/Los_Angeles")
	v.SetDefault("labs.embedded", true)
}

// Load loads the configuration from config.yaml (or the file named by CONFIG_PATH).
// Every key can be overridden from the environment with the LABS_ prefix,
// e.g. LABS_LLM_API_KEY.
func Load() (*Config, error) {
	return LoadFile(os.Getenv("CONFIG_PATH"))
}

// LoadFile is Load with an explicit config file; an empty path searches
// the working directory for config.yaml.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("LABS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, goerr.Wrap(err, "failed to read config", goerr.V("file", v.ConfigFileUsed()))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, goerr.Wrap(err, "failed to decode config")
	}

	if config.LLM.MaxTurns <= 0 {
		config.LLM.MaxTurns = 5
	}
	if config.LLM.NormalizerModel == "" {
		config.LLM.NormalizerModel = config.LLM.Model
	}

	return &config, nil
}
