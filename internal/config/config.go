// Package config loads server and daemon configuration. The server reads
// environment variables (a .env file is honored when present); the daemon
// reads a YAML file with environment expansion plus flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server holds the cloud-side configuration.
type Server struct {
	Port            int
	MongoURI        string
	AnthropicAPIKey string
	TokenSecret     string

	QueryMaxLen      int
	TaskBudget       time.Duration
	Heartbeat        time.Duration
	ConversationTTL  time.Duration
	MaxAgentsPerUser int
}

// LoadServer reads server configuration from the environment. A .env file in
// the working directory is loaded first if present.
func LoadServer() (Server, error) {
	_ = godotenv.Load()

	c := Server{
		Port:            envInt("PORT", 8080),
		MongoURI:        os.Getenv("MONGODB_URI"),
		AnthropicAPIKey: os.Getenv("ANTHROPIC_API_KEY"),
		TokenSecret:     os.Getenv("DAEMON_TOKEN_SECRET"),

		QueryMaxLen:      envInt("QUERY_MAX_LEN", 2000),
		TaskBudget:       envMillis("TASK_BUDGET_MS", 120_000),
		Heartbeat:        envMillis("HEARTBEAT_MS", 30_000),
		ConversationTTL:  envMillis("CONVERSATION_TTL_MS", 14_400_000),
		MaxAgentsPerUser: envInt("MAX_AGENTS_PER_USER", 3),
	}

	if c.MongoURI == "" {
		return c, fmt.Errorf("MONGODB_URI is required")
	}
	if c.TokenSecret == "" {
		return c, fmt.Errorf("DAEMON_TOKEN_SECRET is required")
	}
	return c, nil
}

// Daemon holds the desktop-side configuration.
type Daemon struct {
	ServerURL    string `yaml:"ServerURL"`
	Token        string `yaml:"Token"`
	GeminiAPIKey string `yaml:"GeminiAPIKey"`

	CLICommand string   `yaml:"CLICommand"`
	CLIArgs    []string `yaml:"CLIArgs"`
	WorkDir    string   `yaml:"WorkDir"`
	Capacity   int      `yaml:"Capacity"`

	HeartbeatMS int `yaml:"HeartbeatMS"`
}

// HeartbeatInterval returns the heartbeat period.
func (d Daemon) HeartbeatInterval() time.Duration {
	return time.Duration(d.HeartbeatMS) * time.Millisecond
}

// LoadDaemon loads daemon configuration from a YAML file with environment
// variable expansion, then applies defaults and env fallbacks.
func LoadDaemon(path string) (Daemon, error) {
	var c Daemon
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return c, fmt.Errorf("read daemon config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &c); err != nil {
			return c, fmt.Errorf("parse daemon config: %w", err)
		}
	}
	applyDaemonDefaults(&c)

	if c.ServerURL == "" {
		return c, fmt.Errorf("ServerURL (or DAEMON_SERVER_URL) is required")
	}
	if c.Token == "" {
		return c, fmt.Errorf("Token (or DAEMON_TOKEN) is required")
	}
	return c, nil
}

func applyDaemonDefaults(c *Daemon) {
	if c.ServerURL == "" {
		c.ServerURL = os.Getenv("DAEMON_SERVER_URL")
	}
	if c.Token == "" {
		c.Token = os.Getenv("DAEMON_TOKEN")
	}
	if c.GeminiAPIKey == "" {
		c.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	}
	if c.CLICommand == "" {
		c.CLICommand = "claude"
	}
	if c.WorkDir == "" {
		home, _ := os.UserHomeDir()
		c.WorkDir = home
	}
	if c.Capacity == 0 {
		c.Capacity = 3
	}
	if c.HeartbeatMS == 0 {
		c.HeartbeatMS = 30_000
	}
}

func envInt(key string, def int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

func envMillis(key string, defMS int) time.Duration {
	return time.Duration(envInt(key, defMS)) * time.Millisecond
}
