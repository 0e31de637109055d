package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the configuration of the DM server.
type Config struct {
	// Server settings
	Port           string   `envconfig:"SERVER_PORT" default:"8080"`
	LogLevel       string   `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding    string   `envconfig:"LOG_ENCODING" default:"json"`
	AllowedOrigins []string `envconfig:"ALLOWED_ORIGINS" default:"*"`

	// PostgreSQL settings
	DBHost     string `envconfig:"DB_HOST" required:"true"`
	DBPort     string `envconfig:"DB_PORT" default:"5432"`
	DBUser     string `envconfig:"DB_USER" required:"true"`
	DBPassword string `envconfig:"DB_PASSWORD" required:"true"`
	DBName     string `envconfig:"DB_NAME" required:"true"`
	DBSSLMode  string `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns int    `envconfig:"DB_MAX_CONNECTIONS" default:"10"`

	// Redis settings (recap cache). Disabled when REDIS_ADDR is empty.
	RedisAddr     string        `envconfig:"REDIS_ADDR" default:""`
	RedisPassword string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RecapCacheTTL time.Duration `envconfig:"RECAP_CACHE_TTL" default:"24h"`

	// RabbitMQ settings (lifecycle event publisher). Disabled when RABBITMQ_URL is empty.
	RabbitMQURL     string `envconfig:"RABBITMQ_URL" default:""`
	TurnEventsQueue string `envconfig:"TURN_EVENTS_QUEUE" default:"dm_turn_events"`

	// AI provider settings
	AIProvider       string        `envconfig:"AI_PROVIDER" default:"openai"` // openai or ollama
	AIAPIKey         string        `envconfig:"AI_API_KEY" default:""`
	AIBaseURL        string        `envconfig:"AI_BASE_URL" default:"https://openrouter.ai/api/v1"`
	AIModel          string        `envconfig:"AI_MODEL" default:"deepseek/deepseek-chat-v3-0324:free"`
	AITimeout        time.Duration `envconfig:"AI_TIMEOUT" default:"120s"`
	AIMaxAttempts    int           `envconfig:"AI_MAX_ATTEMPTS" default:"3"`
	AIBaseRetryDelay time.Duration `envconfig:"AI_BASE_RETRY_DELAY" default:"1s"`
	OllamaHost       string        `envconfig:"OLLAMA_HOST" default:"http://localhost:11434"`

	// Prompt settings
	PromptsDir string `envconfig:"PROMPTS_DIR" default:"prompts"`

	// Context window settings. The recent-turn tail is bounded both by token
	// budget and by turn count; oldest turns are dropped first.
	ContextMaxTokens int `envconfig:"CONTEXT_MAX_TOKENS" default:"4096"`
	ContextMaxTurns  int `envconfig:"CONTEXT_MAX_TURNS" default:"30"`

	// Turn lifecycle settings
	TurnHardTimeout  time.Duration `envconfig:"TURN_HARD_TIMEOUT" default:"180s"`
	EndGraceTimeout  time.Duration `envconfig:"END_GRACE_TIMEOUT" default:"30s"`
	SubscriberBuffer int           `envconfig:"SUBSCRIBER_BUFFER" default:"256"`
}

// GetDSN returns the PostgreSQL connection string.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig reads the configuration from environment variables.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load dm-server configuration: %w", err)
	}
	return &cfg, nil
}
