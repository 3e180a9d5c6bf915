package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v9"
)

const (
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
)

type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	GitSHA         string   `env:"GIT_SHA"`
	BuildTime      string   `env:"BUILD_TIME"`

	DB      DBConfig `envPrefix:"DB_"`
	Auth    AuthConfig
	Redis   RedisConfig   `envPrefix:"REDIS_"`
	Storage StorageConfig `envPrefix:"GCS_"`
	Chat    ChatConfig    `envPrefix:"CHAT_"`
	Log     LogConfig     `envPrefix:"LOG_"`
}

type DBConfig struct {
	Driver                 string `env:"DRIVER" envDefault:"mysql"`
	User                   string `env:"USER"`
	Password               string `env:"PASSWORD"`
	Host                   string `env:"HOST"` // e.g. tcp(host:3306) or unix(/cloudsql/instance)
	Name                   string `env:"NAME"`
	Port                   string `env:"PORT" envDefault:"3306"`
	InstanceConnectionName string `env:"INSTANCE_CONNECTION_NAME"`
	// DATABASE_URL is used when Driver is postgres.
	URL string `env:"URL"`
}

type AuthConfig struct {
	FirebaseProjectID string `env:"FIREBASE_PROJECT_ID"`
	JWTSecret         string `env:"JWT_SECRET"`
}

type RedisConfig struct {
	URL     string `env:"URL"`
	Channel string `env:"CHANNEL" envDefault:"chat:events"`
}

type StorageConfig struct {
	Bucket          string        `env:"BUCKET"`
	CredentialsFile string        `env:"CREDENTIALS_FILE"`
	SignedURLTTL    time.Duration `env:"SIGNED_URL_TTL" envDefault:"15m"`
}

type ChatConfig struct {
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"60s"`
	PersistTimeout  time.Duration `env:"PERSIST_TIMEOUT" envDefault:"5s"`
	SendBuffer      int           `env:"SEND_BUFFER" envDefault:"128"`
	MaxMessageBytes int64         `env:"MAX_MESSAGE_BYTES" envDefault:"65536"`
}

// ClientConfig configures cmd/chatcli.
type ClientConfig struct {
	APIURL          string        `env:"API_URL" envDefault:"http://localhost:8080"`
	Token           string        `env:"TOKEN"`
	UserID          string        `env:"USER_ID"`
	Role            string        `env:"ROLE" envDefault:"buyer"`
	SubmitTimeout   time.Duration `env:"SUBMIT_TIMEOUT" envDefault:"10s"`
	ReconcileWindow time.Duration `env:"RECONCILE_WINDOW" envDefault:"1m"`
	SummaryPoll     time.Duration `env:"SUMMARY_POLL" envDefault:"10s"`
	SummaryDebounce time.Duration `env:"SUMMARY_DEBOUNCE" envDefault:"300ms"`
	Log             LogConfig     `envPrefix:"LOG_"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadClient reads the CHATCLI_* environment.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "CHATCLI_"}); err != nil {
		return nil, err
	}
	if cfg.Token == "" || cfg.UserID == "" {
		return nil, fmt.Errorf("config: CHATCLI_TOKEN and CHATCLI_USER_ID are required")
	}
	if cfg.SummaryPoll <= 0 {
		cfg.SummaryPoll = 10 * time.Second
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.DB.Driver {
	case DriverMySQL:
		if c.DB.User == "" || c.DB.Name == "" || (c.DB.Host == "" && c.DB.InstanceConnectionName == "") {
			return fmt.Errorf("config: DB_USER, DB_NAME and DB_HOST are required for mysql")
		}
	case DriverPostgres:
		if c.DB.URL == "" {
			return fmt.Errorf("config: DB_URL is required for postgres")
		}
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DB.Driver)
	}
	if c.Chat.SendBuffer <= 0 {
		c.Chat.SendBuffer = 128
	}
	return nil
}
