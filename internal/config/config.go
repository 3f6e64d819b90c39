package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

var (
	ErrNoMarkets        = errors.New("no markets configured")
	ErrBadMarket        = errors.New("market must be condition:main:counter")
	ErrBadHouseAddress  = errors.New("house address is not a hex address")
	ErrMissingAPIKey    = errors.New("credentials.api_key is required")
	ErrMissingAPISecret = errors.New("credentials.secret or credentials.secret_ciphertext is required")
)

// Config holds all application configuration.
type Config struct {
	Env                string `mapstructure:"env"`
	LocalStackEndpoint string `mapstructure:"localstack_endpoint"`
	Exchange           ExchangeConfig
	Credentials        CredentialsConfig
	Stream             StreamConfig
	Monitor            MonitorConfig
	Markets            []Market
	DB                 DBConfig
	Redis              RedisConfig
	Health             HealthConfig
}

// ExchangeConfig holds the CLOB endpoints and the house account.
type ExchangeConfig struct {
	RESTURL      string `mapstructure:"rest_url"`
	WSURL        string `mapstructure:"ws_url"`
	HouseAddress string `mapstructure:"house_address"`
}

// CredentialsConfig holds the L2 API credentials. The secret is given either
// in plain text or as a base64 KMS ciphertext.
type CredentialsConfig struct {
	APIKey           string `mapstructure:"api_key"`
	Secret           string `mapstructure:"secret"`
	SecretCiphertext string `mapstructure:"secret_ciphertext"`
	Passphrase       string `mapstructure:"passphrase"`
	KMSKeyID         string `mapstructure:"kms_key_id"`
	AWSRegion        string `mapstructure:"aws_region"`
}

// Encrypted reports whether the secret must be decrypted through KMS.
func (c CredentialsConfig) Encrypted() bool {
	return c.Secret == "" && c.SecretCiphertext != ""
}

// StreamConfig holds WebSocket cadence settings.
type StreamConfig struct {
	PingInterval    time.Duration `mapstructure:"ping_interval"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
	ReconnectDelay  time.Duration `mapstructure:"reconnect_delay"`
	ReadBufferSize  int           `mapstructure:"read_buffer_size"`
	WriteBufferSize int           `mapstructure:"write_buffer_size"`
}

// MonitorConfig holds the refresh cycle and trading gate settings.
type MonitorConfig struct {
	RefreshInterval       time.Duration `mapstructure:"refresh_interval"`
	StaleAfter            time.Duration `mapstructure:"stale_after"`
	CoolOff               time.Duration `mapstructure:"cool_off"`
	MaxCrossCheckFailures int           `mapstructure:"max_cross_check_failures"`
	StrictComplement      bool          `mapstructure:"strict_complement"`
	ValidateNet           bool          `mapstructure:"validate_net"`
}

// Market is one binary market: its condition id and the two asset ids.
type Market struct {
	ConditionID    string
	MainAssetID    string
	CounterAssetID string
}

// DBConfig holds PostgreSQL connection settings for the audit store.
type DBConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the PostgreSQL connection string.
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

// RedisConfig holds Redis connection settings for the quote writer.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// HealthConfig holds the gRPC health endpoint settings. Addr may be
// "unix:/path" for a Unix domain socket.
type HealthConfig struct {
	Addr           string        `mapstructure:"addr"`
	UpdateInterval time.Duration `mapstructure:"update_interval"`
}

// Load reads configuration from environment variables prefixed with BOOKD_
// and, when BOOKD_CONFIG_FILE is set, from that YAML file. Environment
// variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("BOOKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := os.Getenv("BOOKD_CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	v.SetDefault("env", "development")

	// Exchange defaults
	v.SetDefault("exchange.rest_url", "https://clob.polymarket.com")
	v.SetDefault("exchange.ws_url", "wss://ws-subscriptions-clob.polymarket.com/ws")
	v.SetDefault("exchange.house_address", "")

	// Credential defaults
	v.SetDefault("credentials.api_key", "")
	v.SetDefault("credentials.secret", "")
	v.SetDefault("credentials.secret_ciphertext", "")
	v.SetDefault("credentials.passphrase", "")
	v.SetDefault("credentials.kms_key_id", "")
	v.SetDefault("credentials.aws_region", "us-east-1")

	// Stream defaults
	v.SetDefault("stream.ping_interval", 10*time.Second)
	v.SetDefault("stream.connect_timeout", 5*time.Second)
	v.SetDefault("stream.ping_timeout", 5*time.Second)
	v.SetDefault("stream.reconnect_delay", 2*time.Second)
	v.SetDefault("stream.read_buffer_size", 4096)
	v.SetDefault("stream.write_buffer_size", 4096)

	// Monitor defaults
	v.SetDefault("monitor.refresh_interval", time.Second)
	v.SetDefault("monitor.stale_after", 5*time.Second)
	v.SetDefault("monitor.cool_off", 2*time.Second)
	v.SetDefault("monitor.max_cross_check_failures", 3)
	v.SetDefault("monitor.strict_complement", false)
	v.SetDefault("monitor.validate_net", true)

	v.SetDefault("markets", "")

	// DB defaults
	v.SetDefault("db.enabled", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "bookd")
	v.SetDefault("db.password", "bookd")
	v.SetDefault("db.dbname", "bookd")
	v.SetDefault("db.sslmode", "disable")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Health defaults
	v.SetDefault("health.addr", ":50051")
	v.SetDefault("health.update_interval", time.Second)

	cfg := &Config{}

	cfg.Env = v.GetString("env")
	cfg.LocalStackEndpoint = v.GetString("localstack_endpoint")

	cfg.Exchange = ExchangeConfig{
		RESTURL:      v.GetString("exchange.rest_url"),
		WSURL:        v.GetString("exchange.ws_url"),
		HouseAddress: v.GetString("exchange.house_address"),
	}
	if cfg.Exchange.HouseAddress != "" && !common.IsHexAddress(cfg.Exchange.HouseAddress) {
		return nil, fmt.Errorf("%w: %q", ErrBadHouseAddress, cfg.Exchange.HouseAddress)
	}

	cfg.Credentials = CredentialsConfig{
		APIKey:           v.GetString("credentials.api_key"),
		Secret:           v.GetString("credentials.secret"),
		SecretCiphertext: v.GetString("credentials.secret_ciphertext"),
		Passphrase:       v.GetString("credentials.passphrase"),
		KMSKeyID:         v.GetString("credentials.kms_key_id"),
		AWSRegion:        v.GetString("credentials.aws_region"),
	}

	cfg.Stream = StreamConfig{
		PingInterval:    v.GetDuration("stream.ping_interval"),
		ConnectTimeout:  v.GetDuration("stream.connect_timeout"),
		PingTimeout:     v.GetDuration("stream.ping_timeout"),
		ReconnectDelay:  v.GetDuration("stream.reconnect_delay"),
		ReadBufferSize:  v.GetInt("stream.read_buffer_size"),
		WriteBufferSize: v.GetInt("stream.write_buffer_size"),
	}

	cfg.Monitor = MonitorConfig{
		RefreshInterval:       v.GetDuration("monitor.refresh_interval"),
		StaleAfter:            v.GetDuration("monitor.stale_after"),
		CoolOff:               v.GetDuration("monitor.cool_off"),
		MaxCrossCheckFailures: v.GetInt("monitor.max_cross_check_failures"),
		StrictComplement:      v.GetBool("monitor.strict_complement"),
		ValidateNet:           v.GetBool("monitor.validate_net"),
	}

	markets, err := ParseMarkets(v.GetStringSlice("markets"))
	if err != nil {
		return nil, err
	}
	cfg.Markets = markets

	cfg.DB = DBConfig{
		Enabled:  v.GetBool("db.enabled"),
		Host:     v.GetString("db.host"),
		Port:     v.GetInt("db.port"),
		User:     v.GetString("db.user"),
		Password: v.GetString("db.password"),
		DBName:   v.GetString("db.dbname"),
		SSLMode:  v.GetString("db.sslmode"),
	}

	cfg.Redis = RedisConfig{
		Enabled:  v.GetBool("redis.enabled"),
		Addr:     v.GetString("redis.addr"),
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	}

	cfg.Health = HealthConfig{
		Addr:           v.GetString("health.addr"),
		UpdateInterval: v.GetDuration("health.update_interval"),
	}

	return cfg, nil
}

// ParseMarkets parses "condition:main:counter" entries. Each entry may
// itself hold several triples separated by ';' or ','.
func ParseMarkets(entries []string) ([]Market, error) {
	var out []Market
	seen := make(map[string]bool)
	for _, entry := range entries {
		for _, raw := range strings.FieldsFunc(entry, func(r rune) bool { return r == ';' || r == ',' }) {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			parts := strings.Split(raw, ":")
			if len(parts) != 3 {
				return nil, fmt.Errorf("%w: %q", ErrBadMarket, raw)
			}
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
				if parts[i] == "" {
					return nil, fmt.Errorf("%w: %q", ErrBadMarket, raw)
				}
			}
			if seen[parts[0]] {
				return nil, fmt.Errorf("%w: %s listed twice", ErrBadMarket, parts[0])
			}
			seen[parts[0]] = true
			out = append(out, Market{ConditionID: parts[0], MainAssetID: parts[1], CounterAssetID: parts[2]})
		}
	}
	return out, nil
}

// Validate checks what the book daemon needs before it can start: at least
// one market, a house address and API credentials.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return ErrNoMarkets
	}
	if !common.IsHexAddress(c.Exchange.HouseAddress) {
		return fmt.Errorf("%w: %q", ErrBadHouseAddress, c.Exchange.HouseAddress)
	}
	if c.Credentials.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Credentials.Secret == "" && c.Credentials.SecretCiphertext == "" {
		return ErrMissingAPISecret
	}
	return nil
}
