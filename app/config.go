package parley

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

const (
	SQLiteDriver   = "sqlite"
	PostgresDriver = "postgres"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	Mode     Mode   `validate:"required,oneof=dev prod"`
	Auth     struct {
		// Secret is the Secret key used to verify JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
	}
	Store struct {
		// Driver selects the conversation store: sqlite or postgres.
		Driver string `validate:"required,oneof=sqlite postgres"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required"`
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required"`
	}
	Postgres struct {
		URL        string
		Migrations string `validate:"required"`
	}
	WS struct {
		// SendBuffer is the number of outbound events queued per connection.
		SendBuffer int `validate:"gte=1"`
		// MaxMessageSize is the largest inbound frame in bytes.
		MaxMessageSize int64 `validate:"gte=512"`
	}
	Calls struct {
		// RingTimeout is how long a call may ring before it is missed. Zero disables it.
		RingTimeout time.Duration `validate:"gte=0"`
		// Retention is how long ended calls are remembered.
		Retention time.Duration `validate:"gte=0"`
	}
	Log struct {
		Level slog.Level
	}
	TLS struct {
		Crt string
		Key string
	}
	// AllowedOrigins is a list of origins that are allowed to connect to the server.
	// The default is ["*"].
	AllowedOrigins []string
	valid          bool
}

type Base64Encoded []byte

func (b *Base64Encoded) UnmarshalText(text []byte) error {
	dec, err := base64.StdEncoding.DecodeString(string(text))
	if err != nil {
		return fmt.Errorf("base64 decode: %w", err)
	}
	*b = dec
	return nil
}

// LoadConfig loads the configuration from an optional .env file, the config file and environment variables.
// Any invalid configuration will not be loaded, and the error wil be cought in the validation step.
func LoadConfig() (*Config, error) {
	config := &Config{}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("store.driver", SQLiteDriver)
	v.SetDefault("sqlite.file", "./parley.db")
	v.SetDefault("sqlite.migrations", "./migrations/sqlite")
	v.SetDefault("postgres.url", "")
	v.SetDefault("postgres.migrations", "./migrations/postgres")
	v.SetDefault("ws.sendBuffer", 256)
	v.SetDefault("ws.maxMessageSize", 64*1024)
	v.SetDefault("calls.ringTimeout", "45s")
	v.SetDefault("calls.retention", "1m")
	v.SetDefault("log.level", "INFO")
	v.SetDefault("tls.crt", "")
	v.SetDefault("tls.key", "")
	v.SetDefault("allowedOrigins", []string{"*"})

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(config,
		viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
			mapstructure.TextUnmarshallerHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(",")),
		),
	); err != nil {
		// defer error to validation step
		return config, nil
	}
	return config, nil
}

func (c *Config) Validate() error {
	if c.valid {
		return nil
	}
	err := validate.Struct(c)
	if err != nil {
		return err
	}
	if c.Store.Driver == PostgresDriver && c.Postgres.URL == "" {
		return errors.New("postgres.url is required when store.driver is postgres")
	}
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {

	errors, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errors.Translate(trans)

	var sb strings.Builder
	for v := range maps.Values(translated) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
