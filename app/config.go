package airchat

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// EnvPrefix keeps generic variables such as HOSTNAME out of the configuration.
const EnvPrefix = "AIRCHAT"

type Mode string

const (
	DevMode  Mode = "dev"
	ProdMode Mode = "prod"
)

type Config struct {
	// Port is the Port number to listen on. The default is 8080.
	Port int `validate:"required,port" default:"8080"`
	// Hostname is the Hostname to listen on. The default is 0.0.0.0.
	Hostname string `validate:"required" default:"0.0.0.0"`
	// Mode is either dev or prod. Prod mode hardens the TLS configuration.
	Mode Mode `validate:"required,oneof=dev prod"`
	// LogLevel is one of debug, info, warn and error. The default is info.
	LogLevel string `validate:"required,oneof=debug info warn error"`
	Auth     struct {
		// Secret is the Secret key used to sign JWT tokens.
		// The secret must be a base64 encoded string. The default is a random 32 byte string.
		Secret Base64Encoded `validate:"required"`
		// TokenExp is the lifetime of a session token. The default is 24h.
		TokenExp time.Duration `validate:"required"`
	}
	SQLite struct {
		// File is the path to the SQLite database file.
		File string `validate:"required" `
		// Migrations is the path to the directory that the migration files reside.
		Migrations string `validate:"required" `
	}
	// Redis carries the change feed between instances. Without an address
	// changes are fanned out in process.
	Redis struct {
		Addr     string `validate:"omitempty,hostname_port"`
		Password string
		DB       int    `validate:"min=0"`
		Channel  string `validate:"required"`
	}
	// Admin is created at startup when set and not already registered.
	Admin struct {
		Email    string `validate:"omitempty,email"`
		Password string `validate:"required_with=Email"`
		FullName string
	}
	TLS struct {
		Crt string `validate:"required_with=Key"`
		Key string `validate:"required_with=Crt"`
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

func setDefaults(v *viper.Viper) error {
	v.SetDefault("port", 8080)
	v.SetDefault("hostname", "0.0.0.0")
	v.SetDefault("mode", string(DevMode))
	v.SetDefault("loglevel", "info")
	// generate a random secret key
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	v.SetDefault("auth.secret", base64.StdEncoding.EncodeToString(secret))
	v.SetDefault("auth.tokenexp", "24h")
	v.SetDefault("sqlite.file", "./airchat.db")
	v.SetDefault("sqlite.migrations", "./migrations")
	v.SetDefault("redis.channel", "airchat:changes")
	v.SetDefault("redis.db", 0)
	v.SetDefault("allowedorigins", []string{"*"})
	// keys without a default are invisible to AutomaticEnv on Unmarshal
	for _, key := range []string{"redis.addr", "redis.password", "admin.email",
		"admin.password", "admin.fullname", "tls.crt", "tls.key"} {
		v.SetDefault(key, "")
	}
	return nil
}

// LoadConfig loads the configuration from the config file, if there is one,
// and environment variables. Environment variables carry the AIRCHAT_ prefix
// and nested keys have their dots replaced by underscores, e.g. AIRCHAT_AUTH_SECRET.
// Any invalid configuration will not be loaded, and the error will be caught in the validation step.
func LoadConfig(file string) (*Config, error) {
	config := &Config{}
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := setDefaults(v); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
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
	c.valid = true
	return nil
}

func FormatValidationErrors(err error) string {
	var errs validator.ValidationErrors
	if !errors.As(err, &errs) {
		return err.Error()
	}
	trans, _ := uniTrans.GetTranslator("en")
	translated := errs.Translate(trans)

	var sb strings.Builder
	for _, v := range slices.Sorted(maps.Values(translated)) {
		sb.WriteString(v)
		sb.WriteString("\n")
	}
	return sb.String()
}
