// Package config loads server settings from flags, environment and an optional config file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "WHITEBOARD"

	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"
	BackendNone     = "none"
)

// Viper keys.
const (
	KeyHTTPAddress            = "http.address"
	KeyAllowedOrigins         = "http.allowed_origins"
	KeyLogLevel               = "log.level"
	KeyDatabasePath           = "database.path"
	KeyPersistenceBackend     = "persistence.backend"
	KeyPersistenceDir         = "persistence.dir"
	KeyPersistenceContinuous  = "persistence.continuous"
	KeyPersistenceThrottle    = "persistence.throttle"
	KeyPersistenceTimeout     = "persistence.timeout"
	KeyPersistenceRetries     = "persistence.retries"
	KeyRoomHistoryCapacity    = "room.history_capacity"
	KeyRoomMaxBuffered        = "room.max_buffered_messages"
	KeyRoomSendBuffer         = "room.send_buffer"
	KeyRoomConnectTimeout     = "room.connect_timeout"
	KeyRoomExclusiveOwnership = "room.exclusive_ownership"
	KeyAssetsDir              = "assets.dir"
	KeyAssetsMaxBytes         = "assets.max_bytes"
	KeyUnfurlTimeout          = "unfurl.timeout"
	KeyAuthSigningSecret      = "auth.signing_secret"
	KeyAuthIssuer             = "auth.issuer"
	KeyAuthCookieName         = "auth.cookie_name"
	KeyDynamoTable            = "dynamodb.table"
	KeyDynamoRegion           = "dynamodb.region"
	KeyDynamoEndpoint         = "dynamodb.endpoint"
	KeyDynamoAccessKeyID      = "dynamodb.access_key_id"
	KeyDynamoSecretAccessKey  = "dynamodb.secret_access_key"
)

var knownBackends = map[string]struct{}{
	BackendFile:     {},
	BackendSQLite:   {},
	BackendDynamoDB: {},
	BackendMemory:   {},
	BackendNone:     {},
}

// AppConfig captures runtime configuration for the whiteboard server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	LogLevel       string
	DatabasePath   string

	Persistence PersistenceConfig
	Room        RoomConfig
	Assets      AssetsConfig
	Unfurl      UnfurlConfig
	Auth        AuthConfig
	DynamoDB    DynamoDBConfig
}

type PersistenceConfig struct {
	Backend    string
	Directory  string
	Continuous bool
	Throttle   time.Duration
	Timeout    time.Duration
	Retries    int
}

type RoomConfig struct {
	HistoryCapacity     int
	MaxBufferedMessages int
	SendBuffer          int
	ConnectTimeout      time.Duration
	ExclusiveOwnership  bool
}

type AssetsConfig struct {
	Directory string
	MaxBytes  int64
}

type UnfurlConfig struct {
	Timeout time.Duration
}

// AuthConfig is disabled when SigningSecret is empty.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	CookieName    string
}

func (a AuthConfig) Enabled() bool {
	return strings.TrimSpace(a.SigningSecret) != ""
}

type DynamoDBConfig struct {
	Table           string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault(KeyHTTPAddress, "0.0.0.0:5858")
	configViper.SetDefault(KeyAllowedOrigins, []string{"*"})
	configViper.SetDefault(KeyLogLevel, "info")
	configViper.SetDefault(KeyDatabasePath, "whiteboard.db")
	configViper.SetDefault(KeyPersistenceBackend, BackendFile)
	configViper.SetDefault(KeyPersistenceDir, ".rooms")
	configViper.SetDefault(KeyPersistenceContinuous, true)
	configViper.SetDefault(KeyPersistenceThrottle, 250*time.Millisecond)
	configViper.SetDefault(KeyPersistenceTimeout, 10*time.Second)
	configViper.SetDefault(KeyPersistenceRetries, 3)
	configViper.SetDefault(KeyRoomHistoryCapacity, 1000)
	configViper.SetDefault(KeyRoomMaxBuffered, 100)
	configViper.SetDefault(KeyRoomSendBuffer, 256)
	configViper.SetDefault(KeyRoomConnectTimeout, 10*time.Second)
	configViper.SetDefault(KeyRoomExclusiveOwnership, false)
	configViper.SetDefault(KeyAssetsDir, ".assets")
	configViper.SetDefault(KeyAssetsMaxBytes, int64(32<<20))
	configViper.SetDefault(KeyUnfurlTimeout, 5*time.Second)
	configViper.SetDefault(KeyAuthIssuer, "tauth")
	configViper.SetDefault(KeyAuthCookieName, "app_session")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    strings.TrimSpace(configViper.GetString(KeyHTTPAddress)),
		AllowedOrigins: splitList(configViper.GetStringSlice(KeyAllowedOrigins)),
		LogLevel:       configViper.GetString(KeyLogLevel),
		DatabasePath:   strings.TrimSpace(configViper.GetString(KeyDatabasePath)),
		Persistence: PersistenceConfig{
			Backend:    strings.ToLower(strings.TrimSpace(configViper.GetString(KeyPersistenceBackend))),
			Directory:  strings.TrimSpace(configViper.GetString(KeyPersistenceDir)),
			Continuous: configViper.GetBool(KeyPersistenceContinuous),
			Throttle:   configViper.GetDuration(KeyPersistenceThrottle),
			Timeout:    configViper.GetDuration(KeyPersistenceTimeout),
			Retries:    configViper.GetInt(KeyPersistenceRetries),
		},
		Room: RoomConfig{
			HistoryCapacity:     configViper.GetInt(KeyRoomHistoryCapacity),
			MaxBufferedMessages: configViper.GetInt(KeyRoomMaxBuffered),
			SendBuffer:          configViper.GetInt(KeyRoomSendBuffer),
			ConnectTimeout:      configViper.GetDuration(KeyRoomConnectTimeout),
			ExclusiveOwnership:  configViper.GetBool(KeyRoomExclusiveOwnership),
		},
		Assets: AssetsConfig{
			Directory: strings.TrimSpace(configViper.GetString(KeyAssetsDir)),
			MaxBytes:  configViper.GetInt64(KeyAssetsMaxBytes),
		},
		Unfurl: UnfurlConfig{
			Timeout: configViper.GetDuration(KeyUnfurlTimeout),
		},
		Auth: AuthConfig{
			SigningSecret: configViper.GetString(KeyAuthSigningSecret),
			Issuer:        strings.TrimSpace(configViper.GetString(KeyAuthIssuer)),
			CookieName:    strings.TrimSpace(configViper.GetString(KeyAuthCookieName)),
		},
		DynamoDB: DynamoDBConfig{
			Table:           strings.TrimSpace(configViper.GetString(KeyDynamoTable)),
			Region:          strings.TrimSpace(configViper.GetString(KeyDynamoRegion)),
			Endpoint:        strings.TrimSpace(configViper.GetString(KeyDynamoEndpoint)),
			AccessKeyID:     configViper.GetString(KeyDynamoAccessKeyID),
			SecretAccessKey: configViper.GetString(KeyDynamoSecretAccessKey),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if c.HTTPAddress == "" {
		return fmt.Errorf("%s is required", KeyHTTPAddress)
	}
	if _, ok := knownBackends[c.Persistence.Backend]; !ok {
		return fmt.Errorf("%s %q is not one of file, sqlite, dynamodb, memory, none", KeyPersistenceBackend, c.Persistence.Backend)
	}
	if c.Persistence.Backend == BackendFile && c.Persistence.Directory == "" {
		return fmt.Errorf("%s is required for the file backend", KeyPersistenceDir)
	}
	if c.Persistence.Backend == BackendDynamoDB && c.DynamoDB.Table == "" {
		return fmt.Errorf("%s is required for the dynamodb backend", KeyDynamoTable)
	}
	if (c.Persistence.Backend == BackendSQLite || c.Auth.Enabled()) && c.DatabasePath == "" {
		return fmt.Errorf("%s is required", KeyDatabasePath)
	}
	if c.Persistence.Retries < 0 {
		return fmt.Errorf("%s must not be negative", KeyPersistenceRetries)
	}
	if c.Room.HistoryCapacity <= 0 {
		return fmt.Errorf("%s must be positive", KeyRoomHistoryCapacity)
	}
	if c.Room.MaxBufferedMessages <= 0 {
		return fmt.Errorf("%s must be positive", KeyRoomMaxBuffered)
	}
	if c.Room.SendBuffer <= 0 {
		return fmt.Errorf("%s must be positive", KeyRoomSendBuffer)
	}
	if c.Assets.Directory == "" {
		return fmt.Errorf("%s is required", KeyAssetsDir)
	}
	if c.Auth.Enabled() && (c.Auth.Issuer == "" || c.Auth.CookieName == "") {
		return fmt.Errorf("%s and %s are required when authentication is enabled", KeyAuthIssuer, KeyAuthCookieName)
	}
	return nil
}

// splitList accepts both repeated flags and comma separated env values.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
	}
	return out
}
