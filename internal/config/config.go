// Package config resolves uploader and backend settings from flags,
// environment variables and an optional config file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	uperr "github.com/stefando/chunkedUpload/internal/errors"
)

// FileName is the config file base name, without extension
const FileName = "uploader"

// Source resolves a configuration key. Explicit CLI flags, env vars, the
// config file and defaults are layered behind it.
type Source interface {
	String(key string) string
	Bool(key string) bool
	Duration(key string) time.Duration
}

// ViperSource reads keys straight from a viper instance
type ViperSource struct {
	V *viper.Viper
}

func (s ViperSource) String(key string) string          { return s.V.GetString(key) }
func (s ViperSource) Bool(key string) bool              { return s.V.GetBool(key) }
func (s ViperSource) Duration(key string) time.Duration { return s.V.GetDuration(key) }

// Load prepares v: defaults, UPLOADER_ env vars, the legacy deployment
// env vars, and the config file from dir, ".", or $HOME/.uploader. It
// reports whether a config file was read. A missing file is only an error
// when required.
func Load(v *viper.Viper, dir string, required bool) (bool, error) {
	SetDefaults(v)

	v.SetEnvPrefix("UPLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Names used by the deployed stack
	_ = v.BindEnv("shared_bucket", "UPLOADER_SHARED_BUCKET", "SHARED_BUCKET")
	_ = v.BindEnv("tenant_access_role_arn", "UPLOADER_TENANT_ACCESS_ROLE_ARN", "TENANT_ACCESS_ROLE_ARN")
	_ = v.BindEnv("stack_name", "UPLOADER_STACK_NAME", "STACK_NAME")
	_ = v.BindEnv("region", "UPLOADER_REGION", "AWS_REGION")
	_ = v.BindEnv("tenant_table", "UPLOADER_TENANT_TABLE", "TABLE_NAME")

	v.SetConfigName(FileName)
	if dir != "" {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.uploader")

	if err := v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			if required {
				return false, uperr.Configf("config file not found: %s", FileName)
			}
			log.Debug().Msgf("Config file not found: %s", FileName)
			return false, nil
		}
		return false, uperr.Configf("failed to load config file: %v", err)
	}
	log.Info().Msgf("Loaded config file: %s", v.ConfigFileUsed())

	return true, nil
}

// SetDefaults registers the default of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("chunk_size", "10MiB")
	v.SetDefault("max_size", "10GiB")
	v.SetDefault("field_name", "video_file")
	v.SetDefault("csrf_cookie", "csrftoken")
	v.SetDefault("csrf_header", "X-CSRFToken")
	v.SetDefault("csrf_path", "/api/movies/upload/csrf/")
	v.SetDefault("token_file", defaultTokenFile())
	v.SetDefault("stack_name", "upload-demo")
	v.SetDefault("request_timeout", 60*time.Second)
	v.SetDefault("abort_timeout", 30*time.Second)
	v.SetDefault("log_level", "info")

	v.SetDefault("bind_addr", ":8080")
	v.SetDefault("presign_expiry", 2*time.Hour)
	v.SetDefault("key_prefix", "uploads")
	v.SetDefault("require_auth", false)
}

func defaultTokenFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".uploader", "token.json")
	}
	return filepath.Join(home, ".uploader", "token.json")
}

// Client holds the settings of the upload and login commands
type Client struct {
	BackendURL     string
	ChunkSize      int64
	MaxSize        int64
	FieldName      string
	CSRFCookie     string
	CSRFHeader     string
	CSRFPath       string
	CSRFToken      string
	TokenFile      string
	StackName      string
	Region         string
	RequestTimeout time.Duration
	AbortTimeout   time.Duration
	LogLevel       string
}

// LoadClient resolves the client settings from src
func LoadClient(src Source) (Client, error) {
	chunkSize, err := parseSize(src, "chunk_size")
	if err != nil {
		return Client{}, err
	}
	maxSize, err := parseSize(src, "max_size")
	if err != nil {
		return Client{}, err
	}

	return Client{
		BackendURL:     strings.TrimRight(src.String("backend_url"), "/"),
		ChunkSize:      chunkSize,
		MaxSize:        maxSize,
		FieldName:      src.String("field_name"),
		CSRFCookie:     src.String("csrf_cookie"),
		CSRFHeader:     src.String("csrf_header"),
		CSRFPath:       src.String("csrf_path"),
		CSRFToken:      src.String("csrf_token"),
		TokenFile:      src.String("token_file"),
		StackName:      src.String("stack_name"),
		Region:         src.String("region"),
		RequestTimeout: src.Duration("request_timeout"),
		AbortTimeout:   src.Duration("abort_timeout"),
		LogLevel:       src.String("log_level"),
	}, nil
}

// Validate checks the settings an upload needs
func (c Client) Validate() error {
	if c.BackendURL == "" {
		return uperr.Configf("backend_url is required")
	}
	if c.ChunkSize <= 0 {
		return uperr.Configf("chunk_size must be positive")
	}
	if c.MaxSize <= 0 {
		return uperr.Configf("max_size must be positive")
	}
	if c.ChunkSize > c.MaxSize {
		return uperr.Configf("chunk_size %s exceeds max_size %s",
			humanize.IBytes(uint64(c.ChunkSize)), humanize.IBytes(uint64(c.MaxSize)))
	}
	return nil
}

// Server holds the settings of the reference backend
type Server struct {
	BindAddr            string
	SharedBucket        string
	TenantAccessRoleARN string
	Region              string
	OIDCIssuer          string
	OIDCClientID        string
	RequireAuth         bool
	PresignExpiry       time.Duration
	KeyPrefix           string
	CSRFCookie          string
	CSRFHeader          string
	LogLevel            string
}

// LoadServer resolves the backend settings from src
func LoadServer(src Source) (Server, error) {
	s := Server{
		BindAddr:            src.String("bind_addr"),
		SharedBucket:        src.String("shared_bucket"),
		TenantAccessRoleARN: src.String("tenant_access_role_arn"),
		Region:              src.String("region"),
		OIDCIssuer:          src.String("oidc_issuer"),
		OIDCClientID:        src.String("oidc_client_id"),
		RequireAuth:         src.Bool("require_auth"),
		PresignExpiry:       src.Duration("presign_expiry"),
		KeyPrefix:           strings.Trim(src.String("key_prefix"), "/"),
		CSRFCookie:          src.String("csrf_cookie"),
		CSRFHeader:          src.String("csrf_header"),
		LogLevel:            src.String("log_level"),
	}

	if s.SharedBucket == "" {
		return Server{}, uperr.Configf("shared_bucket is required")
	}
	if s.PresignExpiry <= 0 {
		return Server{}, uperr.Configf("presign_expiry must be positive")
	}
	if s.RequireAuth && s.OIDCIssuer == "" {
		log.Warn().Msg("require_auth without oidc_issuer trusts unverified tokens")
	}
	return s, nil
}

func parseSize(src Source, key string) (int64, error) {
	raw := strings.TrimSpace(src.String(key))
	if raw == "" {
		return 0, uperr.Configf("%s is required", key)
	}
	n, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, uperr.Configf("invalid %s %q: %v", key, raw, err)
	}
	if n > 1<<62 {
		return 0, uperr.Configf("%s %q is too large", key, raw)
	}
	return int64(n), nil
}

// String renders c for startup logs. The anti-forgery token is masked.
func (c Client) String() string {
	token := ""
	if c.CSRFToken != "" {
		token = "***"
	}
	return fmt.Sprintf("backend=%s chunk=%s max=%s field=%s csrf_token=%s",
		c.BackendURL, humanize.IBytes(uint64(c.ChunkSize)), humanize.IBytes(uint64(c.MaxSize)), c.FieldName, token)
}
